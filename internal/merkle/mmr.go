// Package merkle implements the distributed Merkle Mountain Range used to
// commit the header history of the active chain.
//
// The MMR is "distributed" in the sense that it owns no storage of its own:
// every appended leaf produces one opaque node blob, and the caller persists
// that blob next to the leaf it belongs to. Reads go back through a NodeStore,
// keyed by whatever identifier the caller used when appending (the storage
// engine uses header row ids).
//
// Node layout for the leaf at slot n (leaf count n before the append):
//
//	roots:  (v+1) hashes, where v = trailing zero bits of n+1.
//	        roots[j] is the root of the perfect subtree of 2^j leaves
//	        ending at slot n (roots[0] is the leaf hash itself).
//	links:  one 8-byte big-endian key per power 2^j <= n, pointing at the
//	        leaf at slot n-2^j. The skip links make any earlier slot
//	        reachable in O(log n) node reads.
package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/roach88/chainstate/internal/chain"
)

// NodeStore resolves the persisted side of the MMR.
//
// NodeData returns the node blob written by a previous Append under the given
// key. NodeHash returns the hash that was appended at that key's slot.
// Returned slices are only valid until the next call.
type NodeStore interface {
	NodeData(key uint64) ([]byte, error)
	NodeHash(key uint64) (chain.Hash, error)
}

// ProofStep is one sibling on a Merkle path. Right reports whether the
// sibling hash sits to the right of the running hash.
type ProofStep struct {
	Right bool
	Hash  chain.Hash
}

// Proof is a Merkle path from a leaf up to the MMR root.
type Proof []ProofStep

// DMMR is a view over a distributed MMR with Count materialized leaves, the
// last of which was appended under key Last.
type DMMR struct {
	Store NodeStore
	Count uint64
	Last  uint64
}

// NodeSize returns the node blob size for the leaf appended when the MMR
// holds n leaves. It is never zero.
func NodeSize(n uint64) int {
	v := bits.TrailingZeros64(n + 1)
	return (v + 1) * chain.HashSize + bits.Len64(n) * 8
}

func combine(l, r chain.Hash) chain.Hash {
	d := sha256.New()
	d.Write(l[:])
	d.Write(r[:])
	var out chain.Hash
	d.Sum(out[:0])
	return out
}

// parseNode splits the node blob of the leaf at the given slot into its
// subtree roots and skip links.
func parseNode(slot uint64, data []byte) (roots []chain.Hash, links []uint64, err error) {
	if len(data) != NodeSize(slot) {
		return nil, nil, fmt.Errorf("mmr node at slot %d: size %d, want %d", slot, len(data), NodeSize(slot))
	}

	nRoots := bits.TrailingZeros64(slot+1) + 1
	roots = make([]chain.Hash, nRoots)
	for j := range roots {
		copy(roots[j][:], data[j*chain.HashSize:])
	}

	off := nRoots * chain.HashSize
	links = make([]uint64, bits.Len64(slot))
	for j := range links {
		links[j] = binary.BigEndian.Uint64(data[off+j*8:])
	}
	return roots, links, nil
}

// Append fills buf with the node blob for the leaf appended under key, whose
// hash is leaf. The receiver must describe the MMR before the append: the new
// leaf gets slot d.Count and d.Last must key slot d.Count-1. Append does not
// persist anything; the caller writes buf next to the new leaf.
func (d *DMMR) Append(key uint64, buf []byte, leaf chain.Hash) error {
	n := d.Count
	if len(buf) != NodeSize(n) {
		return fmt.Errorf("mmr append at slot %d: buffer %d, want %d", n, len(buf), NodeSize(n))
	}

	// Skip links. links[0] is the previous leaf; every further link halves
	// the remaining distance by following the previous node's links.
	links := make([]uint64, bits.Len64(n))
	if len(links) > 0 {
		links[0] = d.Last
	}
	for j := 1; j < len(links); j++ {
		data, err := d.Store.NodeData(links[j-1])
		if err != nil {
			return err
		}
		_, prevLinks, err := parseNode(n-1<<(j-1), data)
		if err != nil {
			return err
		}
		links[j] = prevLinks[j-1]
	}

	// Subtree roots. roots[j] merges the right-aligned subtree of size
	// 2^(j-1) ending at slot n-2^(j-1) with our own roots[j-1].
	v := bits.TrailingZeros64(n + 1)
	roots := make([]chain.Hash, v+1)
	roots[0] = leaf
	for j := 1; j <= v; j++ {
		data, err := d.Store.NodeData(links[j-1])
		if err != nil {
			return err
		}
		prevRoots, _, err := parseNode(n-1<<(j-1), data)
		if err != nil {
			return err
		}
		roots[j] = combine(prevRoots[j-1], roots[j-1])
	}

	for j := range roots {
		copy(buf[j*chain.HashSize:], roots[j][:])
	}
	off := len(roots) * chain.HashSize
	for j := range links {
		binary.BigEndian.PutUint64(buf[off+j*8:], links[j])
	}
	return nil
}

// keyAt resolves the append key of the leaf at the given slot by walking the
// skip links back from the last materialized leaf.
func (d *DMMR) keyAt(slot uint64) (uint64, error) {
	if slot >= d.Count {
		return 0, fmt.Errorf("mmr slot %d out of range (count %d)", slot, d.Count)
	}

	pos, key := d.Count-1, d.Last
	for pos > slot {
		data, err := d.Store.NodeData(key)
		if err != nil {
			return 0, err
		}
		_, links, err := parseNode(pos, data)
		if err != nil {
			return 0, err
		}

		j := uint(bits.Len64(pos-slot)) - 1 // largest 2^j <= distance
		key = links[j]
		pos -= 1 << j
	}
	return key, nil
}

// subtreeRoot returns the root of the perfect subtree of 2^logSize leaves
// ending just before slot end (end is exclusive; the last leaf is at slot
// end-1). When the range covers the virtual tail leaf (slot d.Count, hash
// virt), the affected nodes are folded on the fly.
func (d *DMMR) subtreeRoot(end uint64, logSize uint, virt *chain.Hash) (chain.Hash, error) {
	if end <= d.Count {
		key, err := d.keyAt(end - 1)
		if err != nil {
			return chain.Hash{}, err
		}
		if logSize == 0 {
			return d.Store.NodeHash(key)
		}

		data, err := d.Store.NodeData(key)
		if err != nil {
			return chain.Hash{}, err
		}
		roots, _, err := parseNode(end-1, data)
		if err != nil {
			return chain.Hash{}, err
		}
		if int(logSize) >= len(roots) {
			return chain.Hash{}, fmt.Errorf("mmr node at slot %d holds no subtree of size %d", end-1, uint64(1)<<logSize)
		}
		return roots[logSize], nil
	}

	// end == d.Count+1: the range ends at the virtual leaf.
	if virt == nil {
		return chain.Hash{}, fmt.Errorf("mmr slot %d not materialized", end-1)
	}
	if logSize == 0 {
		return *virt, nil
	}
	left, err := d.subtreeRoot(end-1<<(logSize-1), logSize-1, virt)
	if err != nil {
		return chain.Hash{}, err
	}
	right, err := d.subtreeRoot(end, logSize-1, virt)
	if err != nil {
		return chain.Hash{}, err
	}
	return combine(left, right), nil
}

type peak struct {
	end     uint64
	logSize uint
}

// peaksOf decomposes an MMR of total leaves into its perfect-subtree peaks,
// largest first.
func peaksOf(total uint64) []peak {
	var ps []peak
	var off uint64
	for b := 63; b >= 0; b-- {
		if total&(1<<uint(b)) == 0 {
			continue
		}
		off += 1 << uint(b)
		ps = append(ps, peak{end: off, logSize: uint(b)})
	}
	return ps
}

// root folds an MMR of total leaves into a single hash, left to right.
func (d *DMMR) root(total uint64, virt *chain.Hash) (chain.Hash, error) {
	if total == 0 {
		return chain.Hash{}, nil
	}

	var acc chain.Hash
	for i, p := range peaksOf(total) {
		r, err := d.subtreeRoot(p.end, p.logSize, virt)
		if err != nil {
			return chain.Hash{}, err
		}
		if i == 0 {
			acc = r
		} else {
			acc = combine(acc, r)
		}
	}
	return acc, nil
}

// Root returns the root over the materialized leaves.
func (d *DMMR) Root() (chain.Hash, error) {
	return d.root(d.Count, nil)
}

// PredictedRoot returns the root the MMR would have after appending next,
// without materializing the new node.
func (d *DMMR) PredictedRoot(next chain.Hash) (chain.Hash, error) {
	return d.root(d.Count+1, &next)
}

// GetProof builds the Merkle path of the materialized leaf at slot i within
// the predicted MMR, i.e. against PredictedRoot(next).
func (d *DMMR) GetProof(i uint64, next chain.Hash) (Proof, error) {
	if i >= d.Count {
		return nil, fmt.Errorf("mmr proof slot %d out of range (count %d)", i, d.Count)
	}

	total := d.Count + 1
	peaks := peaksOf(total)

	pi := 0
	for ; i >= peaks[pi].end; pi++ {
	}
	own := peaks[pi]

	var proof Proof

	// Path inside the owning peak. Peak starts are aligned to the peak
	// size, so the sibling ranges fall out of the bits of i directly.
	for j := uint(0); j < own.logSize; j++ {
		node := i &^ (1<<(j+1) - 1)
		if i&(1<<j) == 0 {
			h, err := d.subtreeRoot(node+1<<(j+1), j, &next)
			if err != nil {
				return nil, err
			}
			proof = append(proof, ProofStep{Right: true, Hash: h})
		} else {
			h, err := d.subtreeRoot(node+1<<j, j, &next)
			if err != nil {
				return nil, err
			}
			proof = append(proof, ProofStep{Right: false, Hash: h})
		}
	}

	// Bag the other peaks: everything left of the owning peak folds into a
	// single left sibling, every peak right of it is appended in order.
	if pi > 0 {
		var acc chain.Hash
		for k := 0; k < pi; k++ {
			r, err := d.subtreeRoot(peaks[k].end, peaks[k].logSize, &next)
			if err != nil {
				return nil, err
			}
			if k == 0 {
				acc = r
			} else {
				acc = combine(acc, r)
			}
		}
		proof = append(proof, ProofStep{Right: false, Hash: acc})
	}
	for q := pi + 1; q < len(peaks); q++ {
		r, err := d.subtreeRoot(peaks[q].end, peaks[q].logSize, &next)
		if err != nil {
			return nil, err
		}
		proof = append(proof, ProofStep{Right: true, Hash: r})
	}

	return proof, nil
}

// Verify folds leaf along the proof and compares the result with root.
func Verify(proof Proof, leaf, root chain.Hash) bool {
	acc := leaf
	for _, step := range proof {
		if step.Right {
			acc = combine(acc, step.Hash)
		} else {
			acc = combine(step.Hash, acc)
		}
	}
	return acc == root
}
