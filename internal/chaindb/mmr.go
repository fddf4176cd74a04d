package chaindb

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/chainstate/internal/chain"
	"github.com/roach88/chainstate/internal/merkle"
)

// mmrCacheSize bounds the per-operation node memoization. Proof paths
// revisit the same rows while walking subtrees; the cache keeps each row to
// one query.
const mmrCacheSize = 64

type nodeRec struct {
	mmr      []byte
	hashPrev chain.Hash
}

// nodeAccessor resolves MMR node payloads from the States table. One
// accessor lives for one MMR operation; returned data is valid until the
// accessor is dropped.
type nodeAccessor struct {
	s     *Store
	cache *lru.Cache[uint64, nodeRec]
}

func (s *Store) newNodeAccessor() (*nodeAccessor, error) {
	cache, err := lru.New[uint64, nodeRec](mmrCacheSize)
	if err != nil {
		return nil, err
	}
	return &nodeAccessor{s: s, cache: cache}, nil
}

func (a *nodeAccessor) load(rowid uint64) (nodeRec, error) {
	if rec, ok := a.cache.Get(rowid); ok {
		return rec, nil
	}

	vals, ok, err := a.s.queryRow(queryMmrGet,
		"SELECT Mmr, HashPrev FROM States WHERE rowid=?", int64(rowid))
	if err != nil {
		return nodeRec{}, err
	}
	if !ok {
		return nodeRec{}, ErrNotFound
	}

	hashPrev, err := asHash(vals[1])
	if err != nil {
		return nodeRec{}, err
	}
	rec := nodeRec{mmr: asBytes(vals[0]), hashPrev: hashPrev}
	a.cache.Add(rowid, rec)
	return rec, nil
}

// NodeData implements merkle.NodeStore.
func (a *nodeAccessor) NodeData(rowid uint64) ([]byte, error) {
	rec, err := a.load(rowid)
	if err != nil {
		return nil, err
	}
	if rec.mmr == nil {
		return nil, invariantf("mmr node of row %d not materialized", rowid)
	}
	return rec.mmr, nil
}

// NodeHash implements merkle.NodeStore: the hash contributed at a row's
// slot is its HashPrev.
func (a *nodeAccessor) NodeHash(rowid uint64) (chain.Hash, error) {
	rec, err := a.load(rowid)
	if err != nil {
		return chain.Hash{}, err
	}
	return rec.hashPrev, nil
}

// buildMmr materializes the MMR node of a row that just became reachable.
// Exactly once per row: a non-null Mmr blob makes this a no-op.
func (s *Store) buildMmr(rowid, rowPrev, h uint64) error {
	acc, err := s.newNodeAccessor()
	if err != nil {
		return err
	}

	rec, err := acc.load(rowid)
	if err != nil {
		return err
	}
	if rec.mmr != nil {
		return nil
	}

	d := &merkle.DMMR{Store: acc, Count: h, Last: rowPrev}
	buf := make([]byte, merkle.NodeSize(h))
	if err := d.Append(rowid, buf, rec.hashPrev); err != nil {
		return err
	}

	res, err := s.exec(queryMmrSet,
		"UPDATE States SET Mmr=? WHERE rowid=?", buf, int64(rowid))
	if err != nil {
		return err
	}
	return changedExactly1(res)
}

// GetProof proves that the header at height hPrev belongs to the history
// committed by the successor of sid. The proof verifies against
// PredictedStatesHash(sid), with the leaf being the HashPrev of the row at
// hPrev on sid's chain.
func (s *Store) GetProof(sid chain.StateID, hPrev uint64) (merkle.Proof, error) {
	if hPrev > sid.Height {
		return nil, invariantf("proof height %d beyond state height %d", hPrev, sid.Height)
	}

	hdr, err := s.GetState(sid.Row)
	if err != nil {
		return nil, err
	}
	acc, err := s.newNodeAccessor()
	if err != nil {
		return nil, err
	}

	d := &merkle.DMMR{Store: acc, Count: sid.Height + 1, Last: sid.Row}
	return d.GetProof(hPrev, hdr.Hash())
}

// PredictedStatesHash returns the history root a successor of sid would
// commit to: the full header at sid folded into the MMR as one more leaf.
func (s *Store) PredictedStatesHash(sid chain.StateID) (chain.Hash, error) {
	hdr, err := s.GetState(sid.Row)
	if err != nil {
		return chain.Hash{}, err
	}
	acc, err := s.newNodeAccessor()
	if err != nil {
		return chain.Hash{}, err
	}

	d := &merkle.DMMR{Store: acc, Count: sid.Height + 1, Last: sid.Row}
	return d.PredictedRoot(hdr.Hash())
}
