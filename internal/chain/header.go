package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// HashSize is the size of all block and node hashes.
const HashSize = 32

// Hash is a 32-byte content hash.
type Hash [HashSize]byte

// ZeroHash is the conventional HashPrev of the genesis header.
var ZeroHash Hash

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Header is a block header as seen by the storage engine.
//
// The engine treats every field except Height and Prev as opaque: it never
// interprets Difficulty, Timestamp, LiveObjects or History, it only persists
// them and folds them into the header's content hash.
type Header struct {
	Height      uint64
	Prev        Hash // parent hash; ZeroHash at Height 0
	Difficulty  uint64
	Timestamp   uint64
	LiveObjects []byte
	History     []byte
}

// Hash computes the content hash of the header.
//
// The encoding is length-prefixed so that (LiveObjects, History) pairs with
// shifted boundaries never collide.
func (h *Header) Hash() Hash {
	d := sha256.New()

	var scratch [8]byte
	putU64 := func(v uint64) {
		binary.BigEndian.PutUint64(scratch[:], v)
		d.Write(scratch[:])
	}

	putU64(h.Height)
	d.Write(h.Prev[:])
	putU64(h.Difficulty)
	putU64(h.Timestamp)
	putU64(uint64(len(h.LiveObjects)))
	d.Write(h.LiveObjects)
	putU64(uint64(len(h.History)))
	d.Write(h.History)

	var out Hash
	d.Sum(out[:0])
	return out
}

// StateID names a persisted header: its height and its store row id.
// The zero StateID means "no state" (row ids start at 1).
type StateID struct {
	Height uint64
	Row    uint64
}

// IsZero reports whether the id names no state.
func (sid StateID) IsZero() bool {
	return sid.Row == 0
}
