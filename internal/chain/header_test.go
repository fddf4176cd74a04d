package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderHash_Deterministic(t *testing.T) {
	h := Header{
		Height:      3,
		Difficulty:  70,
		Timestamp:   1_600_000_180,
		LiveObjects: []byte("live"),
		History:     []byte("hist"),
	}
	require.Equal(t, h.Hash(), h.Hash())
}

func TestHeaderHash_FieldsMatter(t *testing.T) {
	base := Header{Height: 1, Difficulty: 10, Timestamp: 20, LiveObjects: []byte("a"), History: []byte("b")}

	mutations := []func(*Header){
		func(h *Header) { h.Height = 2 },
		func(h *Header) { h.Prev[0] = 1 },
		func(h *Header) { h.Difficulty = 11 },
		func(h *Header) { h.Timestamp = 21 },
		func(h *Header) { h.LiveObjects = []byte("x") },
		func(h *Header) { h.History = []byte("y") },
	}
	for i, mutate := range mutations {
		m := base
		mutate(&m)
		assert.NotEqual(t, base.Hash(), m.Hash(), "mutation %d did not change the hash", i)
	}
}

func TestHeaderHash_LengthPrefixed(t *testing.T) {
	// Shifting a byte across the LiveObjects/History boundary must change
	// the hash.
	a := Header{LiveObjects: []byte("ab"), History: []byte("c")}
	b := Header{LiveObjects: []byte("a"), History: []byte("bc")}
	require.NotEqual(t, a.Hash(), b.Hash())
}

func TestHashIsZero(t *testing.T) {
	assert.True(t, ZeroHash.IsZero())

	var h Hash
	h[31] = 1
	assert.False(t, h.IsZero())
}

func TestStateIDIsZero(t *testing.T) {
	assert.True(t, StateID{}.IsZero())
	assert.True(t, StateID{Height: 5}.IsZero(), "height without row still means no state")
	assert.False(t, StateID{Height: 5, Row: 1}.IsZero())
}
