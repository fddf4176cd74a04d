package chaindb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainstate/internal/chain"
	"github.com/roach88/chainstate/internal/merkle"
	"github.com/roach88/chainstate/internal/testutil"
)

func TestMmr_NodesMaterializeOnReachability(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(4)
	rows := insertChain(t, s, headers)

	// Functional alone is not enough: only reachability writes nodes.
	setFunctionalAll(t, s, rows[1], rows[2], rows[3])
	for _, row := range rows {
		assert.Nil(t, mmrBlob(t, s, row))
	}

	setFunctionalAll(t, s, rows[0])
	for i, row := range rows {
		blob := mmrBlob(t, s, row)
		require.NotNil(t, blob, "row %d", row)
		assert.Len(t, blob, merkle.NodeSize(uint64(i)))
	}
}

func TestMmr_WriteOnce(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(2)
	rows := insertChain(t, s, headers)
	setFunctionalAll(t, s, rows...)

	before := mmrBlob(t, s, rows[1])

	// Bounce the tip out of and back into reachability. The stale node is
	// reused, not rebuilt.
	inTx(t, s, func() {
		require.NoError(t, s.SetStateNotFunctional(rows[1]))
		require.NoError(t, s.SetStateFunctional(rows[1]))
	})
	assert.Equal(t, before, mmrBlob(t, s, rows[1]))
}

func TestGetProof_VerifiesAgainstPredictedStatesHash(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(8)
	rows := insertChain(t, s, headers)
	setFunctionalAll(t, s, rows...)

	sid := chain.StateID{Height: 7, Row: rows[7]}
	root, err := s.PredictedStatesHash(sid)
	require.NoError(t, err)

	for hPrev := uint64(0); hPrev <= sid.Height; hPrev++ {
		proof, err := s.GetProof(sid, hPrev)
		require.NoError(t, err, "hPrev=%d", hPrev)

		// The hash contributed at slot hPrev is that row's HashPrev.
		leaf := headers[hPrev].Prev
		assert.True(t, merkle.Verify(proof, leaf, root), "hPrev=%d", hPrev)
	}
}

func TestGetProof_IntermediateStates(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(6)
	rows := insertChain(t, s, headers)
	setFunctionalAll(t, s, rows...)

	// Proofs anchor at any reachable state, not just the tip.
	for h := uint64(0); h < 6; h++ {
		sid := chain.StateID{Height: h, Row: rows[h]}
		root, err := s.PredictedStatesHash(sid)
		require.NoError(t, err)

		for hPrev := uint64(0); hPrev <= h; hPrev++ {
			proof, err := s.GetProof(sid, hPrev)
			require.NoError(t, err, "h=%d hPrev=%d", h, hPrev)
			assert.True(t, merkle.Verify(proof, headers[hPrev].Prev, root), "h=%d hPrev=%d", h, hPrev)
		}
	}
}

func TestGetProof_ForkBranch(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(3)
	rows := insertChain(t, s, headers)
	setFunctionalAll(t, s, rows...)

	// A competing branch off H1 carries its own MMR tail.
	forkHeaders := []chain.Header{testutil.Child(&headers[1], 9)}
	forkHeaders = append(forkHeaders, testutil.Child(&forkHeaders[0], 9))
	var forkRows [2]uint64
	inTx(t, s, func() {
		var err error
		forkRows[0], err = s.InsertState(&forkHeaders[0])
		require.NoError(t, err)
		forkRows[1], err = s.InsertState(&forkHeaders[1])
		require.NoError(t, err)
	})
	setFunctionalAll(t, s, forkRows[0], forkRows[1])

	sid := chain.StateID{Height: 3, Row: forkRows[1]}
	root, err := s.PredictedStatesHash(sid)
	require.NoError(t, err)

	wantLeaves := []chain.Hash{
		headers[0].Prev, headers[1].Prev, headers[2].Prev, forkHeaders[1].Prev,
	}
	for hPrev := uint64(0); hPrev <= 3; hPrev++ {
		proof, err := s.GetProof(sid, hPrev)
		require.NoError(t, err, "hPrev=%d", hPrev)
		assert.True(t, merkle.Verify(proof, wantLeaves[hPrev], root), "hPrev=%d", hPrev)
	}
}

func TestGetProof_BeyondStateHeight(t *testing.T) {
	s := openTestStore(t)
	rows := insertChain(t, s, testutil.Chain(2))
	setFunctionalAll(t, s, rows...)

	var inv *InvariantError
	_, err := s.GetProof(chain.StateID{Height: 0, Row: rows[0]}, 1)
	require.ErrorAs(t, err, &inv)
}
