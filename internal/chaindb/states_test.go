package chaindb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainstate/internal/chain"
	"github.com/roach88/chainstate/internal/testutil"
)

// insertChain inserts the headers in order and returns their row ids.
func insertChain(t *testing.T, s *Store, headers []chain.Header) []uint64 {
	t.Helper()
	rows := make([]uint64, len(headers))
	inTx(t, s, func() {
		for i := range headers {
			row, err := s.InsertState(&headers[i])
			require.NoError(t, err)
			rows[i] = row
		}
	})
	return rows
}

func setFunctionalAll(t *testing.T, s *Store, rows ...uint64) {
	t.Helper()
	inTx(t, s, func() {
		for _, row := range rows {
			require.NoError(t, s.SetStateFunctional(row))
		}
	})
}

func TestLinearChain(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(3)
	rows := insertChain(t, s, headers)
	requireClean(t, s)

	setFunctionalAll(t, s, rows...)
	requireClean(t, s)

	for _, row := range rows {
		flags, err := s.GetStateFlags(row)
		require.NoError(t, err)
		assert.Equal(t, FlagFunctional|FlagReachable, flags)
	}

	assert.Equal(t,
		[]chain.StateID{{Height: 2, Row: rows[2]}},
		tips(t, s))
	assert.Equal(t,
		[]chain.StateID{{Height: 2, Row: rows[2]}},
		reachableTips(t, s))

	for _, row := range rows {
		assert.NotNil(t, mmrBlob(t, s, row), "row %d has no mmr node", row)
	}
}

func TestOutOfOrderArrival(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(3)

	// Insert the grandchild first, then the child, then genesis.
	var rows [3]uint64
	inTx(t, s, func() {
		var err error
		rows[2], err = s.InsertState(&headers[2])
		require.NoError(t, err)
		rows[1], err = s.InsertState(&headers[1])
		require.NoError(t, err)
		rows[0], err = s.InsertState(&headers[0])
		require.NoError(t, err)
	})
	requireClean(t, s)

	// Nothing is functional yet, and adoption collapsed the tip set to the
	// highest header alone.
	for _, row := range rows {
		flags, err := s.GetStateFlags(row)
		require.NoError(t, err)
		assert.Zero(t, flags)
	}
	assert.Equal(t,
		[]chain.StateID{{Height: 2, Row: rows[2]}},
		tips(t, s))
	assert.Empty(t, reachableTips(t, s))

	setFunctionalAll(t, s, rows[0], rows[1], rows[2])
	requireClean(t, s)

	for _, row := range rows {
		flags, err := s.GetStateFlags(row)
		require.NoError(t, err)
		assert.Equal(t, FlagFunctional|FlagReachable, flags)
	}
	assert.Equal(t,
		[]chain.StateID{{Height: 2, Row: rows[2]}},
		reachableTips(t, s))
}

// forkFixture builds H0-H1 with two functional children H2a/H2b on H1.
func forkFixture(t *testing.T, s *Store) (rows []uint64, h2a, h2b uint64) {
	t.Helper()
	headers := testutil.Chain(2)
	rows = insertChain(t, s, headers)
	setFunctionalAll(t, s, rows...)

	a := testutil.Child(&headers[1], 1)
	b := testutil.Child(&headers[1], 2)
	inTx(t, s, func() {
		var err error
		h2a, err = s.InsertState(&a)
		require.NoError(t, err)
		h2b, err = s.InsertState(&b)
		require.NoError(t, err)
	})
	setFunctionalAll(t, s, h2a, h2b)
	return rows, h2a, h2b
}

func TestFork(t *testing.T) {
	s := openTestStore(t)
	rows, h2a, h2b := forkFixture(t, s)
	requireClean(t, s)

	countNext, countNextF := readCounts(t, s, rows[1])
	assert.Equal(t, uint32(2), countNext)
	assert.Equal(t, uint32(2), countNextF)

	assert.ElementsMatch(t,
		[]chain.StateID{{Height: 2, Row: h2a}, {Height: 2, Row: h2b}},
		tips(t, s))
	assert.ElementsMatch(t,
		[]chain.StateID{{Height: 2, Row: h2a}, {Height: 2, Row: h2b}},
		reachableTips(t, s))
}

func TestClearFunctional_Regression(t *testing.T) {
	s := openTestStore(t)
	rows, h2a, h2b := forkFixture(t, s)

	inTx(t, s, func() {
		require.NoError(t, s.SetStateNotFunctional(h2a))
	})
	requireClean(t, s)

	flags, err := s.GetStateFlags(h2a)
	require.NoError(t, err)
	assert.Zero(t, flags&(FlagFunctional|FlagReachable))

	_, countNextF := readCounts(t, s, rows[1])
	assert.Equal(t, uint32(1), countNextF)

	assert.ElementsMatch(t,
		[]chain.StateID{{Height: 2, Row: h2a}, {Height: 2, Row: h2b}},
		tips(t, s),
		"the cleared header stays a raw tip")
	assert.Equal(t,
		[]chain.StateID{{Height: 2, Row: h2b}},
		reachableTips(t, s))
}

func TestDeleteLeaf(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(3)
	rows := insertChain(t, s, headers)
	setFunctionalAll(t, s, rows...)

	inTx(t, s, func() {
		deleted, rowPrev, err := s.DeleteState(rows[2])
		require.NoError(t, err)
		assert.True(t, deleted)
		assert.Equal(t, rows[1], rowPrev)
	})
	requireClean(t, s)

	countNext, countNextF := readCounts(t, s, rows[1])
	assert.Zero(t, countNext)
	assert.Zero(t, countNextF)

	assert.Equal(t,
		[]chain.StateID{{Height: 1, Row: rows[1]}},
		tips(t, s))
	assert.Equal(t,
		[]chain.StateID{{Height: 1, Row: rows[1]}},
		reachableTips(t, s))

	_, _, err := s.DeleteState(rows[2])
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_RefusesChildren(t *testing.T) {
	s := openTestStore(t)
	rows := insertChain(t, s, testutil.Chain(2))

	deleted, _, err := s.DeleteState(rows[0])
	require.ErrorIs(t, err, ErrDeleteHasChildren)
	assert.False(t, deleted)
	requireClean(t, s)
}

func TestDelete_RefusesActive(t *testing.T) {
	s := openTestStore(t)
	rows := insertChain(t, s, testutil.Chain(1))
	setFunctionalAll(t, s, rows...)
	inTx(t, s, func() {
		require.NoError(t, s.MoveFwd(chain.StateID{Height: 0, Row: rows[0]}))
	})

	var inv *InvariantError
	_, _, err := s.DeleteState(rows[0])
	require.ErrorAs(t, err, &inv)
}

func TestCursorAdvanceRetreat(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(3)
	rows := insertChain(t, s, headers)
	setFunctionalAll(t, s, rows...)

	_, ok, err := s.GetCursor()
	require.NoError(t, err)
	assert.False(t, ok)

	inTx(t, s, func() {
		for i, row := range rows {
			require.NoError(t, s.MoveFwd(chain.StateID{Height: uint64(i), Row: row}))
		}
	})

	sid, ok, err := s.GetCursor()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chain.StateID{Height: 2, Row: rows[2]}, sid)

	for _, row := range rows {
		flags, err := s.GetStateFlags(row)
		require.NoError(t, err)
		assert.NotZero(t, flags&FlagActive)
	}

	inTx(t, s, func() {
		for range rows {
			var err error
			sid, err = s.MoveBack(sid)
			require.NoError(t, err)
		}
	})
	assert.True(t, sid.IsZero())

	_, ok, err = s.GetCursor()
	require.NoError(t, err)
	assert.False(t, ok)

	for _, row := range rows {
		flags, err := s.GetStateFlags(row)
		require.NoError(t, err)
		assert.Zero(t, flags&FlagActive)
	}
	requireClean(t, s)
}

func TestInsertDelete_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(2)
	rows := insertChain(t, s, headers)
	setFunctionalAll(t, s, rows...)

	beforeNext, beforeNextF := readCounts(t, s, rows[1])
	beforeTips := tips(t, s)
	beforeReachable := reachableTips(t, s)

	child := testutil.Child(&headers[1], 0)
	inTx(t, s, func() {
		row, err := s.InsertState(&child)
		require.NoError(t, err)
		deleted, _, err := s.DeleteState(row)
		require.NoError(t, err)
		require.True(t, deleted)
	})
	requireClean(t, s)

	afterNext, afterNextF := readCounts(t, s, rows[1])
	assert.Equal(t, beforeNext, afterNext)
	assert.Equal(t, beforeNextF, afterNextF)
	assert.Equal(t, beforeTips, tips(t, s))
	assert.Equal(t, beforeReachable, reachableTips(t, s))
}

func TestSetClearFunctional_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(3)
	rows := insertChain(t, s, headers)
	setFunctionalAll(t, s, rows[0], rows[1])

	beforeFlags, err := s.GetStateFlags(rows[2])
	require.NoError(t, err)
	beforeNext, beforeNextF := readCounts(t, s, rows[1])
	beforeReachable := reachableTips(t, s)

	inTx(t, s, func() {
		require.NoError(t, s.SetStateFunctional(rows[2]))
		require.NoError(t, s.SetStateNotFunctional(rows[2]))
	})
	requireClean(t, s)

	afterFlags, err := s.GetStateFlags(rows[2])
	require.NoError(t, err)
	assert.Equal(t, beforeFlags, afterFlags)

	afterNext, afterNextF := readCounts(t, s, rows[1])
	assert.Equal(t, beforeNext, afterNext)
	assert.Equal(t, beforeNextF, afterNextF)
	assert.Equal(t, beforeReachable, reachableTips(t, s))
}

func TestSetFunctional_Idempotent(t *testing.T) {
	s := openTestStore(t)
	rows := insertChain(t, s, testutil.Chain(1))
	setFunctionalAll(t, s, rows[0])
	setFunctionalAll(t, s, rows[0]) // second call is a no-op
	requireClean(t, s)

	flags, err := s.GetStateFlags(rows[0])
	require.NoError(t, err)
	assert.Equal(t, FlagFunctional|FlagReachable, flags)
}

func TestReachability_DeepCascade(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(6)
	rows := insertChain(t, s, headers)

	// Fork off height 2 so the cascade has to recurse on siblings.
	forkA := testutil.Child(&headers[2], 7)
	forkB := testutil.Child(&forkA, 7)
	var rowsFork [2]uint64
	inTx(t, s, func() {
		var err error
		rowsFork[0], err = s.InsertState(&forkA)
		require.NoError(t, err)
		rowsFork[1], err = s.InsertState(&forkB)
		require.NoError(t, err)
	})

	// Everything above genesis is functional but unreachable.
	setFunctionalAll(t, s, rows[1], rows[2], rows[3], rows[4], rows[5], rowsFork[0], rowsFork[1])
	requireClean(t, s)
	assert.Empty(t, reachableTips(t, s))

	// Making genesis functional floods reachability through both branches.
	setFunctionalAll(t, s, rows[0])
	requireClean(t, s)

	for _, row := range append(append([]uint64{}, rows...), rowsFork[:]...) {
		flags, err := s.GetStateFlags(row)
		require.NoError(t, err)
		assert.NotZero(t, flags&FlagReachable, "row %d not reachable", row)
	}
	assert.ElementsMatch(t,
		[]chain.StateID{{Height: 5, Row: rows[5]}, {Height: 4, Row: rowsFork[1]}},
		reachableTips(t, s))
}

func TestGetStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(2)
	rows := insertChain(t, s, headers)

	got, err := s.GetState(rows[1])
	require.NoError(t, err)
	assert.Equal(t, headers[1].Height, got.Height)
	assert.Equal(t, headers[1].Prev, got.Prev)
	assert.Equal(t, headers[1].Difficulty, got.Difficulty)
	assert.Equal(t, headers[1].Timestamp, got.Timestamp)
	assert.Equal(t, headers[1].LiveObjects, got.LiveObjects)
	assert.Equal(t, headers[1].History, got.History)

	_, err = s.GetState(9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStateFind(t *testing.T) {
	s := openTestStore(t)
	headers := testutil.Chain(2)
	rows := insertChain(t, s, headers)

	row, ok, err := s.StateFind(1, headers[1].Hash())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rows[1], row)

	_, ok, err = s.StateFind(1, headers[0].Hash())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetPrev(t *testing.T) {
	s := openTestStore(t)
	rows := insertChain(t, s, testutil.Chain(2))

	prev, ok, err := s.GetPrev(rows[1])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rows[0], prev)

	_, ok, err = s.GetPrev(rows[0])
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.GetPrev(9999)
	require.ErrorIs(t, err, ErrNotFound)
}
