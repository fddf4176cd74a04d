package chaindb

import (
	"database/sql/driver"
	"errors"
	"io"

	"github.com/roach88/chainstate/internal/chain"
)

// Flag bits on States.Flags. Bits outside this set are reserved and
// preserved by every update.
const (
	// FlagFunctional marks a header whose body has been validated and is
	// available locally.
	FlagFunctional uint32 = 0x1
	// FlagReachable marks a header whose every ancestor up to genesis is
	// functional. Reachable implies Functional.
	FlagReachable uint32 = 0x2
	// FlagActive marks a header on the currently selected chain.
	FlagActive uint32 = 0x4
)

// nonNilBlob keeps NOT NULL blob columns satisfied for empty payloads.
func nonNilBlob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// InsertState persists a header and splices it into the ancestry graph.
//
// The parent, if present, gains a child (and stops being a tip if this was
// its first). Orphan children already in the store are adopted: their
// RowPrev is pointed at the new row and their functional count seeds the
// new row's CountNextFunctional. Insertion order across a chain is
// unconstrained. Flags start at zero.
func (s *Store) InsertState(h *chain.Header) (uint64, error) {
	// Is there a parent, and is it a tip right now?
	var rowPrev uint64
	var prevCountNext uint32
	if h.Height > 0 {
		vals, ok, err := s.queryRow(queryStateFindPrev,
			"SELECT rowid, CountNext FROM States WHERE Height=? AND Hash=?",
			int64(h.Height-1), h.Prev[:])
		if err != nil {
			return 0, err
		}
		if ok {
			rowPrev = asU64(vals[0])
			prevCountNext = asU32(vals[1])
		}
	}

	hash := h.Hash()

	// Functional children may already exist.
	vals, ok, err := s.queryRow(queryStateCountNextF,
		"SELECT COUNT(*) FROM States WHERE Height=? AND HashPrev=? AND (Flags & ?)",
		int64(h.Height+1), hash[:], int64(FlagFunctional))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, invariantf("count query produced no row")
	}
	countNextF := asU32(vals[0])

	var rowPrevVal driver.Value
	if rowPrev != 0 {
		rowPrevVal = int64(rowPrev)
	}
	res, err := s.exec(queryStateIns,
		"INSERT INTO States (Hash, Height, HashPrev, Difficulty, Timestamp, LiveObjects, History, Flags, CountNext, CountNextFunctional, RowPrev)"+
			" VALUES(?,?,?,?,?,?,?,0,0,?,?)",
		hash[:], int64(h.Height), h.Prev[:], int64(h.Difficulty), int64(h.Timestamp),
		nonNilBlob(h.LiveObjects), nonNilBlob(h.History), int64(countNextF), rowPrevVal)
	if err != nil {
		return 0, err
	}
	if err := changedExactly1(res); err != nil {
		return 0, err
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr(err)
	}

	if rowPrev != 0 {
		if err := s.setNextCount(rowPrev, prevCountNext+1); err != nil {
			return 0, err
		}
		if prevCountNext == 0 {
			if err := s.tipDel(rowPrev, h.Height-1); err != nil {
				return 0, err
			}
		}
	}

	// Adopt orphans.
	res, err = s.exec(queryStateUpdPrevRow,
		"UPDATE States SET RowPrev=? WHERE Height=? AND HashPrev=?",
		rowid, int64(h.Height+1), hash[:])
	if err != nil {
		return 0, err
	}
	adopted, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err)
	}

	if adopted > 0 {
		if err := s.setNextCount(uint64(rowid), uint32(adopted)); err != nil {
			return 0, err
		}
	} else if err := s.tipAdd(uint64(rowid), h.Height); err != nil {
		return 0, err
	}

	return uint64(rowid), nil
}

// DeleteState removes a childless, inactive header and unwinds its parent's
// counters and the tip indices. It returns the parent row (zero for none).
//
// Errors: ErrNotFound for a missing row, ErrDeleteHasChildren when
// CountNext > 0, *InvariantError when the row is active.
func (s *Store) DeleteState(rowid uint64) (deleted bool, rowPrev uint64, err error) {
	vals, ok, err := s.queryRow(queryStateGetDelInfo,
		"SELECT States.Height, States.RowPrev, States.CountNext, prv.CountNext, States.Flags, prv.CountNextFunctional"+
			" FROM States LEFT JOIN States prv ON States.RowPrev=prv.rowid WHERE States.rowid=?",
		int64(rowid))
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, 0, ErrNotFound
	}

	h := asU64(vals[0])
	rowPrev = asU64(vals[1])
	if asU32(vals[2]) > 0 {
		return false, 0, ErrDeleteHasChildren
	}
	flags := asU32(vals[4])
	if flags&FlagActive != 0 {
		return false, 0, invariantf("attempt to delete active state %d", rowid)
	}

	if !isNull(vals[1]) {
		prevCount := asU32(vals[3])
		if prevCount == 0 {
			return false, 0, invariantf("CountNext underflow on row %d", rowPrev)
		}
		prevCount--
		if err := s.setNextCount(rowPrev, prevCount); err != nil {
			return false, 0, err
		}
		if prevCount == 0 {
			if err := s.tipAdd(rowPrev, h-1); err != nil {
				return false, 0, err
			}
		}

		if flags&FlagFunctional != 0 {
			prevF := asU32(vals[5])
			if prevF == 0 {
				return false, 0, invariantf("CountNextFunctional underflow on row %d", rowPrev)
			}
			prevF--
			if err := s.setNextCountFunctional(rowPrev, prevF); err != nil {
				return false, 0, err
			}
			if prevF == 0 && flags&FlagReachable != 0 {
				if err := s.tipReachableAdd(rowPrev, h-1); err != nil {
					return false, 0, err
				}
			}
		}
	}

	if err := s.tipDel(rowid, h); err != nil {
		return false, 0, err
	}
	if flags&FlagReachable != 0 {
		if err := s.tipReachableDel(rowid, h); err != nil {
			return false, 0, err
		}
	}

	res, err := s.exec(queryStateDel, "DELETE FROM States WHERE rowid=?", int64(rowid))
	if err != nil {
		return false, 0, err
	}
	if err := changedExactly1(res); err != nil {
		return false, 0, err
	}
	return true, rowPrev, nil
}

// StateFind locates a header row by its natural key.
func (s *Store) StateFind(height uint64, hash chain.Hash) (uint64, bool, error) {
	vals, ok, err := s.queryRow(queryStateFind,
		"SELECT rowid FROM States WHERE Height=? AND Hash=?",
		int64(height), hash[:])
	if err != nil || !ok {
		return 0, false, err
	}
	return asU64(vals[0]), true, nil
}

// GetPrev reads the parent row id. The second return value is false for
// headers whose parent is not in the store.
func (s *Store) GetPrev(rowid uint64) (uint64, bool, error) {
	vals, ok, err := s.queryRow(queryStateGetPrev,
		"SELECT RowPrev FROM States WHERE rowid=?", int64(rowid))
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, ErrNotFound
	}
	if isNull(vals[0]) {
		return 0, false, nil
	}
	return asU64(vals[0]), true, nil
}

// GetState reads the header fields back.
func (s *Store) GetState(rowid uint64) (*chain.Header, error) {
	vals, ok, err := s.queryRow(queryStateGet,
		"SELECT Height, HashPrev, Difficulty, Timestamp, LiveObjects, History FROM States WHERE rowid=?",
		int64(rowid))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	prev, err := asHash(vals[1])
	if err != nil {
		return nil, err
	}
	return &chain.Header{
		Height:      asU64(vals[0]),
		Prev:        prev,
		Difficulty:  asU64(vals[2]),
		Timestamp:   asU64(vals[3]),
		LiveObjects: asBytes(vals[4]),
		History:     asBytes(vals[5]),
	}, nil
}

// GetStateFlags reads the flag bitset.
func (s *Store) GetStateFlags(rowid uint64) (uint32, error) {
	vals, ok, err := s.queryRow(queryStateGetFlags,
		"SELECT Flags FROM States WHERE rowid=?", int64(rowid))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}
	return asU32(vals[0]), nil
}

// SetStateFunctional sets the Functional bit and lets reachability ripple
// through the functional descendants. No-op when already functional.
func (s *Store) SetStateFunctional(rowid uint64) error {
	vals, ok, err := s.queryRow(queryStateGetFunctionalInfo,
		"SELECT States.Height, States.RowPrev, States.Flags, prv.Flags, prv.CountNextFunctional"+
			" FROM States LEFT JOIN States prv ON States.RowPrev=prv.rowid WHERE States.rowid=?",
		int64(rowid))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	flags := asU32(vals[2])
	if flags&FlagFunctional != 0 {
		return nil
	}
	flags |= FlagFunctional

	h := asU64(vals[0])
	var rowPrev uint64

	if h > 0 {
		if !isNull(vals[1]) {
			rowPrev = asU64(vals[1])
			prevFlags := asU32(vals[3])
			prevF := asU32(vals[4])

			if err := s.setNextCountFunctional(rowPrev, prevF+1); err != nil {
				return err
			}

			if prevFlags&FlagReachable != 0 {
				flags |= FlagReachable
				if prevF == 0 {
					if err := s.tipReachableDel(rowPrev, h-1); err != nil {
						return err
					}
				}
			}
		}
	} else {
		flags |= FlagReachable
	}

	if err := s.setFlags(rowid, flags); err != nil {
		return err
	}

	if flags&FlagReachable != 0 {
		return s.onStateReachable(rowid, rowPrev, h, true)
	}
	return nil
}

// SetStateNotFunctional clears the Functional bit, the mirror of
// SetStateFunctional. No-op when already not functional.
func (s *Store) SetStateNotFunctional(rowid uint64) error {
	vals, ok, err := s.queryRow(queryStateGetNotFunctionalInfo,
		"SELECT States.Height, States.RowPrev, States.Flags, prv.CountNextFunctional"+
			" FROM States LEFT JOIN States prv ON States.RowPrev=prv.rowid WHERE States.rowid=?",
		int64(rowid))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	flags := asU32(vals[2])
	if flags&FlagFunctional == 0 {
		return nil
	}
	flags &^= FlagFunctional

	h := asU64(vals[0])
	reachable := flags&FlagReachable != 0
	if reachable {
		flags &^= FlagReachable
	}

	var rowPrev uint64
	if h > 0 && !isNull(vals[1]) {
		rowPrev = asU64(vals[1])
		prevF := asU32(vals[3])
		if prevF == 0 {
			return invariantf("CountNextFunctional underflow on row %d", rowPrev)
		}
		prevF--
		if err := s.setNextCountFunctional(rowPrev, prevF); err != nil {
			return err
		}
		if prevF == 0 && reachable {
			if err := s.tipReachableAdd(rowPrev, h-1); err != nil {
				return err
			}
		}
	}

	if err := s.setFlags(rowid, flags); err != nil {
		return err
	}

	if reachable {
		return s.onStateReachable(rowid, rowPrev, h, false)
	}
	return nil
}

type rowAndFlags struct {
	row   uint64
	flags uint32
}

// functionalChildren collects the functional children of row at the given
// height. The result is fully materialized so the caller can mutate while
// walking it.
func (s *Store) functionalChildren(row, height uint64) ([]rowAndFlags, error) {
	rows, err := s.queryRows(queryStateGetNextFunctional,
		"SELECT rowid, Flags FROM States WHERE Height=? AND RowPrev=? AND (Flags & ?)",
		int64(height), int64(row), int64(FlagFunctional))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rowAndFlags
	dest := make([]driver.Value, 2)
	for {
		if err := rows.Next(dest); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, storeErr(err)
		}
		out = append(out, rowAndFlags{row: asU64(dest[0]), flags: asU32(dest[1])})
	}
}

// onStateReachable flips the Reachable bit along the functional closure of
// row. The first child continues the loop; further children recurse, since
// a fork widens the frontier. Setting also materializes the MMR node of
// every row that becomes reachable.
func (s *Store) onStateReachable(row, rowPrev, h uint64, set bool) error {
	for {
		if set {
			if err := s.buildMmr(row, rowPrev, h); err != nil {
				return err
			}
		}
		rowPrev = row

		children, err := s.functionalChildren(row, h+1)
		if err != nil {
			return err
		}

		if len(children) == 0 {
			if set {
				return s.tipReachableAdd(row, h)
			}
			return s.tipReachableDel(row, h)
		}

		for _, c := range children {
			if err := s.setFlags(c.row, c.flags^FlagReachable); err != nil {
				return err
			}
		}

		row = children[0].row
		h++

		for _, c := range children[1:] {
			if err := s.onStateReachable(c.row, rowPrev, h, set); err != nil {
				return err
			}
		}
	}
}

// Counter and flag writes. The counters are the single source of truth for
// tip index membership, so every ±1 goes through here.

func (s *Store) setNextCount(rowid uint64, n uint32) error {
	res, err := s.exec(queryStateSetNextCount,
		"UPDATE States SET CountNext=? WHERE rowid=?", int64(n), int64(rowid))
	if err != nil {
		return err
	}
	return changedExactly1(res)
}

func (s *Store) setNextCountFunctional(rowid uint64, n uint32) error {
	res, err := s.exec(queryStateSetNextCountF,
		"UPDATE States SET CountNextFunctional=? WHERE rowid=?", int64(n), int64(rowid))
	if err != nil {
		return err
	}
	return changedExactly1(res)
}

func (s *Store) setFlags(rowid uint64, flags uint32) error {
	res, err := s.exec(queryStateSetFlags,
		"UPDATE States SET Flags=? WHERE rowid=?", int64(flags), int64(rowid))
	if err != nil {
		return err
	}
	return changedExactly1(res)
}

func (s *Store) tipAdd(rowid, height uint64) error {
	_, err := s.exec(queryTipAdd, "INSERT INTO Tips VALUES(?,?)",
		int64(height), int64(rowid))
	return err
}

func (s *Store) tipDel(rowid, height uint64) error {
	res, err := s.exec(queryTipDel, "DELETE FROM Tips WHERE Height=? AND State=?",
		int64(height), int64(rowid))
	if err != nil {
		return err
	}
	return changedExactly1(res)
}

func (s *Store) tipReachableAdd(rowid, height uint64) error {
	_, err := s.exec(queryTipReachableAdd, "INSERT INTO TipsReachable VALUES(?,?)",
		int64(height), int64(rowid))
	return err
}

func (s *Store) tipReachableDel(rowid, height uint64) error {
	res, err := s.exec(queryTipReachableDel, "DELETE FROM TipsReachable WHERE Height=? AND State=?",
		int64(height), int64(rowid))
	if err != nil {
		return err
	}
	return changedExactly1(res)
}

// StateWalker iterates one of the tip indices. It borrows its statement
// slot until Close; do not start a second walk on the same index before
// closing the first.
type StateWalker struct {
	rows driver.Rows
	err  error

	// Sid is the tip under the cursor after a true Next.
	Sid chain.StateID
}

// Next advances the walker. It returns false at the end of the index or on
// error; check Err afterwards.
func (w *StateWalker) Next() bool {
	dest := make([]driver.Value, 2)
	if err := w.rows.Next(dest); err != nil {
		if !errors.Is(err, io.EOF) {
			w.err = storeErr(err)
		}
		return false
	}
	w.Sid = chain.StateID{Height: asU64(dest[0]), Row: asU64(dest[1])}
	return true
}

// Err reports the first iteration error.
func (w *StateWalker) Err() error { return w.err }

// Close releases the statement slot.
func (w *StateWalker) Close() {
	w.rows.Close()
}

// EnumTips walks every tip, ascending by (Height, Row).
func (s *Store) EnumTips() (*StateWalker, error) {
	rows, err := s.queryRows(queryEnumTips,
		"SELECT Height, State FROM Tips ORDER BY Height ASC, State ASC")
	if err != nil {
		return nil, err
	}
	return &StateWalker{rows: rows}, nil
}

// EnumFunctionalTips walks the reachable tips, descending by (Height, Row),
// so the best candidate head comes first.
func (s *Store) EnumFunctionalTips() (*StateWalker, error) {
	rows, err := s.queryRows(queryEnumFunctionalTips,
		"SELECT Height, State FROM TipsReachable ORDER BY Height DESC, State DESC")
	if err != nil {
		return nil, err
	}
	return &StateWalker{rows: rows}, nil
}

// GetCursor reads the active-head cursor. The second return value is false
// while no head has ever been activated.
func (s *Store) GetCursor() (chain.StateID, bool, error) {
	row, err := s.ParamIntGetDefault(ParamCursorRow, 0)
	if err != nil {
		return chain.StateID{}, false, err
	}
	height, err := s.ParamIntGetDefault(ParamCursorHeight, 0)
	if err != nil {
		return chain.StateID{}, false, err
	}
	sid := chain.StateID{Height: height, Row: row}
	return sid, !sid.IsZero(), nil
}

// PutCursor writes the active-head cursor.
func (s *Store) PutCursor(sid chain.StateID) error {
	if err := s.ParamIntSet(ParamCursorRow, sid.Row); err != nil {
		return err
	}
	return s.ParamIntSet(ParamCursorHeight, sid.Height)
}

// MoveFwd advances the active chain onto sid: sets its Active bit and moves
// the cursor there. Callers advance one header at a time, parent first.
func (s *Store) MoveFwd(sid chain.StateID) error {
	res, err := s.exec(queryStateActivate,
		"UPDATE States SET Flags=Flags | ? WHERE rowid=?",
		int64(FlagActive), int64(sid.Row))
	if err != nil {
		return err
	}
	if err := changedExactly1(res); err != nil {
		return err
	}
	return s.PutCursor(sid)
}

// MoveBack retreats the active chain off sid: clears its Active bit and
// moves the cursor to its predecessor, or to the zero cursor at genesis.
// The new cursor is returned.
func (s *Store) MoveBack(sid chain.StateID) (chain.StateID, error) {
	res, err := s.exec(queryStateUnactivate,
		"UPDATE States SET Flags=Flags & ? WHERE rowid=?",
		int64(^FlagActive), int64(sid.Row))
	if err != nil {
		return chain.StateID{}, err
	}
	if err := changedExactly1(res); err != nil {
		return chain.StateID{}, err
	}

	prev, ok, err := s.GetPrev(sid.Row)
	if err != nil {
		return chain.StateID{}, err
	}
	if ok {
		sid = chain.StateID{Height: sid.Height - 1, Row: prev}
	} else {
		sid = chain.StateID{}
	}

	if err := s.PutCursor(sid); err != nil {
		return chain.StateID{}, err
	}
	return sid, nil
}
