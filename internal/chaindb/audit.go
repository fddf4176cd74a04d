package chaindb

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
)

// AuditReport is the result of recomputing the derived state from scratch
// and diffing it against what is stored.
type AuditReport struct {
	States        uint64
	Tips          uint64
	TipsReachable uint64
	Violations    []string
}

// Clean reports whether every invariant held.
func (r *AuditReport) Clean() bool { return len(r.Violations) == 0 }

func (r *AuditReport) addf(format string, args ...any) {
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}

// eachRow runs fn over every row of the statement at slot q. Values are
// only valid within one call of fn.
func (s *Store) eachRow(q query, sqlText string, args []driver.Value, fn func([]driver.Value) error) error {
	rows, err := s.queryRows(q, sqlText, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	dest := make([]driver.Value, len(rows.Columns()))
	for {
		if err := rows.Next(dest); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return storeErr(err)
		}
		if err := fn(dest); err != nil {
			return err
		}
	}
}

// Audit recomputes the child counters, the flag implications and the tip
// indices with read-only queries and reports every divergence from the
// stored state. A clean report certifies invariants I1 through I7.
func (s *Store) Audit() (*AuditReport, error) {
	report := &AuditReport{}

	var wantTips, wantReachable int64

	// Per-row flag implications, counter sanity, and the expected tip
	// populations. The self-join resolves the natural parent by key so the
	// stored RowPrev can be checked against it.
	err := s.eachRow(queryAuditStates,
		"SELECT States.rowid, States.Height, States.Flags, States.RowPrev,"+
			" States.CountNext, States.CountNextFunctional, prv.rowid, prv.Flags"+
			" FROM States LEFT JOIN States prv"+
			" ON (States.Height=prv.Height+1) AND (States.HashPrev=prv.Hash)",
		nil,
		func(vals []driver.Value) error {
			rowid := asU64(vals[0])
			h := asU64(vals[1])
			flags := asU32(vals[2])
			countNext := asU32(vals[4])
			countNextF := asU32(vals[5])

			report.States++

			if flags&FlagReachable != 0 && flags&FlagFunctional == 0 {
				report.addf("row %d: reachable without functional", rowid)
			}

			if isNull(vals[3]) != isNull(vals[6]) {
				report.addf("row %d: RowPrev does not match parent presence", rowid)
			}
			if !isNull(vals[3]) {
				if asU64(vals[3]) != asU64(vals[6]) {
					report.addf("row %d: RowPrev %d, parent row is %d", rowid, asU64(vals[3]), asU64(vals[6]))
				}
				prevFlags := asU32(vals[7])
				if flags&FlagReachable != 0 {
					if prevFlags&FlagReachable == 0 {
						report.addf("row %d: reachable under non-reachable parent", rowid)
					}
				} else if flags&FlagFunctional != 0 && prevFlags&FlagReachable != 0 {
					report.addf("row %d: functional non-reachable under reachable parent", rowid)
				}
			} else if flags&FlagReachable != 0 && h != 0 {
				report.addf("row %d: reachable orphan at height %d", rowid, h)
			} else if h == 0 && flags&FlagFunctional != 0 && flags&FlagReachable == 0 {
				report.addf("row %d: functional genesis not reachable", rowid)
			}

			if countNextF > countNext {
				report.addf("row %d: CountNextFunctional %d exceeds CountNext %d", rowid, countNextF, countNext)
			}

			if countNext == 0 {
				wantTips++
			}
			if countNextF == 0 && flags&FlagReachable != 0 {
				wantReachable++
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	// Tips must name exactly the childless rows, at the right heights.
	err = s.eachRow(queryAuditTips,
		"SELECT Tips.Height, States.Height, States.CountNext"+
			" FROM Tips LEFT JOIN States ON Tips.State=States.rowid",
		nil,
		func(vals []driver.Value) error {
			report.Tips++
			wantTips--
			if isNull(vals[1]) {
				report.addf("tip at height %d names a missing row", asU64(vals[0]))
				return nil
			}
			if asU64(vals[0]) != asU64(vals[1]) {
				report.addf("tip height %d disagrees with row height %d", asU64(vals[0]), asU64(vals[1]))
			}
			if asU32(vals[2]) != 0 {
				report.addf("tip at height %d has children", asU64(vals[0]))
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	if wantTips != 0 {
		report.addf("Tips row count off by %d", -wantTips)
	}

	// TipsReachable must name exactly the reachable rows with no
	// functional children.
	err = s.eachRow(queryAuditTipsReachable,
		"SELECT TipsReachable.Height, States.Height, States.CountNextFunctional, States.Flags"+
			" FROM TipsReachable LEFT JOIN States ON TipsReachable.State=States.rowid",
		nil,
		func(vals []driver.Value) error {
			report.TipsReachable++
			wantReachable--
			if isNull(vals[1]) {
				report.addf("reachable tip at height %d names a missing row", asU64(vals[0]))
				return nil
			}
			if asU64(vals[0]) != asU64(vals[1]) {
				report.addf("reachable tip height %d disagrees with row height %d", asU64(vals[0]), asU64(vals[1]))
			}
			if asU32(vals[2]) != 0 {
				report.addf("reachable tip at height %d has functional children", asU64(vals[0]))
			}
			if asU32(vals[3])&FlagReachable == 0 {
				report.addf("reachable tip at height %d names a non-reachable row", asU64(vals[0]))
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	if wantReachable != 0 {
		report.addf("TipsReachable row count off by %d", -wantReachable)
	}

	// Recompute both cached counters by aggregation.
	err = s.eachRow(queryAuditCountNext,
		"SELECT States.rowid, States.CountNext, COUNT(nxt.rowid) FROM States"+
			" LEFT JOIN States nxt ON (States.Height=nxt.Height-1) AND (States.Hash=nxt.HashPrev)"+
			" GROUP BY States.rowid",
		nil,
		func(vals []driver.Value) error {
			if asU64(vals[1]) != asU64(vals[2]) {
				report.addf("row %d: CountNext %d, actual children %d", asU64(vals[0]), asU64(vals[1]), asU64(vals[2]))
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	err = s.eachRow(queryAuditCountNextF,
		"SELECT States.rowid, States.CountNextFunctional, COUNT(nxt.rowid) FROM States"+
			" LEFT JOIN States nxt ON (States.Height=nxt.Height-1) AND (States.Hash=nxt.HashPrev) AND (nxt.Flags & 1)"+
			" GROUP BY States.rowid",
		nil,
		func(vals []driver.Value) error {
			if asU64(vals[1]) != asU64(vals[2]) {
				report.addf("row %d: CountNextFunctional %d, actual functional children %d", asU64(vals[0]), asU64(vals[1]), asU64(vals[2]))
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	return report, nil
}
