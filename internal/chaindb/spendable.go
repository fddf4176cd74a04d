package chaindb

import (
	"database/sql/driver"
	"errors"
	"io"
)

// SpendableAdd inserts a spendable object. refs must be positive and
// unspent must not exceed it.
func (s *Store) SpendableAdd(key, body []byte, refs, unspent uint32) error {
	if refs == 0 {
		return invariantf("spendable added with zero refs")
	}
	if unspent > refs {
		return invariantf("spendable unspent %d exceeds refs %d", unspent, refs)
	}

	_, err := s.exec(querySpendableAdd,
		"INSERT INTO Spendable(Key, Body, Refs, Unspent) VALUES(?,?,?,?)",
		key, nonNilBlob(body), int64(refs), int64(unspent))
	return err
}

// SpendableModify applies signed deltas to the counters of one spendable
// row; the addition happens in SQL. With maybeDelete the row is dropped
// once Refs reaches zero.
func (s *Store) SpendableModify(key []byte, refsDelta, unspentDelta int32, maybeDelete bool) error {
	if refsDelta == 0 && unspentDelta == 0 {
		return invariantf("spendable modify with no deltas")
	}

	res, err := s.exec(querySpendableModify,
		"UPDATE Spendable SET Refs=Refs+?, Unspent=Unspent+? WHERE Key=?",
		int64(refsDelta), int64(unspentDelta), key)
	if err != nil {
		return err
	}
	if err := changedExactly1(res); err != nil {
		return err
	}

	if maybeDelete {
		_, err = s.exec(querySpendableDel,
			"DELETE FROM Spendable WHERE Key=? AND Refs=0", key)
		if err != nil {
			return err
		}
	}
	return nil
}

// SpendableWalker iterates the unspent objects. It borrows its statement
// slot until Close.
type SpendableWalker struct {
	rows driver.Rows
	err  error

	Key          []byte
	UnspentCount uint32
}

// Next advances the walker; false at the end or on error (check Err).
func (w *SpendableWalker) Next() bool {
	dest := make([]driver.Value, 2)
	if err := w.rows.Next(dest); err != nil {
		if !errors.Is(err, io.EOF) {
			w.err = storeErr(err)
		}
		return false
	}
	w.Key = append([]byte(nil), asBytes(dest[0])...)
	w.UnspentCount = asU32(dest[1])
	return true
}

// Err reports the first iteration error.
func (w *SpendableWalker) Err() error { return w.err }

// Close releases the statement slot.
func (w *SpendableWalker) Close() {
	w.rows.Close()
}

// EnumUnspent walks every spendable row with a non-zero unspent count.
func (s *Store) EnumUnspent() (*SpendableWalker, error) {
	rows, err := s.queryRows(querySpendableEnum,
		"SELECT Key, Unspent FROM Spendable WHERE Unspent!=0")
	if err != nil {
		return nil, err
	}
	return &SpendableWalker{rows: rows}, nil
}
