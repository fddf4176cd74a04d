package chaindb

import (
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced by the engine. Match with errors.Is.
var (
	// ErrNotFound is returned when an operation names a row that does not
	// exist (GetState on a deleted row, a second DeleteState, ...).
	ErrNotFound = errors.New("state not found")

	// ErrDeleteHasChildren is returned by DeleteState when the row still
	// has children. The row is left untouched.
	ErrDeleteHasChildren = errors.New("state has children")

	// ErrCompromised is returned by Begin after a rollback has failed.
	// The database state is undefined at that point; reopen the store.
	ErrCompromised = errors.New("store compromised by failed rollback")
)

// StoreError is any failure reported by the embedded store.
type StoreError struct {
	Code    int
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error %d: %s", e.Code, e.Message)
}

// SchemaMismatchError is returned by Open when the database file carries a
// schema version other than the one this build expects.
type SchemaMismatchError struct {
	Expected uint64
	Found    uint64
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema version mismatch: expected %d, found %d", e.Expected, e.Found)
}

// InvariantError reports a broken engine invariant: deleting an active
// state, a child counter about to go negative, or a statement that changed
// an unexpected number of rows. The transaction must be abandoned.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Message
}

func invariantf(format string, args ...any) error {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

// BlobSizeError is returned by strict blob accessors when a stored blob has
// an unexpected length.
type BlobSizeError struct {
	Expected int
	Actual   int
}

func (e *BlobSizeError) Error() string {
	return fmt.Sprintf("blob size expected=%d, actual=%d", e.Expected, e.Actual)
}

// storeErr normalizes driver failures into *StoreError, leaving engine
// errors untouched.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return &StoreError{Code: int(se.Code), Message: se.Error()}
	}
	var already *StoreError
	if errors.As(err, &already) {
		return err
	}
	return &StoreError{Code: -1, Message: err.Error()}
}
