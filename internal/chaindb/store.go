// Package chaindb persists the chain state of a full node: the graph of
// known block headers with its tip indices, the distributed MMR over the
// reachable history, the spendable ledger, and the cursor naming the active
// chain head. A single SQLite file is the only source of truth.
//
// The engine is single-actor: the connection is opened in no-mutex mode and
// the caller serializes access. Every mutating entry point is expected to
// run inside a Transaction; dropping the transaction (deferred Rollback)
// undoes everything since Begin.
package chaindb

import (
	"context"
	"database/sql/driver"
	_ "embed"
	"errors"
	"io"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/roach88/chainstate/internal/chain"
)

//go:embed schema.sql
var schemaSQL string

// DBVersion is the schema version this build reads and writes. It is
// recorded under ParamDbVer when the database is created and verified on
// every subsequent open.
const DBVersion = 8

// Store owns the connection to the database and the cache of prepared
// statements. It is not safe for concurrent use.
type Store struct {
	conn        *sqlite3.SQLiteConn
	stmts       [queryCount]driver.Stmt
	compromised bool

	// rollback issues the ROLLBACK statement. Swapped by tests to
	// simulate a store that rejects the rollback.
	rollback func() error
}

// Open opens or creates the database at path. A fresh database gets the
// schema and the current DBVersion; an existing one must carry exactly
// DBVersion, otherwise Open fails with *SchemaMismatchError.
//
// The engine works against the raw driver connection rather than
// database/sql: cursor walks and point statements interleave on the one
// connection, which the pool abstraction cannot express.
func Open(path string) (*Store, error) {
	drv := &sqlite3.SQLiteDriver{}
	ci, err := drv.Open("file:" + path + "?_mutex=no")
	if err != nil {
		return nil, storeErr(err)
	}

	s := &Store{conn: ci.(*sqlite3.SQLiteConn)}
	s.rollback = s.execRollback
	if err := s.applyPragmas(); err != nil {
		s.conn.Close()
		return nil, err
	}

	_, ok, err := s.queryRow(queryScheme,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", "Params")
	if err == nil && !ok {
		err = s.create()
	} else if err == nil {
		err = s.verifyVersion()
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// create runs the schema DDL and records the version, atomically.
func (s *Store) create() error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.execQuick(schemaSQL); err != nil {
		return err
	}
	if err := s.ParamIntSet(ParamDbVer, DBVersion); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) verifyVersion() error {
	found, err := s.ParamIntGetDefault(ParamDbVer, 0)
	if err != nil {
		return err
	}
	if found != DBVersion {
		return &SchemaMismatchError{Expected: DBVersion, Found: found}
	}
	return nil
}

func (s *Store) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if err := s.execQuick(pragma); err != nil {
			return err
		}
	}
	return nil
}

// Close finalizes every cached statement, then closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	for i, st := range s.stmts {
		if st != nil {
			st.Close() // best effort
			s.stmts[i] = nil
		}
	}
	err := s.conn.Close()
	s.conn = nil
	return storeErr(err)
}

// execQuick runs ad-hoc SQL outside the statement cache (DDL, pragmas).
func (s *Store) execQuick(sqlText string) error {
	_, err := s.conn.Exec(sqlText, nil)
	return storeErr(err)
}

// stmt returns the prepared statement for a slot, preparing it on first use.
func (s *Store) stmt(q query, sqlText string) (driver.Stmt, error) {
	if s.stmts[q] == nil {
		st, err := s.conn.Prepare(sqlText)
		if err != nil {
			return nil, storeErr(err)
		}
		s.stmts[q] = st
	}
	return s.stmts[q], nil
}

func named(args []driver.Value) []driver.NamedValue {
	nv := make([]driver.NamedValue, len(args))
	for i, a := range args {
		nv[i] = driver.NamedValue{Ordinal: i + 1, Value: a}
	}
	return nv
}

// exec steps the statement at slot q to completion.
func (s *Store) exec(q query, sqlText string, args ...driver.Value) (driver.Result, error) {
	st, err := s.stmt(q, sqlText)
	if err != nil {
		return nil, err
	}
	res, err := st.(driver.StmtExecContext).ExecContext(context.Background(), named(args))
	if err != nil {
		return nil, storeErr(err)
	}
	return res, nil
}

// queryRows opens a cursor on the statement at slot q. The slot is borrowed
// until the returned rows are closed; overlapping cursors on one slot are
// forbidden.
func (s *Store) queryRows(q query, sqlText string, args ...driver.Value) (driver.Rows, error) {
	st, err := s.stmt(q, sqlText)
	if err != nil {
		return nil, err
	}
	rows, err := st.(driver.StmtQueryContext).QueryContext(context.Background(), named(args))
	if err != nil {
		return nil, storeErr(err)
	}
	return rows, nil
}

// queryRow steps the statement at slot q once. The second return value
// reports whether a row was produced. Blob values are copied out, so they
// stay valid after the statement resets.
func (s *Store) queryRow(q query, sqlText string, args ...driver.Value) ([]driver.Value, bool, error) {
	rows, err := s.queryRows(q, sqlText, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	dest := make([]driver.Value, len(rows.Columns()))
	if err := rows.Next(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, false, nil
		}
		return nil, false, storeErr(err)
	}
	for i, v := range dest {
		if b, ok := v.([]byte); ok {
			dest[i] = append([]byte(nil), b...)
		}
	}
	return dest, true, nil
}

// changedExactly1 raises an invariant violation unless the statement
// changed exactly one row.
func changedExactly1(res driver.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n != 1 {
		return invariantf("expected exactly 1 changed row, got %d", n)
	}
	return nil
}

// Column decoding. SQLite hands integers back as int64 and NULL as nil; the
// helpers mirror sqlite's own conversion of NULL to zero.

func isNull(v driver.Value) bool {
	return v == nil
}

func asU64(v driver.Value) uint64 {
	if v == nil {
		return 0
	}
	return uint64(v.(int64))
}

func asU32(v driver.Value) uint32 {
	return uint32(asU64(v))
}

func asBytes(v driver.Value) []byte {
	if v == nil {
		return nil
	}
	return v.([]byte)
}

// asHash is the strict 32-byte blob accessor.
func asHash(v driver.Value) (chain.Hash, error) {
	b := asBytes(v)
	if len(b) != chain.HashSize {
		return chain.Hash{}, &BlobSizeError{Expected: chain.HashSize, Actual: len(b)}
	}
	var h chain.Hash
	copy(h[:], b)
	return h, nil
}
