package chaindb

// Transaction bounds a unit of mutating work. The intended shape is
//
//	tx, err := s.Begin()
//	if err != nil { ... }
//	defer tx.Rollback()
//	... mutate ...
//	return tx.Commit()
//
// Rollback after Commit is a no-op, so the deferred call is the single
// cancellation path for every early return.
type Transaction struct {
	s    *Store
	done bool
}

// Begin starts a transaction. It refuses with ErrCompromised once a
// rollback has failed on this store.
func (s *Store) Begin() (*Transaction, error) {
	if s.compromised {
		return nil, ErrCompromised
	}
	if _, err := s.exec(queryBegin, "BEGIN"); err != nil {
		return nil, err
	}
	return &Transaction{s: s}, nil
}

// Commit makes every mutation since Begin durable. It must be called at
// most once.
func (t *Transaction) Commit() error {
	if t.done {
		return invariantf("transaction already finished")
	}
	if _, err := t.s.exec(queryCommit, "COMMIT"); err != nil {
		return err
	}
	t.done = true
	return nil
}

// Rollback abandons the transaction. It never fails outward: if the store
// rejects the rollback the database state is undefined and the store is
// marked compromised, which surfaces on the next Begin.
func (t *Transaction) Rollback() {
	if t == nil || t.done {
		return
	}
	t.done = true
	if err := t.s.rollback(); err != nil {
		t.s.compromised = true
	}
}

func (s *Store) execRollback() error {
	_, err := s.exec(queryRollback, "ROLLBACK")
	return err
}
