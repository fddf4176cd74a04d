package chaindb

import "database/sql/driver"

// SetStateBlock stores the block body and the peer it came from. An empty
// body clears both columns (that is what DelStateBlock relies on); the
// rollback payload is left alone either way.
func (s *Store) SetStateBlock(rowid uint64, body, peer []byte) error {
	var bodyVal, peerVal driver.Value
	if len(body) > 0 {
		bodyVal = body
		peerVal = nonNilBlob(peer)
	}
	res, err := s.exec(queryStateSetBlock,
		"UPDATE States SET Body=?, Peer=? WHERE rowid=?",
		bodyVal, peerVal, int64(rowid))
	if err != nil {
		return err
	}
	return changedExactly1(res)
}

// GetStateBlock reads the body, rollback and peer payloads. All three come
// back nil when no body is stored.
func (s *Store) GetStateBlock(rowid uint64) (body, rollback, peer []byte, err error) {
	vals, ok, err := s.queryRow(queryStateGetBlock,
		"SELECT Body, Rollback, Peer FROM States WHERE rowid=?", int64(rowid))
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		return nil, nil, nil, ErrNotFound
	}

	if !isNull(vals[0]) {
		body = asBytes(vals[0])
		if !isNull(vals[1]) {
			rollback = asBytes(vals[1])
		}
		peer = asBytes(vals[2])
	}
	return body, rollback, peer, nil
}

// SetStateRollback stores the rollback payload for an applied block.
func (s *Store) SetStateRollback(rowid uint64, rollback []byte) error {
	res, err := s.exec(queryStateSetRollback,
		"UPDATE States SET Rollback=? WHERE rowid=?",
		nonNilBlob(rollback), int64(rowid))
	if err != nil {
		return err
	}
	return changedExactly1(res)
}

// DelStateBlock drops the body and peer payloads.
func (s *Store) DelStateBlock(rowid uint64) error {
	return s.SetStateBlock(rowid, nil, nil)
}
