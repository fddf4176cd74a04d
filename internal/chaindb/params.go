package chaindb

// ParamID indexes the Params table. The recognized ids sit in a small
// contiguous range; the rest is reserved.
type ParamID uint32

const (
	ParamDbVer        ParamID = 1
	ParamCursorRow    ParamID = 2
	ParamCursorHeight ParamID = 3
)

// ParamIntSet stores an integer parameter with upsert semantics: update
// first, insert only when the update changed nothing.
func (s *Store) ParamIntSet(id ParamID, val uint64) error {
	res, err := s.exec(queryParamIntUpd,
		"UPDATE Params SET ParamInt=? WHERE ID=?",
		int64(val), int64(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n > 0 {
		return nil
	}

	res, err = s.exec(queryParamIntIns,
		"INSERT INTO Params (ID, ParamInt) VALUES(?,?)",
		int64(id), int64(val))
	if err != nil {
		return err
	}
	return changedExactly1(res)
}

// ParamIntGet reads an integer parameter. The second return value reports
// whether the parameter exists.
func (s *Store) ParamIntGet(id ParamID) (uint64, bool, error) {
	vals, ok, err := s.queryRow(queryParamIntGet,
		"SELECT ParamInt FROM Params WHERE ID=?", int64(id))
	if err != nil || !ok {
		return 0, false, err
	}
	return asU64(vals[0]), true, nil
}

// ParamIntGetDefault reads an integer parameter, substituting def when it
// is absent.
func (s *Store) ParamIntGetDefault(id ParamID, def uint64) (uint64, error) {
	val, ok, err := s.ParamIntGet(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return val, nil
}
