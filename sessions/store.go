// Package sessions persists key generation progress and outcomes, keyed by
// era. Snapshots let an operator inspect a session after the fact; results
// keep the generated key material addressable across restarts.
package sessions

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dvlabs/dkg/dkg"
	"github.com/dvlabs/dkg/logging"
	"github.com/dvlabs/dkg/logging/fields"
	"github.com/dvlabs/dkg/storage/basedb"
)

var (
	snapshotsPrefix = []byte("dkg/snapshots/")
	resultsPrefix   = []byte("dkg/results/")
)

// Store reads and writes session state by era.
type Store struct {
	logger *zap.Logger
	db     basedb.Database
}

// NewStore creates a session store over the given database.
func NewStore(logger *zap.Logger, db basedb.Database) *Store {
	return &Store{
		logger: logger.Named(logging.NameSessionStore),
		db:     db,
	}
}

func eraKey(era uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, era)
	return key
}

// SaveSnapshot records the machine's current state for its era.
func (s *Store) SaveSnapshot(rw basedb.ReadWriter, state *dkg.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	return s.db.Using(rw).Set(snapshotsPrefix, eraKey(state.Era), data)
}

// GetSnapshot returns the stored snapshot of an era, reporting whether one
// exists.
func (s *Store) GetSnapshot(r basedb.Reader, era uint64) (*dkg.SessionState, bool, error) {
	obj, found, err := s.db.UsingReader(r).Get(snapshotsPrefix, eraKey(era))
	if err != nil || !found {
		return nil, found, err
	}
	state := &dkg.SessionState{}
	if err := json.Unmarshal(obj.Value, state); err != nil {
		return nil, found, errors.Wrap(err, "unmarshal snapshot")
	}
	return state, true, nil
}

// SaveResult records a session's outcome for its era.
func (s *Store) SaveResult(rw basedb.ReadWriter, era uint64, result *dkg.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshal result")
	}
	return s.db.Using(rw).Set(resultsPrefix, eraKey(era), data)
}

// GetResult returns the stored outcome of an era, reporting whether one
// exists.
func (s *Store) GetResult(r basedb.Reader, era uint64) (*dkg.Result, bool, error) {
	obj, found, err := s.db.UsingReader(r).Get(resultsPrefix, eraKey(era))
	if err != nil || !found {
		return nil, found, err
	}
	result := &dkg.Result{}
	if err := json.Unmarshal(obj.Value, result); err != nil {
		return nil, found, errors.Wrap(err, "unmarshal result")
	}
	return result, true, nil
}

// SaveOutcome records the final snapshot and the result of a session in one
// transaction.
func (s *Store) SaveOutcome(era uint64, state *dkg.SessionState, result *dkg.Result) error {
	err := s.db.Update(func(txn basedb.Txn) error {
		if err := s.SaveSnapshot(txn, state); err != nil {
			return err
		}
		return s.SaveResult(txn, era, result)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("session outcome saved", fields.Era(era))
	return nil
}

// ResultCount returns how many session outcomes are recorded.
func (s *Store) ResultCount() (int64, error) {
	return s.db.CountPrefix(resultsPrefix)
}
