// Package pebble is the Pebble implementation of basedb.Database, an
// alternative storage engine selected through the database options.
package pebble

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dvlabs/dkg/storage/basedb"
)

// PebbleDB struct
type PebbleDB struct {
	logger *zap.Logger
	db     *pebble.DB
}

var (
	_ basedb.Database         = (*PebbleDB)(nil)
	_ basedb.GarbageCollector = (*PebbleDB)(nil)
)

// New creates a persistent DB instance.
func New(logger *zap.Logger, options basedb.Options) (*PebbleDB, error) {
	return createDB(logger, options, nil)
}

// NewInMemory creates an in-memory DB instance.
func NewInMemory(logger *zap.Logger, options basedb.Options) (*PebbleDB, error) {
	return createDB(logger, options, vfs.NewMem())
}

func createDB(logger *zap.Logger, options basedb.Options, fs vfs.FS) (*PebbleDB, error) {
	opts := &pebble.Options{Logger: newLogger(logger)}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(options.Path, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open pebble")
	}
	return &PebbleDB{
		logger: logger,
		db:     db,
	}, nil
}

// Begin creates a read-write transaction backed by an indexed batch.
func (pdb *PebbleDB) Begin() basedb.Txn {
	return newTxn(pdb.db.NewIndexedBatch())
}

// BeginRead creates a read-only transaction over a consistent snapshot.
func (pdb *PebbleDB) BeginRead() basedb.ReadTxn {
	return newReadTxn(pdb.db.NewSnapshot())
}

// Using returns the given ReadWriter, falling back to the database itself.
func (pdb *PebbleDB) Using(rw basedb.ReadWriter) basedb.ReadWriter {
	if rw == nil {
		return pdb
	}
	return rw
}

// UsingReader returns the given Reader, falling back to the database itself.
func (pdb *PebbleDB) UsingReader(r basedb.Reader) basedb.Reader {
	if r == nil {
		return pdb
	}
	return r
}

// Set saves value with key to storage.
func (pdb *PebbleDB) Set(prefix []byte, key []byte, value []byte) error {
	return pdb.db.Set(append(prefix, key...), value, pebble.Sync)
}

// SetMany saves many values with the given keys in a single batch.
func (pdb *PebbleDB) SetMany(prefix []byte, n int, next func(int) (basedb.Obj, error)) error {
	batch := pdb.db.NewBatch()
	for i := 0; i < n; i++ {
		item, err := next(i)
		if err != nil {
			_ = batch.Close()
			return err
		}
		if err := batch.Set(append(prefix, item.Key...), item.Value, nil); err != nil {
			_ = batch.Close()
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// Get returns the value for the specified key, reporting whether it exists.
func (pdb *PebbleDB) Get(prefix []byte, key []byte) (basedb.Obj, bool, error) {
	return get(pdb.db, prefix, key)
}

// GetMany returns the values for the given keys, skipping missing ones.
func (pdb *PebbleDB) GetMany(prefix []byte, keys [][]byte, iterator func(basedb.Obj) error) error {
	return getMany(pdb.db, prefix, keys, iterator)
}

// GetAll returns all key/value pairs under the prefix.
func (pdb *PebbleDB) GetAll(prefix []byte, handler func(int, basedb.Obj) error) error {
	return getAll(pdb.db, prefix, handler)
}

// CountPrefix counts the keys under the prefix.
func (pdb *PebbleDB) CountPrefix(prefix []byte) (int64, error) {
	iter, err := makePrefixIter(pdb.db, prefix)
	if err != nil {
		return 0, err
	}
	defer func() { _ = iter.Close() }()

	count := int64(0)
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	return count, nil
}

// DropPrefix deletes all keys under the prefix.
func (pdb *PebbleDB) DropPrefix(prefix []byte) error {
	batch := pdb.db.NewBatch()
	iter, err := makePrefixIter(pdb.db, prefix)
	if err != nil {
		return err
	}

	defer func() {
		_ = iter.Close()
		_ = batch.Close()
	}()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Delete removes the key from storage.
func (pdb *PebbleDB) Delete(prefix []byte, key []byte) error {
	return pdb.db.Delete(append(prefix, key...), pebble.Sync)
}

// Update runs fn inside a read-write transaction, committing on success.
func (pdb *PebbleDB) Update(fn func(basedb.Txn) error) error {
	batch := pdb.db.NewIndexedBatch()
	if err := fn(newTxn(batch)); err != nil {
		_ = batch.Close()
		return err
	}
	return batch.Commit(pebble.Sync)
}

// QuickGC is a no-op: pebble compacts in the background.
func (pdb *PebbleDB) QuickGC(context.Context) error {
	return nil
}

// FullGC compacts the whole key space.
func (pdb *PebbleDB) FullGC(context.Context) error {
	iter, err := pdb.db.NewIter(nil)
	if err != nil {
		return err
	}

	var first, last []byte
	if iter.First() {
		first = append(first, iter.Key()...)
	}
	if iter.Last() {
		last = append(last, iter.Key()...)
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if first == nil || last == nil {
		return nil
	}
	return pdb.db.Compact(first, last, true)
}

// Close closes the underlying database.
func (pdb *PebbleDB) Close() error {
	if err := pdb.db.Close(); err != nil {
		pdb.logger.Error("failed to close pebble", zap.Error(err))
		return errors.Wrap(err, "failed to close pebble")
	}
	return nil
}

func makePrefixIter(r pebble.Reader, prefix []byte) (*pebble.Iterator, error) {
	keyUpperBound := func(b []byte) []byte {
		end := make([]byte, len(b))
		copy(end, b)
		for i := len(end) - 1; i >= 0; i-- {
			end[i] = end[i] + 1
			if end[i] != 0 {
				return end[:i+1]
			}
		}
		return nil // no upper-bound
	}

	return r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
}

func get(r pebble.Reader, prefix []byte, key []byte) (basedb.Obj, bool, error) {
	value, closer, err := r.Get(append(prefix, key...))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return basedb.Obj{}, false, nil
		}
		return basedb.Obj{}, true, err
	}

	valCopy := make([]byte, len(value))
	copy(valCopy, value)
	if err := closer.Close(); err != nil {
		return basedb.Obj{}, true, err
	}
	return basedb.Obj{
		Key:   key,
		Value: valCopy,
	}, true, nil
}

func getMany(r pebble.Reader, prefix []byte, keys [][]byte, iterator func(basedb.Obj) error) error {
	for _, key := range keys {
		obj, found, err := get(r, prefix, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := iterator(obj); err != nil {
			return err
		}
	}
	return nil
}

func getAll(r pebble.Reader, prefix []byte, handler func(int, basedb.Obj) error) error {
	iter, err := makePrefixIter(r, prefix)
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()

	i := 0
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		key := make([]byte, len(iter.Key())-len(prefix))
		copy(key, iter.Key()[len(prefix):])

		valCopy := make([]byte, len(value))
		copy(valCopy, value)

		if err := handler(i, basedb.Obj{Key: key, Value: valCopy}); err != nil {
			return err
		}
		i++
	}
	return iter.Error()
}
