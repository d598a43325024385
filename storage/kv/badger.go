// Package kv is the BadgerDB implementation of basedb.Database, the node's
// default storage engine.
package kv

import (
	"context"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dvlabs/dkg/storage/basedb"
)

// BadgerDB struct
type BadgerDB struct {
	logger *zap.Logger
	db     *badger.DB

	ctx    context.Context
	cancel context.CancelFunc

	gcMutex sync.Mutex

	// wg waits for all background tasks to finish.
	wg sync.WaitGroup
}

var (
	_ basedb.Database         = (*BadgerDB)(nil)
	_ basedb.GarbageCollector = (*BadgerDB)(nil)
)

// New creates a persistent DB instance.
func New(logger *zap.Logger, options basedb.Options) (*BadgerDB, error) {
	return createDB(logger, options, false)
}

// NewInMemory creates an in-memory DB instance.
func NewInMemory(logger *zap.Logger, options basedb.Options) (*BadgerDB, error) {
	return createDB(logger, options, true)
}

func createDB(logger *zap.Logger, options basedb.Options, inMemory bool) (*BadgerDB, error) {
	opt := badger.DefaultOptions(options.Path)

	if inMemory {
		opt.InMemory = true
		opt.Dir = ""
		opt.ValueDir = ""
	}

	// a single writer owns the database, conflict detection is unnecessary
	opt.DetectConflicts = false
	opt.CompactL0OnClose = true
	opt.Logger = newLogger(logger)

	db, err := badger.Open(opt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger")
	}

	parentCtx := options.Ctx
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	badgerDB := &BadgerDB{
		logger: logger,
		db:     db,
		ctx:    ctx,
		cancel: cancel,
	}

	if options.GCInterval > 0 {
		badgerDB.wg.Add(1)
		go badgerDB.periodicallyCollectGarbage(options.GCInterval)
	}

	return badgerDB, nil
}

// Begin creates a read-write transaction.
func (b *BadgerDB) Begin() basedb.Txn {
	txn := b.db.NewTransaction(true)
	return newTxn(txn, b)
}

// BeginRead creates a read-only transaction.
func (b *BadgerDB) BeginRead() basedb.ReadTxn {
	txn := b.db.NewTransaction(false)
	return newTxn(txn, b)
}

// Using returns the given ReadWriter, falling back to the database itself.
func (b *BadgerDB) Using(rw basedb.ReadWriter) basedb.ReadWriter {
	if rw == nil {
		return b
	}
	return rw
}

// UsingReader returns the given Reader, falling back to the database itself.
func (b *BadgerDB) UsingReader(r basedb.Reader) basedb.Reader {
	if r == nil {
		return b
	}
	return r
}

// Set saves value with key to storage.
func (b *BadgerDB) Set(prefix []byte, key []byte, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append(prefix, key...), value)
	})
}

// SetMany saves many values with the given keys in a single batch.
func (b *BadgerDB) SetMany(prefix []byte, n int, next func(int) (basedb.Obj, error)) error {
	wb := b.db.NewWriteBatch()
	for i := 0; i < n; i++ {
		item, err := next(i)
		if err != nil {
			wb.Cancel()
			return err
		}
		if err := wb.Set(append(prefix, item.Key...), item.Value); err != nil {
			wb.Cancel()
			return err
		}
	}
	return wb.Flush()
}

// Get returns the value for the specified key, reporting whether it exists.
func (b *BadgerDB) Get(prefix []byte, key []byte) (basedb.Obj, bool, error) {
	var (
		obj   basedb.Obj
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append(prefix, key...))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		obj = basedb.Obj{Key: key, Value: value}
		return nil
	})
	return obj, found, err
}

// GetMany returns the values for the given keys, skipping missing ones.
func (b *BadgerDB) GetMany(prefix []byte, keys [][]byte, iterator func(basedb.Obj) error) error {
	if len(keys) == 0 {
		return nil
	}
	return b.db.View(b.manyGetter(prefix, keys, iterator))
}

// GetAll returns all key/value pairs under the prefix.
func (b *BadgerDB) GetAll(prefix []byte, handler func(int, basedb.Obj) error) error {
	return b.db.View(b.allGetter(prefix, handler))
}

// CountPrefix counts the keys under the prefix.
func (b *BadgerDB) CountPrefix(prefix []byte) (int64, error) {
	count := int64(0)
	err := b.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		opt.PrefetchValues = false
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// DropPrefix deletes all keys under the prefix.
func (b *BadgerDB) DropPrefix(prefix []byte) error {
	return b.db.DropPrefix(prefix)
}

// Delete removes the key from storage.
func (b *BadgerDB) Delete(prefix []byte, key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(append(prefix, key...))
	})
}

// Update runs fn inside a read-write transaction, committing on success.
func (b *BadgerDB) Update(fn func(basedb.Txn) error) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(newTxn(txn, b))
	})
}

// Close stops background tasks and closes the underlying database.
func (b *BadgerDB) Close() error {
	b.cancel()
	b.wg.Wait()
	if err := b.db.Close(); err != nil {
		b.logger.Error("failed to close badger", zap.Error(err))
		return errors.Wrap(err, "failed to close badger")
	}
	return nil
}

// manyGetter returns a serializable getter of many keys, shared between the
// database view and transactions.
func (b *BadgerDB) manyGetter(prefix []byte, keys [][]byte, iterator func(basedb.Obj) error) func(*badger.Txn) error {
	return func(txn *badger.Txn) error {
		var value []byte
		for _, key := range keys {
			item, err := txn.Get(append(prefix, key...))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			value, err = item.ValueCopy(value)
			if err != nil {
				return err
			}
			if err := iterator(basedb.Obj{Key: key, Value: value}); err != nil {
				return err
			}
		}
		return nil
	}
}

// allGetter returns a serializable getter of a whole prefix, shared between
// the database view and transactions.
func (b *BadgerDB) allGetter(prefix []byte, handler func(int, basedb.Obj) error) func(*badger.Txn) error {
	return func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		it := txn.NewIterator(opt)
		defer it.Close()
		i := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)[len(prefix):]
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := handler(i, basedb.Obj{Key: key, Value: value}); err != nil {
				return err
			}
			i++
		}
		return nil
	}
}
