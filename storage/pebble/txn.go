package pebble

import (
	"github.com/cockroachdb/pebble"

	"github.com/dvlabs/dkg/storage/basedb"
)

type pebbleTxn struct {
	batch *pebble.Batch
}

func newTxn(batch *pebble.Batch) basedb.Txn {
	return &pebbleTxn{batch: batch}
}

func (t *pebbleTxn) Commit() error {
	return t.batch.Commit(pebble.Sync)
}

func (t *pebbleTxn) Discard() {
	_ = t.batch.Close()
}

func (t *pebbleTxn) Set(prefix []byte, key []byte, value []byte) error {
	return t.batch.Set(append(prefix, key...), value, nil)
}

func (t *pebbleTxn) SetMany(prefix []byte, n int, next func(int) (basedb.Obj, error)) error {
	for i := 0; i < n; i++ {
		item, err := next(i)
		if err != nil {
			return err
		}
		if err := t.batch.Set(append(prefix, item.Key...), item.Value, nil); err != nil {
			return err
		}
	}
	return nil
}

func (t *pebbleTxn) Get(prefix []byte, key []byte) (basedb.Obj, bool, error) {
	return get(t.batch, prefix, key)
}

func (t *pebbleTxn) GetMany(prefix []byte, keys [][]byte, iterator func(basedb.Obj) error) error {
	return getMany(t.batch, prefix, keys, iterator)
}

func (t *pebbleTxn) GetAll(prefix []byte, handler func(int, basedb.Obj) error) error {
	return getAll(t.batch, prefix, handler)
}

func (t *pebbleTxn) Delete(prefix []byte, key []byte) error {
	return t.batch.Delete(append(prefix, key...), nil)
}

type pebbleReadTxn struct {
	snapshot *pebble.Snapshot
}

func newReadTxn(snapshot *pebble.Snapshot) basedb.ReadTxn {
	return &pebbleReadTxn{snapshot: snapshot}
}

func (t *pebbleReadTxn) Discard() {
	_ = t.snapshot.Close()
}

func (t *pebbleReadTxn) Get(prefix []byte, key []byte) (basedb.Obj, bool, error) {
	return get(t.snapshot, prefix, key)
}

func (t *pebbleReadTxn) GetMany(prefix []byte, keys [][]byte, iterator func(basedb.Obj) error) error {
	return getMany(t.snapshot, prefix, keys, iterator)
}

func (t *pebbleReadTxn) GetAll(prefix []byte, handler func(int, basedb.Obj) error) error {
	return getAll(t.snapshot, prefix, handler)
}
