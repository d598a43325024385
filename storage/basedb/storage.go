// Package basedb abstracts the node's embedded key-value store behind
// engine-neutral interfaces, so session persistence does not care which
// backend is configured.
package basedb

import (
	"context"
	"time"
)

// Options for creating a database of any engine.
type Options struct {
	Ctx        context.Context
	Engine     string        `yaml:"Engine" env:"DB_ENGINE" env-default:"badger" env-description:"Storage engine, badger or pebble"`
	Path       string        `yaml:"Path" env:"DB_PATH" env-default:"./data/db" env-description:"Database storage directory path"`
	GCInterval time.Duration `yaml:"GCInterval" env:"DB_GC_INTERVAL" env-default:"6m" env-description:"Interval between garbage collection runs (0 to disable)"`
}

// Reader is a read-only accessor to the database.
type Reader interface {
	Get(prefix []byte, key []byte) (Obj, bool, error)
	GetMany(prefix []byte, keys [][]byte, iterator func(Obj) error) error
	GetAll(prefix []byte, handler func(int, Obj) error) error
}

// ReadWriter is a read-write accessor to the database.
type ReadWriter interface {
	Reader
	Set(prefix []byte, key []byte, value []byte) error
	SetMany(prefix []byte, n int, next func(int) (Obj, error)) error
	Delete(prefix []byte, key []byte) error
}

// Txn is a read-write transaction.
type Txn interface {
	ReadWriter
	Commit() error
	Discard()
}

// ReadTxn is a read-only transaction over a consistent view.
type ReadTxn interface {
	Reader
	Discard()
}

// Database is the full engine surface used by the node.
type Database interface {
	ReadWriter

	Begin() Txn
	BeginRead() ReadTxn

	Using(rw ReadWriter) ReadWriter
	UsingReader(r Reader) Reader

	CountPrefix(prefix []byte) (int64, error)
	DropPrefix(prefix []byte) error
	Update(fn func(Txn) error) error
	Close() error
}

// GarbageCollector is implemented by engines which demand garbage collection.
type GarbageCollector interface {
	// QuickGC runs a short garbage collection cycle to reclaim some unused
	// disk space. Designed to be called periodically while the database is
	// being used.
	QuickGC(context.Context) error

	// FullGC runs a long garbage collection cycle to reclaim (ideally) all
	// unused disk space. Designed to be called when the database is not
	// being used.
	FullGC(context.Context) error
}

// Obj is a key/value pair from storage.
type Obj struct {
	Key   []byte
	Value []byte
}
