package storage

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dvlabs/dkg/storage/basedb"
	"github.com/dvlabs/dkg/storage/kv"
	"github.com/dvlabs/dkg/storage/pebble"
)

// GetStorageFactory opens the database engine selected by options.
func GetStorageFactory(logger *zap.Logger, options basedb.Options) (basedb.Database, error) {
	switch options.Engine {
	case "", "badger":
		return kv.New(logger, options)
	case "pebble":
		return pebble.New(logger, options)
	default:
		return nil, fmt.Errorf("unsupported db engine: %s", options.Engine)
	}
}
