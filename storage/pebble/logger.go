package pebble

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dvlabs/dkg/logging"
)

// pebbleLogger adapts zap to pebble's logger surface. Pebble's own info
// output is noisy, so it is demoted to debug.
type pebbleLogger struct {
	logger *zap.Logger
}

func newLogger(l *zap.Logger) *pebbleLogger {
	return &pebbleLogger{l.Named(logging.NamePebbleDBLog)}
}

func (pl *pebbleLogger) Infof(s string, i ...interface{}) {
	pl.logger.Debug(fmt.Sprintf(s, i...))
}

func (pl *pebbleLogger) Errorf(s string, i ...interface{}) {
	pl.logger.Error(fmt.Sprintf(s, i...))
}

func (pl *pebbleLogger) Fatalf(s string, i ...interface{}) {
	pl.logger.Fatal(fmt.Sprintf(s, i...))
}
