// Package dkg implements distributed key generation for a validator
// committee: a two-round verifiable secret sharing handshake driven by a
// per-era session state machine. The package is transport-agnostic; the
// embedding node feeds events in and executes the returned actions.
package dkg

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	// ErrAlreadyStarted is returned when a start event arrives while a
	// session is already in progress.
	ErrAlreadyStarted = errors.New("session already in progress")

	// ErrNoActiveProtocol is returned when a message event arrives before
	// any session was started.
	ErrNoActiveProtocol = errors.New("no active protocol")
)

// SessionID identifies one key generation session. Sessions are scoped to
// eras; a restart after an exclusion keeps the same id.
type SessionID struct {
	Era uint64 `json:"era"`
}

func (s SessionID) String() string {
	return fmt.Sprintf("era-%d", s.Era)
}

// SessionConfig describes the committee for one era.
type SessionConfig struct {
	Era         uint64
	Threshold   uint16
	Validators  []common.Address
	SelfAddress common.Address
}
