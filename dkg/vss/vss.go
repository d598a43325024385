// Package vss implements the verifiable secret sharing substrate of the key
// generation handshake: participant identifiers on the BLS12-381 scalar
// field, polynomial commitments, the participant and dealer roles, and the
// one-time encryption keys that carry share fragments between participants.
package vss

import (
	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/pkg/errors"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(errors.Wrap(err, "could not init bls"))
	}
	if err := bls.SetETHmode(bls.EthModeDraft07); err != nil {
		panic(errors.Wrap(err, "could not set eth mode"))
	}
}

// ErrRetired is returned by secret-bearing operations after Retire.
var ErrRetired = errors.New("participant retired")
