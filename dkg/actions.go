package dkg

import (
	"github.com/dvlabs/dkg/dkg/vss"
)

// Action is an output of the session state machine, executed by the
// embedding node in the order returned.
type Action interface {
	isAction()
}

// BroadcastRound1 publishes the local round 1 package.
type BroadcastRound1 struct {
	Message *Round1
}

// BroadcastRound2 publishes the local round 2 bundle.
type BroadcastRound2 struct {
	Message *Round2
}

// BroadcastComplaint publishes a complaint against a misbehaving dealer.
type BroadcastComplaint struct {
	Message *Complaint
}

// BroadcastRound2Culprits publishes a culprit report with the local
// one-time private key revealed for auditing.
type BroadcastRound2Culprits struct {
	Message *Round2Culprits
}

// Complete reports the terminal outcome of the session.
type Complete struct {
	Result Result
}

func (*BroadcastRound1) isAction()         {}
func (*BroadcastRound2) isAction()         {}
func (*BroadcastComplaint) isAction()      {}
func (*BroadcastRound2Culprits) isAction() {}
func (*Complete) isAction()                {}

// Result is the terminal outcome of a session: key material on success, a
// reason string on failure.
type Result struct {
	Completed *Completed `json:"completed,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Failed reports whether the session ended without key material.
func (r Result) Failed() bool {
	return r.Completed == nil
}

// Completed carries the outputs of a successful handshake.
type Completed struct {
	Share            *Share                `json:"share"`
	KeyPackage       *vss.KeyPackage       `json:"key_package"`
	PublicKeyPackage *vss.PublicKeyPackage `json:"public_key_package"`
	VSSCommitment    [][]byte              `json:"vss_commitment"`
}

// Share is the externally consumable signing share record for one era.
type Share struct {
	Era            uint64         `json:"era"`
	Identifier     vss.Identifier `json:"identifier"`
	ValidatorIndex uint16         `json:"validator_index"`
	SigningShare   []byte         `json:"signing_share"`
	VerifyingShare []byte         `json:"verifying_share"`
	Threshold      uint16         `json:"threshold"`
}
