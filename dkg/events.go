package dkg

import (
	"github.com/ethereum/go-ethereum/common"
)

// Event is an input to the session state machine. Events arrive from the
// wire (with an authenticated sender), from the embedding node or from the
// local clock.
type Event interface {
	isEvent()
}

// StartEvent opens a session with the given committee.
type StartEvent struct {
	Config SessionConfig
}

// Round1Event delivers a round 1 package from an authenticated sender.
type Round1Event struct {
	From    common.Address
	Message *Round1
}

// Round2Event delivers a round 2 bundle from an authenticated sender.
type Round2Event struct {
	From    common.Address
	Message *Round2
}

// ComplaintEvent delivers a complaint from an authenticated sender.
type ComplaintEvent struct {
	From    common.Address
	Message *Complaint
}

// JustificationEvent delivers a justification from an authenticated sender.
type JustificationEvent struct {
	From    common.Address
	Message *Justification
}

// Round2CulpritsEvent delivers a culprit report from an authenticated
// sender.
type Round2CulpritsEvent struct {
	From    common.Address
	Message *Round2Culprits
}

// TimeoutEvent asks the machine to check its phase deadline. The embedding
// node emits it on a fixed tick.
type TimeoutEvent struct{}

func (*StartEvent) isEvent()          {}
func (*Round1Event) isEvent()         {}
func (*Round2Event) isEvent()         {}
func (*ComplaintEvent) isEvent()      {}
func (*JustificationEvent) isEvent()  {}
func (*Round2CulpritsEvent) isEvent() {}
func (*TimeoutEvent) isEvent()        {}
