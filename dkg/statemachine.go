package dkg

import (
	"bytes"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dvlabs/dkg/dkg/vss"
	"github.com/dvlabs/dkg/logging"
	"github.com/dvlabs/dkg/logging/fields"
)

// State is the lifecycle phase of a session.
type State int

const (
	StateIdle State = iota
	StateRound1Pending
	StateRound2Pending
	StateCulpritsPending
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRound1Pending:
		return "Round1Pending"
	case StateRound2Pending:
		return "Round2Pending"
	case StateCulpritsPending:
		return "CulpritsPending"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(data []byte) error {
	switch string(data) {
	case "Idle":
		*s = StateIdle
	case "Round1Pending":
		*s = StateRound1Pending
	case "Round2Pending":
		*s = StateRound2Pending
	case "CulpritsPending":
		*s = StateCulpritsPending
	case "Completed":
		*s = StateCompleted
	case "Failed":
		*s = StateFailed
	default:
		return errors.Errorf("unknown state %q", string(data))
	}
	return nil
}

// Timeouts bounds each pending phase. A phase that overstays its bound
// fails the session on the next timeout event.
type Timeouts struct {
	Round1   time.Duration `yaml:"Round1" env:"DKG_ROUND1_TIMEOUT" env-default:"30s" env-description:"Maximum time to wait for round 1 packages"`
	Round2   time.Duration `yaml:"Round2" env:"DKG_ROUND2_TIMEOUT" env-default:"30s" env-description:"Maximum time to wait for round 2 bundles"`
	Culprits time.Duration `yaml:"Culprits" env:"DKG_CULPRITS_TIMEOUT" env-default:"20s" env-description:"Maximum time to wait for culprit resolution"`
}

// DefaultTimeouts returns the production phase bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Round1:   30 * time.Second,
		Round2:   30 * time.Second,
		Culprits: 20 * time.Second,
	}
}

// StateMachine drives one key generation session per era: it gates events
// by phase, restarts without excluded validators on proven misbehavior and
// fails on phase timeouts. Not safe for concurrent use; the embedding node
// serializes events through it.
type StateMachine struct {
	logger *zap.Logger

	state     State
	enteredAt time.Time
	failure   string

	config   SessionConfig
	protocol *Protocol
	excluded map[common.Address]struct{}

	timeouts Timeouts
	now      func() time.Time
}

// NewStateMachine returns an idle machine.
func NewStateMachine(logger *zap.Logger, timeouts Timeouts) *StateMachine {
	return &StateMachine{
		logger:   logger.Named(logging.NameStateMachine),
		state:    StateIdle,
		excluded: make(map[common.Address]struct{}),
		timeouts: timeouts,
		now:      time.Now,
	}
}

// ProcessEvent applies one event and returns the actions the embedding node
// must execute, in order. Events that do not fit the current phase are
// dropped; errors mark message-local failures and leave the state intact.
func (sm *StateMachine) ProcessEvent(event Event) ([]Action, error) {
	switch ev := event.(type) {
	case *StartEvent:
		return sm.handleStart(ev)
	case *Round1Event:
		return sm.handleRound1(ev)
	case *Round2Event:
		return sm.handleRound2(ev)
	case *ComplaintEvent:
		return sm.handleComplaint(ev)
	case *JustificationEvent:
		return sm.handleJustification(ev)
	case *Round2CulpritsEvent:
		return sm.handleRound2Culprits(ev)
	case *TimeoutEvent:
		return sm.handleTimeout()
	default:
		return nil, errors.Errorf("unknown event type %T", event)
	}
}

func (sm *StateMachine) setState(state State) {
	sm.state = state
	sm.enteredAt = sm.now()
}

func (sm *StateMachine) handleStart(ev *StartEvent) ([]Action, error) {
	if sm.state != StateIdle {
		return nil, ErrAlreadyStarted
	}
	cfg := ev.Config
	cfg.Validators = append([]common.Address(nil), cfg.Validators...)

	protocol, err := NewProtocol(Config{
		Session:      SessionID{Era: cfg.Era},
		Threshold:    cfg.Threshold,
		Participants: cfg.Validators,
		SelfAddress:  cfg.SelfAddress,
	})
	if err != nil {
		return nil, err
	}
	msg, err := protocol.GenerateRound1()
	if err != nil {
		return nil, err
	}

	sm.config = cfg
	sm.protocol = protocol
	sm.excluded = make(map[common.Address]struct{})
	sm.failure = ""
	sm.setState(StateRound1Pending)
	sm.logger.Info("session started",
		fields.Era(cfg.Era),
		fields.Validators(len(cfg.Validators)))
	return []Action{&BroadcastRound1{Message: msg}}, nil
}

func (sm *StateMachine) handleRound1(ev *Round1Event) ([]Action, error) {
	if sm.state != StateRound1Pending {
		sm.logger.Debug("dropping round 1 package",
			fields.State(sm.state),
			fields.Sender(ev.From))
		return nil, nil
	}
	if err := sm.protocol.ReceiveRound1(ev.From, ev.Message); err != nil {
		return nil, err
	}
	if !sm.protocol.Round1Complete() {
		return nil, nil
	}
	msg, err := sm.protocol.GenerateRound2()
	if err != nil {
		return nil, err
	}
	sm.setState(StateRound2Pending)
	return []Action{&BroadcastRound2{Message: msg}}, nil
}

func (sm *StateMachine) handleRound2(ev *Round2Event) ([]Action, error) {
	if sm.state != StateRound2Pending {
		sm.logger.Debug("dropping round 2 bundle",
			fields.State(sm.state),
			fields.Sender(ev.From))
		return nil, nil
	}
	if err := sm.protocol.ReceiveRound2(ev.From, ev.Message); err != nil {
		return nil, err
	}
	if !sm.protocol.Round2Complete() {
		return nil, nil
	}
	return sm.tryFinalize()
}

func (sm *StateMachine) tryFinalize() ([]Action, error) {
	res, err := sm.protocol.Finalize()
	if err != nil {
		return nil, err
	}

	if res.Culprits != nil {
		sm.setState(StateCulpritsPending)
		sm.logger.Warn("invalid shares detected",
			fields.Era(sm.config.Era),
			fields.Culprits(len(res.Culprits.Culprits)))
		actions := []Action{&BroadcastRound2Culprits{Message: res.Culprits}}
		for _, culprit := range res.Culprits.Culprits {
			addr, ok := sm.protocol.AddressOf(culprit)
			if !ok {
				continue
			}
			actions = append(actions, &BroadcastComplaint{Message: &Complaint{
				Session:    res.Culprits.Session,
				Complainer: sm.config.SelfAddress,
				Offender:   addr,
				Reason:     "round2_invalid_share",
			}})
		}
		return actions, nil
	}

	share, err := sm.buildShare(res)
	if err != nil {
		return nil, err
	}
	completed := &Completed{
		Share:            share,
		KeyPackage:       res.KeyPackage,
		PublicKeyPackage: res.PublicKeyPackage,
		VSSCommitment:    res.VSSCommitment.Serialize(),
	}
	sm.protocol.Retire()
	sm.setState(StateCompleted)
	sm.logger.Info("session completed", fields.Era(sm.config.Era))
	return []Action{&Complete{Result: Result{Completed: completed}}}, nil
}

func (sm *StateMachine) buildShare(res *FinalizeResult) (*Share, error) {
	index := 0
	for i, addr := range sm.config.Validators {
		if addr == sm.config.SelfAddress {
			index = i + 1
			break
		}
	}
	if index == 0 {
		return nil, errors.New("local address missing from validator list")
	}
	return &Share{
		Era:            sm.config.Era,
		Identifier:     res.KeyPackage.Identifier,
		ValidatorIndex: uint16(index),
		SigningShare:   res.KeyPackage.SigningShare,
		VerifyingShare: res.KeyPackage.VerifyingShare,
		Threshold:      res.KeyPackage.MinSigners,
	}, nil
}

func (sm *StateMachine) handleComplaint(ev *ComplaintEvent) ([]Action, error) {
	if sm.protocol == nil {
		return nil, ErrNoActiveProtocol
	}
	if ev.Message.Complainer != ev.From {
		sm.logger.Debug("dropping spoofed complaint",
			fields.Sender(ev.From),
			fields.Complainer(ev.Message.Complainer))
		return nil, nil
	}
	if err := sm.protocol.ReceiveComplaint(ev.Message); err != nil {
		return nil, err
	}
	sm.logger.Info("complaint recorded",
		fields.Complainer(ev.Message.Complainer),
		fields.Offender(ev.Message.Offender),
		fields.Reason(ev.Message.Reason))
	return nil, nil
}

func (sm *StateMachine) handleJustification(ev *JustificationEvent) ([]Action, error) {
	if sm.protocol == nil {
		return nil, ErrNoActiveProtocol
	}
	if ev.Message.Offender != ev.From {
		sm.logger.Debug("dropping spoofed justification",
			fields.Sender(ev.From),
			fields.Offender(ev.Message.Offender))
		return nil, nil
	}
	valid, err := sm.protocol.ReceiveJustification(ev.Message)
	if err != nil {
		return nil, err
	}
	if valid {
		sm.logger.Info("justification accepted",
			fields.Complainer(ev.Message.Complainer),
			fields.Offender(ev.Message.Offender))
		return nil, nil
	}
	sm.logger.Warn("justification rejected, excluding offender",
		fields.Offender(ev.Message.Offender))
	return sm.excludeAndRestart([]common.Address{ev.Message.Offender})
}

func (sm *StateMachine) handleRound2Culprits(ev *Round2CulpritsEvent) ([]Action, error) {
	if sm.state != StateRound2Pending && sm.state != StateCulpritsPending {
		sm.logger.Debug("dropping culprit report",
			fields.State(sm.state),
			fields.Sender(ev.From))
		return nil, nil
	}
	if err := sm.protocol.ReceiveRound2Culprits(ev.From, ev.Message); err != nil {
		return nil, err
	}

	confirmed := sm.protocol.Round2Culprits()
	addrs := make([]common.Address, 0, len(confirmed))
	for _, id := range confirmed {
		if addr, ok := sm.protocol.AddressOf(id); ok {
			addrs = append(addrs, addr)
		}
	}
	actions, err := sm.excludeAndRestart(addrs)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		// no culprit confirmed by local evidence; keep collecting reports
		// with a fresh deadline
		sm.setState(StateCulpritsPending)
		return nil, nil
	}
	return actions, nil
}

func (sm *StateMachine) handleTimeout() ([]Action, error) {
	var limit time.Duration
	var reason string
	switch sm.state {
	case StateRound1Pending:
		limit, reason = sm.timeouts.Round1, "Round1 timeout"
	case StateRound2Pending:
		limit, reason = sm.timeouts.Round2, "Round2 timeout"
	case StateCulpritsPending:
		limit, reason = sm.timeouts.Culprits, "Round2 culprits timeout"
	default:
		return nil, nil
	}
	if sm.now().Sub(sm.enteredAt) <= limit {
		return nil, nil
	}
	return sm.fail(reason), nil
}

func (sm *StateMachine) fail(reason string) []Action {
	if sm.protocol != nil {
		sm.protocol.Retire()
	}
	sm.failure = reason
	sm.setState(StateFailed)
	sm.logger.Warn("session failed",
		fields.Era(sm.config.Era),
		fields.Reason(reason))
	return []Action{&Complete{Result: Result{Reason: reason}}}
}

// excludeAndRestart removes offenders from the committee and begins a fresh
// attempt with the survivors. It does nothing unless at least one offender
// was not already excluded.
func (sm *StateMachine) excludeAndRestart(offenders []common.Address) ([]Action, error) {
	fresh := false
	for _, addr := range offenders {
		if _, ok := sm.excluded[addr]; !ok {
			sm.excluded[addr] = struct{}{}
			fresh = true
		}
	}
	if !fresh {
		return nil, nil
	}

	survivors := make([]common.Address, 0, len(sm.config.Validators))
	for _, addr := range sm.config.Validators {
		if _, ok := sm.excluded[addr]; !ok {
			survivors = append(survivors, addr)
		}
	}
	if len(survivors) < int(sm.config.Threshold) {
		return sm.fail("Too many culprits"), nil
	}

	protocol, err := NewProtocol(Config{
		Session:      SessionID{Era: sm.config.Era},
		Threshold:    sm.config.Threshold,
		Participants: survivors,
		SelfAddress:  sm.config.SelfAddress,
	})
	if err != nil {
		return nil, err
	}
	msg, err := protocol.GenerateRound1()
	if err != nil {
		return nil, err
	}

	sm.protocol.Retire()
	sm.protocol = protocol
	sm.config.Validators = survivors
	sm.setState(StateRound1Pending)
	sm.logger.Info("restarting without excluded validators",
		fields.Era(sm.config.Era),
		fields.Validators(len(survivors)),
		fields.Count(len(sm.excluded)))
	return []Action{&BroadcastRound1{Message: msg}}, nil
}

// State returns the current lifecycle phase.
func (sm *StateMachine) State() State {
	return sm.state
}

// Failure returns the failure reason once the machine is in StateFailed.
func (sm *StateMachine) Failure() string {
	return sm.failure
}

// Era returns the era of the running session.
func (sm *StateMachine) Era() uint64 {
	return sm.config.Era
}

// Participants returns the roster of the current attempt.
func (sm *StateMachine) Participants() []common.Address {
	if sm.protocol == nil {
		return nil
	}
	return sm.protocol.Participants()
}

// Excluded returns the validators excluded so far, in address order.
func (sm *StateMachine) Excluded() []common.Address {
	out := maps.Keys(sm.excluded)
	slices.SortFunc(out, func(a, b common.Address) int {
		return bytes.Compare(a[:], b[:])
	})
	return out
}

// Justification builds a response to a complaint naming the local operator.
func (sm *StateMachine) Justification(complainer common.Address) (*Justification, error) {
	if sm.protocol == nil {
		return nil, ErrNoActiveProtocol
	}
	return sm.protocol.JustificationFor(complainer)
}

// SessionState is a read-only snapshot of the machine and its protocol for
// debugging and persistence.
type SessionState struct {
	State          State                              `json:"state"`
	Era            uint64                             `json:"era"`
	Identifiers    map[common.Address]vss.Identifier  `json:"identifiers,omitempty"`
	Round1         map[common.Address]*Round1         `json:"round1,omitempty"`
	Round2         map[common.Address]*Round2         `json:"round2,omitempty"`
	Complaints     []*Complaint                       `json:"complaints,omitempty"`
	Justifications []*Justification                   `json:"justifications,omitempty"`
	CulpritReports map[common.Address]*Round2Culprits `json:"culprit_reports,omitempty"`
	Excluded       []common.Address                   `json:"excluded,omitempty"`
	Completed      bool                               `json:"completed"`
	Failure        string                             `json:"failure,omitempty"`
}

// Snapshot captures the machine's current state. Safe to call in any phase.
func (sm *StateMachine) Snapshot() *SessionState {
	st := &SessionState{
		State:     sm.state,
		Era:       sm.config.Era,
		Excluded:  sm.Excluded(),
		Completed: sm.state == StateCompleted,
		Failure:   sm.failure,
	}
	if sm.protocol != nil {
		st.Identifiers = sm.protocol.Identifiers()
		st.Round1 = sm.protocol.Round1Packages()
		st.Round2 = sm.protocol.Round2Packages()
		st.Complaints = sm.protocol.Complaints()
		st.Justifications = sm.protocol.Justifications()
		st.CulpritReports = sm.protocol.CulpritReports()
	}
	return st
}
