// Package node runs one key generation session end to end. The node owns
// the session state machine, pumps network events and phase deadlines
// through it and executes the actions it emits: signing and publishing
// broadcasts, echoing the ones the machine expects back, persisting
// progress and answering complaints that name the local operator.
package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dvlabs/dkg/dkg"
	"github.com/dvlabs/dkg/logging"
	"github.com/dvlabs/dkg/logging/fields"
	"github.com/dvlabs/dkg/message"
	"github.com/dvlabs/dkg/message/validation"
	"github.com/dvlabs/dkg/operator/keys"
	"github.com/dvlabs/dkg/sessions"
)

const (
	defaultTickInterval = time.Second

	inboundQueueSize = 1024
)

// Broadcaster publishes encoded signed messages to the committee.
type Broadcaster interface {
	Broadcast(ctx context.Context, data []byte) error
}

// Options contains the collaborators and settings of a node.
type Options struct {
	Ctx          context.Context
	OperatorKey  keys.OperatorPrivateKey
	Network      Broadcaster
	Validator    validation.MessageValidator
	Store        *sessions.Store
	Session      dkg.SessionConfig
	Timeouts     dkg.Timeouts
	TickInterval time.Duration `yaml:"TickInterval" env:"DKG_TICK_INTERVAL" env-default:"1s" env-description:"Poll period for phase deadlines"`
}

// Node drives a single session. All events flow through one goroutine, so
// the state machine never sees concurrent access.
type Node struct {
	logger      *zap.Logger
	ctx         context.Context
	operatorKey keys.OperatorPrivateKey
	session     dkg.SessionConfig

	sm           *dkg.StateMachine
	msgValidator validation.MessageValidator
	net          Broadcaster
	store        *sessions.Store

	tickInterval time.Duration
	events       chan dkg.Event
	pending      []dkg.Event

	done     chan struct{}
	doneOnce sync.Once
	result   atomic.Pointer[dkg.Result]
}

// New builds a node around an idle state machine.
func New(logger *zap.Logger, opts Options) *Node {
	ctx := opts.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	tickInterval := opts.TickInterval
	if tickInterval == 0 {
		tickInterval = defaultTickInterval
	}
	return &Node{
		logger:       logger.Named(logging.NameDKGNode),
		ctx:          ctx,
		operatorKey:  opts.OperatorKey,
		session:      opts.Session,
		sm:           dkg.NewStateMachine(logger, opts.Timeouts),
		msgValidator: opts.Validator,
		net:          opts.Network,
		store:        opts.Store,
		tickInterval: tickInterval,
		events:       make(chan dkg.Event, inboundQueueSize),
		done:         make(chan struct{}),
	}
}

// HandleEvent feeds a validated network event into the run loop.
func (n *Node) HandleEvent(event dkg.Event) {
	select {
	case n.events <- event:
	case <-n.ctx.Done():
	}
}

// Done closes once the session reaches a terminal state. The node keeps
// serving afterwards so it can still answer complaints from operators that
// are a step behind.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Result returns the terminal outcome, or nil while the session runs.
func (n *Node) Result() *dkg.Result {
	return n.result.Load()
}

// HealthCheck returns a list of issues regarding the node's state.
func (n *Node) HealthCheck() []string {
	var errs []string
	if result := n.result.Load(); result != nil && result.Failed() {
		errs = append(errs, fmt.Sprintf("session failed: %s", result.Reason))
	}
	return errs
}

// Start begins the configured session and runs the event loop until the
// context is canceled.
func (n *Node) Start() error {
	n.logger.Info("starting session",
		fields.Era(n.session.Era),
		fields.Validators(len(n.session.Validators)),
		fields.Address(n.operatorKey.Address()))
	if stored, err := n.store.ResultCount(); err == nil && stored > 0 {
		n.logger.Debug("found previous session outcomes", fields.Count(int(stored)))
	}
	recordSessionStarted()

	if err := n.process(&dkg.StartEvent{Config: n.session}); err != nil {
		return errors.Wrap(err, "could not start session")
	}

	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()
	for {
		n.drainPending()
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case event := <-n.events:
			n.handleLoopEvent(event)
		case <-ticker.C:
			n.handleLoopEvent(&dkg.TimeoutEvent{})
		}
	}
}

// drainPending delivers the echoes queued while dispatching actions. They
// are processed in order, before any new network input.
func (n *Node) drainPending() {
	for len(n.pending) > 0 {
		event := n.pending[0]
		n.pending = n.pending[1:]
		n.handleLoopEvent(event)
	}
}

func (n *Node) handleLoopEvent(event dkg.Event) {
	if err := n.process(event); err != nil {
		n.logger.Debug("event not applied", zap.String("event", eventName(event)), zap.Error(err))
	}
}

func (n *Node) process(event dkg.Event) error {
	actions, err := n.sm.ProcessEvent(event)
	if err != nil {
		return err
	}

	// the validator consults the view on the p2p goroutine, so refresh it
	// before our own broadcasts can trigger replies
	n.publishView()

	for _, act := range actions {
		if err := n.dispatch(act); err != nil {
			n.logger.Error("failed to execute action", zap.Error(err))
		}
	}

	n.persistSnapshot()

	if complaint, ok := event.(*dkg.ComplaintEvent); ok {
		n.maybeJustify(complaint)
	}
	return nil
}

func (n *Node) dispatch(act dkg.Action) error {
	switch act := act.(type) {
	case *dkg.BroadcastRound1:
		// the protocol already delivered the local package to itself
		return n.broadcast(message.Round1MsgType, act.Message)
	case *dkg.BroadcastRound2:
		if err := n.broadcast(message.Round2MsgType, act.Message); err != nil {
			return err
		}
		n.echo(&dkg.Round2Event{From: n.operatorKey.Address(), Message: act.Message})
		return nil
	case *dkg.BroadcastComplaint:
		if err := n.broadcast(message.ComplaintMsgType, act.Message); err != nil {
			return err
		}
		n.echo(&dkg.ComplaintEvent{From: n.operatorKey.Address(), Message: act.Message})
		return nil
	case *dkg.BroadcastRound2Culprits:
		// never echoed: a node collects the verdicts of others, not its own
		return n.broadcast(message.Round2CulpritsMsgType, act.Message)
	case *dkg.Complete:
		n.complete(act.Result)
		return nil
	default:
		return errors.Errorf("unknown action %T", act)
	}
}

func (n *Node) echo(event dkg.Event) {
	n.pending = append(n.pending, event)
}

type encoder interface {
	Encode() ([]byte, error)
}

func (n *Node) broadcast(msgType message.MsgType, payload encoder) error {
	data, err := payload.Encode()
	if err != nil {
		return errors.Wrap(err, "could not encode payload")
	}
	signed, err := message.Sign(message.Message{MsgType: msgType, Data: data}, n.operatorKey)
	if err != nil {
		return errors.Wrap(err, "could not sign message")
	}
	raw, err := signed.Encode()
	if err != nil {
		return errors.Wrap(err, "could not encode signed message")
	}
	if err := n.net.Broadcast(n.ctx, raw); err != nil {
		return errors.Wrap(err, "could not broadcast message")
	}
	recordBroadcast(msgType)
	n.logger.Debug("published message", fields.MessageType(msgType))
	return nil
}

// maybeJustify answers a complaint that names the local operator by
// publishing the share it actually dealt to the complainer.
func (n *Node) maybeJustify(ev *dkg.ComplaintEvent) {
	if ev.Message.Offender != n.operatorKey.Address() {
		return
	}
	justification, err := n.sm.Justification(ev.Message.Complainer)
	if err != nil {
		n.logger.Warn("could not build justification",
			fields.Complainer(ev.Message.Complainer), zap.Error(err))
		return
	}
	if err := n.broadcast(message.JustificationMsgType, justification); err != nil {
		n.logger.Error("failed to publish justification", zap.Error(err))
		return
	}
	n.logger.Info("answered complaint with justification",
		fields.Complainer(ev.Message.Complainer))
}

func (n *Node) complete(result dkg.Result) {
	n.result.Store(&result)
	if result.Failed() {
		recordSessionFailed()
		n.logger.Warn("session failed",
			fields.Era(n.sm.Era()), fields.Reason(result.Reason))
	} else {
		recordSessionCompleted()
		n.logger.Info("session completed",
			fields.Era(n.sm.Era()),
			zap.Uint16("validator_index", result.Completed.Share.ValidatorIndex),
			fields.Culprits(len(n.sm.Excluded())))
	}
	if err := n.store.SaveOutcome(n.sm.Era(), n.sm.Snapshot(), &result); err != nil {
		n.logger.Error("failed to persist session outcome", zap.Error(err))
	}
	n.doneOnce.Do(func() { close(n.done) })
}

func (n *Node) publishView() {
	view := &validation.SessionView{
		Era:          n.sm.Era(),
		Participants: make(map[common.Address]struct{}),
		Excluded:     make(map[common.Address]struct{}),
		Active:       n.sm.State() != dkg.StateIdle,
	}
	for _, addr := range n.sm.Participants() {
		view.Participants[addr] = struct{}{}
	}
	for _, addr := range n.sm.Excluded() {
		view.Excluded[addr] = struct{}{}
	}
	n.msgValidator.UpdateSession(view)
}

func (n *Node) persistSnapshot() {
	if n.sm.State() == dkg.StateIdle {
		return
	}
	if err := n.store.SaveSnapshot(nil, n.sm.Snapshot()); err != nil {
		n.logger.Error("failed to persist session snapshot", zap.Error(err))
	}
}

func eventName(event dkg.Event) string {
	switch event.(type) {
	case *dkg.StartEvent:
		return "start"
	case *dkg.Round1Event:
		return "round1"
	case *dkg.Round2Event:
		return "round2"
	case *dkg.ComplaintEvent:
		return "complaint"
	case *dkg.JustificationEvent:
		return "justification"
	case *dkg.Round2CulpritsEvent:
		return "round2_culprits"
	case *dkg.TimeoutEvent:
		return "timeout"
	default:
		return "unknown"
	}
}
