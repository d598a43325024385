// Package validation screens inbound pubsub traffic before it reaches the
// session state machine: structural checks, signature recovery, committee
// membership against the running session and duplicate suppression.
package validation

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/dvlabs/dkg/dkg"
	"github.com/dvlabs/dkg/logging"
	"github.com/dvlabs/dkg/logging/fields"
	"github.com/dvlabs/dkg/message"
	"github.com/dvlabs/dkg/operator/keys"
)

const (
	// MaxEncodedMsgSize bounds a signed wire message. A round 2 bundle for a
	// committee of hundreds of validators stays well under this.
	MaxEncodedMsgSize = 4 * 1024 * 1024

	// dedupCacheSize is how many recent message digests are remembered for
	// duplicate and replay suppression.
	dedupCacheSize = 8192
)

// SessionView is the validator's read-only view of the running session. The
// node publishes a fresh view after every processed event.
type SessionView struct {
	Era          uint64
	Participants map[common.Address]struct{}
	Excluded     map[common.Address]struct{}
	Active       bool
}

// MessageValidator screens pubsub messages and hands decoded events to the
// subscription loop through pmsg.ValidatorData.
type MessageValidator interface {
	ValidatorForTopic(topic string) func(ctx context.Context, p peer.ID, pmsg *pubsub.Message) pubsub.ValidationResult
	Validate(ctx context.Context, p peer.ID, pmsg *pubsub.Message) pubsub.ValidationResult
	UpdateSession(view *SessionView)
}

type messageValidator struct {
	logger      *zap.Logger
	selfAddress common.Address
	selfPID     peer.ID
	selfAccept  bool
	session     atomic.Pointer[SessionView]
	seen        *lru.Cache[[32]byte, struct{}]
}

// Option modifies a messageValidator.
type Option func(validator *messageValidator)

// WithSelfAccept blindly accepts messages sent from self. The pubsub router
// validates locally published messages too, so a node that screens its own
// broadcasts would never get them onto the wire.
func WithSelfAccept(selfPID peer.ID, selfAccept bool) Option {
	return func(mv *messageValidator) {
		mv.selfPID = selfPID
		mv.selfAccept = selfAccept
	}
}

// New builds a validator for the given local operator address.
func New(logger *zap.Logger, selfAddress common.Address, opts ...Option) (MessageValidator, error) {
	seen, err := lru.New[[32]byte, struct{}](dedupCacheSize)
	if err != nil {
		return nil, err
	}
	mv := &messageValidator{
		logger:      logger.Named(logging.NameMessageValidator),
		selfAddress: selfAddress,
		seen:        seen,
	}
	for _, opt := range opts {
		opt(mv)
	}
	return mv, nil
}

// UpdateSession swaps the session view consulted by subsequent validations.
func (mv *messageValidator) UpdateSession(view *SessionView) {
	mv.session.Store(view)
}

// ValidatorForTopic returns the validation function registered with the
// pubsub router.
func (mv *messageValidator) ValidatorForTopic(_ string) func(ctx context.Context, p peer.ID, pmsg *pubsub.Message) pubsub.ValidationResult {
	return mv.Validate
}

// Validate screens one pubsub message. Accepted messages carry their decoded
// event in pmsg.ValidatorData.
func (mv *messageValidator) Validate(_ context.Context, peerID peer.ID, pmsg *pubsub.Message) pubsub.ValidationResult {
	if mv.selfAccept && peerID == mv.selfPID {
		return mv.validateSelf(pmsg)
	}

	event, err := mv.validatePubsubMessage(pmsg)
	if err != nil {
		return mv.handleValidationError(peerID, err)
	}
	pmsg.ValidatorData = event
	recordAccepted()
	return pubsub.ValidationAccept
}

func (mv *messageValidator) handleValidationError(peerID peer.ID, err error) pubsub.ValidationResult {
	var valErr Error
	if !errors.As(err, &valErr) {
		recordIgnored(err.Error())
		mv.logger.Debug("ignoring invalid message", fields.PeerID(peerID), zap.Error(err))
		return pubsub.ValidationIgnore
	}

	if valErr.Reject() {
		if !valErr.Silent() {
			mv.logger.Debug("rejecting invalid message", fields.PeerID(peerID), zap.Error(valErr))
		}
		recordRejected(valErr.Text())
		return pubsub.ValidationReject
	}

	if !valErr.Silent() {
		mv.logger.Debug("ignoring invalid message", fields.PeerID(peerID), zap.Error(valErr))
	}
	recordIgnored(valErr.Text())
	return pubsub.ValidationIgnore
}

func (mv *messageValidator) validatePubsubMessage(pmsg *pubsub.Message) (dkg.Event, error) {
	data := pmsg.GetData()
	if len(data) == 0 {
		return nil, ErrPubSubMessageHasNoData
	}
	if len(data) > MaxEncodedMsgSize {
		e := ErrPubSubDataTooBig
		e.got = len(data)
		e.want = MaxEncodedMsgSize
		return nil, e
	}

	signedMsg := &message.SignedMessage{}
	if err := signedMsg.Decode(data); err != nil {
		e := ErrMalformedMessage
		e.innerErr = err
		return nil, e
	}

	if len(signedMsg.Signature) != keys.SignatureSize {
		e := ErrWrongSignatureSize
		e.got = len(signedMsg.Signature)
		e.want = keys.SignatureSize
		return nil, e
	}

	digest := signedMsg.Message.Digest()
	recovered, err := keys.RecoverAddress(digest, signedMsg.Signature)
	if err != nil {
		e := ErrSignatureVerification
		e.innerErr = err
		return nil, e
	}
	if recovered != signedMsg.Signer {
		e := ErrSignerMismatch
		e.got = recovered.Hex()
		e.want = signedMsg.Signer.Hex()
		return nil, e
	}

	// own broadcasts relayed back by peers; echoes are handled locally
	if signedMsg.Signer == mv.selfAddress {
		return nil, ErrSelfMessage
	}

	view := mv.session.Load()
	if view == nil || !view.Active {
		return nil, ErrNoRunningSession
	}
	if _, ok := view.Excluded[signedMsg.Signer]; ok {
		e := ErrExcludedSigner
		e.got = signedMsg.Signer.Hex()
		return nil, e
	}
	if _, ok := view.Participants[signedMsg.Signer]; !ok {
		e := ErrUnknownSigner
		e.got = signedMsg.Signer.Hex()
		return nil, e
	}

	if seen, _ := mv.seen.ContainsOrAdd(digest, struct{}{}); seen {
		return nil, ErrDuplicatedMessage
	}

	event, era, err := decodeEvent(signedMsg)
	if err != nil {
		return nil, err
	}
	if era != view.Era {
		e := ErrWrongSession
		e.got = era
		e.want = view.Era
		return nil, e
	}
	return event, nil
}

func decodeEvent(signedMsg *message.SignedMessage) (dkg.Event, uint64, error) {
	undecodable := func(err error) error {
		e := ErrUndecodablePayload
		e.got = signedMsg.Message.MsgType.String()
		e.innerErr = err
		return e
	}

	switch signedMsg.Message.MsgType {
	case message.Round1MsgType:
		payload := &dkg.Round1{}
		if err := payload.Decode(signedMsg.Message.Data); err != nil {
			return nil, 0, undecodable(err)
		}
		return &dkg.Round1Event{From: signedMsg.Signer, Message: payload}, payload.Session.Era, nil
	case message.Round2MsgType:
		payload := &dkg.Round2{}
		if err := payload.Decode(signedMsg.Message.Data); err != nil {
			return nil, 0, undecodable(err)
		}
		return &dkg.Round2Event{From: signedMsg.Signer, Message: payload}, payload.Session.Era, nil
	case message.ComplaintMsgType:
		payload := &dkg.Complaint{}
		if err := payload.Decode(signedMsg.Message.Data); err != nil {
			return nil, 0, undecodable(err)
		}
		return &dkg.ComplaintEvent{From: signedMsg.Signer, Message: payload}, payload.Session.Era, nil
	case message.JustificationMsgType:
		payload := &dkg.Justification{}
		if err := payload.Decode(signedMsg.Message.Data); err != nil {
			return nil, 0, undecodable(err)
		}
		return &dkg.JustificationEvent{From: signedMsg.Signer, Message: payload}, payload.Session.Era, nil
	case message.Round2CulpritsMsgType:
		payload := &dkg.Round2Culprits{}
		if err := payload.Decode(signedMsg.Message.Data); err != nil {
			return nil, 0, undecodable(err)
		}
		return &dkg.Round2CulpritsEvent{From: signedMsg.Signer, Message: payload}, payload.Session.Era, nil
	default:
		e := ErrUnknownMsgType
		e.got = signedMsg.Message.MsgType
		return nil, 0, e
	}
}
