package validation

import (
	"bytes"
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pspb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/stretchr/testify/require"

	"github.com/dvlabs/dkg/dkg"
	"github.com/dvlabs/dkg/logging"
	"github.com/dvlabs/dkg/message"
	"github.com/dvlabs/dkg/operator/keys"
)

func newTestValidator(t *testing.T) (*messageValidator, keys.OperatorPrivateKey, keys.OperatorPrivateKey) {
	t.Helper()
	selfKey, err := keys.GenerateKey()
	require.NoError(t, err)
	peerKey, err := keys.GenerateKey()
	require.NoError(t, err)

	mv, err := New(logging.TestLogger(t), selfKey.Address())
	require.NoError(t, err)
	return mv.(*messageValidator), selfKey, peerKey
}

func testView(era uint64, participants ...common.Address) *SessionView {
	view := &SessionView{
		Era:          era,
		Participants: make(map[common.Address]struct{}),
		Excluded:     make(map[common.Address]struct{}),
		Active:       true,
	}
	for _, addr := range participants {
		view.Participants[addr] = struct{}{}
	}
	return view
}

type encoder interface {
	Encode() ([]byte, error)
}

func signedPayload(t *testing.T, key keys.OperatorPrivateKey, msgType message.MsgType, payload encoder) []byte {
	t.Helper()
	data, err := payload.Encode()
	require.NoError(t, err)
	signed, err := message.Sign(message.Message{MsgType: msgType, Data: data}, key)
	require.NoError(t, err)
	raw, err := signed.Encode()
	require.NoError(t, err)
	return raw
}

func round1Payload(era uint64) *dkg.Round1 {
	return &dkg.Round1{
		Session:    dkg.SessionID{Era: era},
		Commitment: [][]byte{{0x01}, {0x02}},
		OneTimeKey: []byte{0x03},
	}
}

func pubsubMessage(data []byte) *pubsub.Message {
	return &pubsub.Message{Message: &pspb.Message{Data: data}}
}

func TestAcceptsValidMessage(t *testing.T) {
	mv, selfKey, peerKey := newTestValidator(t)
	mv.UpdateSession(testView(7, selfKey.Address(), peerKey.Address()))

	raw := signedPayload(t, peerKey, message.Round1MsgType, round1Payload(7))
	pmsg := pubsubMessage(raw)

	result := mv.Validate(context.Background(), "peer", pmsg)
	require.Equal(t, pubsub.ValidationAccept, result)

	event, ok := pmsg.ValidatorData.(*dkg.Round1Event)
	require.True(t, ok)
	require.Equal(t, peerKey.Address(), event.From)
	require.Equal(t, uint64(7), event.Message.Session.Era)
}

func TestStructuralChecks(t *testing.T) {
	mv, _, peerKey := newTestValidator(t)

	_, err := mv.validatePubsubMessage(&pubsub.Message{})
	require.ErrorIs(t, err, ErrPubSubMessageHasNoData)

	_, err = mv.validatePubsubMessage(pubsubMessage(bytes.Repeat([]byte{1}, MaxEncodedMsgSize+1)))
	require.ErrorIs(t, err, ErrPubSubDataTooBig)

	_, err = mv.validatePubsubMessage(pubsubMessage([]byte("not json")))
	require.ErrorIs(t, err, ErrMalformedMessage)

	shortSig := &message.SignedMessage{
		Message:   message.Message{MsgType: message.Round1MsgType, Data: []byte("{}")},
		Signer:    peerKey.Address(),
		Signature: make([]byte, 64),
	}
	raw, err := shortSig.Encode()
	require.NoError(t, err)
	_, err = mv.validatePubsubMessage(pubsubMessage(raw))
	require.ErrorIs(t, err, ErrWrongSignatureSize)
}

func TestSignerMismatch(t *testing.T) {
	mv, selfKey, peerKey := newTestValidator(t)
	mv.UpdateSession(testView(7, selfKey.Address(), peerKey.Address()))

	data, err := round1Payload(7).Encode()
	require.NoError(t, err)
	signed, err := message.Sign(message.Message{MsgType: message.Round1MsgType, Data: data}, peerKey)
	require.NoError(t, err)
	signed.Signer = common.Address{0x01}
	raw, err := signed.Encode()
	require.NoError(t, err)

	_, err = mv.validatePubsubMessage(pubsubMessage(raw))
	require.ErrorIs(t, err, ErrSignerMismatch)
}

func TestDropsOwnRelayedMessages(t *testing.T) {
	mv, selfKey, _ := newTestValidator(t)
	// no session view: the self check comes first either way

	raw := signedPayload(t, selfKey, message.Round1MsgType, round1Payload(7))
	_, err := mv.validatePubsubMessage(pubsubMessage(raw))
	require.ErrorIs(t, err, ErrSelfMessage)
}

func TestSessionGating(t *testing.T) {
	mv, selfKey, peerKey := newTestValidator(t)

	raw := signedPayload(t, peerKey, message.Round1MsgType, round1Payload(7))
	_, err := mv.validatePubsubMessage(pubsubMessage(raw))
	require.ErrorIs(t, err, ErrNoRunningSession)

	inactive := testView(7, selfKey.Address(), peerKey.Address())
	inactive.Active = false
	mv.UpdateSession(inactive)
	_, err = mv.validatePubsubMessage(pubsubMessage(raw))
	require.ErrorIs(t, err, ErrNoRunningSession)

	mv.UpdateSession(testView(7, selfKey.Address()))
	_, err = mv.validatePubsubMessage(pubsubMessage(raw))
	require.ErrorIs(t, err, ErrUnknownSigner)

	banned := testView(7, selfKey.Address())
	banned.Excluded[peerKey.Address()] = struct{}{}
	mv.UpdateSession(banned)
	_, err = mv.validatePubsubMessage(pubsubMessage(raw))
	require.ErrorIs(t, err, ErrExcludedSigner)

	mv.UpdateSession(testView(9, selfKey.Address(), peerKey.Address()))
	_, err = mv.validatePubsubMessage(pubsubMessage(raw))
	require.ErrorIs(t, err, ErrWrongSession)
}

func TestDuplicateSuppression(t *testing.T) {
	mv, selfKey, peerKey := newTestValidator(t)
	mv.UpdateSession(testView(7, selfKey.Address(), peerKey.Address()))

	raw := signedPayload(t, peerKey, message.Round1MsgType, round1Payload(7))

	_, err := mv.validatePubsubMessage(pubsubMessage(raw))
	require.NoError(t, err)

	_, err = mv.validatePubsubMessage(pubsubMessage(raw))
	require.ErrorIs(t, err, ErrDuplicatedMessage)
	require.True(t, ErrDuplicatedMessage.Silent())
}

func TestPayloadDecoding(t *testing.T) {
	mv, selfKey, peerKey := newTestValidator(t)
	mv.UpdateSession(testView(7, selfKey.Address(), peerKey.Address()))

	signed, err := message.Sign(message.Message{MsgType: message.Round1MsgType, Data: []byte("not json")}, peerKey)
	require.NoError(t, err)
	raw, err := signed.Encode()
	require.NoError(t, err)
	_, err = mv.validatePubsubMessage(pubsubMessage(raw))
	require.ErrorIs(t, err, ErrUndecodablePayload)

	signed, err = message.Sign(message.Message{MsgType: message.MsgType(99), Data: []byte("{}")}, peerKey)
	require.NoError(t, err)
	raw, err = signed.Encode()
	require.NoError(t, err)
	_, err = mv.validatePubsubMessage(pubsubMessage(raw))
	require.ErrorIs(t, err, ErrUnknownMsgType)
}

func TestVerdictMapping(t *testing.T) {
	mv, selfKey, peerKey := newTestValidator(t)
	mv.UpdateSession(testView(7, selfKey.Address()))

	require.Equal(t, pubsub.ValidationReject,
		mv.Validate(context.Background(), "peer", pubsubMessage([]byte("not json"))))

	// unknown signer is a near miss, not peer misbehavior
	raw := signedPayload(t, peerKey, message.Round1MsgType, round1Payload(7))
	require.Equal(t, pubsub.ValidationIgnore,
		mv.Validate(context.Background(), "peer", pubsubMessage(raw)))
}

func TestSelfAccept(t *testing.T) {
	selfKey, err := keys.GenerateKey()
	require.NoError(t, err)

	mv, err := New(logging.TestLogger(t), selfKey.Address(), WithSelfAccept("self", true))
	require.NoError(t, err)

	// Locally published messages bypass screening so the router propagates
	// them, even with no session view installed yet.
	raw := signedPayload(t, selfKey, message.Round1MsgType, round1Payload(7))
	pmsg := pubsubMessage(raw)
	require.Equal(t, pubsub.ValidationAccept, mv.Validate(context.Background(), "self", pmsg))

	event, ok := pmsg.ValidatorData.(*dkg.Round1Event)
	require.True(t, ok)
	require.Equal(t, selfKey.Address(), event.From)

	require.Equal(t, pubsub.ValidationReject, mv.Validate(context.Background(), "self", pubsubMessage([]byte("not json"))))

	// The same message relayed by a peer goes through the full pipeline.
	require.Equal(t, pubsub.ValidationIgnore, mv.Validate(context.Background(), "other", pubsubMessage(raw)))
}
