// Package message defines the signed wire envelope for protocol traffic.
// Every broadcast carries the sender's address and a recoverable secp256k1
// signature over the payload digest.
package message

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/dvlabs/dkg/operator/keys"
)

// MsgType tags the payload carried by a Message.
type MsgType uint8

const (
	Round1MsgType MsgType = iota
	Round2MsgType
	ComplaintMsgType
	JustificationMsgType
	Round2CulpritsMsgType
)

func (t MsgType) String() string {
	switch t {
	case Round1MsgType:
		return "round1"
	case Round2MsgType:
		return "round2"
	case ComplaintMsgType:
		return "complaint"
	case JustificationMsgType:
		return "justification"
	case Round2CulpritsMsgType:
		return "round2_culprits"
	default:
		return "unknown"
	}
}

// Message carries one encoded protocol payload.
type Message struct {
	MsgType MsgType `json:"type"`
	Data    []byte  `json:"data"`
}

func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Message) Decode(data []byte) error {
	return json.Unmarshal(data, m)
}

// Digest is the signing root of a message: the keccak256 hash of the type
// byte followed by the payload.
func (m *Message) Digest() [32]byte {
	buf := make([]byte, 0, 1+len(m.Data))
	buf = append(buf, byte(m.MsgType))
	buf = append(buf, m.Data...)
	return [32]byte(crypto.Keccak256(buf))
}

// SignedMessage attaches the sender identity and its signature to a Message.
type SignedMessage struct {
	Message   Message        `json:"message"`
	Signer    common.Address `json:"signer"`
	Signature []byte         `json:"signature"`
}

func (sm *SignedMessage) Encode() ([]byte, error) {
	return json.Marshal(sm)
}

func (sm *SignedMessage) Decode(data []byte) error {
	return json.Unmarshal(data, sm)
}

// Sign wraps a message with the operator's recoverable signature.
func Sign(msg Message, signer keys.OperatorSigner) (*SignedMessage, error) {
	signature, err := signer.Sign(msg.Digest())
	if err != nil {
		return nil, err
	}
	return &SignedMessage{
		Message:   msg,
		Signer:    signer.Address(),
		Signature: signature,
	}, nil
}

// Verify recovers the signing address and checks it against the claimed
// signer.
func (sm *SignedMessage) Verify() error {
	recovered, err := keys.RecoverAddress(sm.Message.Digest(), sm.Signature)
	if err != nil {
		return err
	}
	if recovered != sm.Signer {
		return errors.Errorf("message signed by %s, claimed %s", recovered.Hex(), sm.Signer.Hex())
	}
	return nil
}
