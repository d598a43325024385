package dkg

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dvlabs/dkg/dkg/vss"
)

// Round1 carries a dealer's polynomial commitment and the one-time public
// key peers must encrypt its share fragments to.
type Round1 struct {
	Session    SessionID `json:"session"`
	Commitment [][]byte  `json:"commitment"`
	OneTimeKey []byte    `json:"one_time_key"`
}

// Round2 carries a dealer's encrypted share fragments, one ciphertext per
// recipient identifier.
type Round2 struct {
	Session  SessionID                 `json:"session"`
	Packages map[vss.Identifier][]byte `json:"packages"`
}

// Complaint is a public dispute: complainer accuses offender of dealing an
// invalid share.
type Complaint struct {
	Session    SessionID      `json:"session"`
	Complainer common.Address `json:"complainer"`
	Offender   common.Address `json:"offender"`
	Reason     string         `json:"reason"`
}

// Justification is an offender's answer to a complaint: the plaintext share
// it dealt to the complainer, verifiable against its public commitment.
type Justification struct {
	Session    SessionID      `json:"session"`
	Complainer common.Address `json:"complainer"`
	Offender   common.Address `json:"offender"`
	Share      []byte         `json:"share"`
}

// Round2Culprits reports dealers whose shares failed verification, together
// with the reporter's revealed one-time private key so peers can audit the
// accusation themselves.
type Round2Culprits struct {
	Session    SessionID        `json:"session"`
	Culprits   []vss.Identifier `json:"culprits"`
	OneTimeKey []byte           `json:"one_time_key"`
}

func (m *Round1) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Round1) Decode(data []byte) error {
	return json.Unmarshal(data, m)
}

func (m *Round2) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Round2) Decode(data []byte) error {
	return json.Unmarshal(data, m)
}

func (m *Complaint) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Complaint) Decode(data []byte) error {
	return json.Unmarshal(data, m)
}

func (m *Justification) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Justification) Decode(data []byte) error {
	return json.Unmarshal(data, m)
}

func (m *Round2Culprits) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Round2Culprits) Decode(data []byte) error {
	return json.Unmarshal(data, m)
}
