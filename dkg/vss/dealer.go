package vss

import (
	"bytes"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/pkg/errors"
)

// Dealer tracks every participant's public contributions for one handshake
// attempt: round-1 commitments and one-time keys, round-2 ciphertext bundles
// and audited culprit reports. It holds no secret material, so it can audit
// reports from any participant.
type Dealer struct {
	threshold uint16
	ids       map[Identifier]struct{}

	round1   map[Identifier]*round1Entry
	round2   map[Identifier]map[Identifier][]byte
	culprits map[Identifier]struct{}
}

type round1Entry struct {
	commitment Commitment
	oneTimePub *ecies.PublicKey
	oneTimeRaw []byte
}

// NewDealer builds a dealer for the given roster.
func NewDealer(threshold uint16, participants []Identifier) (*Dealer, error) {
	if threshold == 0 {
		return nil, errors.New("threshold must be positive")
	}
	if len(participants) < int(threshold) {
		return nil, errors.Errorf("%d participants cannot reach threshold %d", len(participants), threshold)
	}
	ids := make(map[Identifier]struct{}, len(participants))
	for _, id := range participants {
		if id.IsZero() {
			return nil, errors.New("zero participant identifier")
		}
		ids[id] = struct{}{}
	}
	if len(ids) != len(participants) {
		return nil, errors.New("duplicate participant identifiers")
	}
	return &Dealer{
		threshold: threshold,
		ids:       ids,
		round1:    make(map[Identifier]*round1Entry),
		round2:    make(map[Identifier]map[Identifier][]byte),
		culprits:  make(map[Identifier]struct{}),
	}, nil
}

func (d *Dealer) known(id Identifier) bool {
	_, ok := d.ids[id]
	return ok
}

// ReceiveRound1 validates and records a commitment and one-time public key.
func (d *Dealer) ReceiveRound1(from Identifier, commitment [][]byte, oneTimeKey []byte) error {
	if !d.known(from) {
		return errors.Errorf("unknown participant %s", from)
	}
	if _, ok := d.round1[from]; ok {
		return errors.Errorf("duplicate round 1 package from %s", from)
	}
	if len(commitment) != int(d.threshold) {
		return errors.Errorf("commitment must carry %d coefficients, got %d", d.threshold, len(commitment))
	}
	c, err := DeserializeCommitment(commitment)
	if err != nil {
		return err
	}
	pub, err := crypto.UnmarshalPubkey(oneTimeKey)
	if err != nil {
		return errors.Wrap(err, "malformed one-time public key")
	}
	d.round1[from] = &round1Entry{
		commitment: c,
		oneTimePub: ecies.ImportECDSAPublic(pub),
		oneTimeRaw: bytes.Clone(oneTimeKey),
	}
	return nil
}

// ReceiveRound2 validates and records a ciphertext bundle. A bundle must
// address every participant except its sender exactly once.
func (d *Dealer) ReceiveRound2(from Identifier, packages map[Identifier][]byte) error {
	if !d.known(from) {
		return errors.Errorf("unknown participant %s", from)
	}
	if _, ok := d.round2[from]; ok {
		return errors.Errorf("duplicate round 2 bundle from %s", from)
	}
	if _, ok := d.round1[from]; !ok {
		return errors.Errorf("round 2 bundle from %s before its round 1 package", from)
	}
	if len(packages) != len(d.ids)-1 {
		return errors.Errorf("bundle must address %d participants, got %d", len(d.ids)-1, len(packages))
	}
	stored := make(map[Identifier][]byte, len(packages))
	for recipient, ct := range packages {
		if recipient == from {
			return errors.Errorf("bundle from %s addresses its own sender", from)
		}
		if !d.known(recipient) {
			return errors.Errorf("bundle from %s addresses unknown participant %s", from, recipient)
		}
		stored[recipient] = bytes.Clone(ct)
	}
	d.round2[from] = stored
	return nil
}

func (d *Dealer) Round1Count() int {
	return len(d.round1)
}

func (d *Dealer) Round2Count() int {
	return len(d.round2)
}

// OneTimeKeys returns the recorded one-time encryption keys by identifier.
func (d *Dealer) OneTimeKeys() map[Identifier]*ecies.PublicKey {
	out := make(map[Identifier]*ecies.PublicKey, len(d.round1))
	for id, entry := range d.round1 {
		out[id] = entry.oneTimePub
	}
	return out
}

// Commitments returns the recorded polynomial commitments by identifier.
func (d *Dealer) Commitments() map[Identifier]Commitment {
	out := make(map[Identifier]Commitment, len(d.round1))
	for id, entry := range d.round1 {
		out[id] = entry.commitment
	}
	return out
}

// CommitmentOf returns a single participant's commitment.
func (d *Dealer) CommitmentOf(id Identifier) (Commitment, bool) {
	entry, ok := d.round1[id]
	if !ok {
		return nil, false
	}
	return entry.commitment, true
}

// PackagesFor collects the ciphertexts addressed to recipient from every
// received bundle, keyed by the dealing participant.
func (d *Dealer) PackagesFor(recipient Identifier) map[Identifier][]byte {
	out := make(map[Identifier][]byte)
	for from, bundle := range d.round2 {
		if ct, ok := bundle[recipient]; ok {
			out[from] = ct
		}
	}
	return out
}

// VerifyShare checks a plaintext share against the recorded commitment of
// the dealing participant at the given evaluation point. A share that does
// not even deserialize verifies false without error.
func (d *Dealer) VerifyShare(dealt Identifier, at Identifier, share []byte) (bool, error) {
	entry, ok := d.round1[dealt]
	if !ok {
		return false, errors.Errorf("no round 1 package from %s", dealt)
	}
	var sk bls.SecretKey
	if err := sk.Deserialize(share); err != nil {
		return false, nil
	}
	expected, err := entry.commitment.EvaluateAt(at)
	if err != nil {
		return false, err
	}
	return expected.IsEqual(sk.GetPublicKey()), nil
}

// AuditCulpritReport verifies the reporter's revealed one-time key against
// its round-1 registration, replays the accused dealers' ciphertexts for the
// reporter and confirms every accused whose share provably fails. An
// accusation the dealer holds no evidence for confirms nothing.
func (d *Dealer) AuditCulpritReport(reporter Identifier, accused []Identifier, oneTimeKey []byte) ([]Identifier, error) {
	entry, ok := d.round1[reporter]
	if !ok {
		return nil, errors.Errorf("no round 1 package from reporter %s", reporter)
	}
	sk, err := crypto.ToECDSA(oneTimeKey)
	if err != nil {
		return nil, errors.Wrap(err, "malformed one-time private key")
	}
	if !bytes.Equal(crypto.FromECDSAPub(&sk.PublicKey), entry.oneTimeRaw) {
		return nil, errors.Errorf("revealed key does not match the round 1 key of %s", reporter)
	}
	priv := ecies.ImportECDSA(sk)

	var confirmed []Identifier
	for _, offender := range accused {
		if !d.known(offender) {
			return nil, errors.Errorf("unknown accused participant %s", offender)
		}
		if offender == reporter {
			continue
		}
		bundle, ok := d.round2[offender]
		if !ok {
			continue
		}
		ct, ok := bundle[reporter]
		if !ok {
			continue
		}
		if d.shareProvablyBad(priv, ct, d.round1[offender], reporter) {
			d.culprits[offender] = struct{}{}
			confirmed = append(confirmed, offender)
		}
	}
	SortIdentifiers(confirmed)
	return confirmed, nil
}

func (d *Dealer) shareProvablyBad(priv *ecies.PrivateKey, ct []byte, dealt *round1Entry, at Identifier) bool {
	if dealt == nil {
		return false
	}
	plain, err := priv.Decrypt(ct, nil, nil)
	if err != nil {
		return true
	}
	var share bls.SecretKey
	if err := share.Deserialize(plain); err != nil {
		return true
	}
	expected, err := dealt.commitment.EvaluateAt(at)
	if err != nil {
		return false
	}
	return !expected.IsEqual(share.GetPublicKey())
}

// Culprits returns every confirmed culprit in identifier order.
func (d *Dealer) Culprits() []Identifier {
	out := make([]Identifier, 0, len(d.culprits))
	for id := range d.culprits {
		out = append(out, id)
	}
	SortIdentifiers(out)
	return out
}
