package dkg

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dvlabs/dkg/dkg/vss"
)

// Config parameterizes one protocol attempt. Participants are sorted and
// deduplicated on construction, so every node derives the same roster.
type Config struct {
	Session      SessionID
	Threshold    uint16
	Participants []common.Address
	SelfAddress  common.Address
}

func (c *Config) normalize() error {
	if c.Threshold == 0 {
		return errors.New("threshold must be positive")
	}
	sorted := append([]common.Address(nil), c.Participants...)
	slices.SortFunc(sorted, func(a, b common.Address) int {
		return bytes.Compare(a[:], b[:])
	})
	deduped := sorted[:0]
	for i, addr := range sorted {
		if i > 0 && addr == sorted[i-1] {
			continue
		}
		deduped = append(deduped, addr)
	}
	if len(deduped) < int(c.Threshold) {
		return errors.Errorf("%d participants cannot reach threshold %d", len(deduped), c.Threshold)
	}
	found := false
	for _, addr := range deduped {
		if addr == c.SelfAddress {
			found = true
			break
		}
	}
	if !found {
		return errors.Errorf("local address %s is not a participant", c.SelfAddress.Hex())
	}
	c.Participants = deduped
	return nil
}

// Protocol executes one attempt of the two-round handshake for a fixed
// committee. It is not safe for concurrent use.
type Protocol struct {
	cfg  Config
	self vss.Identifier

	identifiers map[common.Address]vss.Identifier
	addresses   map[vss.Identifier]common.Address

	participant *vss.Participant
	dealer      *vss.Dealer

	round1         map[vss.Identifier]*Round1
	round2         map[vss.Identifier]*Round2
	complaints     []*Complaint
	justifications []*Justification
	culpritReports map[vss.Identifier]*Round2Culprits
}

// NewProtocol derives the participant identifiers and samples fresh secret
// material for one attempt.
func NewProtocol(cfg Config) (*Protocol, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	identifiers := make(map[common.Address]vss.Identifier, len(cfg.Participants))
	addresses := make(map[vss.Identifier]common.Address, len(cfg.Participants))
	roster := make([]vss.Identifier, 0, len(cfg.Participants))
	for _, addr := range cfg.Participants {
		id, err := vss.DeriveIdentifier(addr)
		if err != nil {
			return nil, err
		}
		if prev, ok := addresses[id]; ok {
			return nil, errors.Errorf("identifier collision between %s and %s", prev.Hex(), addr.Hex())
		}
		identifiers[addr] = id
		addresses[id] = addr
		roster = append(roster, id)
	}

	participant, err := vss.NewParticipant(identifiers[cfg.SelfAddress], cfg.Threshold)
	if err != nil {
		return nil, err
	}
	dealer, err := vss.NewDealer(cfg.Threshold, roster)
	if err != nil {
		return nil, err
	}

	return &Protocol{
		cfg:            cfg,
		self:           identifiers[cfg.SelfAddress],
		identifiers:    identifiers,
		addresses:      addresses,
		participant:    participant,
		dealer:         dealer,
		round1:         make(map[vss.Identifier]*Round1),
		round2:         make(map[vss.Identifier]*Round2),
		culpritReports: make(map[vss.Identifier]*Round2Culprits),
	}, nil
}

func (p *Protocol) checkSession(session SessionID) error {
	if session != p.cfg.Session {
		return errors.Errorf("session mismatch: got %s, expected %s", session, p.cfg.Session)
	}
	return nil
}

func (p *Protocol) identifierOf(addr common.Address) (vss.Identifier, error) {
	id, ok := p.identifiers[addr]
	if !ok {
		return vss.Identifier{}, errors.Errorf("unknown participant %s", addr.Hex())
	}
	return id, nil
}

// GenerateRound1 builds the local round 1 package and self-delivers it, so
// completeness counts the local dealer too.
func (p *Protocol) GenerateRound1() (*Round1, error) {
	commitment, oneTimeKey, err := p.participant.Round1()
	if err != nil {
		return nil, err
	}
	msg := &Round1{
		Session:    p.cfg.Session,
		Commitment: commitment.Serialize(),
		OneTimeKey: oneTimeKey,
	}
	if err := p.ReceiveRound1(p.cfg.SelfAddress, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ReceiveRound1 validates and records a round 1 package. Duplicates from a
// known sender are ignored.
func (p *Protocol) ReceiveRound1(sender common.Address, msg *Round1) error {
	if err := p.checkSession(msg.Session); err != nil {
		return err
	}
	id, err := p.identifierOf(sender)
	if err != nil {
		return err
	}
	if _, ok := p.round1[id]; ok {
		return nil
	}
	if err := p.dealer.ReceiveRound1(id, msg.Commitment, msg.OneTimeKey); err != nil {
		return errors.Wrap(err, "round1 package rejected")
	}
	p.round1[id] = msg
	return nil
}

// Round1Complete reports whether every participant's round 1 package was
// received.
func (p *Protocol) Round1Complete() bool {
	return len(p.round1) == len(p.cfg.Participants)
}

// GenerateRound2 encrypts a share fragment for every peer. The local bundle
// is not self-delivered; the embedding node echoes its own broadcast back
// like any other message.
func (p *Protocol) GenerateRound2() (*Round2, error) {
	if !p.Round1Complete() {
		return nil, errors.New("round 1 is not complete")
	}
	encrypted, err := p.participant.EncryptShares(p.dealer.OneTimeKeys())
	if err != nil {
		return nil, err
	}
	return &Round2{Session: p.cfg.Session, Packages: encrypted}, nil
}

// ReceiveRound2 validates and records a round 2 bundle. Duplicates from a
// known sender are ignored.
func (p *Protocol) ReceiveRound2(sender common.Address, msg *Round2) error {
	if err := p.checkSession(msg.Session); err != nil {
		return err
	}
	id, err := p.identifierOf(sender)
	if err != nil {
		return err
	}
	if _, ok := p.round2[id]; ok {
		return nil
	}
	if err := p.dealer.ReceiveRound2(id, msg.Packages); err != nil {
		return errors.Wrap(err, "round2 package rejected")
	}
	p.round2[id] = msg
	return nil
}

// Round2Complete reports whether every participant's round 2 bundle was
// received.
func (p *Protocol) Round2Complete() bool {
	return len(p.round2) == len(p.cfg.Participants)
}

// ReceiveComplaint records a dispute for later justification matching. Both
// parties must belong to the session.
func (p *Protocol) ReceiveComplaint(msg *Complaint) error {
	if err := p.checkSession(msg.Session); err != nil {
		return err
	}
	if _, err := p.identifierOf(msg.Complainer); err != nil {
		return err
	}
	if _, err := p.identifierOf(msg.Offender); err != nil {
		return err
	}
	p.complaints = append(p.complaints, msg)
	return nil
}

// ReceiveJustification verifies a revealed share against the offender's
// commitment at the complainer's identifier. A valid justification retracts
// the matching complaints and is recorded; an unmatched or failing one
// returns false so the caller can penalize the offender.
func (p *Protocol) ReceiveJustification(msg *Justification) (bool, error) {
	if err := p.checkSession(msg.Session); err != nil {
		return false, err
	}
	complainerID, err := p.identifierOf(msg.Complainer)
	if err != nil {
		return false, err
	}
	offenderID, err := p.identifierOf(msg.Offender)
	if err != nil {
		return false, err
	}

	matched := false
	for _, c := range p.complaints {
		if c.Complainer == msg.Complainer && c.Offender == msg.Offender {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	valid, err := p.dealer.VerifyShare(offenderID, complainerID, msg.Share)
	if err != nil {
		return false, err
	}
	if !valid {
		return false, nil
	}

	kept := p.complaints[:0]
	for _, c := range p.complaints {
		if c.Complainer == msg.Complainer && c.Offender == msg.Offender {
			continue
		}
		kept = append(kept, c)
	}
	p.complaints = kept
	p.justifications = append(p.justifications, msg)
	return true, nil
}

// ReceiveRound2Culprits audits a culprit report against the locally held
// evidence. Confirmed culprits accumulate in the dealer; duplicates from a
// sender are ignored.
func (p *Protocol) ReceiveRound2Culprits(sender common.Address, msg *Round2Culprits) error {
	if err := p.checkSession(msg.Session); err != nil {
		return err
	}
	id, err := p.identifierOf(sender)
	if err != nil {
		return err
	}
	if _, ok := p.culpritReports[id]; ok {
		return nil
	}
	if _, err := p.dealer.AuditCulpritReport(id, msg.Culprits, msg.OneTimeKey); err != nil {
		return err
	}
	p.culpritReports[id] = msg
	return nil
}

// FinalizeResult is the outcome of a finalize attempt. When Culprits is
// non-nil the handshake found provably bad dealers and produced a report
// instead of key material.
type FinalizeResult struct {
	KeyPackage       *vss.KeyPackage
	PublicKeyPackage *vss.PublicKeyPackage
	VSSCommitment    vss.Commitment
	Culprits         *Round2Culprits
}

// Finalize decrypts and verifies the share fragments addressed to the local
// participant and aggregates the final key material, or reports culprits.
func (p *Protocol) Finalize() (*FinalizeResult, error) {
	if !p.Round2Complete() {
		return nil, errors.New("round 2 is not complete")
	}

	keyPackage, publicKeyPackage, culprits, err := p.participant.Aggregate(p.dealer.PackagesFor(p.self), p.dealer.Commitments())
	if err != nil {
		return nil, err
	}
	if len(culprits) > 0 {
		oneTimeKey, err := p.participant.OneTimePrivateKey()
		if err != nil {
			return nil, err
		}
		return &FinalizeResult{
			Culprits: &Round2Culprits{
				Session:    p.cfg.Session,
				Culprits:   culprits,
				OneTimeKey: oneTimeKey,
			},
		}, nil
	}

	commitments := p.dealer.Commitments()
	all := make([]vss.Commitment, 0, len(commitments))
	for _, c := range commitments {
		all = append(all, c)
	}
	aggregated, err := vss.SumCommitments(all)
	if err != nil {
		return nil, err
	}
	return &FinalizeResult{
		KeyPackage:       keyPackage,
		PublicKeyPackage: publicKeyPackage,
		VSSCommitment:    aggregated,
	}, nil
}

// Round2Culprits returns the dealer-confirmed culprits accumulated from
// audited reports.
func (p *Protocol) Round2Culprits() []vss.Identifier {
	return p.dealer.Culprits()
}

// JustificationFor answers a complaint naming the local participant by
// revealing the plaintext share dealt to the complainer. Available even
// after retirement.
func (p *Protocol) JustificationFor(complainer common.Address) (*Justification, error) {
	id, err := p.identifierOf(complainer)
	if err != nil {
		return nil, err
	}
	share, ok := p.participant.DealtShare(id)
	if !ok {
		return nil, errors.Errorf("no share was dealt to %s", complainer.Hex())
	}
	return &Justification{
		Session:    p.cfg.Session,
		Complainer: complainer,
		Offender:   p.cfg.SelfAddress,
		Share:      share,
	}, nil
}

// Retire zeroizes the attempt's secret material. The protocol stays usable
// for bookkeeping (complaints, justifications, snapshots).
func (p *Protocol) Retire() {
	p.participant.Retire()
}

func (p *Protocol) Session() SessionID {
	return p.cfg.Session
}

func (p *Protocol) SelfAddress() common.Address {
	return p.cfg.SelfAddress
}

func (p *Protocol) SelfIdentifier() vss.Identifier {
	return p.self
}

// Participants returns the sorted committee of this attempt.
func (p *Protocol) Participants() []common.Address {
	return append([]common.Address(nil), p.cfg.Participants...)
}

// AddressOf maps an identifier back to its participant address.
func (p *Protocol) AddressOf(id vss.Identifier) (common.Address, bool) {
	addr, ok := p.addresses[id]
	return addr, ok
}

// Identifiers returns the address-to-identifier map of this attempt.
func (p *Protocol) Identifiers() map[common.Address]vss.Identifier {
	out := make(map[common.Address]vss.Identifier, len(p.identifiers))
	for addr, id := range p.identifiers {
		out[addr] = id
	}
	return out
}

// Round1Packages returns the received round 1 packages by sender address.
func (p *Protocol) Round1Packages() map[common.Address]*Round1 {
	out := make(map[common.Address]*Round1, len(p.round1))
	for id, msg := range p.round1 {
		out[p.addresses[id]] = msg
	}
	return out
}

// Round2Packages returns the received round 2 bundles by sender address.
func (p *Protocol) Round2Packages() map[common.Address]*Round2 {
	out := make(map[common.Address]*Round2, len(p.round2))
	for id, msg := range p.round2 {
		out[p.addresses[id]] = msg
	}
	return out
}

// Complaints returns the currently standing complaints.
func (p *Protocol) Complaints() []*Complaint {
	return append([]*Complaint(nil), p.complaints...)
}

// Justifications returns the accepted justifications.
func (p *Protocol) Justifications() []*Justification {
	return append([]*Justification(nil), p.justifications...)
}

// CulpritReports returns the audited culprit reports by reporter address.
func (p *Protocol) CulpritReports() map[common.Address]*Round2Culprits {
	out := make(map[common.Address]*Round2Culprits, len(p.culpritReports))
	for id, msg := range p.culpritReports {
		out[p.addresses[id]] = msg
	}
	return out
}
