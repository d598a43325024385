package vss

import (
	"bytes"
	"crypto/rand"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/pkg/errors"
)

// Participant holds the local secret polynomial and the one-time decryption
// key for a single handshake attempt. Retire must be called when the attempt
// ends so neither secret outlives it.
type Participant struct {
	id         Identifier
	threshold  uint16
	poly       []bls.SecretKey
	commitment Commitment
	oneTimeKey *ecies.PrivateKey

	// plaintext shares dealt to peers, kept past Retire so complaints
	// naming this participant can still be answered
	dealt map[Identifier][]byte

	retired bool
}

// NewParticipant samples a fresh polynomial of degree threshold-1 and a
// fresh one-time encryption key.
func NewParticipant(id Identifier, threshold uint16) (*Participant, error) {
	if id.IsZero() {
		return nil, errors.New("zero participant identifier")
	}
	if threshold == 0 {
		return nil, errors.New("threshold must be positive")
	}

	var seed bls.SecretKey
	seed.SetByCSPRNG()
	poly := seed.GetMasterSecretKey(int(threshold))

	oneTimeKey, err := ecies.GenerateKey(rand.Reader, crypto.S256(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not generate one-time key")
	}

	return &Participant{
		id:         id,
		threshold:  threshold,
		poly:       poly,
		commitment: bls.GetMasterPublicKey(poly),
		oneTimeKey: oneTimeKey,
		dealt:      make(map[Identifier][]byte),
	}, nil
}

func (p *Participant) Identifier() Identifier {
	return p.id
}

// Round1 returns the broadcastable polynomial commitment and the one-time
// public key peers must encrypt this participant's share fragments to.
func (p *Participant) Round1() (Commitment, []byte, error) {
	if p.retired {
		return nil, nil, ErrRetired
	}
	return p.commitment, crypto.FromECDSAPub(p.oneTimeKey.PublicKey.ExportECDSA()), nil
}

func (p *Participant) shareFor(id Identifier) (*bls.SecretKey, error) {
	blsID, err := id.BLSID()
	if err != nil {
		return nil, err
	}
	var share bls.SecretKey
	if err := share.Set(p.poly, &blsID); err != nil {
		return nil, errors.Wrap(err, "could not evaluate polynomial")
	}
	return &share, nil
}

// EncryptShares evaluates the polynomial at every recipient identifier and
// encrypts the resulting share to the recipient's one-time key. The local
// identifier is skipped; its share never leaves the participant.
func (p *Participant) EncryptShares(recipients map[Identifier]*ecies.PublicKey) (map[Identifier][]byte, error) {
	if p.retired {
		return nil, ErrRetired
	}
	out := make(map[Identifier][]byte, len(recipients))
	for id, pub := range recipients {
		if id == p.id {
			continue
		}
		share, err := p.shareFor(id)
		if err != nil {
			return nil, err
		}
		raw := share.Serialize()
		ct, err := ecies.Encrypt(rand.Reader, pub, raw, nil, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "could not encrypt share for %s", id)
		}
		p.dealt[id] = raw
		out[id] = ct
	}
	return out, nil
}

// DealtShare returns the plaintext share this participant dealt to id.
func (p *Participant) DealtShare(id Identifier) ([]byte, bool) {
	share, ok := p.dealt[id]
	return share, ok
}

// Aggregate decrypts the ciphertexts addressed to this participant, verifies
// every peer share against its dealer's commitment and aggregates the final
// key material. Dealers whose share fails any step are returned as culprits
// instead of an error; key material is only returned when there are none.
func (p *Participant) Aggregate(encrypted map[Identifier][]byte, commitments map[Identifier]Commitment) (*KeyPackage, *PublicKeyPackage, []Identifier, error) {
	if p.retired {
		return nil, nil, nil, ErrRetired
	}

	var signingShare bls.SecretKey
	var culprits []Identifier
	for id, commitment := range commitments {
		var share bls.SecretKey
		if id == p.id {
			own, err := p.shareFor(p.id)
			if err != nil {
				return nil, nil, nil, err
			}
			share = *own
		} else {
			ct, ok := encrypted[id]
			if !ok {
				culprits = append(culprits, id)
				continue
			}
			plain, err := p.oneTimeKey.Decrypt(ct, nil, nil)
			if err != nil {
				culprits = append(culprits, id)
				continue
			}
			if err := share.Deserialize(plain); err != nil {
				culprits = append(culprits, id)
				continue
			}
		}
		expected, err := commitment.EvaluateAt(p.id)
		if err != nil {
			return nil, nil, nil, err
		}
		if !expected.IsEqual(share.GetPublicKey()) {
			culprits = append(culprits, id)
			continue
		}
		signingShare.Add(&share)
	}
	if len(culprits) > 0 {
		SortIdentifiers(culprits)
		return nil, nil, culprits, nil
	}

	all := make([]Commitment, 0, len(commitments))
	for _, c := range commitments {
		all = append(all, c)
	}
	aggregated, err := SumCommitments(all)
	if err != nil {
		return nil, nil, nil, err
	}

	verifyingShares := make(map[Identifier][]byte, len(commitments))
	for id := range commitments {
		pk, err := aggregated.EvaluateAt(id)
		if err != nil {
			return nil, nil, nil, err
		}
		verifyingShares[id] = pk.Serialize()
	}
	if !bytes.Equal(signingShare.GetPublicKey().Serialize(), verifyingShares[p.id]) {
		return nil, nil, nil, errors.New("aggregated share does not match aggregated commitment")
	}

	groupKey := aggregated.GroupKey().Serialize()
	keyPackage := &KeyPackage{
		Identifier:     p.id,
		SigningShare:   signingShare.Serialize(),
		VerifyingShare: verifyingShares[p.id],
		GroupPublicKey: groupKey,
		MinSigners:     p.threshold,
	}
	publicKeyPackage := &PublicKeyPackage{
		VerifyingShares: verifyingShares,
		GroupPublicKey:  groupKey,
		MinSigners:      p.threshold,
	}
	return keyPackage, publicKeyPackage, nil, nil
}

// OneTimePrivateKey reveals the one-time decryption key so peers can audit
// a culprit report. Calling it forfeits the confidentiality of every share
// addressed to this participant in the current attempt.
func (p *Participant) OneTimePrivateKey() ([]byte, error) {
	if p.retired {
		return nil, ErrRetired
	}
	return crypto.FromECDSA(p.oneTimeKey.ExportECDSA()), nil
}

// Retire zeroizes the polynomial and the one-time private key. The dealt
// share cache is kept so later complaints can still be answered.
func (p *Participant) Retire() {
	if p.retired {
		return
	}
	for i := range p.poly {
		p.poly[i] = bls.SecretKey{}
	}
	p.poly = nil
	if p.oneTimeKey != nil {
		p.oneTimeKey.D.SetInt64(0)
		p.oneTimeKey = nil
	}
	p.retired = true
}

// Retired reports whether Retire was called.
func (p *Participant) Retired() bool {
	return p.retired
}
