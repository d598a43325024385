package vss

import (
	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/pkg/errors"
)

// Commitment is the public image of a secret polynomial: one group element
// per coefficient. Evaluating it at a participant identifier yields the
// public key every valid share for that participant must match.
type Commitment []bls.PublicKey

// Serialize encodes each coefficient as compressed G1 bytes.
func (c Commitment) Serialize() [][]byte {
	out := make([][]byte, len(c))
	for i := range c {
		out[i] = c[i].Serialize()
	}
	return out
}

// DeserializeCommitment parses and validates serialized coefficients.
func DeserializeCommitment(raw [][]byte) (Commitment, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty commitment")
	}
	c := make(Commitment, len(raw))
	for i, b := range raw {
		if err := c[i].Deserialize(b); err != nil {
			return nil, errors.Wrapf(err, "malformed commitment coefficient %d", i)
		}
	}
	return c, nil
}

// EvaluateAt computes the committed polynomial at the given identifier.
func (c Commitment) EvaluateAt(id Identifier) (*bls.PublicKey, error) {
	blsID, err := id.BLSID()
	if err != nil {
		return nil, err
	}
	var pk bls.PublicKey
	if err := pk.Set(c, &blsID); err != nil {
		return nil, errors.Wrap(err, "could not evaluate commitment")
	}
	return &pk, nil
}

// GroupKey returns the constant term, the public key of the secret the
// polynomial shares.
func (c Commitment) GroupKey() *bls.PublicKey {
	pk := c[0]
	return &pk
}

// SumCommitments adds commitments coefficient-wise. All inputs must commit
// to polynomials of the same degree.
func SumCommitments(commitments []Commitment) (Commitment, error) {
	if len(commitments) == 0 {
		return nil, errors.New("no commitments to sum")
	}
	size := len(commitments[0])
	if size == 0 {
		return nil, errors.New("empty commitment")
	}
	sum := make(Commitment, size)
	copy(sum, commitments[0])
	for _, c := range commitments[1:] {
		if len(c) != size {
			return nil, errors.Errorf("commitment length mismatch: %d != %d", len(c), size)
		}
		for i := range c {
			sum[i].Add(&c[i])
		}
	}
	return sum, nil
}
