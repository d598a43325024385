package vss

import (
	"bytes"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

const identifierSize = 16

// Identifier is a non-zero element of the BLS scalar field that positions a
// participant on the shared polynomial. It is derived from the participant
// address, so every node maps the same address to the same evaluation point.
type Identifier [identifierSize]byte

// DeriveIdentifier hashes an address into an identifier.
func DeriveIdentifier(addr common.Address) (Identifier, error) {
	var id Identifier
	copy(id[:], crypto.Keccak256(addr.Bytes())[:identifierSize])
	if id.IsZero() {
		return Identifier{}, errors.Errorf("zero identifier derived for %s", addr.Hex())
	}
	return id, nil
}

func (i Identifier) IsZero() bool {
	return i == Identifier{}
}

// BLSID converts the identifier into the herumi field element used for
// polynomial evaluation.
func (i Identifier) BLSID() (bls.ID, error) {
	var blsID bls.ID
	if err := blsID.SetHexString(i.String()); err != nil {
		return bls.ID{}, errors.Wrap(err, "could not build bls id")
	}
	return blsID, nil
}

func (i Identifier) String() string {
	return hex.EncodeToString(i[:])
}

func (i Identifier) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Identifier) UnmarshalText(data []byte) error {
	raw, err := hex.DecodeString(string(data))
	if err != nil {
		return errors.Wrap(err, "malformed identifier")
	}
	if len(raw) != identifierSize {
		return errors.Errorf("identifier must be %d bytes, got %d", identifierSize, len(raw))
	}
	copy(i[:], raw)
	return nil
}

// SortIdentifiers orders identifiers by their byte representation.
func SortIdentifiers(ids []Identifier) {
	slices.SortFunc(ids, func(a, b Identifier) int {
		return bytes.Compare(a[:], b[:])
	})
}
