// Package keys wraps the operator's secp256k1 identity key. The key's
// Ethereum address doubles as the operator's committee identity, and every
// broadcast message carries a recoverable signature made with it.
package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// SignatureSize is the length of a recoverable secp256k1 signature.
const SignatureSize = 65

type OperatorPublicKey interface {
	Verify(digest [32]byte, signature []byte) error
	Address() common.Address
	Hex() string
}

type OperatorPrivateKey interface {
	OperatorSigner
	Public() OperatorPublicKey
	Hex() string
	Save(path string) error
}

type OperatorSigner interface {
	Sign(digest [32]byte) ([]byte, error)
	Address() common.Address
}

type privateKey struct {
	privKey *ecdsa.PrivateKey
}

type publicKey struct {
	pubKey *ecdsa.PublicKey
}

// GenerateKey samples a fresh operator identity key.
func GenerateKey() (OperatorPrivateKey, error) {
	privKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate secp256k1 key")
	}
	return &privateKey{privKey: privKey}, nil
}

// PrivateKeyFromHex parses a hex encoded private key, with or without a 0x
// prefix.
func PrivateKeyFromHex(keyHex string) (OperatorPrivateKey, error) {
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return &privateKey{privKey: privKey}, nil
}

// PrivateKeyFromFile loads a hex encoded private key from disk.
func PrivateKeyFromFile(path string) (OperatorPrivateKey, error) {
	privKey, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load private key from %s", path)
	}
	return &privateKey{privKey: privKey}, nil
}

// RecoverAddress returns the address that produced a recoverable signature
// over the given digest.
func RecoverAddress(digest [32]byte, signature []byte) (common.Address, error) {
	if len(signature) != SignatureSize {
		return common.Address{}, errors.Errorf("signature is %d bytes, expected %d", len(signature), SignatureSize)
	}
	pubKey, err := crypto.SigToPub(digest[:], signature)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "recover public key")
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

func (p *privateKey) Sign(digest [32]byte) ([]byte, error) {
	signature, err := crypto.Sign(digest[:], p.privKey)
	if err != nil {
		return nil, errors.Wrap(err, "sign digest")
	}
	return signature, nil
}

func (p *privateKey) Public() OperatorPublicKey {
	return &publicKey{pubKey: &p.privKey.PublicKey}
}

func (p *privateKey) Address() common.Address {
	return crypto.PubkeyToAddress(p.privKey.PublicKey)
}

func (p *privateKey) Hex() string {
	return hex.EncodeToString(crypto.FromECDSA(p.privKey))
}

func (p *privateKey) Save(path string) error {
	return crypto.SaveECDSA(path, p.privKey)
}

func (p *publicKey) Verify(digest [32]byte, signature []byte) error {
	recovered, err := RecoverAddress(digest, signature)
	if err != nil {
		return err
	}
	if recovered != p.Address() {
		return errors.Errorf("signature by %s, expected %s", recovered.Hex(), p.Address().Hex())
	}
	return nil
}

func (p *publicKey) Address() common.Address {
	return crypto.PubkeyToAddress(*p.pubKey)
}

func (p *publicKey) Hex() string {
	return hex.EncodeToString(crypto.FromECDSAPub(p.pubKey))
}
