package vss

// KeyPackage is a participant's private output of a completed handshake:
// its aggregated signing share plus the public material needed to use it.
type KeyPackage struct {
	Identifier     Identifier `json:"identifier"`
	SigningShare   []byte     `json:"signing_share"`
	VerifyingShare []byte     `json:"verifying_share"`
	GroupPublicKey []byte     `json:"group_public_key"`
	MinSigners     uint16     `json:"min_signers"`
}

// PublicKeyPackage is the public output of a completed handshake: every
// participant's verifying share plus the committee public key. All honest
// participants derive an identical package.
type PublicKeyPackage struct {
	VerifyingShares map[Identifier][]byte `json:"verifying_shares"`
	GroupPublicKey  []byte                `json:"group_public_key"`
	MinSigners      uint16                `json:"min_signers"`
}
