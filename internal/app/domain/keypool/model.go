// Package keypool models one-time-signature key pools: the key pairs, the
// pool registration record published for on-ledger verification, and the
// per-key inclusion proof handed to signers.
package keypool

import (
	"time"

	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/domain/wots"
)

// KeyPair is one Winternitz key with its position in the pool tree. It is
// created at pool generation, immutable, and consumed by exactly one signing
// operation; single use is enforced by the pool manager, not here.
type KeyPair struct {
	Index      int
	PrivateKey wots.PrivateKey
	PublicKey  wots.PublicKey
}

// Issued is an unused key handed to a signer together with the Merkle proof
// of its membership in the pool.
type Issued struct {
	KeyPair
	Proof [][]byte
}

// Params are the signature-scheme parameters fixed for a pool. They are
// published with the root so any verifier can recompute chain tips.
type Params struct {
	HashLen    int `json:"n"`
	Winternitz int `json:"w"`
	ChainCount int `json:"len"`
}

// DefaultParams returns the scheme parameters this implementation signs with.
func DefaultParams() Params {
	return Params{
		HashLen:    wots.HashLen,
		Winternitz: wots.WinternitzW,
		ChainCount: wots.ChainCount,
	}
}

// Registration is the published record of a pool: its root, parameters,
// size, and owner. Any party can verify key inclusion proofs against it.
type Registration struct {
	ID           string          `json:"id"`
	Root         settlement.Hash `json:"root"`
	Params       Params          `json:"params"`
	TotalKeys    int             `json:"total_keys"`
	Owner        string          `json:"owner"`
	RegisteredAt time.Time       `json:"registered_at"`
}
