// Package intent models authorized value-transfer intents: the unit the
// batch builder aggregates and the settlement protocol replay-protects.
package intent

import (
	"encoding/binary"
	"time"

	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/domain/wots"
)

// Intent describes one value transfer awaiting batching. The commitment
// binds recipient, amount, and nonce; it is the unit of replay protection.
type Intent struct {
	Recipient   string `json:"recipient"`
	Amount      uint64 `json:"amount"`
	Nonce       uint64 `json:"nonce"`
	Destination string `json:"destination"`
}

// Commitment hashes the essential intent fields into its settlement
// commitment: Keccak256(recipient || amount || nonce), integers big-endian.
func (i Intent) Commitment() settlement.Hash {
	buf := make([]byte, 0, len(i.Recipient)+16)
	buf = append(buf, []byte(i.Recipient)...)
	buf = binary.BigEndian.AppendUint64(buf, i.Amount)
	buf = binary.BigEndian.AppendUint64(buf, i.Nonce)
	h, _ := settlement.HashFromBytes(wots.Keccak256(buf))
	return h
}

// Authorized is an intent carrying its one-time-signature authorization:
// the signature over the commitment, the signing key's pool index, and the
// Merkle proof of the key's membership in a registered pool.
type Authorized struct {
	Intent `json:"intent"`

	KeyIndex  int             `json:"key_index"`
	PublicKey wots.PublicKey  `json:"public_key"`
	Signature wots.Signature  `json:"signature"`
	KeyProof  [][]byte        `json:"key_proof"`
	PoolRoot  settlement.Hash `json:"pool_root"`

	QueuedAt time.Time `json:"queued_at"`
}
