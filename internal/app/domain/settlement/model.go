// Package settlement holds the data model for the batch-commitment
// settlement protocol: 32-byte hashes, batches, and the ledger-held state
// the protocol state machine mutates.
package settlement

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxBatchSize bounds settleBatch so on-ledger execution cost stays bounded.
const MaxBatchSize = 100

// Hash is a 32-byte Keccak digest. Commitments, Merkle roots, and tree nodes
// are all Hash values.
type Hash [32]byte

// ZeroHash is the all-zero hash, rejected as a root.
var ZeroHash Hash

// HashFromBytes copies a 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return Hash{}, fmt.Errorf("hash is %d bytes, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromHex parses a 0x-prefixed or bare hex string.
func HashFromHex(s string) (Hash, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("parse hash: %w", err)
	}
	return HashFromBytes(raw)
}

// Hex returns the 0x-prefixed hex encoding.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Bytes returns a copy of the hash as a slice.
func (h Hash) Bytes() []byte {
	return append([]byte(nil), h[:]...)
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Batch is an ordered set of commitments aggregated under one Merkle root.
// Once its root is published the batch is immutable; later batches supersede
// it but historical roots stay queryable by id.
type Batch struct {
	BatchID     uint64    `json:"batch_id"`
	Root        Hash      `json:"root"`
	Commitments []Hash    `json:"commitments"`
	Destination string    `json:"destination"`
	CreatedAt   time.Time `json:"created_at"`
}

// State is the ledger-held settlement state. It is an explicit owned object:
// every transition goes through the protocol service, never through ambient
// globals.
type State struct {
	Owner               string          `json:"owner"`
	PendingOwner        string          `json:"pending_owner,omitempty"`
	AuthorizedExecutors map[string]bool `json:"authorized_executors"`
	CurrentRoot         Hash            `json:"current_root"`
	CurrentBatchID      uint64          `json:"current_batch_id"`
	RootsByBatchID      map[uint64]Hash `json:"roots_by_batch_id"`
	Paused              bool            `json:"paused"`
}

// NewState creates settlement state owned by the given address.
func NewState(owner string) *State {
	return &State{
		Owner:               owner,
		AuthorizedExecutors: make(map[string]bool),
		RootsByBatchID:      make(map[uint64]Hash),
	}
}

// IsAuthorized reports whether caller may publish roots.
func (s *State) IsAuthorized(caller string) bool {
	return caller == s.Owner || s.AuthorizedExecutors[caller]
}
