// Package confidential abstracts the confidential compute capability used
// for sealed-bid flows: encrypting payloads, comparing encrypted bids, and
// sealing data to the backend. The backend is chosen once at startup; a
// request never falls back from one implementation to the other.
package confidential

import (
	"context"
	"errors"
)

var (
	ErrNoBids       = errors.New("no bids to compare")
	ErrNotSealed    = errors.New("payload was not sealed by this backend")
	ErrNotEncrypted = errors.New("payload was not encrypted by this backend")
)

// Backend is the confidential compute capability.
type Backend interface {
	// Name identifies the backend in logs and health output.
	Name() string
	// Encrypt protects a payload so only the backend can read it back.
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	// Decrypt reverses Encrypt.
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
	// RunAuction compares encrypted bids and returns the index of the
	// highest bid without revealing the losing amounts.
	RunAuction(ctx context.Context, encryptedBids [][]byte) (int, error)
	// Seal binds data to the backend instance; only the same instance can
	// unseal it.
	Seal(ctx context.Context, data []byte) ([]byte, error)
	// Unseal reverses Seal.
	Unseal(ctx context.Context, sealed []byte) ([]byte, error)
}

// Config selects and parameterizes the backend.
type Config struct {
	// Endpoint enables the real backend when set; empty selects the
	// simulated backend.
	Endpoint string
	APIKey   string
}

// Select returns the backend for the given configuration. The choice is
// made once here and nowhere else.
func Select(cfg Config) (Backend, error) {
	if cfg.Endpoint != "" {
		return NewRealBackend(cfg.Endpoint, cfg.APIKey)
	}
	return NewSimulatedBackend()
}
