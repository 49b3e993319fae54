package confidential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// SimulatedBackend implements the confidential capability in-process with a
// per-instance random key. It offers no hardware guarantees; it exists so
// local runs and tests exercise the same code paths as the real backend.
type SimulatedBackend struct {
	aead cipher.AEAD
}

var _ Backend = (*SimulatedBackend)(nil)

// NewSimulatedBackend creates a backend with a fresh random key.
func NewSimulatedBackend() (*SimulatedBackend, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate backend key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SimulatedBackend{aead: aead}, nil
}

func (b *SimulatedBackend) Name() string { return "simulated" }

func (b *SimulatedBackend) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *SimulatedBackend) open(payload []byte) ([]byte, error) {
	if len(payload) < b.aead.NonceSize() {
		return nil, ErrNotEncrypted
	}
	nonce, ciphertext := payload[:b.aead.NonceSize()], payload[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrNotEncrypted
	}
	return plaintext, nil
}

func (b *SimulatedBackend) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	return b.seal(plaintext)
}

func (b *SimulatedBackend) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	return b.open(ciphertext)
}

// RunAuction decrypts each bid, interprets the first 8 bytes as a
// big-endian amount, and returns the index of the highest bid. Ties go to
// the earlier bidder.
func (b *SimulatedBackend) RunAuction(_ context.Context, encryptedBids [][]byte) (int, error) {
	if len(encryptedBids) == 0 {
		return 0, ErrNoBids
	}

	winner := -1
	var best uint64
	for i, enc := range encryptedBids {
		plain, err := b.open(enc)
		if err != nil {
			return 0, fmt.Errorf("bid %d: %w", i, err)
		}
		if len(plain) < 8 {
			return 0, fmt.Errorf("bid %d: too short", i)
		}
		amount := binary.BigEndian.Uint64(plain[:8])
		if winner < 0 || amount > best {
			winner = i
			best = amount
		}
	}
	return winner, nil
}

func (b *SimulatedBackend) Seal(_ context.Context, data []byte) ([]byte, error) {
	return b.seal(data)
}

func (b *SimulatedBackend) Unseal(_ context.Context, sealed []byte) ([]byte, error) {
	plain, err := b.open(sealed)
	if err != nil {
		return nil, ErrNotSealed
	}
	return plain, nil
}
