// Package wots implements a Winternitz-style one-time signature scheme over
// Keccak-256 hash chains. A private key is a set of random chain seeds; the
// public key is the Keccak compression of every chain iterated to its tip.
//
// A key pair must sign at most one message. The scheme leaks intermediate
// chain values on every signature, so reuse destroys its security; enforcing
// single use is the key pool's job, not the scheme's.
package wots

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	// HashLen is the width of the hash output and of every chain value.
	HashLen = 32
	// WinternitzW is the chain base: each chain encodes one base-16 digit.
	WinternitzW = 16
	// DigitChains covers the 64 hex digits of a 256-bit message digest.
	DigitChains = 64
	// ChecksumChains covers the checksum digits that prevent an attacker
	// from advancing digit chains without rolling a checksum chain back.
	ChecksumChains = 3
	// ChainCount is the total number of hash chains per key.
	ChainCount = DigitChains + ChecksumChains
)

// PrivateKey is an ordered set of random chain seeds.
type PrivateKey [][]byte

// PublicKey is the Keccak-256 compression of all chain tips.
type PublicKey [HashLen]byte

// Signature holds one intermediate chain value per chain.
type Signature [][]byte

// GenerateKey returns ChainCount fresh random seeds. There is no seed
// derivation: every chain is independent randomness.
func GenerateKey() (PrivateKey, error) {
	sk := make(PrivateKey, ChainCount)
	for i := range sk {
		seed := make([]byte, HashLen)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("read random seed: %w", err)
		}
		sk[i] = seed
	}
	return sk, nil
}

// ComputePublicKey iterates each seed w-1 times and compresses the tips into
// a single hash.
func ComputePublicKey(sk PrivateKey) (PublicKey, error) {
	tips, err := ChainTips(sk)
	if err != nil {
		return PublicKey{}, err
	}
	return compress(tips), nil
}

// ChainTips returns the fully-iterated tip of every chain. Exposed so callers
// that commit to per-chain values (rather than the compressed key) can reuse
// the iteration.
func ChainTips(sk PrivateKey) ([][]byte, error) {
	if err := checkKeyShape(sk); err != nil {
		return nil, err
	}
	tips := make([][]byte, ChainCount)
	for i, seed := range sk {
		tips[i] = iterate(seed, WinternitzW-1)
	}
	return tips, nil
}

// Sign hashes the message, splits the digest into base-16 digits plus
// checksum digits, and advances each chain by its digit.
func Sign(sk PrivateKey, message []byte) (Signature, error) {
	if err := checkKeyShape(sk); err != nil {
		return nil, err
	}
	digits := messageDigits(message)
	sig := make(Signature, ChainCount)
	for i, seed := range sk {
		sig[i] = iterate(seed, int(digits[i]))
	}
	return sig, nil
}

// Verify advances each signature value the remaining w-1-digit steps and
// checks the compression of the recovered tips against the public key.
func Verify(pk PublicKey, message []byte, sig Signature) bool {
	if len(sig) != ChainCount {
		return false
	}
	digits := messageDigits(message)
	tips := make([][]byte, ChainCount)
	for i, value := range sig {
		if len(value) != HashLen {
			return false
		}
		tips[i] = iterate(value, WinternitzW-1-int(digits[i]))
	}
	computed := compress(tips)
	return bytes.Equal(computed[:], pk[:])
}

// messageDigits maps a message to ChainCount base-w digits: 64 digest digits
// followed by 3 checksum digits. The checksum is the sum of w-1-digit over
// the digest digits, so lowering any digest digit raises the checksum and
// would require reversing a checksum chain.
func messageDigits(message []byte) []uint8 {
	digest := Keccak256(message)
	digits := make([]uint8, 0, ChainCount)
	for _, b := range digest {
		digits = append(digits, b>>4, b&0x0f)
	}

	checksum := 0
	for _, d := range digits {
		checksum += WinternitzW - 1 - int(d)
	}
	for i := ChecksumChains - 1; i >= 0; i-- {
		digits = append(digits, uint8((checksum>>(4*i))&0x0f))
	}
	return digits
}

func iterate(value []byte, times int) []byte {
	out := append([]byte(nil), value...)
	for i := 0; i < times; i++ {
		out = Keccak256(out)
	}
	return out
}

func compress(tips [][]byte) PublicKey {
	h := sha3.NewLegacyKeccak256()
	for _, tip := range tips {
		h.Write(tip)
	}
	var pk PublicKey
	copy(pk[:], h.Sum(nil))
	return pk
}

func checkKeyShape(sk PrivateKey) error {
	if len(sk) != ChainCount {
		return fmt.Errorf("private key has %d chains, want %d", len(sk), ChainCount)
	}
	for i, seed := range sk {
		if len(seed) != HashLen {
			return fmt.Errorf("chain %d seed is %d bytes, want %d", i, len(seed), HashLen)
		}
	}
	return nil
}

// Keccak256 returns the Keccak-256 digest of data. The ledger contracts hash
// with Keccak, not the padded SHA3 variant.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
