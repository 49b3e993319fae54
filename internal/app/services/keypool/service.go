// Package keypool manages pools of one-time signature keys: generation,
// registration of the pool root, issuance of unused keys with inclusion
// proofs, and single-use accounting.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	domain "github.com/obscura-network/sip/internal/app/domain/keypool"
	"github.com/obscura-network/sip/internal/app/domain/merkle"
	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/domain/wots"
	"github.com/obscura-network/sip/internal/app/storage"
	"github.com/obscura-network/sip/pkg/logger"
)

// MaxPoolSize caps pool generation. Larger pools make key exhaustion rarer
// but generation and tree construction proportionally slower.
const MaxPoolSize = 65536

var (
	ErrPoolExhausted = errors.New("key pool exhausted")
	ErrPoolNotFound  = errors.New("key pool not found")
	ErrKeyOutOfRange = errors.New("key index out of range")
)

// pool is the in-process state of one generated pool. Private keys never
// leave the process; only the registration record is persisted.
type pool struct {
	mu   sync.Mutex
	reg  domain.Registration
	keys []domain.KeyPair
	tree *merkle.Tree
	used *bitset.BitSet
}

// Service generates and manages key pools.
type Service struct {
	store storage.PoolStore
	log   *logger.Logger

	mu    sync.RWMutex
	pools map[string]*pool
}

// New constructs a key pool service.
func New(store storage.PoolStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("keypool")
	}
	return &Service{
		store: store,
		log:   log,
		pools: make(map[string]*pool),
	}
}

// GeneratePool creates totalKeys fresh one-time key pairs, builds the
// Merkle tree over their public keys, and registers the pool root.
func (s *Service) GeneratePool(ctx context.Context, totalKeys int, owner string) (domain.Registration, error) {
	if totalKeys <= 0 {
		return domain.Registration{}, fmt.Errorf("pool size must be positive, got %d", totalKeys)
	}
	if totalKeys > MaxPoolSize {
		return domain.Registration{}, fmt.Errorf("pool size %d exceeds maximum %d", totalKeys, MaxPoolSize)
	}

	keys := make([]domain.KeyPair, totalKeys)
	leaves := make([][]byte, totalKeys)
	for i := 0; i < totalKeys; i++ {
		priv, err := wots.GenerateKey()
		if err != nil {
			return domain.Registration{}, fmt.Errorf("generate key %d: %w", i, err)
		}
		pub, err := wots.ComputePublicKey(priv)
		if err != nil {
			return domain.Registration{}, fmt.Errorf("derive public key %d: %w", i, err)
		}
		keys[i] = domain.KeyPair{Index: i, PrivateKey: priv, PublicKey: pub}
		leaves[i] = pub[:]
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return domain.Registration{}, fmt.Errorf("build pool tree: %w", err)
	}
	root, err := settlement.HashFromBytes(tree.Root())
	if err != nil {
		return domain.Registration{}, err
	}

	reg := domain.Registration{
		Root:         root,
		Params:       domain.DefaultParams(),
		TotalKeys:    totalKeys,
		Owner:        owner,
		RegisteredAt: time.Now().UTC(),
	}
	reg, err = s.store.RegisterPool(ctx, reg)
	if err != nil {
		return domain.Registration{}, fmt.Errorf("register pool: %w", err)
	}

	s.mu.Lock()
	s.pools[reg.ID] = &pool{
		reg:  reg,
		keys: keys,
		tree: tree,
		used: bitset.New(uint(totalKeys)),
	}
	s.mu.Unlock()

	s.log.WithField("pool_id", reg.ID).
		WithField("total_keys", totalKeys).
		WithField("root", root.Hex()).
		Info("key pool generated")
	return reg, nil
}

func (s *Service) getPool(id string) (*pool, error) {
	s.mu.RLock()
	p, ok := s.pools[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrPoolNotFound
	}
	return p, nil
}

// NextKey reserves and returns the lowest-indexed unused key together with
// its inclusion proof. The key is marked used before it is handed out, so
// two concurrent callers can never receive the same key.
func (s *Service) NextKey(_ context.Context, poolID string) (domain.Issued, error) {
	p, err := s.getPool(poolID)
	if err != nil {
		return domain.Issued{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.used.NextClear(0)
	if !ok || idx >= uint(len(p.keys)) {
		return domain.Issued{}, ErrPoolExhausted
	}
	p.used.Set(idx)

	proof, err := p.tree.Proof(int(idx))
	if err != nil {
		return domain.Issued{}, fmt.Errorf("inclusion proof for key %d: %w", idx, err)
	}
	return domain.Issued{KeyPair: p.keys[idx], Proof: proof}, nil
}

// MarkUsed records that the key at index has been consumed. Marking an
// already-used key is a no-op; issuance via NextKey marks keys itself, so
// this exists for keys consumed out of band.
func (s *Service) MarkUsed(_ context.Context, poolID string, index int) error {
	p, err := s.getPool(poolID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.keys) {
		return ErrKeyOutOfRange
	}
	p.used.Set(uint(index))
	return nil
}

// AvailableCount returns the number of keys not yet issued or marked used.
func (s *Service) AvailableCount(_ context.Context, poolID string) (int, error) {
	p, err := s.getPool(poolID)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys) - int(p.used.Count()), nil
}

// Registration returns the persisted pool registration record.
func (s *Service) Registration(ctx context.Context, poolID string) (domain.Registration, error) {
	return s.store.GetPool(ctx, poolID)
}

// ListRegistrations returns all persisted pool registrations.
func (s *Service) ListRegistrations(ctx context.Context) ([]domain.Registration, error) {
	return s.store.ListPools(ctx)
}

// VerifyIssued checks that a public key belongs to the pool identified by
// root, using the inclusion proof issued with the key. Any verifier can run
// this check with only the published registration.
func VerifyIssued(root settlement.Hash, pub wots.PublicKey, index int, proof [][]byte) bool {
	if index < 0 {
		return false
	}
	return merkle.VerifyProof(pub[:], proof, uint64(index), root.Bytes())
}
