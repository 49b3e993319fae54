package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obscura-network/sip/internal/app/domain/keypool"
	"github.com/obscura-network/sip/internal/app/domain/privacy"
	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/domain/vault"
	"github.com/obscura-network/sip/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local runs.
type Store struct {
	mu sync.RWMutex

	pools       map[string]keypool.Registration
	poolsByRoot map[settlement.Hash]string

	batches map[uint64]settlement.Batch

	used map[string]map[settlement.Hash]bool

	claims    map[string]privacy.Claim
	claimKeys map[string]string // commitment+recipient -> claim id

	deposits             map[string]vault.Deposit
	depositsByCommitment map[settlement.Hash]string
	withdrawals          []vault.Withdrawal
}

var _ storage.PoolStore = (*Store)(nil)
var _ storage.BatchStore = (*Store)(nil)
var _ storage.CommitmentStore = (*Store)(nil)
var _ storage.ClaimStore = (*Store)(nil)
var _ storage.VaultStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		pools:                make(map[string]keypool.Registration),
		poolsByRoot:          make(map[settlement.Hash]string),
		batches:              make(map[uint64]settlement.Batch),
		used:                 make(map[string]map[settlement.Hash]bool),
		claims:               make(map[string]privacy.Claim),
		claimKeys:            make(map[string]string),
		deposits:             make(map[string]vault.Deposit),
		depositsByCommitment: make(map[settlement.Hash]string),
	}
}

// PoolStore implementation ----------------------------------------------------

func (s *Store) RegisterPool(_ context.Context, reg keypool.Registration) (keypool.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reg.ID == "" {
		reg.ID = uuid.NewString()
	} else if _, exists := s.pools[reg.ID]; exists {
		return keypool.Registration{}, fmt.Errorf("pool %s already registered", reg.ID)
	}
	if existing, exists := s.poolsByRoot[reg.Root]; exists {
		return keypool.Registration{}, fmt.Errorf("pool root %s already registered as %s", reg.Root.Hex(), existing)
	}
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = time.Now().UTC()
	}

	s.pools[reg.ID] = reg
	s.poolsByRoot[reg.Root] = reg.ID
	return reg, nil
}

func (s *Store) GetPool(_ context.Context, id string) (keypool.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.pools[id]
	if !ok {
		return keypool.Registration{}, fmt.Errorf("pool %s not found", id)
	}
	return reg, nil
}

func (s *Store) GetPoolByRoot(_ context.Context, root settlement.Hash) (keypool.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.poolsByRoot[root]
	if !ok {
		return keypool.Registration{}, fmt.Errorf("pool with root %s not found", root.Hex())
	}
	return s.pools[id], nil
}

func (s *Store) ListPools(_ context.Context) ([]keypool.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]keypool.Registration, 0, len(s.pools))
	for _, reg := range s.pools {
		result = append(result, reg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RegisteredAt.Before(result[j].RegisteredAt) })
	return result, nil
}

// BatchStore implementation ---------------------------------------------------

func (s *Store) CreateBatch(_ context.Context, batch settlement.Batch) (settlement.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.BatchID]; exists {
		return settlement.Batch{}, fmt.Errorf("batch %d already exists", batch.BatchID)
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	batch.Commitments = append([]settlement.Hash(nil), batch.Commitments...)

	s.batches[batch.BatchID] = batch
	return cloneBatch(batch), nil
}

func (s *Store) GetBatch(_ context.Context, batchID uint64) (settlement.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return settlement.Batch{}, fmt.Errorf("batch %d not found", batchID)
	}
	return cloneBatch(batch), nil
}

func (s *Store) ListBatches(_ context.Context, destination string) ([]settlement.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]settlement.Batch, 0)
	for _, batch := range s.batches {
		if destination == "" || batch.Destination == destination {
			result = append(result, cloneBatch(batch))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BatchID < result[j].BatchID })
	return result, nil
}

// CommitmentStore implementation ----------------------------------------------

func (s *Store) MarkUsed(_ context.Context, scope string, c settlement.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.used[scope]
	if !ok {
		set = make(map[settlement.Hash]bool)
		s.used[scope] = set
	}
	if set[c] {
		return true, nil
	}
	set[c] = true
	return false, nil
}

func (s *Store) Unmark(_ context.Context, scope string, c settlement.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.used[scope], c)
	return nil
}

func (s *Store) IsUsed(_ context.Context, scope string, c settlement.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.used[scope][c], nil
}

func (s *Store) UsedCount(_ context.Context, scope string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.used[scope])), nil
}

// ClaimStore implementation ---------------------------------------------------

func claimKey(c privacy.Claim) string {
	return c.Commitment.Hex() + "|" + c.Recipient
}

func (s *Store) CreateClaim(_ context.Context, claim privacy.Claim) (privacy.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}
	if _, exists := s.claims[claim.ID]; exists {
		return privacy.Claim{}, privacy.ErrDuplicateClaim
	}
	key := claimKey(claim)
	if _, exists := s.claimKeys[key]; exists {
		return privacy.Claim{}, privacy.ErrDuplicateClaim
	}
	if claim.CreatedAt.IsZero() {
		claim.CreatedAt = time.Now().UTC()
	}

	s.claims[claim.ID] = claim
	s.claimKeys[key] = claim.ID
	return claim, nil
}

func (s *Store) GetClaim(_ context.Context, id string) (privacy.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claim, ok := s.claims[id]
	if !ok {
		return privacy.Claim{}, fmt.Errorf("claim %s not found", id)
	}
	return claim, nil
}

func (s *Store) ListPendingClaims(_ context.Context) ([]privacy.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]privacy.Claim, 0, len(s.claims))
	for _, claim := range s.claims {
		result = append(result, claim)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ScheduledAt.Before(result[j].ScheduledAt) })
	return result, nil
}

func (s *Store) DeleteClaims(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if claim, ok := s.claims[id]; ok {
			delete(s.claimKeys, claimKey(claim))
			delete(s.claims, id)
		}
	}
	return nil
}

func (s *Store) PendingClaimCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.claims)), nil
}

// VaultStore implementation ---------------------------------------------------

func (s *Store) CreateDeposit(_ context.Context, dep vault.Deposit) (vault.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dep.ID == "" {
		dep.ID = uuid.NewString()
	} else if _, exists := s.deposits[dep.ID]; exists {
		return vault.Deposit{}, fmt.Errorf("deposit %s already exists", dep.ID)
	}
	if _, exists := s.depositsByCommitment[dep.Commitment]; exists {
		return vault.Deposit{}, fmt.Errorf("deposit with commitment %s already exists", dep.Commitment.Hex())
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}

	s.deposits[dep.ID] = dep
	s.depositsByCommitment[dep.Commitment] = dep.ID
	return dep, nil
}

func (s *Store) GetDepositByCommitment(_ context.Context, c settlement.Hash) (vault.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.depositsByCommitment[c]
	if !ok {
		return vault.Deposit{}, fmt.Errorf("deposit with commitment %s not found", c.Hex())
	}
	return s.deposits[id], nil
}

func (s *Store) ListDeposits(_ context.Context) ([]vault.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]vault.Deposit, 0, len(s.deposits))
	for _, dep := range s.deposits {
		result = append(result, dep)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) CreateWithdrawal(_ context.Context, wd vault.Withdrawal) (vault.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wd.ID == "" {
		wd.ID = uuid.NewString()
	}
	if wd.ExecutedAt.IsZero() {
		wd.ExecutedAt = time.Now().UTC()
	}
	s.withdrawals = append(s.withdrawals, wd)
	return wd, nil
}

func (s *Store) DeleteWithdrawal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, wd := range s.withdrawals {
		if wd.ID == id {
			s.withdrawals = append(s.withdrawals[:i], s.withdrawals[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) ListWithdrawals(_ context.Context) ([]vault.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]vault.Withdrawal(nil), s.withdrawals...), nil
}

func cloneBatch(batch settlement.Batch) settlement.Batch {
	batch.Commitments = append([]settlement.Hash(nil), batch.Commitments...)
	return batch
}
