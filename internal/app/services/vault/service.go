// Package vault implements the custody boundary: pooled deposits, balance
// accounting, and authorized withdrawals gated by the settlement protocol's
// executor set. The vault keeps its own used-commitment set so a settlement
// bug alone cannot double-release funds.
package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/obscura-network/sip/internal/app/domain/settlement"
	domain "github.com/obscura-network/sip/internal/app/domain/vault"
	"github.com/obscura-network/sip/internal/app/metrics"
	settlementsvc "github.com/obscura-network/sip/internal/app/services/settlement"
	"github.com/obscura-network/sip/internal/app/storage"
	"github.com/obscura-network/sip/pkg/logger"
)

// Request is one withdrawal in a batch.
type Request struct {
	Commitment settlement.Hash `json:"commitment"`
	Token      string          `json:"token"`
	Recipient  string          `json:"recipient"`
	Amount     uint64          `json:"amount"`
}

// Service is the vault.
type Service struct {
	store       storage.VaultStore
	commitments storage.CommitmentStore
	settlement  *settlementsvc.Service
	log         *logger.Logger

	mu       sync.Mutex
	balances map[string]uint64
	now      func() time.Time
}

// New constructs a vault gated by the given settlement service.
func New(store storage.VaultStore, commitments storage.CommitmentStore, settlementSvc *settlementsvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("vault")
	}
	return &Service{
		store:       store,
		commitments: commitments,
		settlement:  settlementSvc,
		log:         log,
		balances:    make(map[string]uint64),
		now:         time.Now,
	}
}

// DepositNative credits the native token pool.
func (s *Service) DepositNative(ctx context.Context, depositor string, amount, nonce uint64) (domain.Deposit, error) {
	return s.deposit(ctx, depositor, domain.NativeToken, amount, nonce)
}

// DepositToken credits a token pool.
func (s *Service) DepositToken(ctx context.Context, depositor, token string, amount, nonce uint64) (domain.Deposit, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Deposit{}, fmt.Errorf("token is required")
	}
	return s.deposit(ctx, depositor, token, amount, nonce)
}

func (s *Service) deposit(ctx context.Context, depositor, token string, amount, nonce uint64) (domain.Deposit, error) {
	if s.settlement.IsPaused() {
		return domain.Deposit{}, settlement.ErrPaused
	}
	if strings.TrimSpace(depositor) == "" {
		return domain.Deposit{}, fmt.Errorf("depositor is required")
	}
	if amount == 0 {
		return domain.Deposit{}, domain.ErrInvalidAmount
	}

	ts := s.now().UTC()
	dep := domain.Deposit{
		Commitment: domain.DepositCommitment(depositor, amount, token, nonce, ts),
		Depositor:  depositor,
		Token:      token,
		Amount:     amount,
		Nonce:      nonce,
		CreatedAt:  ts,
	}
	dep, err := s.store.CreateDeposit(ctx, dep)
	if err != nil {
		return domain.Deposit{}, fmt.Errorf("record deposit: %w", err)
	}

	s.mu.Lock()
	s.balances[token] += amount
	s.mu.Unlock()

	metrics.RecordVaultMovement("deposit")
	s.log.WithField("token", token).
		WithField("amount", amount).
		WithField("commitment", dep.Commitment.Hex()).
		Info("deposit received")
	return dep, nil
}

// ExecuteAuthorizedWithdrawal releases funds for one settled commitment.
// Only settlement-authorized callers may withdraw; each commitment releases
// funds exactly once regardless of what the settlement layer says.
func (s *Service) ExecuteAuthorizedWithdrawal(ctx context.Context, caller string, req Request) (domain.Withdrawal, error) {
	wds, err := s.ExecuteBatchWithdrawal(ctx, caller, []Request{req})
	if err != nil {
		return domain.Withdrawal{}, err
	}
	return wds[0], nil
}

// ExecuteBatchWithdrawal atomically releases funds for several commitments.
// Every request is validated before any balance moves; one bad request
// rejects the whole batch.
func (s *Service) ExecuteBatchWithdrawal(ctx context.Context, caller string, reqs []Request) ([]domain.Withdrawal, error) {
	if s.settlement.IsPaused() {
		return nil, settlement.ErrPaused
	}
	if !s.settlement.IsAuthorizedCaller(caller) {
		return nil, settlement.ErrUnauthorized
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no withdrawal requests")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate all before applying anything.
	totals := make(map[string]uint64)
	seen := make(map[settlement.Hash]bool, len(reqs))
	for i, req := range reqs {
		if req.Amount == 0 {
			return nil, fmt.Errorf("request %d: %w", i, domain.ErrInvalidAmount)
		}
		if strings.TrimSpace(req.Recipient) == "" {
			return nil, fmt.Errorf("request %d: recipient is required", i)
		}
		token := req.Token
		if token == "" {
			token = domain.NativeToken
		}
		if seen[req.Commitment] {
			return nil, fmt.Errorf("request %d: %w", i, settlement.ErrCommitmentUsed)
		}
		seen[req.Commitment] = true

		used, err := s.commitments.IsUsed(ctx, storage.ScopeVault, req.Commitment)
		if err != nil {
			return nil, fmt.Errorf("request %d: check commitment: %w", i, err)
		}
		if used {
			return nil, fmt.Errorf("request %d: %w", i, settlement.ErrCommitmentUsed)
		}

		totals[token] += req.Amount
	}
	for token, total := range totals {
		if s.balances[token] < total {
			return nil, fmt.Errorf("token %s: %w", token, domain.ErrInsufficientBalance)
		}
	}

	// Apply with compensation: if any store write fails partway, every mark,
	// record, and balance change made for this batch is undone.
	withdrawals := make([]domain.Withdrawal, 0, len(reqs))
	marked := make([]settlement.Hash, 0, len(reqs))
	debits := make(map[string]uint64, len(totals))
	undo := func() {
		for _, c := range marked {
			if err := s.commitments.Unmark(ctx, storage.ScopeVault, c); err != nil {
				s.log.WithError(err).WithField("commitment", c.Hex()).Error("failed to undo commitment mark")
			}
		}
		for _, wd := range withdrawals {
			if err := s.store.DeleteWithdrawal(ctx, wd.ID); err != nil {
				s.log.WithError(err).WithField("withdrawal_id", wd.ID).Error("failed to undo withdrawal record")
			}
		}
		for token, amount := range debits {
			s.balances[token] += amount
		}
	}
	for _, req := range reqs {
		token := req.Token
		if token == "" {
			token = domain.NativeToken
		}
		already, err := s.commitments.MarkUsed(ctx, storage.ScopeVault, req.Commitment)
		if err != nil {
			undo()
			return nil, fmt.Errorf("mark commitment used: %w", err)
		}
		if already {
			// Validation ran under the vault mutex, so only an external
			// writer to the shared store can race us here.
			undo()
			return nil, settlement.ErrCommitmentUsed
		}
		marked = append(marked, req.Commitment)

		wd := domain.Withdrawal{
			Commitment: req.Commitment,
			Token:      token,
			Recipient:  req.Recipient,
			Amount:     req.Amount,
			Executor:   caller,
			ExecutedAt: s.now().UTC(),
		}
		wd, err = s.store.CreateWithdrawal(ctx, wd)
		if err != nil {
			undo()
			return nil, fmt.Errorf("record withdrawal: %w", err)
		}
		withdrawals = append(withdrawals, wd)

		s.balances[token] -= req.Amount
		debits[token] += req.Amount
	}
	for range withdrawals {
		metrics.RecordVaultMovement("withdrawal")
	}

	s.log.WithField("caller", caller).
		WithField("count", len(withdrawals)).
		Info("withdrawals executed")
	return withdrawals, nil
}

// Balance returns the pooled balance for token.
func (s *Service) Balance(token string) uint64 {
	if token == "" {
		token = domain.NativeToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[token]
}

// IsCommitmentUsed reports whether the vault has already released funds for
// the commitment.
func (s *Service) IsCommitmentUsed(ctx context.Context, c settlement.Hash) (bool, error) {
	return s.commitments.IsUsed(ctx, storage.ScopeVault, c)
}

// DepositByCommitment returns the deposit record for a commitment.
func (s *Service) DepositByCommitment(ctx context.Context, c settlement.Hash) (domain.Deposit, error) {
	return s.store.GetDepositByCommitment(ctx, c)
}

// ListDeposits returns all recorded deposits.
func (s *Service) ListDeposits(ctx context.Context) ([]domain.Deposit, error) {
	return s.store.ListDeposits(ctx)
}

// ListWithdrawals returns all executed withdrawals.
func (s *Service) ListWithdrawals(ctx context.Context) ([]domain.Withdrawal, error) {
	return s.store.ListWithdrawals(ctx)
}
