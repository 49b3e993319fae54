// Package privacypool implements the mixing scheduler. Claims wait out a
// randomized delay and leave the pool in multi-recipient batches, so an
// observer cannot correlate a deposit with its withdrawal by timing or by
// transaction shape.
package privacypool

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/obscura-network/sip/internal/app/domain/privacy"
	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/metrics"
	vaultsvc "github.com/obscura-network/sip/internal/app/services/vault"
	"github.com/obscura-network/sip/internal/app/storage"
	"github.com/obscura-network/sip/pkg/logger"
)

// Config tunes the mixing behavior.
type Config struct {
	// MinDelay and MaxDelay bound the uniform random hold applied to each
	// claim before it becomes eligible for release.
	MinDelay time.Duration
	MaxDelay time.Duration
	// MinBatchSize triggers an early execution attempt once this many
	// claims are queued.
	MinBatchSize int
	// MaxBatchWait is the timer interval; every due claim is released at
	// most this long after its scheduled time.
	MaxBatchWait time.Duration
	// MaxClaimsPerBatch caps one execution's transfer count.
	MaxClaimsPerBatch int
	// Executor is the caller identity used against the vault.
	Executor string
	// Operator, with OperatorFallback, tops up the pool when queued claims
	// exceed the pooled balance. This weakens mixing by linking operator
	// funds to releases, so it is off unless explicitly enabled.
	Operator         string
	OperatorFallback bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinDelay:          time.Minute,
		MaxDelay:          10 * time.Minute,
		MinBatchSize:      5,
		MaxBatchWait:      30 * time.Second,
		MaxClaimsPerBatch: 20,
		Executor:          "privacy-pool",
	}
}

// Service is the privacy pool.
type Service struct {
	claims storage.ClaimStore
	vault  *vaultsvc.Service
	log    *logger.Logger
	cfg    Config

	now   func() time.Time
	delay func() time.Duration

	// execMu makes batch execution single-flight: the queue trigger and
	// the timer can never run two executions concurrently.
	execMu sync.Mutex
}

// New constructs a privacy pool releasing funds through the vault.
func New(claims storage.ClaimStore, vault *vaultsvc.Service, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("privacypool")
	}
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 5
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = 30 * time.Second
	}
	if cfg.MaxClaimsPerBatch <= 0 {
		cfg.MaxClaimsPerBatch = 20
	}
	if cfg.Executor == "" {
		cfg.Executor = "privacy-pool"
	}

	s := &Service{
		claims: claims,
		vault:  vault,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
	}
	s.delay = s.randomDelay
	if cfg.OperatorFallback {
		log.Warn("operator funds fallback enabled; releases may be linkable to operator top-ups")
	}
	return s
}

func (s *Service) randomDelay() time.Duration {
	spread := s.cfg.MaxDelay - s.cfg.MinDelay
	if spread <= 0 {
		return s.cfg.MinDelay
	}
	return s.cfg.MinDelay + time.Duration(rand.Int63n(int64(spread)))
}

// Executor returns the caller identity this pool withdraws as.
func (s *Service) Executor() string {
	return s.cfg.Executor
}

// QueueClaim schedules a withdrawal for mixing. The claim becomes eligible
// after a uniform random delay in [MinDelay, MaxDelay]. Queuing the same
// commitment and recipient twice is rejected.
func (s *Service) QueueClaim(ctx context.Context, commitment settlement.Hash, recipient string, amount uint64) (privacy.Claim, error) {
	if strings.TrimSpace(recipient) == "" {
		return privacy.Claim{}, fmt.Errorf("recipient is required")
	}
	if amount == 0 {
		return privacy.Claim{}, fmt.Errorf("amount must be positive")
	}
	if commitment.IsZero() {
		return privacy.Claim{}, fmt.Errorf("commitment is required")
	}

	now := s.now().UTC()
	claim := privacy.Claim{
		Commitment:  commitment,
		Recipient:   recipient,
		Amount:      amount,
		CreatedAt:   now,
		ScheduledAt: now.Add(s.delay()),
	}
	claim, err := s.claims.CreateClaim(ctx, claim)
	if err != nil {
		return privacy.Claim{}, err
	}

	s.log.WithField("claim_id", claim.ID).
		WithField("scheduled_at", claim.ScheduledAt).
		Debug("claim queued")

	pending, err := s.claims.PendingClaimCount(ctx)
	if err == nil && pending >= int64(s.cfg.MinBatchSize) {
		go func() {
			if _, err := s.ExecuteBatch(context.Background()); err != nil {
				s.log.WithError(err).Warn("queue-triggered batch execution failed")
			}
		}()
	}
	return claim, nil
}

// ExecuteBatch releases every due claim, up to MaxClaimsPerBatch, in one
// atomic vault batch. Execution is single-flight; a failed batch leaves the
// queue unchanged for the next attempt. Returns the number of claims
// released.
func (s *Service) ExecuteBatch(ctx context.Context) (int, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	pending, err := s.claims.ListPendingClaims(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending claims: %w", err)
	}

	now := s.now()
	var due []privacy.Claim
	for _, claim := range pending {
		if !claim.Due(now) {
			continue
		}
		due = append(due, claim)
		if len(due) >= s.cfg.MaxClaimsPerBatch {
			break
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	var total uint64
	for _, claim := range due {
		total += claim.Amount
	}
	if balance := s.vault.Balance(""); balance < total {
		if !s.cfg.OperatorFallback {
			return 0, fmt.Errorf("need %d, have %d: %w", total, balance, privacy.ErrInsufficientPoolBalance)
		}
		shortfall := total - balance
		s.log.WithField("shortfall", shortfall).Warn("covering pool shortfall from operator funds")
		if _, err := s.vault.DepositNative(ctx, s.cfg.Operator, shortfall, uint64(now.UnixNano())); err != nil {
			return 0, fmt.Errorf("operator top-up: %w", err)
		}
	}

	reqs := make([]vaultsvc.Request, len(due))
	ids := make([]string, len(due))
	for i, claim := range due {
		reqs[i] = vaultsvc.Request{
			Commitment: claim.Commitment,
			Recipient:  claim.Recipient,
			Amount:     claim.Amount,
		}
		ids[i] = claim.ID
	}

	if _, err := s.vault.ExecuteBatchWithdrawal(ctx, s.cfg.Executor, reqs); err != nil {
		return 0, fmt.Errorf("release batch: %w", err)
	}

	if err := s.claims.DeleteClaims(ctx, ids); err != nil {
		// Funds moved but the claims remain queued; surface loudly since a
		// retry would be refused by the vault's replay set.
		s.log.WithError(err).Error("failed to remove released claims")
		return len(due), fmt.Errorf("remove released claims: %w", err)
	}

	metrics.RecordClaimsReleased(len(due))
	s.log.WithField("released", len(due)).Info("mixing batch executed")
	return len(due), nil
}

// PendingCount returns the number of queued claims.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	return s.claims.PendingClaimCount(ctx)
}

// ListPending returns the queued claims ordered by release time.
func (s *Service) ListPending(ctx context.Context) ([]privacy.Claim, error) {
	return s.claims.ListPendingClaims(ctx)
}
