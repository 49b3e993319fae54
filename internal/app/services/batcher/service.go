// Package batcher aggregates authorized transfer intents into batches, one
// queue per destination, and finalizes ready batches into published Merkle
// roots.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/obscura-network/sip/internal/app/domain/intent"
	"github.com/obscura-network/sip/internal/app/domain/merkle"
	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/domain/wots"
	"github.com/obscura-network/sip/internal/app/metrics"
	"github.com/obscura-network/sip/internal/app/services/keypool"
	settlementsvc "github.com/obscura-network/sip/internal/app/services/settlement"
	"github.com/obscura-network/sip/internal/app/storage"
	"github.com/obscura-network/sip/pkg/logger"
)

var (
	ErrEmptyQueue       = errors.New("no intents queued for destination")
	ErrIntentNotFound   = errors.New("intent not found in queue")
	ErrInvalidSignature = errors.New("intent signature does not verify")
	ErrKeyNotInPool     = errors.New("signing key is not in the declared pool")
	ErrDuplicateIntent  = errors.New("intent already queued")
	ErrBatchNotFound    = errors.New("batch not found")
	ErrNotInBatch       = errors.New("commitment not in batch")
	errInvalidIntent    = errors.New("invalid intent")
)

// Config bounds queue growth and batch latency.
type Config struct {
	// MaxBatchSize triggers finalization once a queue reaches it. It also
	// caps how many intents one batch carries.
	MaxBatchSize int
	// MaxWaitTime triggers finalization once the oldest queued intent has
	// waited this long, so low-traffic destinations still make progress.
	MaxWaitTime time.Duration
	// MaxIntentAge expires intents that were never finalized.
	MaxIntentAge time.Duration
	// Publisher is the caller identity used when publishing roots.
	Publisher string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: settlement.MaxBatchSize,
		MaxWaitTime:  30 * time.Second,
		MaxIntentAge: 15 * time.Minute,
		Publisher:    "batcher",
	}
}

type queued struct {
	auth       intent.Authorized
	commitment settlement.Hash
	enqueued   time.Time
}

// Service is the batch builder.
type Service struct {
	settlement *settlementsvc.Service
	batches    storage.BatchStore
	log        *logger.Logger
	cfg        Config

	now func() time.Time

	mu     sync.Mutex
	queues map[string][]queued
}

// New constructs a batch builder publishing through the settlement service.
func New(settlementSvc *settlementsvc.Service, batches storage.BatchStore, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("batcher")
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > settlement.MaxBatchSize {
		cfg.MaxBatchSize = settlement.MaxBatchSize
	}
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = 30 * time.Second
	}
	if cfg.MaxIntentAge <= 0 {
		cfg.MaxIntentAge = 15 * time.Minute
	}
	if cfg.Publisher == "" {
		cfg.Publisher = "batcher"
	}
	return &Service{
		settlement: settlementSvc,
		batches:    batches,
		log:        log,
		cfg:        cfg,
		now:        time.Now,
		queues:     make(map[string][]queued),
	}
}

// Publisher returns the caller identity this builder publishes roots as.
func (s *Service) Publisher() string {
	return s.cfg.Publisher
}

// AddIntent validates an authorized intent and queues it for its
// destination. When the intent carries a one-time signature, both the
// signature and the key's pool membership must verify.
func (s *Service) AddIntent(_ context.Context, auth intent.Authorized) (settlement.Hash, error) {
	if strings.TrimSpace(auth.Recipient) == "" {
		return settlement.Hash{}, fmt.Errorf("%w: recipient is required", errInvalidIntent)
	}
	if auth.Amount == 0 {
		return settlement.Hash{}, fmt.Errorf("%w: amount must be positive", errInvalidIntent)
	}
	if strings.TrimSpace(auth.Destination) == "" {
		return settlement.Hash{}, fmt.Errorf("%w: destination is required", errInvalidIntent)
	}

	commitment := auth.Commitment()

	if len(auth.Signature) > 0 {
		if !wots.Verify(auth.PublicKey, commitment.Bytes(), auth.Signature) {
			return settlement.Hash{}, ErrInvalidSignature
		}
		if !keypool.VerifyIssued(auth.PoolRoot, auth.PublicKey, auth.KeyIndex, auth.KeyProof) {
			return settlement.Hash{}, ErrKeyNotInPool
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.queues[auth.Destination] {
		if q.commitment == commitment {
			return settlement.Hash{}, ErrDuplicateIntent
		}
	}

	s.queues[auth.Destination] = append(s.queues[auth.Destination], queued{
		auth:       auth,
		commitment: commitment,
		enqueued:   s.now(),
	})

	s.log.WithField("destination", auth.Destination).
		WithField("commitment", commitment.Hex()).
		Debug("intent queued")
	return commitment, nil
}

// WithdrawIntent removes a queued intent before finalization. Intents in
// already-published batches cannot be withdrawn.
func (s *Service) WithdrawIntent(_ context.Context, destination string, commitment settlement.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[destination]
	for i, q := range queue {
		if q.commitment == commitment {
			s.queues[destination] = append(queue[:i:i], queue[i+1:]...)
			return nil
		}
	}
	return ErrIntentNotFound
}

// PendingCount returns the number of intents queued for destination.
func (s *Service) PendingCount(destination string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[destination])
}

// ready reports whether the queue should finalize at now. Caller holds mu.
func (s *Service) readyLocked(queue []queued, now time.Time) bool {
	if len(queue) == 0 {
		return false
	}
	if len(queue) >= s.cfg.MaxBatchSize {
		return true
	}
	return now.Sub(queue[0].enqueued) >= s.cfg.MaxWaitTime
}

// ReadyDestinations returns the destinations whose queues should finalize.
func (s *Service) ReadyDestinations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ready []string
	for dest, queue := range s.queues {
		if s.readyLocked(queue, now) {
			ready = append(ready, dest)
		}
	}
	return ready
}

// FinalizeBatch drains up to MaxBatchSize intents for destination, builds
// the Merkle tree over their commitments, publishes the root, and persists
// the batch. If publication fails the drained intents are requeued so the
// next flush retries them.
func (s *Service) FinalizeBatch(ctx context.Context, destination string) (settlement.Batch, error) {
	s.mu.Lock()
	queue := s.queues[destination]
	if len(queue) == 0 {
		s.mu.Unlock()
		return settlement.Batch{}, ErrEmptyQueue
	}
	take := len(queue)
	if take > s.cfg.MaxBatchSize {
		take = s.cfg.MaxBatchSize
	}
	drained := queue[:take]
	s.queues[destination] = append([]queued(nil), queue[take:]...)
	s.mu.Unlock()

	batch, err := s.publish(ctx, destination, drained)
	if err != nil {
		s.requeue(destination, drained)
		return settlement.Batch{}, err
	}
	return batch, nil
}

func (s *Service) publish(ctx context.Context, destination string, drained []queued) (settlement.Batch, error) {
	leaves := make([][]byte, len(drained))
	commitments := make([]settlement.Hash, len(drained))
	for i, q := range drained {
		leaves[i] = q.commitment.Bytes()
		commitments[i] = q.commitment
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return settlement.Batch{}, fmt.Errorf("build batch tree: %w", err)
	}
	root, err := settlement.HashFromBytes(tree.Root())
	if err != nil {
		return settlement.Batch{}, err
	}

	batchID, err := s.settlement.UpdateRoot(ctx, s.cfg.Publisher, root)
	if err != nil {
		return settlement.Batch{}, fmt.Errorf("publish root: %w", err)
	}

	batch := settlement.Batch{
		BatchID:     batchID,
		Root:        root,
		Commitments: commitments,
		Destination: destination,
		CreatedAt:   s.now().UTC(),
	}
	batch, err = s.batches.CreateBatch(ctx, batch)
	if err != nil {
		// The root is already published; losing the record would orphan
		// the commitments, so surface the error loudly.
		s.log.WithError(err).WithField("batch_id", batchID).Error("persist batch failed")
		return settlement.Batch{}, fmt.Errorf("persist batch: %w", err)
	}

	metrics.RecordBatchFinalized(destination)
	s.log.WithField("batch_id", batchID).
		WithField("destination", destination).
		WithField("count", len(commitments)).
		Info("batch finalized")
	return batch, nil
}

func (s *Service) requeue(destination string, drained []queued) {
	s.mu.Lock()
	s.queues[destination] = append(append([]queued(nil), drained...), s.queues[destination]...)
	s.mu.Unlock()
}

// Flush finalizes every ready destination. Returns the batches published.
func (s *Service) Flush(ctx context.Context) []settlement.Batch {
	var published []settlement.Batch
	for _, dest := range s.ReadyDestinations() {
		batch, err := s.FinalizeBatch(ctx, dest)
		if err != nil {
			s.log.WithError(err).WithField("destination", dest).Warn("batch finalization failed")
			continue
		}
		published = append(published, batch)
	}
	return published
}

// ExpireStale drops queued intents older than MaxIntentAge and returns how
// many were dropped.
func (s *Service) ExpireStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.MaxIntentAge)
	dropped := 0
	for dest, queue := range s.queues {
		kept := queue[:0]
		for _, q := range queue {
			if q.enqueued.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, q)
		}
		s.queues[dest] = kept
	}
	if dropped > 0 {
		s.log.WithField("dropped", dropped).Warn("expired stale intents")
	}
	return dropped
}

// GetBatch returns a published batch by id.
func (s *Service) GetBatch(ctx context.Context, batchID uint64) (settlement.Batch, error) {
	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return settlement.Batch{}, fmt.Errorf("%w: %v", ErrBatchNotFound, err)
	}
	return batch, nil
}

// ListBatches returns published batches, optionally filtered by destination.
func (s *Service) ListBatches(ctx context.Context, destination string) ([]settlement.Batch, error) {
	return s.batches.ListBatches(ctx, destination)
}

// BatchProof returns the inclusion proof and leaf index for a commitment in
// a published batch, rebuilding the batch tree from the stored record.
func (s *Service) BatchProof(ctx context.Context, batchID uint64, commitment settlement.Hash) ([][]byte, uint64, error) {
	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBatchNotFound, err)
	}

	index := -1
	leaves := make([][]byte, len(batch.Commitments))
	for i, c := range batch.Commitments {
		leaves[i] = c.Bytes()
		if c == commitment {
			index = i
		}
	}
	if index < 0 {
		return nil, 0, ErrNotInBatch
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, 0, err
	}
	proof, err := tree.Proof(index)
	if err != nil {
		return nil, 0, err
	}
	return proof, uint64(index), nil
}
