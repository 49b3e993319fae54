// Package settlement implements the root-commitment settlement protocol:
// root publication, Merkle-proof settlement with replay protection,
// executor authorization, and two-step ownership transfer.
package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/obscura-network/sip/internal/app/domain/merkle"
	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/metrics"
	"github.com/obscura-network/sip/internal/app/storage"
	"github.com/obscura-network/sip/pkg/logger"
)

// Service is the settlement state machine. All state transitions go through
// one mutex; reads take snapshots.
type Service struct {
	commitments storage.CommitmentStore
	ledger      Ledger
	log         *logger.Logger

	mu    sync.Mutex
	state *settlement.State

	// settleMu serializes commitment consumption so a batch is checked and
	// marked as one unit, never interleaved with another settle.
	settleMu sync.Mutex
}

// New constructs a settlement service owned by owner.
func New(owner string, commitments storage.CommitmentStore, ledger Ledger, log *logger.Logger) (*Service, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, settlement.ErrZeroAddress
	}
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	if ledger == nil {
		ledger = NewSimulatedLedger(log)
	}
	return &Service{
		commitments: commitments,
		ledger:      ledger,
		log:         log,
		state:       settlement.NewState(owner),
	}, nil
}

// UpdateRoot publishes a new batch root. Only the owner or an authorized
// executor may publish; the zero root is rejected. Returns the batch id
// assigned to the root. Earlier roots stay queryable but only the newest
// root admits settlements.
func (s *Service) UpdateRoot(ctx context.Context, caller string, root settlement.Hash) (uint64, error) {
	if root.IsZero() {
		return 0, settlement.ErrInvalidRoot
	}

	s.mu.Lock()
	if !s.state.IsAuthorized(caller) {
		s.mu.Unlock()
		return 0, settlement.ErrUnauthorized
	}
	batchID := s.state.CurrentBatchID + 1
	s.state.CurrentBatchID = batchID
	s.state.CurrentRoot = root
	s.state.RootsByBatchID[batchID] = root
	s.mu.Unlock()

	if err := s.ledger.SubmitRoot(ctx, batchID, root); err != nil {
		s.log.WithError(err).WithField("batch_id", batchID).Warn("ledger root submission failed")
	}

	metrics.RecordRootPublished()
	s.log.WithField("batch_id", batchID).
		WithField("root", root.Hex()).
		WithField("caller", caller).
		Info("root updated")
	return batchID, nil
}

// Settle verifies a single commitment against the current root and marks it
// used. A commitment settles exactly once.
func (s *Service) Settle(ctx context.Context, commitment settlement.Hash, proof [][]byte, leafIndex uint64) error {
	s.settleMu.Lock()
	err := s.settleLocked(ctx, commitment, proof, leafIndex)
	s.settleMu.Unlock()
	if err != nil {
		metrics.RecordSettlement("rejected")
		return err
	}
	metrics.RecordSettlement("settled")

	if err := s.ledger.SubmitSettlement(ctx, []settlement.Hash{commitment}); err != nil {
		s.log.WithError(err).Warn("ledger settlement submission failed")
	}

	s.log.WithField("commitment", commitment.Hex()).Info("commitment settled")
	return nil
}

// settleLocked checks and consumes one commitment. Callers hold settleMu.
func (s *Service) settleLocked(ctx context.Context, commitment settlement.Hash, proof [][]byte, leafIndex uint64) error {
	if err := s.check(ctx, commitment, proof, leafIndex); err != nil {
		return err
	}
	already, err := s.commitments.MarkUsed(ctx, storage.ScopeSettlement, commitment)
	if err != nil {
		return fmt.Errorf("mark commitment used: %w", err)
	}
	if already {
		return settlement.ErrCommitmentUsed
	}
	return nil
}

// SettleBatch settles up to MaxBatchSize commitments atomically: every
// commitment is validated before any is marked used, so one bad entry
// rejects the whole batch and leaves no partial state.
func (s *Service) SettleBatch(ctx context.Context, commitments []settlement.Hash, proofs [][][]byte, leafIndices []uint64) error {
	if len(commitments) != len(proofs) || len(commitments) != len(leafIndices) {
		return settlement.ErrLengthMismatch
	}
	if len(commitments) > settlement.MaxBatchSize {
		return settlement.ErrBatchTooLarge
	}

	s.settleMu.Lock()
	err := s.settleBatchLocked(ctx, commitments, proofs, leafIndices)
	s.settleMu.Unlock()
	if err != nil {
		metrics.RecordSettlement("rejected")
		return err
	}

	if err := s.ledger.SubmitSettlement(ctx, commitments); err != nil {
		s.log.WithError(err).Warn("ledger settlement submission failed")
	}

	for range commitments {
		metrics.RecordSettlement("settled")
	}
	s.log.WithField("count", len(commitments)).Info("batch settled")
	return nil
}

// settleBatchLocked checks every commitment, then marks them all. If a mark
// fails partway (a writer outside this process raced us, or the store
// errored) the marks already made are undone so the batch leaves no trace.
// Callers hold settleMu.
func (s *Service) settleBatchLocked(ctx context.Context, commitments []settlement.Hash, proofs [][][]byte, leafIndices []uint64) error {
	seen := make(map[settlement.Hash]bool, len(commitments))
	for i, c := range commitments {
		if seen[c] {
			return settlement.ErrCommitmentUsed
		}
		seen[c] = true
		if err := s.check(ctx, c, proofs[i], leafIndices[i]); err != nil {
			return fmt.Errorf("commitment %d: %w", i, err)
		}
	}

	marked := make([]settlement.Hash, 0, len(commitments))
	for _, c := range commitments {
		already, err := s.commitments.MarkUsed(ctx, storage.ScopeSettlement, c)
		if err != nil {
			s.unmarkAll(ctx, marked)
			return fmt.Errorf("mark commitment used: %w", err)
		}
		if already {
			s.unmarkAll(ctx, marked)
			return settlement.ErrCommitmentUsed
		}
		marked = append(marked, c)
	}
	return nil
}

func (s *Service) unmarkAll(ctx context.Context, marked []settlement.Hash) {
	for _, c := range marked {
		if err := s.commitments.Unmark(ctx, storage.ScopeSettlement, c); err != nil {
			s.log.WithError(err).WithField("commitment", c.Hex()).Error("failed to undo commitment mark")
		}
	}
}

// check validates one commitment without mutating state.
func (s *Service) check(ctx context.Context, commitment settlement.Hash, proof [][]byte, leafIndex uint64) error {
	if len(proof) == 0 {
		return settlement.ErrEmptyProof
	}

	used, err := s.commitments.IsUsed(ctx, storage.ScopeSettlement, commitment)
	if err != nil {
		return fmt.Errorf("check commitment: %w", err)
	}
	if used {
		return settlement.ErrCommitmentUsed
	}

	root := s.CurrentRoot()
	if !merkle.VerifyProof(commitment.Bytes(), proof, leafIndex, root.Bytes()) {
		return settlement.ErrInvalidProof
	}
	return nil
}

// VerifyCommitment reports whether a commitment would currently settle and
// whether it has already been consumed. valid means the proof checks out
// under the current root and the commitment is unused; used lets callers
// tell an already-settled commitment from one with a bad proof. It never
// mutates state.
func (s *Service) VerifyCommitment(ctx context.Context, commitment settlement.Hash, proof [][]byte, leafIndex uint64) (valid, used bool, err error) {
	used, err = s.commitments.IsUsed(ctx, storage.ScopeSettlement, commitment)
	if err != nil {
		return false, false, err
	}
	if used || len(proof) == 0 {
		return false, used, nil
	}
	root := s.CurrentRoot()
	return merkle.VerifyProof(commitment.Bytes(), proof, leafIndex, root.Bytes()), false, nil
}

// CurrentRoot returns the newest published root.
func (s *Service) CurrentRoot() settlement.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CurrentRoot
}

// CurrentBatchID returns the id of the newest published root.
func (s *Service) CurrentBatchID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CurrentBatchID
}

// RootByBatchID returns the historical root published under batchID.
func (s *Service) RootByBatchID(batchID uint64) (settlement.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.state.RootsByBatchID[batchID]
	return root, ok
}

// Owner returns the current owner.
func (s *Service) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Owner
}

// IsAuthorizedCaller reports whether caller is the owner or an authorized
// executor.
func (s *Service) IsAuthorizedCaller(caller string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsAuthorized(caller)
}

// IsPaused reports whether vault operations are paused.
func (s *Service) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Paused
}

// Pause halts vault operations. Root publication and settlement continue;
// consuming commitments while paused is safe, releasing funds is not.
func (s *Service) Pause(caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.state.Owner {
		return settlement.ErrUnauthorized
	}
	s.state.Paused = true
	s.log.WithField("caller", caller).Warn("protocol paused")
	return nil
}

// Unpause resumes vault operations.
func (s *Service) Unpause(caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.state.Owner {
		return settlement.ErrUnauthorized
	}
	s.state.Paused = false
	s.log.WithField("caller", caller).Info("protocol unpaused")
	return nil
}

// AddExecutor authorizes addr to publish roots.
func (s *Service) AddExecutor(caller, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.state.Owner {
		return settlement.ErrUnauthorized
	}
	if strings.TrimSpace(addr) == "" {
		return settlement.ErrZeroAddress
	}
	if s.state.AuthorizedExecutors[addr] {
		return settlement.ErrExecutorExists
	}
	s.state.AuthorizedExecutors[addr] = true
	s.log.WithField("executor", addr).Info("executor added")
	return nil
}

// RemoveExecutor revokes addr's authorization.
func (s *Service) RemoveExecutor(caller, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.state.Owner {
		return settlement.ErrUnauthorized
	}
	if !s.state.AuthorizedExecutors[addr] {
		return settlement.ErrExecutorNotFound
	}
	delete(s.state.AuthorizedExecutors, addr)
	s.log.WithField("executor", addr).Info("executor removed")
	return nil
}

// TransferOwnership proposes a new owner. Ownership changes only when the
// proposed owner accepts.
func (s *Service) TransferOwnership(caller, newOwner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.state.Owner {
		return settlement.ErrUnauthorized
	}
	if strings.TrimSpace(newOwner) == "" {
		return settlement.ErrZeroAddress
	}
	s.state.PendingOwner = newOwner
	s.log.WithField("pending_owner", newOwner).Info("ownership transfer proposed")
	return nil
}

// AcceptOwnership completes a pending transfer. Only the pending owner may
// accept.
func (s *Service) AcceptOwnership(caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.PendingOwner == "" || caller != s.state.PendingOwner {
		return settlement.ErrUnauthorized
	}
	s.state.Owner = caller
	s.state.PendingOwner = ""
	s.log.WithField("owner", caller).Info("ownership transferred")
	return nil
}

// CancelOwnershipTransfer withdraws a pending transfer.
func (s *Service) CancelOwnershipTransfer(caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.state.Owner {
		return settlement.ErrUnauthorized
	}
	if s.state.PendingOwner == "" {
		return settlement.ErrNoPendingTransfer
	}
	s.state.PendingOwner = ""
	s.log.Info("ownership transfer cancelled")
	return nil
}

// Snapshot returns a copy of the protocol state for read-only consumers.
func (s *Service) Snapshot() settlement.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := *s.state
	snap.AuthorizedExecutors = make(map[string]bool, len(s.state.AuthorizedExecutors))
	for k, v := range s.state.AuthorizedExecutors {
		snap.AuthorizedExecutors[k] = v
	}
	snap.RootsByBatchID = make(map[uint64]settlement.Hash, len(s.state.RootsByBatchID))
	for k, v := range s.state.RootsByBatchID {
		snap.RootsByBatchID[k] = v
	}
	return snap
}
