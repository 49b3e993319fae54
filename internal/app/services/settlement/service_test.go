package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/obscura-network/sip/internal/app/domain/merkle"
	settlementdomain "github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/domain/wots"
	"github.com/obscura-network/sip/internal/app/storage"
	"github.com/obscura-network/sip/internal/app/storage/memory"
)

const owner = "owner-addr"

func newTestService(t *testing.T) (*Service, *SimulatedLedger) {
	t.Helper()
	ledger := NewSimulatedLedger(nil)
	svc, err := New(owner, memory.New(), ledger, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, ledger
}

func hashOf(t *testing.T, seed string) settlementdomain.Hash {
	t.Helper()
	h, err := settlementdomain.HashFromBytes(wots.Keccak256([]byte(seed)))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return h
}

// buildTree publishes a tree over the given commitments and returns it.
func buildTree(t *testing.T, svc *Service, commitments ...settlementdomain.Hash) *merkle.Tree {
	t.Helper()
	leaves := make([][]byte, len(commitments))
	for i, c := range commitments {
		leaves[i] = c.Bytes()
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	root, err := settlementdomain.HashFromBytes(tree.Root())
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if _, err := svc.UpdateRoot(context.Background(), owner, root); err != nil {
		t.Fatalf("update root: %v", err)
	}
	return tree
}

func TestSettleTwoCommitmentScenario(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()

	c1 := hashOf(t, "a")
	c2 := hashOf(t, "b")
	tree := buildTree(t, svc, c1, c2)

	proof1, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}

	if err := svc.Settle(ctx, c1, proof1, 0); err != nil {
		t.Fatalf("settle c1: %v", err)
	}

	// Replay is refused.
	if err := svc.Settle(ctx, c1, proof1, 0); !errors.Is(err, settlementdomain.ErrCommitmentUsed) {
		t.Fatalf("expected ErrCommitmentUsed on replay, got %v", err)
	}

	// c2 still settles with its own proof.
	proof2, err := tree.Proof(1)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if err := svc.Settle(ctx, c2, proof2, 1); err != nil {
		t.Fatalf("settle c2: %v", err)
	}

	if got := ledger.SettlementCount(); got != 2 {
		t.Fatalf("ledger settlements = %d, want 2", got)
	}
}

func TestSettleRejectsEmptyProof(t *testing.T) {
	svc, _ := newTestService(t)
	c := hashOf(t, "a")
	buildTree(t, svc, c, hashOf(t, "b"))

	if err := svc.Settle(context.Background(), c, nil, 0); !errors.Is(err, settlementdomain.ErrEmptyProof) {
		t.Fatalf("expected ErrEmptyProof, got %v", err)
	}
}

func TestSettleRejectsWrongIndex(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c1 := hashOf(t, "a")
	c2 := hashOf(t, "b")
	tree := buildTree(t, svc, c1, c2)

	proof1, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}

	// Right proof, wrong leaf index.
	if err := svc.Settle(ctx, c1, proof1, 1); !errors.Is(err, settlementdomain.ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
}

func TestUpdateRootAuthorization(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	root := hashOf(t, "root")

	if _, err := svc.UpdateRoot(ctx, "stranger", root); !errors.Is(err, settlementdomain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if _, err := svc.UpdateRoot(ctx, owner, settlementdomain.ZeroHash); !errors.Is(err, settlementdomain.ErrInvalidRoot) {
		t.Fatalf("expected ErrInvalidRoot, got %v", err)
	}

	if err := svc.AddExecutor(owner, "executor-1"); err != nil {
		t.Fatalf("add executor: %v", err)
	}
	if _, err := svc.UpdateRoot(ctx, "executor-1", root); err != nil {
		t.Fatalf("executor update root: %v", err)
	}

	if err := svc.RemoveExecutor(owner, "executor-1"); err != nil {
		t.Fatalf("remove executor: %v", err)
	}
	if _, err := svc.UpdateRoot(ctx, "executor-1", root); !errors.Is(err, settlementdomain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after removal, got %v", err)
	}
}

func TestUpdateRootKeepsHistory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r1 := hashOf(t, "r1")
	r2 := hashOf(t, "r2")

	id1, err := svc.UpdateRoot(ctx, owner, r1)
	if err != nil {
		t.Fatalf("update root 1: %v", err)
	}
	id2, err := svc.UpdateRoot(ctx, owner, r2)
	if err != nil {
		t.Fatalf("update root 2: %v", err)
	}
	if id2 != id1+1 {
		t.Fatalf("batch ids not monotonic: %d then %d", id1, id2)
	}

	if svc.CurrentRoot() != r2 {
		t.Fatal("current root not superseded")
	}
	old, ok := svc.RootByBatchID(id1)
	if !ok || old != r1 {
		t.Fatal("historical root lost")
	}
}

func TestSettleBatchAllOrNothing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c1 := hashOf(t, "a")
	c2 := hashOf(t, "b")
	c3 := hashOf(t, "c")
	tree := buildTree(t, svc, c1, c2, c3)

	p1, _ := tree.Proof(0)
	p2, _ := tree.Proof(1)

	// One invalid entry rejects the whole batch.
	bad := hashOf(t, "not-in-tree")
	err := svc.SettleBatch(ctx,
		[]settlementdomain.Hash{c1, bad},
		[][][]byte{p1, p2},
		[]uint64{0, 1},
	)
	if !errors.Is(err, settlementdomain.ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}

	// Nothing was consumed: the valid entry still settles.
	if err := svc.SettleBatch(ctx,
		[]settlementdomain.Hash{c1, c2},
		[][][]byte{p1, p2},
		[]uint64{0, 1},
	); err != nil {
		t.Fatalf("settle batch: %v", err)
	}
}

func TestSettleBatchInputValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c := hashOf(t, "a")
	if err := svc.SettleBatch(ctx, []settlementdomain.Hash{c}, nil, nil); !errors.Is(err, settlementdomain.ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}

	n := settlementdomain.MaxBatchSize + 1
	commitments := make([]settlementdomain.Hash, n)
	proofs := make([][][]byte, n)
	indices := make([]uint64, n)
	if err := svc.SettleBatch(ctx, commitments, proofs, indices); !errors.Is(err, settlementdomain.ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestVerifyCommitmentReadOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c1 := hashOf(t, "a")
	c2 := hashOf(t, "b")
	tree := buildTree(t, svc, c1, c2)
	proof, _ := tree.Proof(0)

	ok, used, err := svc.VerifyCommitment(ctx, c1, proof, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok || used {
		t.Fatalf("fresh commitment: ok=%v used=%v", ok, used)
	}

	// Verification does not consume.
	ok, used, err = svc.VerifyCommitment(ctx, c1, proof, 0)
	if err != nil || !ok || used {
		t.Fatalf("second verify failed: ok=%v used=%v err=%v", ok, used, err)
	}

	// A wrong proof is invalid but not used.
	ok, used, err = svc.VerifyCommitment(ctx, c2, proof, 0)
	if err != nil {
		t.Fatalf("verify wrong proof: %v", err)
	}
	if ok || used {
		t.Fatalf("wrong proof: ok=%v used=%v", ok, used)
	}

	if err := svc.Settle(ctx, c1, proof, 0); err != nil {
		t.Fatalf("settle: %v", err)
	}

	ok, used, err = svc.VerifyCommitment(ctx, c1, proof, 0)
	if err != nil {
		t.Fatalf("verify after settle: %v", err)
	}
	if ok || !used {
		t.Fatalf("settled commitment: ok=%v used=%v", ok, used)
	}
}

func TestOwnershipLifecycle(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.TransferOwnership(owner, ""); !errors.Is(err, settlementdomain.ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
	if err := svc.TransferOwnership("stranger", "new-owner"); !errors.Is(err, settlementdomain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if err := svc.TransferOwnership(owner, "new-owner"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	// Ownership is unchanged until accepted.
	if svc.Owner() != owner {
		t.Fatal("ownership changed before acceptance")
	}

	if err := svc.AcceptOwnership("stranger"); !errors.Is(err, settlementdomain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-pending accept, got %v", err)
	}
	if err := svc.AcceptOwnership("new-owner"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if svc.Owner() != "new-owner" {
		t.Fatal("ownership not transferred")
	}

	// Old owner lost control.
	if err := svc.Pause(owner); !errors.Is(err, settlementdomain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for old owner, got %v", err)
	}
}

func TestCancelOwnershipTransfer(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.CancelOwnershipTransfer(owner); !errors.Is(err, settlementdomain.ErrNoPendingTransfer) {
		t.Fatalf("expected ErrNoPendingTransfer, got %v", err)
	}

	if err := svc.TransferOwnership(owner, "new-owner"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := svc.CancelOwnershipTransfer(owner); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := svc.AcceptOwnership("new-owner"); !errors.Is(err, settlementdomain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after cancel, got %v", err)
	}
}

func TestPauseToggle(t *testing.T) {
	svc, _ := newTestService(t)

	if svc.IsPaused() {
		t.Fatal("paused at start")
	}
	if err := svc.Pause("stranger"); !errors.Is(err, settlementdomain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := svc.Pause(owner); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !svc.IsPaused() {
		t.Fatal("not paused")
	}

	// Root publication continues while paused.
	if _, err := svc.UpdateRoot(context.Background(), owner, hashOf(t, "root")); err != nil {
		t.Fatalf("update root while paused: %v", err)
	}

	if err := svc.Unpause(owner); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if svc.IsPaused() {
		t.Fatal("still paused")
	}
}

func TestExecutorValidation(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.AddExecutor(owner, ""); !errors.Is(err, settlementdomain.ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
	if err := svc.AddExecutor(owner, "exec"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.AddExecutor(owner, "exec"); !errors.Is(err, settlementdomain.ErrExecutorExists) {
		t.Fatalf("expected ErrExecutorExists, got %v", err)
	}
	if err := svc.RemoveExecutor(owner, "other"); !errors.Is(err, settlementdomain.ErrExecutorNotFound) {
		t.Fatalf("expected ErrExecutorNotFound, got %v", err)
	}
}

// conflictStore reports a chosen commitment as already used at mark time,
// the way a concurrent writer against the same shared store would.
type conflictStore struct {
	storage.CommitmentStore
	target settlementdomain.Hash
}

func (s *conflictStore) MarkUsed(ctx context.Context, scope string, c settlementdomain.Hash) (bool, error) {
	if c == s.target {
		return true, nil
	}
	return s.CommitmentStore.MarkUsed(ctx, scope, c)
}

// failingMarkStore errors when marking a chosen commitment.
type failingMarkStore struct {
	storage.CommitmentStore
	target settlementdomain.Hash
}

func (s *failingMarkStore) MarkUsed(ctx context.Context, scope string, c settlementdomain.Hash) (bool, error) {
	if c == s.target {
		return false, errors.New("store offline")
	}
	return s.CommitmentStore.MarkUsed(ctx, scope, c)
}

func TestSettleBatchUndoesMarksOnConflict(t *testing.T) {
	ctx := context.Background()
	base := memory.New()
	c1 := hashOf(t, "a")
	c2 := hashOf(t, "b")
	c3 := hashOf(t, "c")

	svc, err := New(owner, &conflictStore{CommitmentStore: base, target: c3}, NewSimulatedLedger(nil), nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	tree := buildTree(t, svc, c1, c2, c3)

	proofs := make([][][]byte, 3)
	for i := range proofs {
		p, err := tree.Proof(i)
		if err != nil {
			t.Fatalf("proof %d: %v", i, err)
		}
		proofs[i] = p
	}

	err = svc.SettleBatch(ctx, []settlementdomain.Hash{c1, c2, c3}, proofs, []uint64{0, 1, 2})
	if !errors.Is(err, settlementdomain.ErrCommitmentUsed) {
		t.Fatalf("expected ErrCommitmentUsed, got %v", err)
	}

	// The batch failed after c1 and c2 were marked; both marks must be gone.
	for i, c := range []settlementdomain.Hash{c1, c2} {
		used, err := base.IsUsed(ctx, storage.ScopeSettlement, c)
		if err != nil {
			t.Fatalf("is used %d: %v", i, err)
		}
		if used {
			t.Fatalf("commitment %d still marked after failed batch", i)
		}
	}

	// The survivors still settle individually.
	if err := svc.Settle(ctx, c1, proofs[0], 0); err != nil {
		t.Fatalf("settle c1 after failed batch: %v", err)
	}
}

func TestSettleBatchUndoesMarksOnStoreError(t *testing.T) {
	ctx := context.Background()
	base := memory.New()
	c1 := hashOf(t, "a")
	c2 := hashOf(t, "b")

	svc, err := New(owner, &failingMarkStore{CommitmentStore: base, target: c2}, NewSimulatedLedger(nil), nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	tree := buildTree(t, svc, c1, c2)

	p1, _ := tree.Proof(0)
	p2, _ := tree.Proof(1)

	err = svc.SettleBatch(ctx, []settlementdomain.Hash{c1, c2}, [][][]byte{p1, p2}, []uint64{0, 1})
	if err == nil {
		t.Fatal("expected store error")
	}

	used, err := base.IsUsed(ctx, storage.ScopeSettlement, c1)
	if err != nil {
		t.Fatalf("is used: %v", err)
	}
	if used {
		t.Fatal("commitment marked despite failed batch")
	}
}

func TestSettleBatchAtCapacity(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()

	n := settlementdomain.MaxBatchSize
	commitments := make([]settlementdomain.Hash, n)
	for i := range commitments {
		commitments[i] = hashOf(t, fmt.Sprintf("leaf-%d", i))
	}
	tree := buildTree(t, svc, commitments...)

	proofs := make([][][]byte, n)
	indices := make([]uint64, n)
	for i := range commitments {
		p, err := tree.Proof(i)
		if err != nil {
			t.Fatalf("proof %d: %v", i, err)
		}
		proofs[i] = p
		indices[i] = uint64(i)
	}

	if err := svc.SettleBatch(ctx, commitments, proofs, indices); err != nil {
		t.Fatalf("settle full batch: %v", err)
	}
	if got := ledger.SettlementCount(); got != 1 {
		t.Fatalf("ledger settlement submissions = %d, want 1", got)
	}

	// Every entry is consumed.
	if err := svc.Settle(ctx, commitments[0], proofs[0], 0); !errors.Is(err, settlementdomain.ErrCommitmentUsed) {
		t.Fatalf("expected ErrCommitmentUsed on replay, got %v", err)
	}
}
