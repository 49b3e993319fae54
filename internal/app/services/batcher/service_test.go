package batcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/obscura-network/sip/internal/app/domain/intent"
	settlementdomain "github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/domain/wots"
	keypoolsvc "github.com/obscura-network/sip/internal/app/services/keypool"
	settlementsvc "github.com/obscura-network/sip/internal/app/services/settlement"
	"github.com/obscura-network/sip/internal/app/storage/memory"
)

func newTestBatcher(t *testing.T, cfg Config) (*Service, *settlementsvc.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	settleSvc, err := settlementsvc.New("owner", store, settlementsvc.NewSimulatedLedger(nil), nil)
	if err != nil {
		t.Fatalf("new settlement service: %v", err)
	}
	if cfg.Publisher == "" {
		cfg.Publisher = "batcher"
	}
	if err := settleSvc.AddExecutor("owner", cfg.Publisher); err != nil {
		t.Fatalf("authorize publisher: %v", err)
	}
	return New(settleSvc, store, cfg, nil), settleSvc, store
}

func plainIntent(recipient string, amount, nonce uint64, destination string) intent.Authorized {
	return intent.Authorized{
		Intent: intent.Intent{
			Recipient:   recipient,
			Amount:      amount,
			Nonce:       nonce,
			Destination: destination,
		},
	}
}

func TestAddIntentValidation(t *testing.T) {
	svc, _, _ := newTestBatcher(t, DefaultConfig())
	ctx := context.Background()

	if _, err := svc.AddIntent(ctx, plainIntent("", 10, 1, "dest")); err == nil {
		t.Fatal("expected error for missing recipient")
	}
	if _, err := svc.AddIntent(ctx, plainIntent("addr", 0, 1, "dest")); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := svc.AddIntent(ctx, plainIntent("addr", 10, 1, "")); err == nil {
		t.Fatal("expected error for missing destination")
	}

	if _, err := svc.AddIntent(ctx, plainIntent("addr", 10, 1, "dest")); err != nil {
		t.Fatalf("add intent: %v", err)
	}
	if _, err := svc.AddIntent(ctx, plainIntent("addr", 10, 1, "dest")); !errors.Is(err, ErrDuplicateIntent) {
		t.Fatalf("expected ErrDuplicateIntent, got %v", err)
	}
}

func TestAddIntentVerifiesSignatureAndPool(t *testing.T) {
	svc, _, _ := newTestBatcher(t, DefaultConfig())
	ctx := context.Background()

	pools := keypoolsvc.New(memory.New(), nil)
	reg, err := pools.GeneratePool(ctx, 4, "operator")
	if err != nil {
		t.Fatalf("generate pool: %v", err)
	}
	issued, err := pools.NextKey(ctx, reg.ID)
	if err != nil {
		t.Fatalf("next key: %v", err)
	}

	auth := plainIntent("addr", 25, 7, "dest")
	commitment := auth.Commitment()

	sig, err := wots.Sign(issued.PrivateKey, commitment.Bytes())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	auth.KeyIndex = issued.Index
	auth.PublicKey = issued.PublicKey
	auth.Signature = sig
	auth.KeyProof = issued.Proof
	auth.PoolRoot = reg.Root

	got, err := svc.AddIntent(ctx, auth)
	if err != nil {
		t.Fatalf("add signed intent: %v", err)
	}
	if got != commitment {
		t.Fatal("returned commitment differs")
	}

	// Tampered signature is rejected.
	bad := auth
	bad.Nonce++
	bad.Signature = sig
	if _, err := svc.AddIntent(ctx, bad); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	// Valid signature but foreign pool root is rejected.
	foreign := auth
	foreign.Nonce += 2
	foreignCommitment := foreign.Commitment()
	foreign.Signature, err = wots.Sign(issued.PrivateKey, foreignCommitment.Bytes())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	foreign.PoolRoot = settlementdomain.Hash{1}
	if _, err := svc.AddIntent(ctx, foreign); !errors.Is(err, ErrKeyNotInPool) {
		t.Fatalf("expected ErrKeyNotInPool, got %v", err)
	}
}

func TestWithdrawIntent(t *testing.T) {
	svc, _, _ := newTestBatcher(t, DefaultConfig())
	ctx := context.Background()

	commitment, err := svc.AddIntent(ctx, plainIntent("addr", 10, 1, "dest"))
	if err != nil {
		t.Fatalf("add intent: %v", err)
	}

	if err := svc.WithdrawIntent(ctx, "dest", commitment); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := svc.PendingCount("dest"); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
	if err := svc.WithdrawIntent(ctx, "dest", commitment); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound, got %v", err)
	}
}

func TestReadinessBySizeAndAge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 2
	cfg.MaxWaitTime = time.Minute
	svc, _, _ := newTestBatcher(t, cfg)
	ctx := context.Background()

	current := time.Now()
	svc.now = func() time.Time { return current }

	if _, err := svc.AddIntent(ctx, plainIntent("addr", 10, 1, "dest")); err != nil {
		t.Fatalf("add intent: %v", err)
	}
	if got := svc.ReadyDestinations(); len(got) != 0 {
		t.Fatalf("destination ready too early: %v", got)
	}

	// Size threshold.
	if _, err := svc.AddIntent(ctx, plainIntent("addr", 10, 2, "dest")); err != nil {
		t.Fatalf("add intent: %v", err)
	}
	if got := svc.ReadyDestinations(); len(got) != 1 || got[0] != "dest" {
		t.Fatalf("ready destinations = %v, want [dest]", got)
	}

	// Age threshold on a second destination.
	if _, err := svc.AddIntent(ctx, plainIntent("addr", 10, 3, "slow")); err != nil {
		t.Fatalf("add intent: %v", err)
	}
	current = current.Add(2 * time.Minute)
	got := svc.ReadyDestinations()
	if len(got) != 2 {
		t.Fatalf("ready destinations = %v, want both", got)
	}
}

func TestFinalizeBatchPublishesVerifiableProofs(t *testing.T) {
	cfg := DefaultConfig()
	svc, settleSvc, _ := newTestBatcher(t, cfg)
	ctx := context.Background()

	var commitments []settlementdomain.Hash
	for i := uint64(1); i <= 3; i++ {
		c, err := svc.AddIntent(ctx, plainIntent("addr", 10*i, i, "dest"))
		if err != nil {
			t.Fatalf("add intent %d: %v", i, err)
		}
		commitments = append(commitments, c)
	}

	batch, err := svc.FinalizeBatch(ctx, "dest")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(batch.Commitments) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch.Commitments))
	}
	if svc.PendingCount("dest") != 0 {
		t.Fatal("queue not drained")
	}
	if settleSvc.CurrentRoot() != batch.Root {
		t.Fatal("root not published")
	}

	// Every commitment settles with the batch proof.
	for _, c := range commitments {
		proof, index, err := svc.BatchProof(ctx, batch.BatchID, c)
		if err != nil {
			t.Fatalf("batch proof: %v", err)
		}
		if err := settleSvc.Settle(ctx, c, proof, index); err != nil {
			t.Fatalf("settle %s: %v", c.Hex(), err)
		}
	}

	if _, err := svc.FinalizeBatch(ctx, "dest"); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue, got %v", err)
	}
}

func TestFinalizeBatchRequeuesOnPublishFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Publisher = "unauthorized-publisher"
	store := memory.New()
	settleSvc, err := settlementsvc.New("owner", store, settlementsvc.NewSimulatedLedger(nil), nil)
	if err != nil {
		t.Fatalf("new settlement service: %v", err)
	}
	svc := New(settleSvc, store, cfg, nil)
	ctx := context.Background()

	if _, err := svc.AddIntent(ctx, plainIntent("addr", 10, 1, "dest")); err != nil {
		t.Fatalf("add intent: %v", err)
	}

	if _, err := svc.FinalizeBatch(ctx, "dest"); err == nil {
		t.Fatal("expected finalize to fail for unauthorized publisher")
	}
	if got := svc.PendingCount("dest"); got != 1 {
		t.Fatalf("pending after failed finalize = %d, want 1", got)
	}
}

func TestExpireStale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIntentAge = time.Minute
	svc, _, _ := newTestBatcher(t, cfg)
	ctx := context.Background()

	current := time.Now()
	svc.now = func() time.Time { return current }

	if _, err := svc.AddIntent(ctx, plainIntent("addr", 10, 1, "dest")); err != nil {
		t.Fatalf("add intent: %v", err)
	}
	current = current.Add(30 * time.Second)
	if _, err := svc.AddIntent(ctx, plainIntent("addr", 10, 2, "dest")); err != nil {
		t.Fatalf("add intent: %v", err)
	}

	current = current.Add(45 * time.Second)
	if dropped := svc.ExpireStale(); dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if got := svc.PendingCount("dest"); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
}
