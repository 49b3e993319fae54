package keypool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/obscura-network/sip/internal/app/storage/memory"
)

func newTestService() *Service {
	return New(memory.New(), nil)
}

func TestGeneratePoolRegistersRoot(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	reg, err := svc.GeneratePool(ctx, 8, "operator")
	if err != nil {
		t.Fatalf("generate pool: %v", err)
	}
	if reg.ID == "" {
		t.Fatal("pool id not assigned")
	}
	if reg.Root.IsZero() {
		t.Fatal("pool root is zero")
	}
	if reg.TotalKeys != 8 {
		t.Fatalf("total keys = %d, want 8", reg.TotalKeys)
	}

	stored, err := svc.Registration(ctx, reg.ID)
	if err != nil {
		t.Fatalf("load registration: %v", err)
	}
	if stored.Root != reg.Root {
		t.Fatal("persisted root differs from generated root")
	}
}

func TestGeneratePoolRejectsBadSizes(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.GeneratePool(ctx, 0, "operator"); err == nil {
		t.Fatal("expected error for zero-size pool")
	}
	if _, err := svc.GeneratePool(ctx, MaxPoolSize+1, "operator"); err == nil {
		t.Fatal("expected error for oversized pool")
	}
}

func TestNextKeyIssuesEachKeyOnce(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	reg, err := svc.GeneratePool(ctx, 4, "operator")
	if err != nil {
		t.Fatalf("generate pool: %v", err)
	}

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		issued, err := svc.NextKey(ctx, reg.ID)
		if err != nil {
			t.Fatalf("next key %d: %v", i, err)
		}
		if seen[issued.Index] {
			t.Fatalf("key %d issued twice", issued.Index)
		}
		seen[issued.Index] = true

		if !VerifyIssued(reg.Root, issued.PublicKey, issued.Index, issued.Proof) {
			t.Fatalf("inclusion proof for key %d does not verify", issued.Index)
		}
	}

	if _, err := svc.NextKey(ctx, reg.ID); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	available, err := svc.AvailableCount(ctx, reg.ID)
	if err != nil {
		t.Fatalf("available count: %v", err)
	}
	if available != 0 {
		t.Fatalf("available = %d, want 0", available)
	}
}

func TestNextKeyConcurrent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	const size = 16
	reg, err := svc.GeneratePool(ctx, size, "operator")
	if err != nil {
		t.Fatalf("generate pool: %v", err)
	}

	var (
		mu      sync.Mutex
		issued  = map[int]bool{}
		wg      sync.WaitGroup
		dupes   int
		failist []error
	)
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := svc.NextKey(ctx, reg.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failist = append(failist, err)
				return
			}
			if issued[key.Index] {
				dupes++
			}
			issued[key.Index] = true
		}()
	}
	wg.Wait()

	if len(failist) > 0 {
		t.Fatalf("unexpected issuance errors: %v", failist)
	}
	if dupes > 0 {
		t.Fatalf("%d keys issued more than once", dupes)
	}
	if len(issued) != size {
		t.Fatalf("issued %d distinct keys, want %d", len(issued), size)
	}
}

func TestMarkUsedIsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	reg, err := svc.GeneratePool(ctx, 3, "operator")
	if err != nil {
		t.Fatalf("generate pool: %v", err)
	}

	if err := svc.MarkUsed(ctx, reg.ID, 1); err != nil {
		t.Fatalf("mark used: %v", err)
	}
	if err := svc.MarkUsed(ctx, reg.ID, 1); err != nil {
		t.Fatalf("re-mark used: %v", err)
	}

	available, err := svc.AvailableCount(ctx, reg.ID)
	if err != nil {
		t.Fatalf("available count: %v", err)
	}
	if available != 2 {
		t.Fatalf("available = %d, want 2", available)
	}

	if err := svc.MarkUsed(ctx, reg.ID, 99); !errors.Is(err, ErrKeyOutOfRange) {
		t.Fatalf("expected ErrKeyOutOfRange, got %v", err)
	}

	// Issuance skips the out-of-band consumed key.
	first, err := svc.NextKey(ctx, reg.ID)
	if err != nil {
		t.Fatalf("next key: %v", err)
	}
	if first.Index == 1 {
		t.Fatal("marked key was issued")
	}
}

func TestUnknownPool(t *testing.T) {
	svc := newTestService()
	if _, err := svc.NextKey(context.Background(), "missing"); !errors.Is(err, ErrPoolNotFound) {
		t.Fatalf("expected ErrPoolNotFound, got %v", err)
	}
}
