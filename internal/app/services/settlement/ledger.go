package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/httputil"
	"github.com/obscura-network/sip/pkg/logger"
)

// Ledger publishes roots and settlement results to the external ledger. The
// backend is chosen once at startup; there is no per-call fallback between
// implementations.
type Ledger interface {
	SubmitRoot(ctx context.Context, batchID uint64, root settlement.Hash) error
	SubmitSettlement(ctx context.Context, commitments []settlement.Hash) error
}

// SimulatedLedger records submissions in memory. It backs local runs and
// tests where no ledger endpoint is available.
type SimulatedLedger struct {
	mu          sync.Mutex
	roots       map[uint64]settlement.Hash
	settlements [][]settlement.Hash
	log         *logger.Logger
}

var _ Ledger = (*SimulatedLedger)(nil)

// NewSimulatedLedger creates an empty simulated ledger.
func NewSimulatedLedger(log *logger.Logger) *SimulatedLedger {
	if log == nil {
		log = logger.NewDefault("ledger-sim")
	}
	return &SimulatedLedger{
		roots: make(map[uint64]settlement.Hash),
		log:   log,
	}
}

func (l *SimulatedLedger) SubmitRoot(_ context.Context, batchID uint64, root settlement.Hash) error {
	l.mu.Lock()
	l.roots[batchID] = root
	l.mu.Unlock()
	l.log.WithField("batch_id", batchID).WithField("root", root.Hex()).Info("root submitted")
	return nil
}

func (l *SimulatedLedger) SubmitSettlement(_ context.Context, commitments []settlement.Hash) error {
	l.mu.Lock()
	l.settlements = append(l.settlements, append([]settlement.Hash(nil), commitments...))
	l.mu.Unlock()
	l.log.WithField("count", len(commitments)).Info("settlement submitted")
	return nil
}

// RootCount returns the number of roots submitted so far.
func (l *SimulatedLedger) RootCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.roots)
}

// SettlementCount returns the number of settlement submissions so far.
func (l *SimulatedLedger) SettlementCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.settlements)
}

// RPCLedger submits roots and settlements to a JSON endpoint.
type RPCLedger struct {
	endpoint string
	client   *http.Client
}

var _ Ledger = (*RPCLedger)(nil)

// NewRPCLedger creates a ledger backed by the given RPC endpoint.
func NewRPCLedger(endpoint string) *RPCLedger {
	return &RPCLedger{
		endpoint: endpoint,
		client:   httputil.NewClient(httputil.DefaultTimeout),
	}
}

func (l *RPCLedger) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger rpc: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ledger rpc: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (l *RPCLedger) SubmitRoot(ctx context.Context, batchID uint64, root settlement.Hash) error {
	return l.post(ctx, "/roots", map[string]any{
		"batch_id": batchID,
		"root":     root.Hex(),
	})
}

func (l *RPCLedger) SubmitSettlement(ctx context.Context, commitments []settlement.Hash) error {
	return l.post(ctx, "/settlements", map[string]any{
		"commitments": commitments,
	})
}
