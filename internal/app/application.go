package app

import (
	"context"
	"fmt"
	"time"

	batchersvc "github.com/obscura-network/sip/internal/app/services/batcher"
	"github.com/obscura-network/sip/internal/app/services/confidential"
	keypoolsvc "github.com/obscura-network/sip/internal/app/services/keypool"
	"github.com/obscura-network/sip/internal/app/services/pricing"
	privacysvc "github.com/obscura-network/sip/internal/app/services/privacypool"
	settlementsvc "github.com/obscura-network/sip/internal/app/services/settlement"
	vaultsvc "github.com/obscura-network/sip/internal/app/services/vault"
	"github.com/obscura-network/sip/internal/app/storage"
	"github.com/obscura-network/sip/internal/app/storage/memory"
	"github.com/obscura-network/sip/internal/app/system"
	"github.com/obscura-network/sip/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Pools       storage.PoolStore
	Batches     storage.BatchStore
	Commitments storage.CommitmentStore
	Claims      storage.ClaimStore
	Vault       storage.VaultStore
}

// Config carries the application-level settings not tied to one store.
type Config struct {
	// Owner is the settlement protocol owner identity.
	Owner string
	// LedgerEndpoint selects the RPC ledger when set; empty runs simulated.
	LedgerEndpoint string
	// ConfidentialEndpoint selects the real confidential backend when set.
	ConfidentialEndpoint string
	ConfidentialAPIKey   string
	// QuoteEndpoint and FeeEndpoint enable the pricing call-throughs.
	QuoteEndpoint string
	QuoteAPIKey   string
	FeeEndpoint   string

	Batcher     batchersvc.Config
	PrivacyPool privacysvc.Config

	// FlushInterval drives the batcher runner; SweepSchedule its expiry
	// sweep (cron syntax).
	FlushInterval time.Duration
	SweepSchedule string
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	KeyPools     *keypoolsvc.Service
	Settlement   *settlementsvc.Service
	Batcher      *batchersvc.Service
	Vault        *vaultsvc.Service
	PrivacyPool  *privacysvc.Service
	Quotes       *pricing.QuoteClient
	Fees         *pricing.FeeClient
	Confidential confidential.Backend
}

// New builds a fully initialised application with the provided stores.
func New(cfg Config, stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if cfg.Owner == "" {
		cfg.Owner = "operator"
	}

	mem := memory.New()
	if stores.Pools == nil {
		stores.Pools = mem
	}
	if stores.Batches == nil {
		stores.Batches = mem
	}
	if stores.Commitments == nil {
		stores.Commitments = mem
	}
	if stores.Claims == nil {
		stores.Claims = mem
	}
	if stores.Vault == nil {
		stores.Vault = mem
	}

	manager := system.NewManager()

	var ledger settlementsvc.Ledger
	if cfg.LedgerEndpoint != "" {
		ledger = settlementsvc.NewRPCLedger(cfg.LedgerEndpoint)
		log.WithField("endpoint", cfg.LedgerEndpoint).Info("using RPC ledger")
	} else {
		ledger = settlementsvc.NewSimulatedLedger(log)
		log.Info("using simulated ledger")
	}

	settleSvc, err := settlementsvc.New(cfg.Owner, stores.Commitments, ledger, log)
	if err != nil {
		return nil, fmt.Errorf("settlement service: %w", err)
	}

	poolSvc := keypoolsvc.New(stores.Pools, log)
	batchSvc := batchersvc.New(settleSvc, stores.Batches, cfg.Batcher, log)
	vaultSvc := vaultsvc.New(stores.Vault, stores.Commitments, settleSvc, log)
	privacySvc := privacysvc.New(stores.Claims, vaultSvc, cfg.PrivacyPool, log)

	// The internal publishers act as executors of the protocol.
	for _, executor := range []string{batchSvc.Publisher(), privacySvc.Executor()} {
		if err := settleSvc.AddExecutor(cfg.Owner, executor); err != nil {
			return nil, fmt.Errorf("authorize %s: %w", executor, err)
		}
	}

	backend, err := confidential.Select(confidential.Config{
		Endpoint: cfg.ConfidentialEndpoint,
		APIKey:   cfg.ConfidentialAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("confidential backend: %w", err)
	}
	log.WithField("backend", backend.Name()).Info("confidential backend selected")

	a := &Application{
		manager:      manager,
		log:          log,
		KeyPools:     poolSvc,
		Settlement:   settleSvc,
		Batcher:      batchSvc,
		Vault:        vaultSvc,
		PrivacyPool:  privacySvc,
		Confidential: backend,
	}

	if cfg.QuoteEndpoint != "" {
		quotes, err := pricing.NewQuoteClient(nil, cfg.QuoteEndpoint, cfg.QuoteAPIKey, log)
		if err != nil {
			return nil, fmt.Errorf("quote client: %w", err)
		}
		a.Quotes = quotes
	}
	if cfg.FeeEndpoint != "" {
		fees, err := pricing.NewFeeClient(nil, cfg.FeeEndpoint, log)
		if err != nil {
			return nil, fmt.Errorf("fee client: %w", err)
		}
		a.Fees = fees
	}

	batchRunner := batchersvc.NewRunner(batchSvc, cfg.FlushInterval, cfg.SweepSchedule, log)
	if err := manager.Register(batchRunner); err != nil {
		return nil, fmt.Errorf("register batcher runner: %w", err)
	}
	claimRunner := privacysvc.NewRunner(privacySvc, log)
	if err := manager.Register(claimRunner); err != nil {
		return nil, fmt.Errorf("register privacy pool runner: %w", err)
	}

	return a, nil
}

// Attach registers an additional lifecycle-managed service.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start launches the background runners.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts the background runners down in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
