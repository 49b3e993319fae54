package storage

import (
	"context"

	"github.com/obscura-network/sip/internal/app/domain/keypool"
	"github.com/obscura-network/sip/internal/app/domain/privacy"
	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/domain/vault"
)

// Commitment set scopes. The settlement protocol and the vault each keep an
// independent used-commitment set so replay is refused twice.
const (
	ScopeSettlement = "settlement"
	ScopeVault      = "vault"
)

// PoolStore persists key pool registrations.
type PoolStore interface {
	RegisterPool(ctx context.Context, reg keypool.Registration) (keypool.Registration, error)
	GetPool(ctx context.Context, id string) (keypool.Registration, error)
	GetPoolByRoot(ctx context.Context, root settlement.Hash) (keypool.Registration, error)
	ListPools(ctx context.Context) ([]keypool.Registration, error)
}

// BatchStore persists emitted batches. Batches are append-only: published
// roots are superseded, never deleted.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch settlement.Batch) (settlement.Batch, error)
	GetBatch(ctx context.Context, batchID uint64) (settlement.Batch, error)
	ListBatches(ctx context.Context, destination string) ([]settlement.Batch, error)
}

// CommitmentStore tracks used commitments per scope. MarkUsed is an atomic
// check-then-insert: it reports whether the commitment was already present.
// Unmark removes a commitment again; callers use it to undo marks made
// earlier in a batch that then fails partway.
type CommitmentStore interface {
	MarkUsed(ctx context.Context, scope string, c settlement.Hash) (alreadyUsed bool, err error)
	Unmark(ctx context.Context, scope string, c settlement.Hash) error
	IsUsed(ctx context.Context, scope string, c settlement.Hash) (bool, error)
	UsedCount(ctx context.Context, scope string) (int64, error)
}

// ClaimStore persists pending privacy-pool claims.
type ClaimStore interface {
	CreateClaim(ctx context.Context, claim privacy.Claim) (privacy.Claim, error)
	GetClaim(ctx context.Context, id string) (privacy.Claim, error)
	ListPendingClaims(ctx context.Context) ([]privacy.Claim, error)
	DeleteClaims(ctx context.Context, ids []string) error
	PendingClaimCount(ctx context.Context) (int64, error)
}

// VaultStore persists deposit and withdrawal records.
type VaultStore interface {
	CreateDeposit(ctx context.Context, dep vault.Deposit) (vault.Deposit, error)
	GetDepositByCommitment(ctx context.Context, c settlement.Hash) (vault.Deposit, error)
	ListDeposits(ctx context.Context) ([]vault.Deposit, error)

	CreateWithdrawal(ctx context.Context, wd vault.Withdrawal) (vault.Withdrawal, error)
	DeleteWithdrawal(ctx context.Context, id string) error
	ListWithdrawals(ctx context.Context) ([]vault.Withdrawal, error)
}
