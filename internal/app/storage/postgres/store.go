// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/obscura-network/sip/internal/app/domain/keypool"
	"github.com/obscura-network/sip/internal/app/domain/privacy"
	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/domain/vault"
	"github.com/obscura-network/sip/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.PoolStore = (*Store)(nil)
var _ storage.BatchStore = (*Store)(nil)
var _ storage.CommitmentStore = (*Store)(nil)
var _ storage.ClaimStore = (*Store)(nil)
var _ storage.VaultStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the given DSN.
func Open(dsn string) (*sqlx.DB, error) {
	return sqlx.Connect("postgres", dsn)
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// --- PoolStore --------------------------------------------------------------

type poolRow struct {
	ID           string    `db:"id"`
	Root         []byte    `db:"root"`
	Params       []byte    `db:"params"`
	TotalKeys    int       `db:"total_keys"`
	Owner        string    `db:"owner"`
	RegisteredAt time.Time `db:"registered_at"`
}

func (r poolRow) toDomain() (keypool.Registration, error) {
	root, err := settlement.HashFromBytes(r.Root)
	if err != nil {
		return keypool.Registration{}, err
	}
	reg := keypool.Registration{
		ID:           r.ID,
		Root:         root,
		TotalKeys:    r.TotalKeys,
		Owner:        r.Owner,
		RegisteredAt: r.RegisteredAt,
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &reg.Params); err != nil {
			return keypool.Registration{}, err
		}
	}
	return reg, nil
}

func (s *Store) RegisterPool(ctx context.Context, reg keypool.Registration) (keypool.Registration, error) {
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = time.Now().UTC()
	}

	paramsJSON, err := json.Marshal(reg.Params)
	if err != nil {
		return keypool.Registration{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sip_pools (id, root, params, total_keys, owner, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, reg.ID, reg.Root.Bytes(), paramsJSON, reg.TotalKeys, reg.Owner, reg.RegisteredAt)
	if err != nil {
		return keypool.Registration{}, err
	}
	return reg, nil
}

func (s *Store) GetPool(ctx context.Context, id string) (keypool.Registration, error) {
	var row poolRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, root, params, total_keys, owner, registered_at
		FROM sip_pools
		WHERE id = $1
	`, id)
	if err != nil {
		return keypool.Registration{}, err
	}
	return row.toDomain()
}

func (s *Store) GetPoolByRoot(ctx context.Context, root settlement.Hash) (keypool.Registration, error) {
	var row poolRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, root, params, total_keys, owner, registered_at
		FROM sip_pools
		WHERE root = $1
	`, root.Bytes())
	if err != nil {
		return keypool.Registration{}, err
	}
	return row.toDomain()
}

func (s *Store) ListPools(ctx context.Context) ([]keypool.Registration, error) {
	var rows []poolRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, root, params, total_keys, owner, registered_at
		FROM sip_pools
		ORDER BY registered_at
	`)
	if err != nil {
		return nil, err
	}

	result := make([]keypool.Registration, 0, len(rows))
	for _, row := range rows {
		reg, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, reg)
	}
	return result, nil
}

// --- BatchStore -------------------------------------------------------------

type batchRow struct {
	BatchID     uint64    `db:"batch_id"`
	Root        []byte    `db:"root"`
	Commitments []byte    `db:"commitments"`
	Destination string    `db:"destination"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r batchRow) toDomain() (settlement.Batch, error) {
	root, err := settlement.HashFromBytes(r.Root)
	if err != nil {
		return settlement.Batch{}, err
	}
	batch := settlement.Batch{
		BatchID:     r.BatchID,
		Root:        root,
		Destination: r.Destination,
		CreatedAt:   r.CreatedAt,
	}
	if len(r.Commitments) > 0 {
		if err := json.Unmarshal(r.Commitments, &batch.Commitments); err != nil {
			return settlement.Batch{}, err
		}
	}
	return batch, nil
}

func (s *Store) CreateBatch(ctx context.Context, batch settlement.Batch) (settlement.Batch, error) {
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	commitmentsJSON, err := json.Marshal(batch.Commitments)
	if err != nil {
		return settlement.Batch{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sip_batches (batch_id, root, commitments, destination, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, batch.BatchID, batch.Root.Bytes(), commitmentsJSON, batch.Destination, batch.CreatedAt)
	if err != nil {
		return settlement.Batch{}, err
	}
	return batch, nil
}

func (s *Store) GetBatch(ctx context.Context, batchID uint64) (settlement.Batch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, `
		SELECT batch_id, root, commitments, destination, created_at
		FROM sip_batches
		WHERE batch_id = $1
	`, batchID)
	if err != nil {
		return settlement.Batch{}, err
	}
	return row.toDomain()
}

func (s *Store) ListBatches(ctx context.Context, destination string) ([]settlement.Batch, error) {
	query := `
		SELECT batch_id, root, commitments, destination, created_at
		FROM sip_batches
	`
	args := []any{}
	if destination != "" {
		query += ` WHERE destination = $1`
		args = append(args, destination)
	}
	query += ` ORDER BY batch_id`

	var rows []batchRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	result := make([]settlement.Batch, 0, len(rows))
	for _, row := range rows {
		batch, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, batch)
	}
	return result, nil
}

// --- CommitmentStore --------------------------------------------------------

func (s *Store) MarkUsed(ctx context.Context, scope string, c settlement.Hash) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sip_used_commitments (scope, commitment, used_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (scope, commitment) DO NOTHING
	`, scope, c.Bytes(), time.Now().UTC())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 0, nil
}

func (s *Store) Unmark(ctx context.Context, scope string, c settlement.Hash) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sip_used_commitments WHERE scope = $1 AND commitment = $2
	`, scope, c.Bytes())
	return err
}

func (s *Store) IsUsed(ctx context.Context, scope string, c settlement.Hash) (bool, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sip_used_commitments WHERE scope = $1 AND commitment = $2
	`, scope, c.Bytes())
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) UsedCount(ctx context.Context, scope string) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sip_used_commitments WHERE scope = $1
	`, scope)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// --- ClaimStore -------------------------------------------------------------

type claimRow struct {
	ID          string    `db:"id"`
	Commitment  []byte    `db:"commitment"`
	Recipient   string    `db:"recipient"`
	Amount      uint64    `db:"amount"`
	CreatedAt   time.Time `db:"created_at"`
	ScheduledAt time.Time `db:"scheduled_at"`
}

func (r claimRow) toDomain() (privacy.Claim, error) {
	commitment, err := settlement.HashFromBytes(r.Commitment)
	if err != nil {
		return privacy.Claim{}, err
	}
	return privacy.Claim{
		ID:          r.ID,
		Commitment:  commitment,
		Recipient:   r.Recipient,
		Amount:      r.Amount,
		CreatedAt:   r.CreatedAt,
		ScheduledAt: r.ScheduledAt,
	}, nil
}

func (s *Store) CreateClaim(ctx context.Context, claim privacy.Claim) (privacy.Claim, error) {
	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}
	if claim.CreatedAt.IsZero() {
		claim.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sip_claims (id, commitment, recipient, amount, created_at, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, claim.ID, claim.Commitment.Bytes(), claim.Recipient, claim.Amount, claim.CreatedAt, claim.ScheduledAt)
	if err != nil {
		if isUniqueViolation(err) {
			return privacy.Claim{}, privacy.ErrDuplicateClaim
		}
		return privacy.Claim{}, err
	}
	return claim, nil
}

func (s *Store) GetClaim(ctx context.Context, id string) (privacy.Claim, error) {
	var row claimRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, commitment, recipient, amount, created_at, scheduled_at
		FROM sip_claims
		WHERE id = $1
	`, id)
	if err != nil {
		return privacy.Claim{}, err
	}
	return row.toDomain()
}

func (s *Store) ListPendingClaims(ctx context.Context) ([]privacy.Claim, error) {
	var rows []claimRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, commitment, recipient, amount, created_at, scheduled_at
		FROM sip_claims
		ORDER BY scheduled_at
	`)
	if err != nil {
		return nil, err
	}

	result := make([]privacy.Claim, 0, len(rows))
	for _, row := range rows {
		claim, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, claim)
	}
	return result, nil
}

func (s *Store) DeleteClaims(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sip_claims WHERE id = ANY($1)
	`, pq.Array(ids))
	return err
}

func (s *Store) PendingClaimCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM sip_claims`)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// --- VaultStore -------------------------------------------------------------

type depositRow struct {
	ID         string    `db:"id"`
	Commitment []byte    `db:"commitment"`
	Depositor  string    `db:"depositor"`
	Token      string    `db:"token"`
	Amount     uint64    `db:"amount"`
	Nonce      uint64    `db:"nonce"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r depositRow) toDomain() (vault.Deposit, error) {
	commitment, err := settlement.HashFromBytes(r.Commitment)
	if err != nil {
		return vault.Deposit{}, err
	}
	return vault.Deposit{
		ID:         r.ID,
		Commitment: commitment,
		Depositor:  r.Depositor,
		Token:      r.Token,
		Amount:     r.Amount,
		Nonce:      r.Nonce,
		CreatedAt:  r.CreatedAt,
	}, nil
}

func (s *Store) CreateDeposit(ctx context.Context, dep vault.Deposit) (vault.Deposit, error) {
	if dep.ID == "" {
		dep.ID = uuid.NewString()
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sip_deposits (id, commitment, depositor, token, amount, nonce, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, dep.ID, dep.Commitment.Bytes(), dep.Depositor, dep.Token, dep.Amount, dep.Nonce, dep.CreatedAt)
	if err != nil {
		return vault.Deposit{}, err
	}
	return dep, nil
}

func (s *Store) GetDepositByCommitment(ctx context.Context, c settlement.Hash) (vault.Deposit, error) {
	var row depositRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, commitment, depositor, token, amount, nonce, created_at
		FROM sip_deposits
		WHERE commitment = $1
	`, c.Bytes())
	if err != nil {
		return vault.Deposit{}, err
	}
	return row.toDomain()
}

func (s *Store) ListDeposits(ctx context.Context) ([]vault.Deposit, error) {
	var rows []depositRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, commitment, depositor, token, amount, nonce, created_at
		FROM sip_deposits
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}

	result := make([]vault.Deposit, 0, len(rows))
	for _, row := range rows {
		dep, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, dep)
	}
	return result, nil
}

type withdrawalRow struct {
	ID         string    `db:"id"`
	Commitment []byte    `db:"commitment"`
	Token      string    `db:"token"`
	Recipient  string    `db:"recipient"`
	Amount     uint64    `db:"amount"`
	Executor   string    `db:"executor"`
	ExecutedAt time.Time `db:"executed_at"`
}

func (s *Store) CreateWithdrawal(ctx context.Context, wd vault.Withdrawal) (vault.Withdrawal, error) {
	if wd.ID == "" {
		wd.ID = uuid.NewString()
	}
	if wd.ExecutedAt.IsZero() {
		wd.ExecutedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sip_withdrawals (id, commitment, token, recipient, amount, executor, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, wd.ID, wd.Commitment.Bytes(), wd.Token, wd.Recipient, wd.Amount, wd.Executor, wd.ExecutedAt)
	if err != nil {
		return vault.Withdrawal{}, err
	}
	return wd, nil
}

func (s *Store) DeleteWithdrawal(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sip_withdrawals WHERE id = $1`, id)
	return err
}

func (s *Store) ListWithdrawals(ctx context.Context) ([]vault.Withdrawal, error) {
	var rows []withdrawalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, commitment, token, recipient, amount, executor, executed_at
		FROM sip_withdrawals
		ORDER BY executed_at
	`)
	if err != nil {
		return nil, err
	}

	result := make([]vault.Withdrawal, 0, len(rows))
	for _, row := range rows {
		commitment, err := settlement.HashFromBytes(row.Commitment)
		if err != nil {
			return nil, err
		}
		result = append(result, vault.Withdrawal{
			ID:         row.ID,
			Commitment: commitment,
			Token:      row.Token,
			Recipient:  row.Recipient,
			Amount:     row.Amount,
			Executor:   row.Executor,
			ExecutedAt: row.ExecutedAt,
		})
	}
	return result, nil
}
