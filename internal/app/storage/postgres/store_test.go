package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/obscura-network/sip/internal/app/domain/privacy"
	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/domain/wots"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func testHash(t *testing.T, seed string) settlement.Hash {
	t.Helper()
	h, err := settlement.HashFromBytes(wots.Keccak256([]byte(seed)))
	if err != nil {
		t.Fatalf("hash from bytes: %v", err)
	}
	return h
}

func TestMarkUsedFirstInsert(t *testing.T) {
	store, mock := newMockStore(t)
	c := testHash(t, "commitment-1")

	mock.ExpectExec("INSERT INTO sip_used_commitments").
		WithArgs("settlement", c.Bytes(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	already, err := store.MarkUsed(context.Background(), "settlement", c)
	if err != nil {
		t.Fatalf("mark used: %v", err)
	}
	if already {
		t.Fatal("fresh commitment reported as already used")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkUsedConflict(t *testing.T) {
	store, mock := newMockStore(t)
	c := testHash(t, "commitment-2")

	mock.ExpectExec("INSERT INTO sip_used_commitments").
		WithArgs("settlement", c.Bytes(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	already, err := store.MarkUsed(context.Background(), "settlement", c)
	if err != nil {
		t.Fatalf("mark used: %v", err)
	}
	if !already {
		t.Fatal("replayed commitment not reported as used")
	}
}

func TestUnmarkDeletesCommitment(t *testing.T) {
	store, mock := newMockStore(t)
	c := testHash(t, "commitment-3")

	mock.ExpectExec("DELETE FROM sip_used_commitments").
		WithArgs("settlement", c.Bytes()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Unmark(context.Background(), "settlement", c); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateClaimDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	c := testHash(t, "claim-commitment")

	mock.ExpectExec("INSERT INTO sip_claims").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := store.CreateClaim(context.Background(), privacy.Claim{
		Commitment:  c,
		Recipient:   "addr-1",
		Amount:      100,
		ScheduledAt: time.Now().Add(time.Minute),
	})
	if !errors.Is(err, privacy.ErrDuplicateClaim) {
		t.Fatalf("expected ErrDuplicateClaim, got %v", err)
	}
}

func TestGetBatchRoundTrip(t *testing.T) {
	store, mock := newMockStore(t)
	root := testHash(t, "root")
	c1 := testHash(t, "c1")
	c2 := testHash(t, "c2")
	created := time.Now().UTC().Truncate(time.Second)

	commitmentsJSON := []byte(`["` + c1.Hex() + `","` + c2.Hex() + `"]`)

	mock.ExpectQuery("SELECT batch_id, root, commitments, destination, created_at").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id", "root", "commitments", "destination", "created_at"}).
			AddRow(uint64(7), root.Bytes(), commitmentsJSON, "ledger-main", created))

	batch, err := store.GetBatch(context.Background(), 7)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if batch.BatchID != 7 || batch.Root != root || batch.Destination != "ledger-main" {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if len(batch.Commitments) != 2 || batch.Commitments[0] != c1 || batch.Commitments[1] != c2 {
		t.Fatalf("unexpected commitments: %+v", batch.Commitments)
	}
}
