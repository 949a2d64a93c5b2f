package storage

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
)

func TestGateway_CleanupHistory_SweepsUntilQuiescent(t *testing.T) {
	pool, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("new mock pool: %v", err)
	}
	defer pool.Close()

	// First round deletes a full batch, forcing a second round; the
	// second round deletes fewer than the batch size, ending the sweep.
	pool.ExpectExec("DELETE FROM history").
		WillReturnResult(pgxmock.NewResult("DELETE", 100))
	pool.ExpectExec("DELETE FROM history").
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	g := newGatewayForTest(pool)

	deleted, err := g.CleanupHistory(context.Background(), 30*24*time.Hour, 100)
	if err != nil {
		t.Fatalf("cleanup history: %v", err)
	}
	if deleted != 107 {
		t.Fatalf("expected 107 rows deleted across both rounds, got %d", deleted)
	}

	if err := pool.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGateway_CleanupGPSRawHistory_StopsOnPartialBatch(t *testing.T) {
	pool, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("new mock pool: %v", err)
	}
	defer pool.Close()

	pool.ExpectExec("DELETE FROM gps_raw_history").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	g := newGatewayForTest(pool)

	deleted, err := g.CleanupGPSRawHistory(context.Background(), 24*time.Hour, 50)
	if err != nil {
		t.Fatalf("cleanup gps raw history: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected single-round sweep of 3 rows, got %d", deleted)
	}
}

func TestTx_UpsertObject_CommitsOnSuccess(t *testing.T) {
	pool, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("new mock pool: %v", err)
	}
	defer pool.Close()

	pool.ExpectBegin()
	pool.ExpectExec("INSERT INTO objects").
		WithArgs("RTR-0001").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectCommit()

	g := newGatewayForTest(pool)

	tx, err := g.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.UpsertObject(context.Background(), "RTR-0001"); err != nil {
		t.Fatalf("upsert object: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := pool.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGateway_Ping(t *testing.T) {
	pool, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("new mock pool: %v", err)
	}
	defer pool.Close()

	pool.ExpectPing()

	g := newGatewayForTest(pool)
	if err := g.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
