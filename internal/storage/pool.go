// Package storage is the typed gateway over the relational store: object
// and equipment identity, GPS raw/filtered history, register latest-state
// and history, events, and the read-only register catalog. All multi-row
// writes for a single inbound message are expected to run inside one
// Tx (see tx.go).
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbPool is the slice of *pgxpool.Pool the gateway needs. It exists so
// tests can substitute a pgxmock pool without a live database.
type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// NewPool opens a connection pool against dsn, bounded by minConns/maxConns,
// and verifies connectivity with a ping before returning.
func NewPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// Gateway is the entry point for all storage operations.
type Gateway struct {
	pool dbPool
}

// NewGateway wraps an already-open pool.
func NewGateway(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool}
}

// newGatewayForTest wraps an arbitrary dbPool implementation (a pgxmock
// pool in tests).
func newGatewayForTest(pool dbPool) *Gateway {
	return &Gateway{pool: pool}
}

// Ping satisfies the DBChecker interface used by the HTTP readiness probe.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.pool.Ping(ctx)
}
