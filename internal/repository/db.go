// Package repository provides pgx-backed, transaction-scoped data access
// for slots and bookings. Every method that mutates state takes an
// explicit transaction handle so the coordinator can compose several
// repository calls into one SERIALIZABLE transaction.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iliyamo/reservation-core/internal/config"
)

// Row, Rows and CommandTag alias the pgx/pgconn types the repositories
// scan against. They're aliases (not new types) so a real pgx.Tx keeps
// satisfying Tx/Transaction below without any adapter.
type (
	Row        = pgx.Row
	Rows       = pgx.Rows
	CommandTag = pgconn.CommandTag
)

// Tx is the subset of pgx.Tx the repositories use to read/write within a
// caller-owned transaction. Narrowing it (rather than threading pgx.Tx
// itself through every method) lets the coordinator's tests substitute an
// in-memory fake transaction instead of a real Postgres connection.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// Transaction adds commit/rollback to Tx. BeginSerializable and
// BeginReadCommitted return this interface; a pgx.Tx satisfies it with
// no adapter because CommandTag/Rows/Row above are aliases, not renames.
type Transaction interface {
	Tx
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// NewPool creates a connection pool to PostgreSQL, verifying connectivity
// before returning.
func NewPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}
	return pool, nil
}
