// Package pgadapter is the Postgres-backed stateadapter.Adapter (spec.md
// §4.1, §6): SELECT ... FOR UPDATE SKIP LOCKED acquisition, goose embedded
// migrations, and pgxpool connection pooling, all adapted from the
// teacher's deleted connection.go/coordinator.go.
package pgadapter

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver goose needs
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PoolConfig mirrors the teacher's DBConfig: connection pool sizing
// defaults to auto-scaling against available CPUs (runtime.GOMAXPROCS),
// which Go 1.21+ makes container-limit-aware.
type PoolConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Connect parses cfg.DSN, applies pool sizing defaults, forces UTC on every
// connection (spec.md §6's "use server-side time... to tolerate clock
// skew"), and verifies connectivity. It does not run migrations; call
// (*Adapter).MigrateToLatest for that.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgadapter: parse dsn: %w", err)
	}

	maxConns := int32(cfg.MaxOpenConns)
	if maxConns <= 0 {
		maxConns = int32(runtime.GOMAXPROCS(0) * 4)
	}
	minConns := int32(cfg.MaxIdleConns)
	if minConns <= 0 {
		minConns = int32(runtime.GOMAXPROCS(0))
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	idleTime := cfg.ConnMaxIdleTime
	if idleTime <= 0 {
		idleTime = time.Minute
	}

	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = minConns
	poolConfig.MaxConnLifetime = lifetime
	poolConfig.MaxConnIdleTime = idleTime
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIMEZONE='UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("pgadapter: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgadapter: ping: %w", err)
	}
	return pool, nil
}

// MigrateToLatest runs every embedded goose migration against the adapter's
// DSN using a throwaway database/sql connection, since goose requires one.
func (a *Adapter) MigrateToLatest(ctx context.Context) error {
	db, err := sql.Open("pgx", a.dsn)
	if err != nil {
		return fmt.Errorf("pgadapter: open migration connection: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.ErrorContext(ctx, "pgadapter: failed to close migration connection", "error", err)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pgadapter: ping migration connection: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("pgadapter: set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("pgadapter: apply migrations: %w", err)
	}
	return nil
}
