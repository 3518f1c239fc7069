// Package store is the coordinator's durable Postgres-backed persistence:
// an execution history audit log and the remembered {version, baseUrl}
// coordinator state, so a restarted coordinator does not start cold.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lyzr/tabcoord/internal/config"
	"github.com/lyzr/tabcoord/internal/coordlog"
)

// Pool wraps pgxpool with the connection settings and logging the rest of
// the service expects.
type Pool struct {
	*pgxpool.Pool
	log *coordlog.Logger
}

// New opens a connection pool against the configured Postgres instance.
func New(ctx context.Context, cfg *config.Config, log *coordlog.Logger) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("store connected", "host", cfg.Database.Host, "db", cfg.Database.Database)

	return &Pool{Pool: pool, log: log}, nil
}

// Close releases the connection pool.
func (p *Pool) Close() {
	p.log.Info("closing store connection pool")
	p.Pool.Close()
}

// Health reports whether the pool can still reach Postgres.
func (p *Pool) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return p.Pool.Ping(ctx)
}

// Migrate creates the coordinator's tables if they do not exist yet. It is
// intentionally idempotent and safe to run on every startup; bootstrap.Setup
// calls it right after opening the pool.
func (p *Pool) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS coordinator_state (
	origin     TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	base_url   TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS node_types (
	origin     TEXT NOT NULL,
	type_name  TEXT NOT NULL,
	definition JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (origin, type_name)
);

CREATE TABLE IF NOT EXISTS execution_history (
	execution_id TEXT PRIMARY KEY,
	workflow_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ,
	error        TEXT
);
`
	if _, err := p.Pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}
