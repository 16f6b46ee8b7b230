// Package storage provides the PostgreSQL-backed implementations of the
// ledger stores and job queues, plus in-memory equivalents for tests.
// Every row carries an expires_at deadline; the janitor prunes rows past
// it so the node never accumulates secret material beyond its TTL.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool shared by all stores.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id         text PRIMARY KEY,
		code_id        text NOT NULL,
		requester      text NOT NULL,
		run_nonce      text NOT NULL,
		threshold      int NOT NULL,
		status         text NOT NULL,
		failure_reason text NOT NULL DEFAULT '',
		created_at     timestamptz NOT NULL,
		approved_at    timestamptz,
		expires_at     timestamptz NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_pieces (
		run_id       text NOT NULL,
		submitter    text NOT NULL,
		artifact_ref text NOT NULL,
		signature    text NOT NULL,
		submitted_at timestamptz NOT NULL,
		expires_at   timestamptz NOT NULL,
		PRIMARY KEY (run_id, submitter)
	)`,
	`CREATE TABLE IF NOT EXISTS shards (
		code_id         text NOT NULL,
		requester       text NOT NULL,
		committee       text NOT NULL,
		run_nonce       text NOT NULL,
		share_index     int NOT NULL,
		share_value     text NOT NULL,
		byte_length     int NOT NULL,
		note            text NOT NULL DEFAULT '',
		publication_ref text NOT NULL DEFAULT '',
		submitted_at    timestamptz,
		expires_at      timestamptz NOT NULL,
		PRIMARY KEY (code_id, requester, committee)
	)`,
	`CREATE TABLE IF NOT EXISTS queue_jobs (
		id         bigserial PRIMARY KEY,
		queue      text NOT NULL,
		key        text NOT NULL,
		payload    bytea NOT NULL,
		state      text NOT NULL DEFAULT 'queued',
		attempt    int NOT NULL DEFAULT 0,
		run_after  timestamptz NOT NULL,
		last_error text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL,
		updated_at timestamptz NOT NULL,
		UNIQUE (queue, key)
	)`,
	`CREATE INDEX IF NOT EXISTS queue_jobs_claim_idx
		ON queue_jobs (queue, state, run_after)`,
	`CREATE INDEX IF NOT EXISTS runs_expiry_idx ON runs (expires_at)`,
	`CREATE INDEX IF NOT EXISTS shards_expiry_idx ON shards (expires_at)`,
}

// EnsureSchema creates the tables the stores need. Statements are
// idempotent so startup can run this unconditionally.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
