// Package store manages PostgreSQL connections and provides the data access layer.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool and provides query methods.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate runs database schema migrations.
// An advisory lock prevents concurrent replicas from racing on DDL statements.
func (db *DB) Migrate(ctx context.Context) error {
	// Acquire a dedicated connection for the advisory lock.
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	// Application-specific lock ID to avoid collisions with other apps on the
	// same PostgreSQL instance.
	const migrationLockID int64 = 0x4F43_4F02 // "OCO" prefix + 02
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	// Note: call_records deliberately has no prompt or response columns.
	schema := `
	CREATE TABLE IF NOT EXISTS model_pricing (
		provider           TEXT NOT NULL,
		model              TEXT NOT NULL,
		input_per_m_token  DOUBLE PRECISION NOT NULL,
		output_per_m_token DOUBLE PRECISION NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (provider, model)
	);

	CREATE TABLE IF NOT EXISTS call_records (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		subject_id    TEXT NOT NULL,
		task_type     TEXT NOT NULL,
		provider      TEXT NOT NULL DEFAULT '',
		model         TEXT NOT NULL DEFAULT '',
		source        TEXT NOT NULL,
		degraded      BOOLEAN NOT NULL DEFAULT FALSE,
		reason        TEXT NOT NULL DEFAULT '',
		attempts      INTEGER NOT NULL DEFAULT 0,
		input_tokens  BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
		latency_ms    BIGINT NOT NULL DEFAULT 0,
		timestamp     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS budget_snapshots (
		tenant_id       TEXT NOT NULL,
		period          TEXT NOT NULL,
		spent_estimated DOUBLE PRECISION NOT NULL DEFAULT 0,
		spent_actual    DOUBLE PRECISION NOT NULL DEFAULT 0,
		soft_cap_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
		hard_cap_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
		exhausted       BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, period)
	);

	CREATE INDEX IF NOT EXISTS idx_call_records_tenant_id ON call_records(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_call_records_subject_id ON call_records(subject_id);
	CREATE INDEX IF NOT EXISTS idx_call_records_timestamp ON call_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_call_records_provider ON call_records(provider);
	CREATE INDEX IF NOT EXISTS idx_call_records_source ON call_records(source);
	`

	_, err = conn.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

// SeedPricing inserts default model pricing data.
func (db *DB) SeedPricing(ctx context.Context) error {
	pricing := []struct {
		Provider string
		Model    string
		Input    float64
		Output   float64
	}{
		// OpenAI
		{"openai", "gpt-4o", 2.50, 10.00},
		{"openai", "gpt-4o-mini", 0.15, 0.60},
		{"openai", "o1-mini", 3.00, 12.00},
		// Anthropic
		{"anthropic", "claude-3-5-sonnet-20241022", 3.00, 15.00},
		{"anthropic", "claude-3-5-haiku-20241022", 0.80, 4.00},
		// Google Gemini
		{"gemini", "gemini-2.0-flash", 0.10, 0.40},
		{"gemini", "gemini-1.5-flash", 0.075, 0.30},
	}

	for _, p := range pricing {
		_, err := db.Pool.Exec(ctx, `
			INSERT INTO model_pricing (provider, model, input_per_m_token, output_per_m_token)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (provider, model) DO UPDATE
			SET input_per_m_token = EXCLUDED.input_per_m_token,
			    output_per_m_token = EXCLUDED.output_per_m_token,
			    updated_at = NOW()
		`, p.Provider, p.Model, p.Input, p.Output)
		if err != nil {
			return fmt.Errorf("seeding pricing for %s/%s: %w", p.Provider, p.Model, err)
		}
	}

	return nil
}
