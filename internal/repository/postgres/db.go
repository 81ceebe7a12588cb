package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Таблицы журнала аудита: основной журнал (seq уникален) и архив копий (seq может повторяться
// после рестарта, если основной журнал живет в памяти).
const (
	TableAuditEvents  = "audit_events"
	TableAuditArchive = "audit_archive"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS idempotency_results (
		tenant_id  TEXT        NOT NULL,
		request_id TEXT        NOT NULL,
		result     BYTEA       NOT NULL,
		pending    BOOLEAN     NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, request_id)
	)`,
	// Строки, записанные до двухфазной схемы, уже подтверждены
	`ALTER TABLE idempotency_results ADD COLUMN IF NOT EXISTS pending BOOLEAN NOT NULL DEFAULT FALSE`,
	`CREATE TABLE IF NOT EXISTS action_records (
		collection       TEXT        NOT NULL,
		tenant_id        TEXT        NOT NULL,
		request_id       TEXT        NOT NULL,
		requested_action TEXT        NOT NULL,
		payload          JSONB       NOT NULL,
		created_by       TEXT        NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (collection, tenant_id, request_id)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		seq           BIGINT      PRIMARY KEY,
		id            UUID        NOT NULL UNIQUE,
		trace_id      TEXT        NOT NULL,
		timestamp     TIMESTAMPTZ NOT NULL,
		endpoint      TEXT        NOT NULL,
		status        TEXT        NOT NULL,
		error_message TEXT        NOT NULL DEFAULT '',
		request       TEXT        NOT NULL,
		detail        TEXT        NOT NULL,
		prev_hash     TEXT        NOT NULL,
		hash          TEXT        NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_events_endpoint_idx ON audit_events (endpoint, status)`,
	`CREATE TABLE IF NOT EXISTS audit_archive (
		id            UUID        PRIMARY KEY,
		seq           BIGINT      NOT NULL,
		trace_id      TEXT        NOT NULL,
		timestamp     TIMESTAMPTZ NOT NULL,
		endpoint      TEXT        NOT NULL,
		status        TEXT        NOT NULL,
		error_message TEXT        NOT NULL DEFAULT '',
		request       TEXT        NOT NULL,
		detail        TEXT        NOT NULL,
		prev_hash     TEXT        NOT NULL,
		hash          TEXT        NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_archive_endpoint_idx ON audit_archive (endpoint, status)`,
}

// Connect открывает пул и проверяет соединение.
func Connect(ctx context.Context, url string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: database unreachable: %w", err)
	}
	return pool, nil
}

// Migrate создает таблицы, если их еще нет. Каждая инструкция выполняется отдельно.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration failed: %w", err)
		}
	}
	return nil
}
