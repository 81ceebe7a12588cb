package postgres

/*
Файл action_repo.go хранит результаты идемпотентности и коллекции сущностей в PostgreSQL.

Запись двухфазная. Commit резервирует ключ строкой с pending = TRUE: INSERT ... ON CONFLICT
решает гонку, выигрывает первый писатель. Резерв старше pendingTTL считается брошенным и
перехватывается. Confirm одной транзакцией снимает pending и пишет запись коллекции.
Revoke удаляет только свой неподтвержденный резерв.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

// DefaultPendingTTL: через сколько неподтвержденный резерв можно перехватить.
const DefaultPendingTTL = 30 * time.Second

type ActionRepo struct {
	pool       *pgxpool.Pool
	pendingTTL time.Duration
}

func NewActionRepo(pool *pgxpool.Pool) *ActionRepo {
	return &ActionRepo{pool: pool, pendingTTL: DefaultPendingTTL}
}

// WithPendingTTL меняет срок жизни неподтвержденного резерва.
func (r *ActionRepo) WithPendingTTL(ttl time.Duration) *ActionRepo {
	if ttl > 0 {
		r.pendingTTL = ttl
	}
	return r
}

func (r *ActionRepo) Get(ctx context.Context, key domain.Key) ([]byte, error) {
	var (
		result  []byte
		pending bool
		stale   bool
	)
	err := r.pool.QueryRow(ctx,
		`SELECT result, pending, created_at < NOW() - make_interval(secs => $3)
		 FROM idempotency_results WHERE tenant_id = $1 AND request_id = $2`,
		key.TenantID, key.RequestID, r.pendingTTL.Seconds(),
	).Scan(&result, &pending, &stale)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get idempotency entry: %w", err)
	}
	switch {
	case pending && stale:
		return nil, nil
	case pending:
		return nil, domain.ErrCommitPending
	}
	return result, nil
}

func (r *ActionRepo) Commit(ctx context.Context, c domain.Commit) ([]byte, error) {
	// Свой резерв (те же байты) или брошенный чужой обновляются и тоже дают RETURNING
	var reserved []byte
	err := r.pool.QueryRow(ctx,
		`INSERT INTO idempotency_results (tenant_id, request_id, result, pending, created_at)
		 VALUES ($1, $2, $3, TRUE, NOW())
		 ON CONFLICT (tenant_id, request_id) DO UPDATE
		 SET result = EXCLUDED.result, created_at = NOW()
		 WHERE idempotency_results.pending
		   AND (idempotency_results.result = EXCLUDED.result
		        OR idempotency_results.created_at < NOW() - make_interval(secs => $4))
		 RETURNING result`,
		c.Key.TenantID, c.Key.RequestID, c.Result, r.pendingTTL.Seconds(),
	).Scan(&reserved)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: failed to reserve idempotency entry: %w", err)
	}

	// Ключ занят другим писателем
	var (
		existing []byte
		pending  bool
	)
	err = r.pool.QueryRow(ctx,
		`SELECT result, pending FROM idempotency_results WHERE tenant_id = $1 AND request_id = $2`,
		c.Key.TenantID, c.Key.RequestID,
	).Scan(&existing, &pending)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Чужой резерв успели отозвать; вызывающий перечитает ключ
		return nil, domain.ErrCommitPending
	case err != nil:
		return nil, fmt.Errorf("postgres: failed to read winning entry: %w", err)
	case pending:
		return nil, domain.ErrCommitPending
	}
	return existing, nil
}

func (r *ActionRepo) Confirm(ctx context.Context, c domain.Commit) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE idempotency_results SET pending = FALSE
			 WHERE tenant_id = $1 AND request_id = $2 AND pending AND result = $3`,
			c.Key.TenantID, c.Key.RequestID, c.Result,
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to confirm idempotency entry: %w", err)
		}

		if tag.RowsAffected() == 0 {
			// Повтор подтверждения: строка уже наша и подтверждена
			var (
				existing []byte
				pending  bool
			)
			err := tx.QueryRow(ctx,
				`SELECT result, pending FROM idempotency_results WHERE tenant_id = $1 AND request_id = $2`,
				c.Key.TenantID, c.Key.RequestID,
			).Scan(&existing, &pending)
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrCommitLost
			}
			if err != nil {
				return fmt.Errorf("postgres: failed to read idempotency entry: %w", err)
			}
			if pending || !bytes.Equal(existing, c.Result) {
				return domain.ErrCommitLost
			}
			return nil
		}

		if c.Collection == "" || c.Record == nil {
			return nil
		}
		payload, err := json.Marshal(c.Record.Payload)
		if err != nil {
			return fmt.Errorf("postgres: failed to marshal payload: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO action_records (collection, tenant_id, request_id, requested_action, payload, created_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (collection, tenant_id, request_id) DO NOTHING`,
			c.Collection, c.Record.TenantID, c.Record.RequestID, c.Record.RequestedAction,
			payload, c.Record.CreatedBy, c.Record.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to insert record into %s: %w", c.Collection, err)
		}
		return nil
	})
}

func (r *ActionRepo) Revoke(ctx context.Context, c domain.Commit) error {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_results
		 WHERE tenant_id = $1 AND request_id = $2 AND pending AND result = $3`,
		c.Key.TenantID, c.Key.RequestID, c.Result,
	); err != nil {
		return fmt.Errorf("postgres: failed to revoke idempotency entry: %w", err)
	}
	return nil
}

func (r *ActionRepo) Records(ctx context.Context, collection string) ([]domain.ActionRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tenant_id, request_id, requested_action, payload, created_by, created_at
		 FROM action_records WHERE collection = $1
		 ORDER BY created_at, tenant_id, request_id`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]domain.ActionRecord, 0)
	for rows.Next() {
		var rec domain.ActionRecord
		var payload []byte
		if err := rows.Scan(&rec.TenantID, &rec.RequestID, &rec.RequestedAction, &payload, &rec.CreatedBy, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan record: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("postgres: corrupted payload: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// Ping проверяет доступность базы при старте
func (r *ActionRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
