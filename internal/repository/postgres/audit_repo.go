package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/spaceai-tool-gateway/internal/audit"
	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

const auditColumns = "id, seq, trace_id, timestamp, endpoint, status, error_message, request, detail, prev_hash, hash"

// AuditRepo пишет журнал аудита в одну из таблиц: audit_events (основное хранилище)
// или audit_archive (копии из AgentFS).
type AuditRepo struct {
	pool  *pgxpool.Pool
	table string
}

func NewAuditRepo(pool *pgxpool.Pool, table string) (*AuditRepo, error) {
	switch table {
	case TableAuditEvents, TableAuditArchive:
	default:
		return nil, fmt.Errorf("postgres: unknown audit table %q", table)
	}
	return &AuditRepo{pool: pool, table: table}, nil
}

func eventArgs(e audit.Event) ([]interface{}, error) {
	req, err := json.Marshal(e.Request)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to marshal audit request: %w", err)
	}
	return []interface{}{
		e.ID, e.Seq, e.TraceID, e.Timestamp, e.Endpoint, string(e.Status),
		e.ErrorMessage, string(req), string(e.Detail), e.PrevHash, e.Hash,
	}, nil
}

// Append пишет одно событие основного журнала. Занятый seq отдается как audit.ErrSeqConflict:
// журнал перечитает хвост и повторит.
func (r *AuditRepo) Append(ctx context.Context, e audit.Event) error {
	args, err := eventArgs(e)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		r.table, auditColumns,
	)
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		if isSeqConflict(err, r.table) {
			return fmt.Errorf("postgres: seq %d is taken: %w", e.Seq, audit.ErrSeqConflict)
		}
		return fmt.Errorf("postgres: failed to append audit event: %w", err)
	}
	return nil
}

// 23505 unique_violation по первичному ключу (seq) основного журнала
func isSeqConflict(err error, table string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == table+"_pkey"
}

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице журнала
	numFields := 11
	placeholders := make([]string, 0, len(events))
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		args, err := eventArgs(e)
		if err != nil {
			return err
		}
		ph := make([]string, numFields)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", i*numFields+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
		vals = append(vals, args...)
	}

	// Архив может получить одну и ту же пачку повторно после ретрая
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (id) DO NOTHING",
		r.table, auditColumns, strings.Join(placeholders, ", "),
	)

	_, err := r.pool.Exec(ctx, query, vals...)
	return err
}

func (r *AuditRepo) List(ctx context.Context) ([]audit.Event, error) {
	return r.FetchLogs(ctx, "", "")
}

// FetchLogs возвращает события в порядке seq с необязательными фильтрами.
func (r *AuditRepo) FetchLogs(ctx context.Context, endpoint string, status domain.AuditStatus) ([]audit.Event, error) {
	query := fmt.Sprintf("SELECT id::text, seq, trace_id, timestamp, endpoint, status, error_message, request, detail, prev_hash, hash FROM %s WHERE 1=1", r.table)
	var args []interface{}
	argID := 1

	if endpoint != "" {
		query += fmt.Sprintf(" AND endpoint = $%d", argID)
		args = append(args, endpoint)
		argID++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argID)
		args = append(args, string(status))
	}
	query += " ORDER BY seq, timestamp"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]audit.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return events, nil
}

func (r *AuditRepo) Last(ctx context.Context) (*audit.Event, error) {
	query := fmt.Sprintf("SELECT id::text, seq, trace_id, timestamp, endpoint, status, error_message, request, detail, prev_hash, hash FROM %s ORDER BY seq DESC LIMIT 1", r.table)
	e, err := scanEvent(r.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func scanEvent(row pgx.Row) (audit.Event, error) {
	var (
		e      audit.Event
		status string
		req    string
		detail string
	)
	err := row.Scan(&e.ID, &e.Seq, &e.TraceID, &e.Timestamp, &e.Endpoint, &status,
		&e.ErrorMessage, &req, &detail, &e.PrevHash, &e.Hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("postgres: failed to scan audit event: %w", err)
	}
	if err := json.Unmarshal([]byte(req), &e.Request); err != nil {
		return e, fmt.Errorf("postgres: corrupted audit request (seq %d): %w", e.Seq, err)
	}
	e.Status = domain.AuditStatus(status)
	e.Detail = json.RawMessage(detail)
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}
