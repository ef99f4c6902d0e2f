package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobbroker/internal/models"
)

// Store wraps pgxpool for Postgres persistence. The database is the single
// source of truth; every invariant is enforced here.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying connection pool for components that own their
// transactions (lease engine, ticker, outbox).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Querier is the subset of pgx shared by pgxpool.Pool and pgx.Tx, so query
// helpers can run either standalone or inside a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// JobColumns is the canonical select list for scanning a job row.
const JobColumns = `id, tenant_id, status, priority, payload, result, attempts, max_attempts,
	idempotency_key, available_at, started_at, execution_timeout, last_error, cron_schedule,
	created_at, updated_at`

// ScanJob decodes one job row selected with JobColumns.
func ScanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		payloadJSON []byte
		resultJSON  []byte
		idem        pgtype.Text
		startedAt   pgtype.Timestamptz
		execTimeout pgtype.Int4
		lastErr     pgtype.Text
		cronExpr    pgtype.Text
	)
	err := row.Scan(
		&job.ID, &job.TenantID, &job.Status, &job.Priority, &payloadJSON, &resultJSON,
		&job.Attempts, &job.MaxAttempts, &idem, &job.AvailableAt, &startedAt,
		&execTimeout, &lastErr, &cronExpr, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.IdempotencyKey = textPtr(idem)
	job.LastError = textPtr(lastErr)
	job.CronSchedule = textPtr(cronExpr)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if execTimeout.Valid {
		v := int(execTimeout.Int32)
		job.ExecutionTimeout = &v
	}
	return job, nil
}

// AppendEvent adds an audit row in the caller's transaction.
func AppendEvent(ctx context.Context, q Querier, jobID uuid.UUID, eventType string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal event meta: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO job_events (job_id, event_type, ts, meta)
		VALUES ($1, $2, now(), $3)
	`, jobID, eventType, metaJSON)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// AppendOutbox enqueues an outbox row in the caller's transaction so the
// event commits or rolls back with the state change it reports.
func AppendOutbox(ctx context.Context, q Querier, eventType string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO outbox_events (event_type, payload, status, created_at)
		VALUES ($1, $2, $3, now())
	`, eventType, payloadJSON, models.OutboxPending)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// LiveLeaseCount returns the number of unexpired leases, optionally scoped to
// one tenant.
func LiveLeaseCount(ctx context.Context, q Querier, tenantID string, now time.Time) (int, error) {
	var n int
	if tenantID == "" {
		err := q.QueryRow(ctx, `
			SELECT COUNT(*) FROM job_leases WHERE expires_at > $1
		`, now).Scan(&n)
		return n, err
	}
	err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_leases l
		JOIN jobs j ON j.id = l.job_id
		WHERE j.tenant_id = $1 AND l.expires_at > $2
	`, tenantID, now).Scan(&n)
	return n, err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
