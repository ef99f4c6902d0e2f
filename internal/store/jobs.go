package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"jobbroker/internal/models"
)

// ErrNotFound is returned by read paths when a row does not exist.
var ErrNotFound = errors.New("not found")

// uniqueViolation is the Postgres error code for unique constraint breaches.
const uniqueViolation = "23505"

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	TenantID         string
	Payload          map[string]any
	Priority         int
	IdempotencyKey   string
	MaxAttempts      int
	ExecutionTimeout *int
	AvailableAt      time.Time
	CronSchedule     string
	Status           string
}

// CreateJob inserts a job row together with its created event, honoring the
// per-tenant idempotency key. It returns the job and a boolean indicating
// whether an existing job was reused via idempotency.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Status == "" {
		p.Status = models.StatusPending
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	if p.AvailableAt.IsZero() {
		p.AvailableAt = time.Now().UTC()
	}

	// If the idempotency key is already bound, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.TenantID, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, status, priority, payload, attempts, max_attempts,
			idempotency_key, available_at, execution_timeout, cron_schedule, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $11, $11)
	`, id, p.TenantID, p.Status, p.Priority, payloadJSON, p.MaxAttempts,
		emptyToNil(p.IdempotencyKey), p.AvailableAt, p.ExecutionTimeout, emptyToNil(p.CronSchedule), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && p.IdempotencyKey != "" {
			// Someone else bound the key after our initial check; return the existing job.
			existing, found, ferr := s.FindByIdempotencyKey(ctx, p.TenantID, p.IdempotencyKey)
			if ferr != nil {
				return models.Job{}, false, ferr
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if err := AppendEvent(ctx, tx, id, models.EventCreated, nil); err != nil {
		return models.Job{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:               id,
		TenantID:         p.TenantID,
		Status:           p.Status,
		Priority:         p.Priority,
		Payload:          p.Payload,
		Attempts:         0,
		MaxAttempts:      p.MaxAttempts,
		IdempotencyKey:   emptyToNil(p.IdempotencyKey),
		AvailableAt:      p.AvailableAt,
		ExecutionTimeout: p.ExecutionTimeout,
		CronSchedule:     emptyToNil(p.CronSchedule),
		CreatedAt:        now,
		UpdatedAt:        now,
	}, false, nil
}

// FindByIdempotencyKey returns the job bound to (tenant, key) if present.
func (s *Store) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+JobColumns+` FROM jobs WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key)
	job, err := ScanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+JobColumns+` FROM jobs WHERE id = $1
	`, id)
	job, err := ScanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListEvents returns the audit trail for a job, newest first.
func (s *Store) ListEvents(ctx context.Context, jobID uuid.UUID, limit int) ([]models.JobEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, event_type, ts, meta
		FROM job_events WHERE job_id = $1
		ORDER BY id DESC LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []models.JobEvent
	for rows.Next() {
		var (
			ev       models.JobEvent
			metaJSON []byte
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.EventType, &ev.Timestamp, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &ev.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal event meta: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListDLQ returns dead-lettered jobs, optionally scoped to one tenant.
func (s *Store) ListDLQ(ctx context.Context, tenantID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if tenantID == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+JobColumns+` FROM jobs WHERE status = $1
			ORDER BY updated_at DESC LIMIT $2
		`, models.StatusDLQ, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+JobColumns+` FROM jobs WHERE status = $1 AND tenant_id = $2
			ORDER BY updated_at DESC LIMIT $3
		`, models.StatusDLQ, tenantID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query dlq: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := ScanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dlq job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// QueueDepths counts pending jobs grouped by tenant for gauge recompute.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, COUNT(*) FROM jobs WHERE status = $1 GROUP BY tenant_id
	`, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query queue depths: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			tenant string
			n      int
		)
		if err := rows.Scan(&tenant, &n); err != nil {
			return nil, fmt.Errorf("scan queue depth: %w", err)
		}
		out[tenant] = n
	}
	return out, rows.Err()
}
