package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobbroker/internal/config"
	"jobbroker/internal/models"
	"jobbroker/internal/store"
	"jobbroker/internal/telemetry"
)

// Engine owns the lease protocol and the lifecycle commands. Every command
// is a single transactional unit; on any non-recovered error the transaction
// rolls back, preserving the state machine invariants.
type Engine struct {
	pool *pgxpool.Pool
	cfg  config.Config
}

// New constructs the engine on a shared connection pool.
func New(pool *pgxpool.Pool, cfg config.Config) *Engine {
	return &Engine{pool: pool, cfg: cfg}
}

// Lease atomically claims one eligible job for the tenant and returns the
// job with its lease, or (nil, nil) when no job is ready.
//
// The claim selects the canonical job row with FOR UPDATE SKIP LOCKED so
// concurrent workers each see a different row without waiting: the lock is
// taken eagerly, the state transition and lease insert happen in the same
// transaction, and racing claimers skip past rows that are already locked.
func (e *Engine) Lease(ctx context.Context, workerID, tenantID string, duration time.Duration) (*models.Job, *models.Lease, error) {
	if duration <= 0 {
		duration = e.cfg.DefaultLeaseTimeout
	}
	now := time.Now().UTC()

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT ` + store.JobColumns + `
		FROM jobs
		WHERE status = $1 AND available_at <= $2`
	args := []any{models.StatusPending, now}
	if tenantID != "" {
		query += ` AND tenant_id = $3`
		args = append(args, tenantID)
	}
	query += `
		ORDER BY priority DESC, available_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`

	job, err := store.ScanJob(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("select pending job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = $3, updated_at = $3 WHERE id = $1
	`, job.ID, models.StatusLeased, now); err != nil {
		return nil, nil, fmt.Errorf("mark job leased: %w", err)
	}

	lease := models.Lease{
		JobID:           job.ID,
		WorkerID:        workerID,
		LeaseToken:      uuid.New(),
		ExpiresAt:       now.Add(duration),
		LastHeartbeatAt: now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_leases (job_id, worker_id, lease_token, expires_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5)
	`, lease.JobID, lease.WorkerID, lease.LeaseToken, lease.ExpiresAt, lease.LastHeartbeatAt); err != nil {
		return nil, nil, fmt.Errorf("insert lease: %w", err)
	}

	if err := store.AppendEvent(ctx, tx, job.ID, models.EventLeased, map[string]any{
		"worker_id":   workerID,
		"lease_token": lease.LeaseToken.String(),
		"expires_at":  lease.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		return nil, nil, err
	}

	if job.CronSchedule != nil {
		if err := e.scheduleNextRun(ctx, tx, job, now); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit lease: %w", err)
	}

	job.Status = models.StatusLeased
	job.StartedAt = &now
	job.UpdatedAt = now

	telemetry.QueueDepth.WithLabelValues(job.TenantID).Dec()
	if delay := now.Sub(job.AvailableAt).Seconds(); delay > 0 {
		telemetry.StartDelay.Observe(delay)
	}
	return &job, &lease, nil
}

// scheduleNextRun inserts the next instance of a recurring job. The base
// time is the job's own available_at to prevent drift; an invalid expression
// skips recurrence without failing the lease.
func (e *Engine) scheduleNextRun(ctx context.Context, tx pgx.Tx, job models.Job, now time.Time) error {
	base := job.AvailableAt
	if base.IsZero() {
		base = now
	}
	next, err := NextCronTime(*job.CronSchedule, base)
	if err != nil {
		log.Printf("job %s: skipping cron recurrence: %v", job.ID, err)
		return nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, status, priority, payload, attempts, max_attempts,
			available_at, execution_timeout, cron_schedule, created_at, updated_at)
		SELECT $2, tenant_id, $3, priority, payload, 0, max_attempts, $4, execution_timeout, cron_schedule, $5, $5
		FROM jobs WHERE id = $1
	`, job.ID, uuid.New(), models.StatusScheduled, next, now); err != nil {
		return fmt.Errorf("insert recurring job: %w", err)
	}
	return nil
}
