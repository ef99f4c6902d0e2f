package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"jobbroker/internal/models"
	"jobbroker/internal/store"
	"jobbroker/internal/telemetry"
)

// Fail records a failed attempt. The job either goes back to pending with an
// exponential-backoff available_at, or to the DLQ once attempts reach
// max_attempts.
func (e *Engine) Fail(ctx context.Context, jobID uuid.UUID, errMsg string, leaseToken *uuid.UUID) (models.Job, error) {
	now := time.Now().UTC()

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJob(ctx, tx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	job.Attempts++
	var eventType string
	if job.Attempts >= job.MaxAttempts {
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = $5 WHERE id = $1
		`, jobID, models.StatusDLQ, job.Attempts, errMsg, now); err != nil {
			return models.Job{}, fmt.Errorf("route job to dlq: %w", err)
		}
		job.Status = models.StatusDLQ
		eventType = models.EventDLQRouted
	} else {
		// The first retry waits one base delay: attempt n failed, so the
		// exponent is n-1.
		nextRun := now.Add(Backoff(job.Attempts-1, e.cfg.BackoffBase, e.cfg.BackoffMax, true))
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $2, available_at = $3, attempts = $4, last_error = $5, updated_at = $6 WHERE id = $1
		`, jobID, models.StatusPending, nextRun, job.Attempts, errMsg, now); err != nil {
			return models.Job{}, fmt.Errorf("requeue job for retry: %w", err)
		}
		job.Status = models.StatusPending
		job.AvailableAt = nextRun
		eventType = models.EventRetried
	}
	job.LastError = &errMsg
	job.UpdatedAt = now

	if _, err := tx.Exec(ctx, `DELETE FROM job_leases WHERE job_id = $1`, jobID); err != nil {
		return models.Job{}, fmt.Errorf("delete lease: %w", err)
	}

	meta := map[string]any{
		"error":    errMsg,
		"attempts": job.Attempts,
		"max":      job.MaxAttempts,
	}
	if leaseToken != nil {
		meta["lease_token"] = leaseToken.String()
	}
	if err := store.AppendEvent(ctx, tx, jobID, eventType, meta); err != nil {
		return models.Job{}, err
	}

	if err := store.AppendOutbox(ctx, tx, "JOB_FAILED", map[string]any{
		"job_id":    jobID.String(),
		"tenant_id": job.TenantID,
		"status":    job.Status,
		"error":     errMsg,
		"attempts":  job.Attempts,
		"failed_at": now.Format(time.RFC3339Nano),
	}); err != nil {
		return models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit fail: %w", err)
	}

	if job.Status == models.StatusDLQ {
		telemetry.DLQTotal.WithLabelValues(job.TenantID).Inc()
		telemetry.CompleteTotal.WithLabelValues(job.TenantID, "dlq").Inc()
	} else {
		telemetry.CompleteTotal.WithLabelValues(job.TenantID, "retryable").Inc()
		telemetry.QueueDepth.WithLabelValues(job.TenantID).Inc()
	}
	return job, nil
}
