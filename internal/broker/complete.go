package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"jobbroker/internal/models"
	"jobbroker/internal/store"
	"jobbroker/internal/telemetry"
)

const uniqueViolation = "23505"

// Complete marks a job succeeded and stores its result. The completion
// ledger makes the call idempotent per idempotency key: a replay returns the
// job with the first writer's result untouched. The lease token, when
// provided, must match an existing lease row for the job; the row's expiry
// is not checked.
func (e *Engine) Complete(ctx context.Context, jobID uuid.UUID, result map[string]any, leaseToken *uuid.UUID, idempotencyKey string) (models.Job, error) {
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

	if idempotencyKey != "" {
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM job_completions WHERE job_id = $1 AND idempotency_key = $2
			)
		`, jobID, idempotencyKey).Scan(&exists)
		if err != nil {
			return models.Job{}, fmt.Errorf("query completion ledger: %w", err)
		}
		if exists {
			// Replay: the stored result is authoritative.
			return job, nil
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_completions (job_id, idempotency_key, created_at)
			VALUES ($1, $2, $3)
		`, jobID, idempotencyKey, now); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				// Concurrent replay landed first; the transaction is aborted,
				// so re-read outside it and return the winner's state.
				_ = tx.Rollback(ctx)
				fresh, gerr := store.ScanJob(e.pool.QueryRow(ctx, `SELECT `+store.JobColumns+` FROM jobs WHERE id = $1`, jobID))
				if gerr != nil {
					return models.Job{}, fmt.Errorf("reread after idempotency conflict: %w", gerr)
				}
				return fresh, nil
			}
			return models.Job{}, fmt.Errorf("insert completion: %w", err)
		}
	}

	if job.Status == models.StatusSucceeded {
		if idempotencyKey != "" {
			if err := tx.Commit(ctx); err != nil {
				return models.Job{}, fmt.Errorf("commit ledger entry: %w", err)
			}
		}
		return job, nil
	}
	if job.Status != models.StatusLeased && job.Status != models.StatusRunning {
		return models.Job{}, fmt.Errorf("complete %s job: %w", job.Status, ErrInvalidJobState)
	}

	if leaseToken != nil {
		var held bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM job_leases WHERE job_id = $1 AND lease_token = $2
			)
		`, jobID, *leaseToken).Scan(&held)
		if err != nil {
			return models.Job{}, fmt.Errorf("query lease: %w", err)
		}
		if !held {
			return models.Job{}, fmt.Errorf("lease lost: %w", ErrInvalidJobState)
		}
	}

	resultJSON, err := marshalDocument(result)
	if err != nil {
		return models.Job{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, result = $3, updated_at = $4 WHERE id = $1
	`, jobID, models.StatusSucceeded, resultJSON, now); err != nil {
		return models.Job{}, fmt.Errorf("mark job succeeded: %w", err)
	}

	// Any lease for this job goes, token or not, as a safety net.
	if _, err := tx.Exec(ctx, `DELETE FROM job_leases WHERE job_id = $1`, jobID); err != nil {
		return models.Job{}, fmt.Errorf("delete lease: %w", err)
	}

	meta := map[string]any{}
	if leaseToken != nil {
		meta["lease_token"] = leaseToken.String()
	}
	if err := store.AppendEvent(ctx, tx, jobID, models.EventCompleted, meta); err != nil {
		return models.Job{}, err
	}

	if err := store.AppendOutbox(ctx, tx, "JOB_COMPLETED", map[string]any{
		"job_id":       jobID.String(),
		"tenant_id":    job.TenantID,
		"result":       result,
		"completed_at": now.Format(time.RFC3339Nano),
	}); err != nil {
		return models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit complete: %w", err)
	}

	if job.StartedAt != nil {
		if d := now.Sub(*job.StartedAt).Seconds(); d > 0 {
			telemetry.JobDuration.Observe(d)
		}
	}
	telemetry.CompleteTotal.WithLabelValues(job.TenantID, "success").Inc()

	job.Status = models.StatusSucceeded
	job.Result = result
	job.UpdatedAt = now
	return job, nil
}

// lockJob selects one job row FOR UPDATE inside the caller's transaction.
func lockJob(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (models.Job, error) {
	job, err := store.ScanJob(tx.QueryRow(ctx, `
		SELECT `+store.JobColumns+` FROM jobs WHERE id = $1 FOR UPDATE
	`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("lock job: %w", err)
	}
	return job, nil
}
