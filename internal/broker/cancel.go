package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"jobbroker/internal/models"
	"jobbroker/internal/store"
)

// Cancel moves a job to canceled and drops its lease. Terminal jobs are
// returned unchanged, making the call idempotent.
func (e *Engine) Cancel(ctx context.Context, jobID uuid.UUID) (models.Job, error) {
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
	if models.IsTerminal(job.Status) {
		return job, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1
	`, jobID, models.StatusCanceled, now); err != nil {
		return models.Job{}, fmt.Errorf("mark job canceled: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM job_leases WHERE job_id = $1`, jobID); err != nil {
		return models.Job{}, fmt.Errorf("delete lease: %w", err)
	}
	if err := store.AppendEvent(ctx, tx, jobID, models.EventCanceled, nil); err != nil {
		return models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit cancel: %w", err)
	}

	job.Status = models.StatusCanceled
	job.UpdatedAt = now
	return job, nil
}
