package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"jobbroker/internal/models"
	"jobbroker/internal/store"
	"jobbroker/internal/telemetry"
)

// leaseExpiredError is recorded on jobs recovered by the reaper.
const leaseExpiredError = "lease_expired"

// RequeueExpired sweeps up to limit expired leases and reverts the owning
// jobs to pending, or to the DLQ once attempts are exhausted. Expiry counts
// as a failed attempt so a poison job crash-looping workers converges to the
// DLQ instead of oscillating forever.
func (e *Engine) RequeueExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = e.cfg.ReaperBatchSize
	}
	now := time.Now().UTC()

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT job_id, worker_id FROM job_leases
		WHERE expires_at < $1
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("select expired leases: %w", err)
	}
	type expired struct {
		jobID    uuid.UUID
		workerID string
	}
	var leases []expired
	for rows.Next() {
		var l expired
		if err := rows.Scan(&l.jobID, &l.workerID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease: %w", err)
		}
		leases = append(leases, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired leases: %w", err)
	}
	if len(leases) == 0 {
		return 0, nil
	}

	count := 0
	for _, l := range leases {
		job, err := lockJob(ctx, tx, l.jobID)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}

		job.Attempts++
		var eventType string
		if job.Attempts >= job.MaxAttempts {
			if _, err := tx.Exec(ctx, `
				UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = $5 WHERE id = $1
			`, job.ID, models.StatusDLQ, job.Attempts, leaseExpiredError, now); err != nil {
				return 0, fmt.Errorf("route reaped job to dlq: %w", err)
			}
			eventType = models.EventDLQRouted
			telemetry.DLQTotal.WithLabelValues(job.TenantID).Inc()
		} else {
			if _, err := tx.Exec(ctx, `
				UPDATE jobs SET status = $2, available_at = $3, attempts = $4, last_error = $5, updated_at = $3 WHERE id = $1
			`, job.ID, models.StatusPending, now, job.Attempts, leaseExpiredError); err != nil {
				return 0, fmt.Errorf("requeue reaped job: %w", err)
			}
			eventType = models.EventRetried
		}

		if _, err := tx.Exec(ctx, `DELETE FROM job_leases WHERE job_id = $1`, job.ID); err != nil {
			return 0, fmt.Errorf("delete expired lease: %w", err)
		}
		if err := store.AppendEvent(ctx, tx, job.ID, eventType, map[string]any{
			"reason":    leaseExpiredError,
			"worker_id": l.workerID,
			"attempts":  job.Attempts,
		}); err != nil {
			return 0, err
		}
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit requeue: %w", err)
	}

	telemetry.ReapedTotal.Add(float64(count))
	return count, nil
}
