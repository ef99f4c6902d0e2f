package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"jobbroker/internal/models"
	"jobbroker/internal/store"
)

// Heartbeat renews a lease identified by (job_id, lease_token) and returns
// the new expiry. Possession of the token is the sole proof of ownership.
// A job-level execution_timeout is a wall-clock ceiling: once the job has run
// longer than it, renewal fails with ErrLeaseExpired. A renewal before that
// point still sets expiry to now plus extend, which may fall past the ceiling.
func (e *Engine) Heartbeat(ctx context.Context, jobID uuid.UUID, leaseToken uuid.UUID, extend time.Duration) (time.Time, error) {
	if extend <= 0 {
		extend = e.cfg.DefaultLeaseTimeout
	}
	now := time.Now().UTC()

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return time.Time{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		expiresAt   time.Time
		startedAt   pgtype.Timestamptz
		execTimeout pgtype.Int4
	)
	err = tx.QueryRow(ctx, `
		SELECT l.expires_at, j.started_at, j.execution_timeout
		FROM job_leases l
		JOIN jobs j ON j.id = l.job_id
		WHERE l.job_id = $1 AND l.lease_token = $2
		FOR UPDATE OF l
	`, jobID, leaseToken).Scan(&expiresAt, &startedAt, &execTimeout)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("job %s: %w", jobID, ErrLeaseNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query lease: %w", err)
	}

	if expiresAt.Before(now) {
		return time.Time{}, fmt.Errorf("lease expired at %s: %w", expiresAt.Format(time.RFC3339), ErrLeaseExpired)
	}
	if execTimeout.Valid && startedAt.Valid {
		runtime := now.Sub(startedAt.Time)
		if runtime > time.Duration(execTimeout.Int32)*time.Second {
			return time.Time{}, fmt.Errorf("execution timeout exceeded (%s > %ds): %w",
				runtime.Truncate(time.Millisecond), execTimeout.Int32, ErrLeaseExpired)
		}
	}

	newExpiry := now.Add(extend)
	if _, err := tx.Exec(ctx, `
		UPDATE job_leases SET expires_at = $3, last_heartbeat_at = $4
		WHERE job_id = $1 AND lease_token = $2
	`, jobID, leaseToken, newExpiry, now); err != nil {
		return time.Time{}, fmt.Errorf("renew lease: %w", err)
	}

	if err := store.AppendEvent(ctx, tx, jobID, models.EventLeaseRenewed, map[string]any{
		"expires_at": newExpiry.Format(time.RFC3339),
	}); err != nil {
		return time.Time{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, fmt.Errorf("commit heartbeat: %w", err)
	}
	return newExpiry, nil
}
