package scheduler

import (
	"context"
	"fmt"
	"time"

	"jobbroker/internal/models"
	"jobbroker/internal/store"
)

// PromoteScheduled advances due scheduled jobs to pending. Returns how many
// were promoted.
func PromoteScheduled(ctx context.Context, q store.Querier, now time.Time) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = $3
		WHERE status = $2 AND available_at <= $3
	`, models.StatusPending, models.StatusScheduled, now)
	if err != nil {
		return 0, fmt.Errorf("promote scheduled jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AgePriorities bumps the priority of long-waiting pending jobs. A job
// climbs exactly one step per minute of waiting, capped at 9: priority p is
// bumped only once created_at falls behind now minus (p+1) minutes.
func AgePriorities(ctx context.Context, q store.Querier) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE jobs SET priority = priority + 1
		WHERE status = $1
		AND priority < 9
		AND created_at < (now() - make_interval(mins => priority + 1))
	`, models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("age priorities: %w", err)
	}
	return tag.RowsAffected(), nil
}
