package scheduler

import (
	"context"
	"fmt"

	"jobbroker/internal/store"
)

// TryAdvisoryLock attempts to take the session-scoped Postgres advisory lock
// that elects the scheduler leader. The lock rides the session: when the
// holder's connection dies, Postgres releases it and the next ticker wins.
func TryAdvisoryLock(ctx context.Context, q store.Querier, key int64) (bool, error) {
	var acquired bool
	if err := q.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	return acquired, nil
}
