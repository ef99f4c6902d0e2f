package broker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"jobbroker/internal/models"
	"jobbroker/internal/store"
	"jobbroker/internal/telemetry"
)

// Candidate is a tenant eligible for shared-worker dispatch.
type Candidate struct {
	ID     string
	Weight int
}

// Dispatch chooses which tenant to serve for one worker poll and delegates
// the atomic claim to Lease.
//
// Pinned mode (tenantID set) leases for that tenant directly. Shared mode
// draws a tenant by weighted random sampling from the set of active tenants,
// retrying with the loser removed when the claim races another dispatcher.
// Both modes respect the global concurrency cap.
func (e *Engine) Dispatch(ctx context.Context, workerID, tenantID string, duration time.Duration) (*models.Job, *models.Lease, error) {
	now := time.Now().UTC()

	inflight, err := store.LiveLeaseCount(ctx, e.pool, "", now)
	if err != nil {
		return nil, nil, fmt.Errorf("count live leases: %w", err)
	}
	if inflight >= e.cfg.GlobalConcurrencyCap {
		return nil, nil, nil
	}

	if tenantID != "" {
		job, lease, err := e.Lease(ctx, workerID, tenantID, duration)
		if job != nil {
			telemetry.LeaseTotal.WithLabelValues(job.TenantID, "pinned").Inc()
		}
		return job, lease, err
	}

	candidates, err := e.activeTenants(ctx, now)
	if err != nil {
		return nil, nil, err
	}

	retries := e.cfg.DispatchMaxRetries
	if retries < 3 {
		retries = 3
	}
	for attempt := 0; attempt < retries && len(candidates) > 0; attempt++ {
		idx := pickWeighted(candidates, rand.Float64())
		job, lease, err := e.Lease(ctx, workerID, candidates[idx].ID, duration)
		if err != nil {
			return nil, nil, err
		}
		if job != nil {
			telemetry.LeaseTotal.WithLabelValues(job.TenantID, "shared").Inc()
			return job, lease, nil
		}
		// Another dispatcher took the tenant's last eligible row between the
		// fairness step and the claim; drop it and redraw.
		candidates = append(candidates[:idx], candidates[idx+1:]...)
	}
	return nil, nil, nil
}

// activeTenants returns tenants that have at least one dispatchable job and
// headroom under their max_inflight cap. Live leases are those that have not
// yet expired; expired leases do not count against the cap even before the
// reaper sweeps them.
func (e *Engine) activeTenants(ctx context.Context, now time.Time) ([]Candidate, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT t.id, t.weight
		FROM tenants t
		WHERE EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.tenant_id = t.id AND j.status = $1 AND j.available_at <= $2
		)
		AND (
			SELECT COUNT(*)
			FROM job_leases l
			JOIN jobs lj ON lj.id = l.job_id
			WHERE lj.tenant_id = t.id AND l.expires_at > $2
		) < t.max_inflight
	`, models.StatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("query active tenants: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Weight); err != nil {
			return nil, fmt.Errorf("scan active tenant: %w", err)
		}
		if c.Weight < 1 {
			c.Weight = 1
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// pickWeighted samples one candidate index proportionally to weight, given a
// uniform draw in [0, 1).
func pickWeighted(candidates []Candidate, draw float64) int {
	total := 0
	for _, c := range candidates {
		total += c.Weight
	}
	target := draw * float64(total)
	acc := 0.0
	for i, c := range candidates {
		acc += float64(c.Weight)
		if target < acc {
			return i
		}
	}
	return len(candidates) - 1
}
