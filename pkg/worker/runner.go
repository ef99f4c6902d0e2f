package worker

import (
	"context"
	"log"
	"time"

	"jobbroker/internal/models"
)

// Handler executes one job and returns its result document.
type Handler func(ctx context.Context, job models.Job) (map[string]any, error)

// RunnerConfig tunes the poll/heartbeat cadence.
type RunnerConfig struct {
	// TenantID pins polling to one tenant; empty polls the shared pool.
	TenantID string
	// LeaseSeconds requested on poll; 0 uses the broker default.
	LeaseSeconds int
	// PollInterval is the sleep after an empty poll.
	PollInterval time.Duration
	// HeartbeatInterval is the cadence of lease renewal during execution.
	HeartbeatInterval time.Duration
}

// Runner drives the lease/execute/report loop around a Client. While the
// handler runs, a background task heartbeats the lease; losing the lease
// cancels the handler's context.
type Runner struct {
	client  *Client
	handler Handler
	cfg     RunnerConfig
}

// NewRunner constructs a runner.
func NewRunner(client *Client, handler Handler, cfg RunnerConfig) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Runner{client: client, handler: handler, cfg: cfg}
}

// Run polls until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("worker %s started", r.client.WorkerID())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		leased, err := r.client.Poll(ctx, r.cfg.TenantID, r.cfg.LeaseSeconds)
		if err != nil {
			log.Printf("worker %s poll: %v", r.client.WorkerID(), err)
			if !sleep(ctx, r.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if leased == nil {
			if !sleep(ctx, r.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		r.process(ctx, leased)
	}
}

func (r *Runner) process(ctx context.Context, leased *PollResult) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Renew the lease in the background; a rejected heartbeat means the
	// lease is gone and execution should stop.
	go func() {
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				extend := int(r.cfg.HeartbeatInterval/time.Second) * 3
				if _, err := r.client.Heartbeat(jobCtx, leased.Job.ID, leased.LeaseToken, extend); err != nil {
					log.Printf("worker %s job %s heartbeat: %v", r.client.WorkerID(), leased.Job.ID, err)
					cancel()
					return
				}
			}
		}
	}()

	result, err := r.handler(jobCtx, leased.Job)
	cancel()

	// Report with a fresh context so shutdown does not drop the outcome.
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer reportCancel()

	if err != nil {
		if ferr := r.client.Fail(reportCtx, leased.Job.ID, leased.LeaseToken, err.Error()); ferr != nil {
			log.Printf("worker %s job %s fail report: %v", r.client.WorkerID(), leased.Job.ID, ferr)
		}
		return
	}
	if cerr := r.client.Complete(reportCtx, leased.Job.ID, leased.LeaseToken, result, ""); cerr != nil {
		log.Printf("worker %s job %s complete report: %v", r.client.WorkerID(), leased.Job.ID, cerr)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
