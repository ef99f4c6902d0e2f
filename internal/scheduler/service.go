package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"jobbroker/internal/broker"
	"jobbroker/internal/config"
	"jobbroker/internal/store"
	"jobbroker/internal/telemetry"
)

// Service drives the periodic maintenance loop. Leader-only tasks (promotion,
// priority aging, reaping) run on whichever instance holds the advisory lock;
// gauge recompute runs everywhere. The service owns one long-lived database
// session for the lock and recreates it after any error.
type Service struct {
	cfg    config.Config
	st     *store.Store
	engine *broker.Engine

	conn     *pgx.Conn
	isLeader bool
}

// NewService constructs the scheduler loop.
func NewService(cfg config.Config, st *store.Store, engine *broker.Engine) *Service {
	return &Service{cfg: cfg, st: st, engine: engine}
}

// Run ticks until context cancellation. Errors are absorbed per tick so one
// bad pass never stalls the loop.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickerInterval)
	defer ticker.Stop()
	defer s.dropSession(context.Background())

	for {
		if err := s.tick(ctx); err != nil {
			log.Printf("scheduler tick: %v", err)
			s.demote()
			s.dropSession(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	if s.conn == nil {
		conn, err := pgx.Connect(ctx, s.cfg.PostgresDSN)
		if err != nil {
			return err
		}
		s.conn = conn
	}

	isLeader, err := TryAdvisoryLock(ctx, s.conn, s.cfg.LeaderLockKey)
	if err != nil {
		return err
	}

	if isLeader {
		if !s.isLeader {
			log.Printf("acquired leadership (lock key %d)", s.cfg.LeaderLockKey)
			s.isLeader = true
			telemetry.LeaderStatus.Set(1)
		}
		if err := s.runLeaderTasks(ctx); err != nil {
			return err
		}
	} else if s.isLeader {
		log.Printf("lost leadership (lock key %d)", s.cfg.LeaderLockKey)
		s.demote()
	}

	return s.recomputeGauges(ctx)
}

func (s *Service) runLeaderTasks(ctx context.Context) error {
	now := time.Now().UTC()

	promoted, err := PromoteScheduled(ctx, s.conn, now)
	if err != nil {
		return err
	}
	if promoted > 0 {
		log.Printf("promoted %d scheduled jobs", promoted)
	}

	if _, err := AgePriorities(ctx, s.conn); err != nil {
		return err
	}

	reaped, err := s.engine.RequeueExpired(ctx, s.cfg.ReaperBatchSize)
	if err != nil {
		return err
	}
	if reaped > 0 {
		log.Printf("reaper recovered %d expired leases", reaped)
	}
	return nil
}

// recomputeGauges refreshes queue depth and inflight gauges on every
// instance so a non-leader's /metrics stays accurate.
func (s *Service) recomputeGauges(ctx context.Context) error {
	depths, err := s.st.QueueDepths(ctx)
	if err != nil {
		return err
	}
	telemetry.QueueDepth.Reset()
	for tenant, n := range depths {
		telemetry.QueueDepth.WithLabelValues(tenant).Set(float64(n))
	}

	inflight, err := store.LiveLeaseCount(ctx, s.st.Pool(), "", time.Now().UTC())
	if err != nil {
		return err
	}
	telemetry.JobsInflight.Set(float64(inflight))
	return nil
}

func (s *Service) demote() {
	s.isLeader = false
	telemetry.LeaderStatus.Set(0)
}

// dropSession closes the lock-holding session so Postgres releases the
// advisory lock; the next tick reconnects.
func (s *Service) dropSession(ctx context.Context) {
	if s.conn != nil {
		_ = s.conn.Close(ctx)
		s.conn = nil
	}
}
