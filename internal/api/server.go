package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"jobbroker/internal/broker"
	"jobbroker/internal/config"
	"jobbroker/internal/ratelimit"
	"jobbroker/internal/store"
	"jobbroker/internal/telemetry"
)

// Server wires the HTTP edge over the store and the broker engine.
type Server struct {
	cfg     config.Config
	store   *store.Store
	engine  *broker.Engine
	limiter *ratelimit.TenantLimiter
}

// New constructs the API server. limiter may be nil when Redis is not
// configured; enqueue throttling is then disabled.
func New(cfg config.Config, st *store.Store, engine *broker.Engine, limiter *ratelimit.TenantLimiter) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		engine:  engine,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	// Producer plane: per-tenant API key.
	r.Group(func(r chi.Router) {
		r.Use(s.apiKeyAuth)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/events", s.handleJobEvents)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/dlq", s.handleDLQ)
	})

	// Worker plane: HMAC-signed requests.
	r.Group(func(r chi.Router) {
		r.Use(s.workerSignatureAuth)
		r.Post("/workers/poll", s.handlePoll)
		r.Post("/workers/{job_id}/heartbeat", s.handleHeartbeat)
		r.Post("/workers/{job_id}/complete", s.handleComplete)
		r.Post("/workers/{job_id}/fail", s.handleFail)
	})

	// Ops plane.
	r.Post("/admin/requeue_expired", s.handleRequeueExpired)
	r.Post("/tenants", s.handleCreateTenant)
	r.Get("/tenants", s.handleListTenants)
	r.Get("/tenants/{id}", s.handleGetTenant)

	return r
}
