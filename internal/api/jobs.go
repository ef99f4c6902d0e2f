package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"jobbroker/internal/broker"
	"jobbroker/internal/models"
	"jobbroker/internal/store"
	"jobbroker/internal/telemetry"
)

type createJobRequest struct {
	TenantID         string         `json:"tenant_id"`
	Payload          map[string]any `json:"payload"`
	Priority         int            `json:"priority"`
	IdempotencyKey   string         `json:"idempotency_key"`
	MaxAttempts      int            `json:"max_attempts"`
	ExecutionTimeout *int           `json:"execution_timeout"`
	RunAt            *time.Time     `json:"run_at"`
	DelaySeconds     int            `json:"delay_seconds"`
	CronSchedule     string         `json:"cron_schedule"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	tenant, _ := tenantFromContext(r.Context())
	if req.TenantID == "" {
		req.TenantID = tenant.ID
	}
	if req.TenantID != tenant.ID {
		writeError(w, http.StatusForbidden, "tenant mismatch")
		return
	}
	if req.Priority < 0 || req.Priority > 9 {
		writeError(w, http.StatusBadRequest, "priority must be in [0, 9]")
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.DefaultMaxAttempts
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.TenantID)
		if err != nil {
			log.Printf("rate limit check: %v", err)
		} else if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	now := time.Now().UTC()
	availableAt := now
	status := models.StatusPending
	switch {
	case req.RunAt != nil:
		availableAt = req.RunAt.UTC()
		if availableAt.After(now) {
			status = models.StatusScheduled
		}
	case req.DelaySeconds > 0:
		availableAt = now.Add(time.Duration(req.DelaySeconds) * time.Second)
		status = models.StatusScheduled
	case req.CronSchedule != "":
		next, err := broker.NextCronTime(req.CronSchedule, now)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cron_schedule")
			return
		}
		availableAt = next
		status = models.StatusScheduled
	}

	job, reused, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		TenantID:         req.TenantID,
		Payload:          req.Payload,
		Priority:         req.Priority,
		IdempotencyKey:   req.IdempotencyKey,
		MaxAttempts:      req.MaxAttempts,
		ExecutionTimeout: req.ExecutionTimeout,
		AvailableAt:      availableAt,
		CronSchedule:     req.CronSchedule,
		Status:           status,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !reused && job.Status == models.StatusPending {
		telemetry.QueueDepth.WithLabelValues(job.TenantID).Inc()
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	if !s.authorizeTenant(w, r, job.TenantID) {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	if !s.authorizeTenant(w, r, job.TenantID) {
		return
	}
	events, err := s.store.ListEvents(r.Context(), jobID, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	if !s.authorizeTenant(w, r, job.TenantID) {
		return
	}
	job, err = s.engine.Cancel(r.Context(), jobID)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	tenant, _ := tenantFromContext(r.Context())
	jobs, err := s.store.ListDLQ(r.Context(), tenant.ID, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// authorizeTenant rejects cross-tenant access to a job resource.
func (s *Server) authorizeTenant(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	tenant, ok := tenantFromContext(r.Context())
	if !ok || tenant.ID != tenantID {
		writeError(w, http.StatusForbidden, "tenant mismatch")
		return false
	}
	return true
}
