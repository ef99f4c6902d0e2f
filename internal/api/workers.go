package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type pollRequest struct {
	WorkerID             string `json:"worker_id"`
	TenantID             string `json:"tenant_id"`
	LeaseDurationSeconds int    `json:"lease_duration_seconds"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	duration := time.Duration(req.LeaseDurationSeconds) * time.Second
	job, lease, err := s.engine.Dispatch(r.Context(), req.WorkerID, req.TenantID, duration)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":         job,
		"lease_token": lease.LeaseToken,
		"expires_at":  lease.ExpiresAt,
	})
}

type heartbeatRequest struct {
	WorkerID      string    `json:"worker_id"`
	LeaseToken    uuid.UUID `json:"lease_token"`
	ExtendSeconds int       `json:"extend_seconds"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	expiresAt, err := s.engine.Heartbeat(r.Context(), jobID, req.LeaseToken,
		time.Duration(req.ExtendSeconds)*time.Second)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expires_at": expiresAt})
}

type completeRequest struct {
	WorkerID       string         `json:"worker_id"`
	LeaseToken     *uuid.UUID     `json:"lease_token"`
	Result         map[string]any `json:"result"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := s.engine.Complete(r.Context(), jobID, req.Result, req.LeaseToken, req.IdempotencyKey)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "job_status": job.Status})
}

type failRequest struct {
	WorkerID   string     `json:"worker_id"`
	LeaseToken *uuid.UUID `json:"lease_token"`
	Error      string     `json:"error"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := s.engine.Fail(r.Context(), jobID, req.Error, req.LeaseToken)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "failed", "job_status": job.Status})
}
