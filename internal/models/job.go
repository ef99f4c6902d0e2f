package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusScheduled   = "scheduled"
	StatusPending     = "pending"
	StatusLeased      = "leased"
	StatusRunning     = "running"
	StatusSucceeded   = "succeeded"
	StatusFailedFinal = "failed_final"
	StatusCanceled    = "canceled"
	StatusDLQ         = "dlq"
)

// Event types recorded in the append-only job event log.
const (
	EventCreated      = "created"
	EventLeased       = "leased"
	EventLeaseRenewed = "lease_renewed"
	EventCompleted    = "completed"
	EventRetried      = "retried"
	EventDLQRouted    = "dlq_routed"
	EventCanceled     = "canceled"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailedFinal, StatusCanceled, StatusDLQ:
		return true
	}
	return false
}

// Job represents a unit of work persisted in Postgres.
type Job struct {
	ID               uuid.UUID      `json:"id"`
	TenantID         string         `json:"tenant_id"`
	Status           string         `json:"status"`
	Priority         int            `json:"priority"`
	Payload          map[string]any `json:"payload"`
	Result           map[string]any `json:"result,omitempty"`
	Attempts         int            `json:"attempts"`
	MaxAttempts      int            `json:"max_attempts"`
	IdempotencyKey   *string        `json:"idempotency_key,omitempty"`
	AvailableAt      time.Time      `json:"available_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	ExecutionTimeout *int           `json:"execution_timeout,omitempty"`
	LastError        *string        `json:"last_error,omitempty"`
	CronSchedule     *string        `json:"cron_schedule,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Lease is a time-bounded reservation of a job by a worker. A job has at
// most one lease, and only while status is leased or running.
type Lease struct {
	JobID           uuid.UUID `json:"job_id"`
	WorkerID        string    `json:"worker_id"`
	LeaseToken      uuid.UUID `json:"lease_token"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// JobEvent is an append-only audit row sharing the transaction of the state
// change that produced it.
type JobEvent struct {
	ID        int64          `json:"id"`
	JobID     uuid.UUID      `json:"job_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Meta      map[string]any `json:"meta,omitempty"`
}
