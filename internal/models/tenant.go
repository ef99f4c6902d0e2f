package models

import "time"

// Tenant holds scheduling policy for one producer of jobs. Weight steers the
// shared-worker dispatcher; max_inflight caps concurrent leases.
type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Weight      int       `json:"weight"`
	MaxInflight int       `json:"max_inflight"`
	APIKey      *string   `json:"api_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
