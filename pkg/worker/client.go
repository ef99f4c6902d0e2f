package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobbroker/internal/models"
)

// Client talks to the broker's worker endpoints. When an API key is set,
// every request is HMAC-signed over the exact bytes transmitted.
type Client struct {
	baseURL  string
	workerID string
	tenantID string
	apiKey   string
	httpc    *http.Client
}

// NewClient constructs a worker client. tenantID names the worker's home
// tenant used for authentication; polls may still target other tenants or
// the shared pool.
func NewClient(baseURL, workerID, tenantID, apiKey string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		workerID: workerID,
		tenantID: tenantID,
		apiKey:   apiKey,
		httpc:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WorkerID returns the identifier reported on every request.
func (c *Client) WorkerID() string { return c.workerID }

// PollResult is a leased job together with its proof of ownership.
type PollResult struct {
	Job        models.Job `json:"job"`
	LeaseToken uuid.UUID  `json:"lease_token"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Poll asks the broker for one job. tenantID pins the poll to a tenant;
// empty means shared dispatch. Returns nil when no job is ready.
func (c *Client) Poll(ctx context.Context, tenantID string, leaseSeconds int) (*PollResult, error) {
	body := map[string]any{"worker_id": c.workerID}
	if tenantID != "" {
		body["tenant_id"] = tenantID
	}
	if leaseSeconds > 0 {
		body["lease_duration_seconds"] = leaseSeconds
	}

	var raw json.RawMessage
	if err := c.post(ctx, "/workers/poll", body, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var result PollResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &result, nil
}

// Heartbeat renews the lease and returns the new expiry.
func (c *Client) Heartbeat(ctx context.Context, jobID, leaseToken uuid.UUID, extendSeconds int) (time.Time, error) {
	var out struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	err := c.post(ctx, fmt.Sprintf("/workers/%s/heartbeat", jobID), map[string]any{
		"worker_id":      c.workerID,
		"lease_token":    leaseToken,
		"extend_seconds": extendSeconds,
	}, &out)
	if err != nil {
		return time.Time{}, err
	}
	return out.ExpiresAt, nil
}

// Complete reports a successful execution.
func (c *Client) Complete(ctx context.Context, jobID, leaseToken uuid.UUID, result map[string]any, idempotencyKey string) error {
	body := map[string]any{
		"worker_id":   c.workerID,
		"lease_token": leaseToken,
		"result":      result,
	}
	if idempotencyKey != "" {
		body["idempotency_key"] = idempotencyKey
	}
	return c.post(ctx, fmt.Sprintf("/workers/%s/complete", jobID), body, nil)
}

// Fail reports a failed execution; the broker decides retry or DLQ.
func (c *Client) Fail(ctx context.Context, jobID, leaseToken uuid.UUID, errMsg string) error {
	return c.post(ctx, fmt.Sprintf("/workers/%s/fail", jobID), map[string]any{
		"worker_id":   c.workerID,
		"lease_token": leaseToken,
		"error":       errMsg,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Worker-Signature", c.sign(payload))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, apiErr.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// sign computes the HMAC-SHA256 signature over the request body using the
// tenant API key. The signed bytes are exactly the bytes sent.
func (c *Client) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.apiKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
