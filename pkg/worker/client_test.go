package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobbroker/internal/models"
)

const testAPIKey = "secret-key"

// verifySignature mirrors the broker's middleware: HMAC-SHA256 over the raw
// body with the tenant key.
func verifySignature(t *testing.T, r *http.Request) []byte {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(testAPIKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, expected, r.Header.Get("X-Worker-Signature"), "signature must cover the transmitted bytes")
	assert.Equal(t, "acme", r.Header.Get("X-Tenant-ID"))
	return body
}

func TestClientPollSignsRequests(t *testing.T) {
	jobID := uuid.New()
	token := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/workers/poll", r.URL.Path)
		body := verifySignature(t, r)

		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "w-1", req["worker_id"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"job": models.Job{
				ID:       jobID,
				TenantID: "acme",
				Status:   models.StatusLeased,
				Payload:  map[string]any{"n": float64(1)},
			},
			"lease_token": token,
			"expires_at":  time.Now().UTC().Add(30 * time.Second),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "w-1", "acme", testAPIKey)
	result, err := client.Poll(context.Background(), "", 0)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, jobID, result.Job.ID)
	assert.Equal(t, token, result.LeaseToken)
}

func TestClientPollEmptyQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("null"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "w-1", "acme", testAPIKey)
	result, err := client.Poll(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestClientHeartbeatConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "lease expired"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "w-1", "acme", testAPIKey)
	_, err := client.Heartbeat(context.Background(), uuid.New(), uuid.New(), 30)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease expired")
}

func TestClientCompleteAndFailPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		paths = append(paths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "w-1", "acme", testAPIKey)
	jobID := uuid.New()
	token := uuid.New()

	require.NoError(t, client.Complete(context.Background(), jobID, token, map[string]any{"ok": true}, "key-1"))
	require.NoError(t, client.Fail(context.Background(), jobID, token, "boom"))

	require.Len(t, paths, 2)
	assert.Equal(t, "/workers/"+jobID.String()+"/complete", paths[0])
	assert.Equal(t, "/workers/"+jobID.String()+"/fail", paths[1])
}
