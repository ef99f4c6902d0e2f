package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobbroker/internal/models"
)

// fakeBroker serves one job on the first poll and records reports.
type fakeBroker struct {
	mu        sync.Mutex
	served    bool
	completed int
	failed    int
	jobID     uuid.UUID
	token     uuid.UUID
}

func (f *fakeBroker) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.URL.Path == "/workers/poll":
			if f.served {
				_, _ = w.Write([]byte("null"))
				return
			}
			f.served = true
			_ = json.NewEncoder(w).Encode(map[string]any{
				"job": models.Job{
					ID:       f.jobID,
					TenantID: "acme",
					Status:   models.StatusLeased,
					Payload:  map[string]any{"should_fail": false},
				},
				"lease_token": f.token,
				"expires_at":  time.Now().UTC().Add(30 * time.Second),
			})
		case r.URL.Path == "/workers/"+f.jobID.String()+"/complete":
			f.completed++
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
		case r.URL.Path == "/workers/"+f.jobID.String()+"/fail":
			f.failed++
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "failed"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"expires_at": time.Now().UTC().Add(30 * time.Second)})
		}
	})
}

func (f *fakeBroker) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed, f.failed
}

func TestRunnerCompletesJob(t *testing.T) {
	fake := &fakeBroker{jobID: uuid.New(), token: uuid.New()}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	handled := make(chan models.Job, 1)
	runner := NewRunner(NewClient(srv.URL, "w-1", "", ""), func(_ context.Context, job models.Job) (map[string]any, error) {
		handled <- job
		return map[string]any{"ok": true}, nil
	}, RunnerConfig{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() { _ = runner.Run(ctx) }()

	select {
	case job := <-handled:
		assert.Equal(t, fake.jobID, job.ID)
	case <-ctx.Done():
		t.Fatal("handler was never invoked")
	}

	require.Eventually(t, func() bool {
		completed, _ := fake.counts()
		return completed == 1
	}, 2*time.Second, 20*time.Millisecond, "completion must be reported")
}

func TestRunnerReportsFailure(t *testing.T) {
	fake := &fakeBroker{jobID: uuid.New(), token: uuid.New()}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	runner := NewRunner(NewClient(srv.URL, "w-1", "", ""), func(context.Context, models.Job) (map[string]any, error) {
		return nil, errors.New("boom")
	}, RunnerConfig{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() { _ = runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, failed := fake.counts()
		return failed == 1
	}, 2*time.Second, 20*time.Millisecond, "failure must be reported")
}
