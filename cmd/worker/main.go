package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobbroker/internal/config"
	"jobbroker/internal/models"
	"jobbroker/pkg/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	baseURL := os.Getenv("BROKER_URL")
	if baseURL == "" {
		baseURL = "http://localhost:" + cfg.HTTPPort
	}
	tenantID := os.Getenv("WORKER_TENANT_ID")
	apiKey := os.Getenv("WORKER_API_KEY")
	pinned := os.Getenv("WORKER_PINNED_TENANT")

	client := worker.NewClient(baseURL, workerID, tenantID, apiKey)
	runner := worker.NewRunner(client, handleJob, worker.RunnerConfig{
		TenantID:          pinned,
		PollInterval:      time.Second,
		HeartbeatInterval: 10 * time.Second,
	})

	log.Printf("worker %s polling %s (pinned=%q)", workerID, baseURL, pinned)
	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("worker stopped: %v", err)
	}
}

// handleJob simulates execution driven by the payload: duration_ms delays,
// should_fail forces a failure for retry/DLQ testing.
func handleJob(ctx context.Context, job models.Job) (map[string]any, error) {
	if v, ok := job.Payload["should_fail"].(bool); ok && v {
		return nil, errors.New("simulated failure requested by payload.should_fail")
	}
	if ms, ok := asInt(job.Payload["duration_ms"]); ok && ms > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
	}
	return map[string]any{"processed_at": time.Now().UTC().Format(time.RFC3339)}, nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
