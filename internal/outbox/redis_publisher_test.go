package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobbroker/internal/models"
)

func TestRedisStreamPublisher(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pub := NewRedisStreamPublisher(client, "broker:events")

	event := models.OutboxEvent{
		ID:        7,
		EventType: "JOB_COMPLETED",
		Payload:   map[string]any{"job_id": "abc", "tenant_id": "acme"},
		Status:    models.OutboxPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, pub.Publish(ctx, event))

	entries, err := client.XRange(ctx, "broker:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "7", entries[0].Values["id"])
	assert.Equal(t, "JOB_COMPLETED", entries[0].Values["event_type"])

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &payload))
	assert.Equal(t, "abc", payload["job_id"])
	assert.Equal(t, "acme", payload["tenant_id"])
}

func TestLogPublisherNeverFails(t *testing.T) {
	pub := LogPublisher{}
	err := pub.Publish(context.Background(), models.OutboxEvent{ID: 1, EventType: "JOB_FAILED"})
	assert.NoError(t, err)
}
