package outbox

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobbroker/internal/models"
	"jobbroker/internal/store"
)

const testEnvDSN = "BROKER_TEST_POSTGRES_DSN"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv(testEnvDSN)
	if dsn == "" {
		t.Skipf("set %s to run Postgres integration tests", testEnvDSN)
	}
	ctx := context.Background()
	st, err := store.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

// recordingPublisher captures published events and can fail on demand.
type recordingPublisher struct {
	mu        sync.Mutex
	published []models.OutboxEvent
	failUntil int
}

func (p *recordingPublisher) Publish(_ context.Context, event models.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUntil > 0 {
		p.failUntil--
		return errors.New("bus unavailable")
	}
	p.published = append(p.published, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func pendingCount(t *testing.T, st *store.Store, eventType string) int {
	t.Helper()
	var n int
	require.NoError(t, st.Pool().QueryRow(context.Background(), `
		SELECT COUNT(*) FROM outbox_events WHERE status = $1 AND event_type = $2
	`, models.OutboxPending, eventType).Scan(&n))
	return n
}

func TestProcessBatchPublishesAndMarks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	eventType := "TEST_EVENT_" + time.Now().UTC().Format("150405.000000000")

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendOutbox(ctx, st.Pool(), eventType, map[string]any{"i": i}))
	}
	require.Equal(t, 3, pendingCount(t, st, eventType))

	pub := &recordingPublisher{}
	proc := NewProcessor(st.Pool(), pub, time.Second, 50)

	n, err := proc.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3)
	assert.GreaterOrEqual(t, pub.count(), 3)
	assert.Zero(t, pendingCount(t, st, eventType), "published rows must leave pending")
}

func TestProcessBatchRetriesFailedPublishes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	eventType := "TEST_RETRY_" + time.Now().UTC().Format("150405.000000000")

	require.NoError(t, store.AppendOutbox(ctx, st.Pool(), eventType, map[string]any{"x": 1}))

	pub := &recordingPublisher{failUntil: 1}
	proc := NewProcessor(st.Pool(), pub, time.Second, 50)

	_, err := proc.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pendingCount(t, st, eventType), "a failed publish leaves the row pending")

	_, err = proc.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, pendingCount(t, st, eventType), "the next batch retries and succeeds")
}
