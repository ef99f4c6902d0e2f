package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobbroker/internal/models"
	"jobbroker/internal/telemetry"
)

// Processor drains pending outbox rows in batches. Rows are claimed with
// FOR UPDATE SKIP LOCKED so concurrent processors never publish the same
// event; the published flag commits atomically with the batch.
type Processor struct {
	pool      *pgxpool.Pool
	publisher Publisher
	interval  time.Duration
	batchSize int
}

// NewProcessor constructs the outbox loop.
func NewProcessor(pool *pgxpool.Pool, publisher Publisher, interval time.Duration, batchSize int) *Processor {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Processor{pool: pool, publisher: publisher, interval: interval, batchSize: batchSize}
}

// Run processes batches until context cancellation. A drained queue sleeps
// one interval; errors are logged and retried next tick.
func (p *Processor) Run(ctx context.Context) error {
	for {
		n, err := p.ProcessBatch(ctx)
		if err != nil {
			log.Printf("outbox batch: %v", err)
		}
		if err != nil || n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.interval):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// ProcessBatch publishes up to batchSize pending events and returns how many
// were handled (published or left pending after a failed publish).
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_type, payload, status, created_at
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, models.OutboxPending, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("select pending events: %w", err)
	}

	var events []models.OutboxEvent
	for rows.Next() {
		var (
			ev          models.OutboxEvent
			payloadJSON []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EventType, &payloadJSON, &ev.Status, &ev.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox event: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("unmarshal outbox payload: %w", err)
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate outbox events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	for _, ev := range events {
		if err := p.publisher.Publish(ctx, ev); err != nil {
			// Leave the row pending; the next tick retries it.
			log.Printf("outbox publish failed: id=%d type=%s: %v", ev.ID, ev.EventType, err)
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox_events SET status = $2, published_at = $3 WHERE id = $1
		`, ev.ID, models.OutboxPublished, now); err != nil {
			return 0, fmt.Errorf("mark event published: %w", err)
		}
		telemetry.OutboxPublished.Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return len(events), nil
}
