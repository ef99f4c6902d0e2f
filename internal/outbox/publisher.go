package outbox

import (
	"context"
	"log"

	"jobbroker/internal/models"
)

// Publisher delivers one outbox event to the downstream bus. A failed
// publish leaves the row pending for the next batch.
type Publisher interface {
	Publish(ctx context.Context, event models.OutboxEvent) error
}

// LogPublisher writes events to the process log. It stands in for a real
// bus in development and tests.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, event models.OutboxEvent) error {
	log.Printf("outbox publish: id=%d type=%s payload=%v", event.ID, event.EventType, event.Payload)
	return nil
}
