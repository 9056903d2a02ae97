// Package bus publishes committed database changes to subscribers, either
// in process or over NATS.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/litepool/internal/common/config"
	"github.com/kandev/litepool/internal/common/logger"
)

// Subjects published by litepool.
const (
	SubjectEntryCreated      = "litepool.entries.created"
	SubjectEntriesBulk       = "litepool.entries.bulk"
	SubjectLogWritten        = "litepool.logs.written"
	SubjectMigrationsApplied = "litepool.migrations.applied"
)

// Event is one change notification. Data holds event-specific fields
// such as the inserted entry id.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps a new event with a random id and the current UTC time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. A returned error is logged; the event
// is not redelivered.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus carries events from commit hooks to subscribers. Subjects are
// dot-separated tokens; subscriptions may use "*" for one token and ">"
// for the remainder.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	// QueueSubscribe delivers each event to one member of queue.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

// New returns a NATS bus when cfg.URL is set and an in-memory bus otherwise.
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
