// Package bus provides the event bus the orchestrator publishes its
// state transitions on. An in-memory implementation serves the default
// single-process deployment; a NATS implementation is selected when
// nats.url is configured.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects for orchestrator events. SSE and WebSocket gateways subscribe
// with the wildcard forms.
const (
	SubjectPlanPrefix      = "orchestrator.plan."
	SubjectTaskPrefix      = "orchestrator.task."
	SubjectWorkerPrefix    = "orchestrator.worker."
	SubjectInboxPrefix     = "orchestrator.inbox."
	SubjectWorkspacePrefix = "orchestrator.workspace."
	SubjectAll             = "orchestrator.>"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus abstracts publish/subscribe over either the in-memory bus or
// NATS.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns use NATS semantics: * matches one token, > matches the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription; each event goes to
	// exactly one member of the queue group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close shuts the bus down.
	Close()

	// IsConnected reports whether the bus is usable.
	IsConnected() bool
}
