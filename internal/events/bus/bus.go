// Package bus provides the pub/sub fan-out for activity events. Three
// providers exist: in-memory for single-node deployments and tests, NATS
// for multi-replica control planes, and Redis piggybacking on the
// coordination store.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SubjectActivity is the subject activity events are published on. Every
// API replica subscribes here and re-broadcasts to its WebSocket clients.
const SubjectActivity = "orchd.activity"

// Event is one message on the bus. Data carries the typed payload as raw
// JSON so providers do not re-encode it.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates an event with a fresh id and timestamp. The payload is
// marshaled once here.
func NewEvent(eventType, source string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Handler processes one received event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus is the provider-independent pub/sub surface.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
