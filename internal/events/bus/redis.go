package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/coord"
)

// RedisEventBus fans events out over the coordination store's pub/sub
// channels. Useful when a deployment already runs Redis and no NATS.
type RedisEventBus struct {
	client *coord.Client
	logger *logger.Logger

	mu     sync.Mutex
	subs   []*redisSubscription
	closed bool
}

// NewRedisEventBus wraps an already-connected coordination client.
func NewRedisEventBus(client *coord.Client, log *logger.Logger) *RedisEventBus {
	return &RedisEventBus{client: client, logger: log}
}

// Publish sends the event on the subject's Redis channel.
func (b *RedisEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.client.Publish(ctx, subject, data)
}

// Subscribe registers a handler for a subject.
func (b *RedisEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	inner, err := b.client.Subscribe(context.Background(), subject)
	if err != nil {
		return nil, err
	}
	sub := &redisSubscription{inner: inner}
	b.subs = append(b.subs, sub)

	go func() {
		for payload := range inner.Messages() {
			var event Event
			if err := json.Unmarshal(payload, &event); err != nil {
				b.logger.Error("Failed to unmarshal event",
					zap.String("subject", subject),
					zap.Error(err))
				continue
			}
			if err := handler(context.Background(), &event); err != nil {
				b.logger.Error("Event handler failed",
					zap.String("subject", subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}
	}()
	return sub, nil
}

// Close unsubscribes everything. The underlying Redis client is owned by
// the caller and stays open.
func (b *RedisEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}

// IsConnected reports whether the bus accepts publishes.
func (b *RedisEventBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

type redisSubscription struct {
	inner *coord.Subscription
	once  sync.Once
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.inner.Close() })
	return err
}
