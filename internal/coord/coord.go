// Package coord wraps the Redis coordination store. It carries the atomic
// primitives the queue and the scheduler build on: set-if-absent with TTL,
// conditional release, cursor-based key iteration, and pub/sub fan-out.
// Credential blobs for sandboxes live here too.
package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchd/orchd/internal/common/config"
)

// ErrNoKey is returned when the requested key does not exist.
var ErrNoKey = errors.New("key not found")

// EventsChannel is the pub/sub channel carrying activity events to every
// API replica.
const EventsChannel = "events"

// QueueKey returns the queue-slot key for an agent.
func QueueKey(agent string) string {
	return "queue:" + agent
}

// ScheduleLockKey returns the distributed-lock key for a schedule.
func ScheduleLockKey(scheduleID int64) string {
	return fmt.Sprintf("scheduler:lock:schedule:%d", scheduleID)
}

func credentialsKey(agent string) string {
	return "creds:" + agent
}

// releaseScript deletes the key only when its value still matches the
// holder. Guards against the release-after-takeover race: once the TTL
// expired and someone else acquired the cell, a late release is a no-op.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only while the caller still holds the key.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Client is a thin wrapper over one Redis connection pool.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection.
func New(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetIfAbsent writes key=value with a TTL only when the key is absent.
// Returns true when the write happened.
func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Get returns the value at key, or ErrNoKey.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoKey
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// ReleaseIfHeld deletes key only when its current value equals holder.
// Returns true when the key was deleted.
func (c *Client) ReleaseIfHeld(ctx context.Context, key, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, holder).Int()
	if err != nil {
		return false, fmt.Errorf("conditional release %s: %w", key, err)
	}
	return n == 1, nil
}

// RenewIfHeld extends the TTL of key only while holder still owns it.
// Returns true when the TTL was extended.
func (c *Client) RenewIfHeld(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, c.rdb, []string{key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("conditional renew %s: %w", key, err)
	}
	return n == 1, nil
}

// ScanKeys iterates keys matching pattern with a cursor, never a blocking
// full-keyspace scan.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

// Publish sends payload on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscription is a live pub/sub subscription.
type Subscription struct {
	pubsub *redis.PubSub
	msgs   chan []byte
	cancel context.CancelFunc
}

// Messages returns the payload channel. It closes when the subscription ends.
func (s *Subscription) Messages() <-chan []byte {
	return s.msgs
}

// Close unsubscribes and stops the pump goroutine.
func (s *Subscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

// Subscribe opens a subscription on channel and pumps payloads until Close.
func (c *Client) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		pubsub: pubsub,
		msgs:   make(chan []byte, 64),
		cancel: cancel,
	}
	go func() {
		defer close(sub.msgs)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case sub.msgs <- []byte(msg.Payload):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

// SetCredentials stores an opaque credential blob for an agent. The blob is
// encrypted by the owning service; this layer only stores bytes.
func (c *Client) SetCredentials(ctx context.Context, agent string, blob []byte) error {
	if err := c.rdb.Set(ctx, credentialsKey(agent), blob, 0).Err(); err != nil {
		return fmt.Errorf("set credentials for %s: %w", agent, err)
	}
	return nil
}

// GetCredentials returns an agent's credential blob, or ErrNoKey.
func (c *Client) GetCredentials(ctx context.Context, agent string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, credentialsKey(agent)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials for %s: %w", agent, err)
	}
	return val, nil
}

// DeleteCredentials removes an agent's credential blob.
func (c *Client) DeleteCredentials(ctx context.Context, agent string) error {
	if err := c.rdb.Del(ctx, credentialsKey(agent)).Err(); err != nil {
		return fmt.Errorf("delete credentials for %s: %w", agent, err)
	}
	return nil
}
