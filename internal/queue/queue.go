// Package queue serializes stateful chat executions per agent. Admission is
// a single atomic set-if-absent on the agent's slot key; release is
// conditional on the holder so a late release after TTL takeover is a no-op.
// Parallel tasks never touch this package.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/coord"
)

// Slots is the subset of coordination-store primitives the queue uses.
// *coord.Client satisfies it; tests use an in-memory fake.
type Slots interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	ReleaseIfHeld(ctx context.Context, key, holder string) (bool, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// Slot is the value stored in an agent's queue cell while a sequential
// execution is in flight.
type Slot struct {
	VolatileID string    `json:"volatile_id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

// ErrBusy is the typed busy result: the slot is held and the caller decides
// whether to retry. Never queued internally.
type ErrBusy struct {
	Agent      string
	Holder     string
	AcquiredAt time.Time
	RetryAfter time.Duration
}

func (e *ErrBusy) Error() string {
	return fmt.Sprintf("agent %s is busy (held by %s)", e.Agent, e.Holder)
}

// AsBusy extracts an ErrBusy from an error chain.
func AsBusy(err error) (*ErrBusy, bool) {
	var busy *ErrBusy
	if errors.As(err, &busy) {
		return busy, true
	}
	return nil, false
}

// minRetryAfter is the floor on the retry hint returned with a busy result.
const minRetryAfter = time.Second

// Queue is the per-agent admission controller for sequential chats.
type Queue struct {
	slots  Slots
	ttl    time.Duration
	logger *logger.Logger
}

// New creates a queue over the given slot store. ttl bounds one sequential
// execution; an expired slot self-clears so a dead holder cannot wedge the
// agent.
func New(slots Slots, ttl time.Duration, log *logger.Logger) *Queue {
	return &Queue{slots: slots, ttl: ttl, logger: log}
}

// TTL returns the slot time-to-live.
func (q *Queue) TTL() time.Duration {
	return q.ttl
}

// Submit attempts admission for a sequential chat on agent. On success it
// returns the slot carrying the fresh volatile id; when the slot is held it
// returns *ErrBusy with the current holder and a retry hint.
func (q *Queue) Submit(ctx context.Context, agent, holder string) (*Slot, error) {
	slot := &Slot{
		VolatileID: uuid.New().String(),
		Holder:     holder,
		AcquiredAt: time.Now().UTC(),
		TTLSeconds: int64(q.ttl.Seconds()),
	}
	raw, err := json.Marshal(slot)
	if err != nil {
		return nil, err
	}

	ok, err := q.slots.SetIfAbsent(ctx, coord.QueueKey(agent), string(raw), q.ttl)
	if err != nil {
		return nil, fmt.Errorf("queue admission for %s: %w", agent, err)
	}
	if ok {
		q.logger.Debug("Queue slot acquired",
			zap.String("agent", agent),
			zap.String("volatile_id", slot.VolatileID),
			zap.String("holder", holder))
		return slot, nil
	}

	current, err := q.Holder(ctx, agent)
	if err != nil {
		// slot expired between SetNX and Get; tell the caller to come right back
		if errors.Is(err, coord.ErrNoKey) {
			return nil, &ErrBusy{Agent: agent, RetryAfter: minRetryAfter}
		}
		return nil, err
	}
	return nil, &ErrBusy{
		Agent:      agent,
		Holder:     current.Holder,
		AcquiredAt: current.AcquiredAt,
		RetryAfter: retryHint(current, q.ttl),
	}
}

// Complete releases the agent's slot iff it is still owned by volatileID.
// Safe to call twice: the terminate handler and the sandbox completion event
// may both release, and only the first one wins.
func (q *Queue) Complete(ctx context.Context, agent, volatileID string) (bool, error) {
	key := coord.QueueKey(agent)
	raw, err := q.slots.Get(ctx, key)
	if errors.Is(err, coord.ErrNoKey) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue release for %s: %w", agent, err)
	}

	var slot Slot
	if err := json.Unmarshal([]byte(raw), &slot); err != nil {
		return false, fmt.Errorf("corrupt queue slot for %s: %w", agent, err)
	}
	if slot.VolatileID != volatileID {
		// the TTL expired and someone else took the slot
		return false, nil
	}

	released, err := q.slots.ReleaseIfHeld(ctx, key, raw)
	if err != nil {
		return false, fmt.Errorf("queue release for %s: %w", agent, err)
	}
	if released {
		q.logger.Debug("Queue slot released",
			zap.String("agent", agent),
			zap.String("volatile_id", volatileID))
	}
	return released, nil
}

// Holder returns the current slot of agent, or coord.ErrNoKey when idle.
func (q *Queue) Holder(ctx context.Context, agent string) (*Slot, error) {
	raw, err := q.slots.Get(ctx, coord.QueueKey(agent))
	if err != nil {
		return nil, err
	}
	var slot Slot
	if err := json.Unmarshal([]byte(raw), &slot); err != nil {
		return nil, fmt.Errorf("corrupt queue slot for %s: %w", agent, err)
	}
	return &slot, nil
}

// BusyAgents lists agents currently holding a slot, via cursor iteration.
func (q *Queue) BusyAgents(ctx context.Context) ([]string, error) {
	keys, err := q.slots.ScanKeys(ctx, coord.QueueKey("*"))
	if err != nil {
		return nil, err
	}
	agents := make([]string, 0, len(keys))
	for _, key := range keys {
		agents = append(agents, strings.TrimPrefix(key, coord.QueueKey("")))
	}
	return agents, nil
}

// retryHint suggests a delay before the caller retries: the remaining slot
// lifetime capped at 30s, never below one second.
func retryHint(slot *Slot, ttl time.Duration) time.Duration {
	elapsed := time.Since(slot.AcquiredAt)
	remaining := ttl - elapsed
	if remaining < minRetryAfter {
		return minRetryAfter
	}
	if remaining > 30*time.Second {
		return 30 * time.Second
	}
	return remaining
}
