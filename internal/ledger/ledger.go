// Package ledger owns the execution and activity write path. Every other
// component records history through here, which is what keeps the ordering
// rule intact: the execution row is always inserted before the activity row
// that references it. Each activity write is broadcast on the event bus.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/events/bus"
	"github.com/orchd/orchd/internal/store"
)

// ActivityEvent is the broadcast payload for one activity write. API
// replicas filter on Agent against each subscriber's allowlist.
type ActivityEvent struct {
	ActivityID  int64           `json:"activity_id"`
	Agent       string          `json:"agent"`
	Type        string          `json:"type"`
	State       string          `json:"state"`
	TriggeredBy string          `json:"triggered_by"`
	ExecutionID *int64          `json:"execution_id,omitempty"`
	ParentID    *int64          `json:"parent_id,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Ledger writes executions and activities and fans the deltas out.
type Ledger struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// New creates a ledger over the state store and event bus.
func New(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Ledger {
	return &Ledger{store: st, bus: eventBus, logger: log}
}

// StartExecution inserts the execution row and its triggering activity in
// one transaction, execution first, and broadcasts the activity. The
// returned activity id is the parent for any tool_call rows the sandbox
// reports during the run.
func (l *Ledger) StartExecution(ctx context.Context, exec *store.Execution, activityType string, details Details) (*store.Activity, error) {
	blob, err := encodeDetails(details)
	if err != nil {
		return nil, fmt.Errorf("encode activity details: %w", err)
	}
	act := &store.Activity{
		AgentName:   exec.AgentName,
		Type:        activityType,
		TriggeredBy: exec.TriggeredBy,
		Details:     blob,
	}
	if err := l.store.CreateExecutionWithActivity(ctx, exec, act); err != nil {
		return nil, err
	}
	l.publish(ctx, act)
	return act, nil
}

// MarkRunning transitions the execution to running with its volatile id.
func (l *Ledger) MarkRunning(ctx context.Context, executionID int64, volatileID string) error {
	return l.store.MarkExecutionRunning(ctx, executionID, volatileID, time.Now().UTC())
}

// SealExecution writes the execution's terminal state, closes the start
// activity, and appends the matching end activity.
func (l *Ledger) SealExecution(ctx context.Context, executionID int64, seal store.ExecutionSeal, startActivityID int64, endType string, details Details) error {
	if err := l.store.SealExecution(ctx, executionID, seal); err != nil {
		return err
	}

	startState := store.ActivityCompleted
	if seal.Status == store.ExecutionFailed {
		startState = store.ActivityFailed
	}
	if startActivityID != 0 {
		if err := l.store.CompleteActivity(ctx, startActivityID, startState); err != nil {
			l.logger.Error("Failed to close start activity",
				zap.Int64("activity_id", startActivityID),
				zap.Error(err))
		} else if act, err := l.store.GetActivity(ctx, startActivityID); err == nil {
			l.publish(ctx, act)
		}
	}

	blob, err := encodeDetails(details)
	if err != nil {
		return fmt.Errorf("encode activity details: %w", err)
	}
	exec, err := l.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	end := &store.Activity{
		AgentName:          exec.AgentName,
		Type:               endType,
		State:              startState,
		TriggeredBy:        exec.TriggeredBy,
		RelatedExecutionID: &executionID,
		Details:            blob,
		CompletedAt:        &now,
	}
	if startActivityID != 0 {
		end.ParentActivityID = &startActivityID
	}
	if err := l.store.InsertActivity(ctx, end); err != nil {
		return err
	}
	l.publish(ctx, end)
	return nil
}

// CancelExecution seals the execution as cancelled and records the
// execution_cancelled activity. Idempotent: a second cancel of an already
// terminal execution only re-publishes nothing.
func (l *Ledger) CancelExecution(ctx context.Context, executionID int64, reason string) error {
	exec, err := l.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case store.ExecutionSucceeded, store.ExecutionFailed, store.ExecutionCancelled:
		return nil
	}

	if err := l.store.SealExecution(ctx, executionID, store.ExecutionSeal{
		Status: store.ExecutionCancelled,
		Error:  reason,
	}); err != nil {
		return err
	}

	blob, err := encodeDetails(CancellationDetails{ExecutionID: executionID, Reason: reason})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	act := &store.Activity{
		AgentName:          exec.AgentName,
		Type:               store.ActivityExecutionCancelled,
		State:              store.ActivityCompleted,
		TriggeredBy:        exec.TriggeredBy,
		RelatedExecutionID: &executionID,
		Details:            blob,
		CompletedAt:        &now,
	}
	if err := l.store.InsertActivity(ctx, act); err != nil {
		return err
	}
	l.publish(ctx, act)
	return nil
}

// StartCollaboration records the started arrow for an inter-agent call,
// before the dispatch.
func (l *Ledger) StartCollaboration(ctx context.Context, details CollaborationDetails, triggeredBy string) (*store.Activity, error) {
	blob, err := encodeDetails(details)
	if err != nil {
		return nil, err
	}
	act := &store.Activity{
		AgentName:   details.SourceAgent,
		Type:        store.ActivityCollaboration,
		TriggeredBy: triggeredBy,
		Details:     blob,
	}
	if err := l.store.InsertActivity(ctx, act); err != nil {
		return nil, err
	}
	l.publish(ctx, act)
	return act, nil
}

// CompleteCollaboration closes the arrow. Must run on every dispatch
// outcome, including timeouts and non-2xx responses, or the timeline shows
// a perpetually running arrow.
func (l *Ledger) CompleteCollaboration(ctx context.Context, activityID int64, callErr error) error {
	state := store.ActivityCompleted
	if callErr != nil {
		state = store.ActivityFailed
	}
	if err := l.store.CompleteActivity(ctx, activityID, state); err != nil {
		return err
	}
	if act, err := l.store.GetActivity(ctx, activityID); err == nil {
		l.publish(ctx, act)
	}
	return nil
}

// RecordToolCall appends a tool_call row under its chat_start or
// schedule_start parent.
func (l *Ledger) RecordToolCall(ctx context.Context, agent string, parentActivityID, executionID int64, triggeredBy string, details ToolCallDetails) (*store.Activity, error) {
	blob, err := encodeDetails(details)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	act := &store.Activity{
		AgentName:   agent,
		Type:        store.ActivityToolCall,
		State:       store.ActivityCompleted,
		TriggeredBy: triggeredBy,
		Details:     blob,
		CompletedAt: &now,
	}
	if parentActivityID != 0 {
		act.ParentActivityID = &parentActivityID
	}
	if executionID != 0 {
		act.RelatedExecutionID = &executionID
	}
	if err := l.store.InsertActivity(ctx, act); err != nil {
		return nil, err
	}
	l.publish(ctx, act)
	return act, nil
}

// RecordPermissionDenied writes the audit entry for a rejected call on the
// target agent, so owners can see who was knocking.
func (l *Ledger) RecordPermissionDenied(ctx context.Context, details PermissionDeniedDetails, triggeredBy string) error {
	blob, err := encodeDetails(details)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	act := &store.Activity{
		AgentName:   details.TargetAgent,
		Type:        store.ActivityPermissionDenied,
		State:       store.ActivityFailed,
		TriggeredBy: triggeredBy,
		Details:     blob,
		CompletedAt: &now,
	}
	if err := l.store.InsertActivity(ctx, act); err != nil {
		return err
	}
	l.publish(ctx, act)
	return nil
}

// publish broadcasts one activity. Broadcast failures are logged, never
// propagated: history is already durable at this point.
func (l *Ledger) publish(ctx context.Context, act *store.Activity) {
	payload := ActivityEvent{
		ActivityID:  act.ID,
		Agent:       act.AgentName,
		Type:        act.Type,
		State:       act.State,
		TriggeredBy: act.TriggeredBy,
		ExecutionID: act.RelatedExecutionID,
		ParentID:    act.ParentActivityID,
		Details:     json.RawMessage(act.Details),
		Timestamp:   act.CreatedAt,
	}
	event, err := bus.NewEvent("activity", "orchd", payload)
	if err != nil {
		l.logger.Error("Failed to encode activity event", zap.Error(err))
		return
	}
	if err := l.bus.Publish(ctx, bus.SubjectActivity, event); err != nil {
		l.logger.Error("Failed to publish activity event",
			zap.String("agent", act.AgentName),
			zap.String("type", act.Type),
			zap.Error(err))
	}
}
