package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const executionColumns = `id, agent_name, schedule_id, message, triggered_by,
	source_agent, status, queue_id, started_at, completed_at, duration_ms,
	cost, tokens, transcript, error, created_at`

// CreateExecution inserts an execution row and sets its durable id.
func (s *Store) CreateExecution(ctx context.Context, exec *Execution) error {
	return s.insertExecution(ctx, s.db, exec)
}

// CreateExecutionWithActivity inserts the execution row first, then the
// triggering activity row pointing at it, in one transaction. The ordering is
// load-bearing: the activity's link must reference an existing execution.
func (s *Store) CreateExecutionWithActivity(ctx context.Context, exec *Execution, act *Activity) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.insertExecution(ctx, tx, exec); err != nil {
			return err
		}
		act.RelatedExecutionID = &exec.ID
		return s.insertActivity(ctx, tx, act)
	})
}

type execer interface {
	sqlx.ExtContext
}

func (s *Store) insertExecution(ctx context.Context, q execer, exec *Execution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = ExecutionQueued
	}
	if len(exec.Transcript) == 0 {
		exec.Transcript = JSONText("[]")
	}
	row := q.QueryRowxContext(ctx, q.Rebind(`
		INSERT INTO executions (agent_name, schedule_id, message, triggered_by,
			source_agent, status, queue_id, started_at, completed_at, duration_ms,
			cost, tokens, transcript, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), exec.AgentName, exec.ScheduleID, exec.Message, exec.TriggeredBy,
		exec.SourceAgent, exec.Status, exec.QueueID, exec.StartedAt,
		exec.CompletedAt, exec.DurationMS, exec.Cost, exec.Tokens,
		exec.Transcript, exec.Error, exec.CreatedAt)
	return row.Scan(&exec.ID)
}

// GetExecution fetches one execution by durable id.
func (s *Store) GetExecution(ctx context.Context, id int64) (*Execution, error) {
	var exec Execution
	err := s.db.GetContext(ctx, &exec, s.rebind(`
		SELECT `+executionColumns+` FROM executions WHERE id = ?
	`), id)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &exec, nil
}

// ListExecutionsForAgent returns the most recent executions of one agent.
func (s *Store) ListExecutionsForAgent(ctx context.Context, agentName string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	var execs []*Execution
	err := s.db.SelectContext(ctx, &execs, s.rebind(`
		SELECT `+executionColumns+` FROM executions
		WHERE agent_name = ? ORDER BY id DESC LIMIT ?
	`), agentName, limit)
	return execs, err
}

// ListExecutionsForSchedule returns the most recent executions of a schedule.
func (s *Store) ListExecutionsForSchedule(ctx context.Context, scheduleID int64, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	var execs []*Execution
	err := s.db.SelectContext(ctx, &execs, s.rebind(`
		SELECT `+executionColumns+` FROM executions
		WHERE schedule_id = ? ORDER BY id DESC LIMIT ?
	`), scheduleID, limit)
	return execs, err
}

// CountScheduleExecutionsSince counts schedule-triggered executions of one
// schedule created in the window. Used to verify at-most-once firing.
func (s *Store) CountScheduleExecutionsSince(ctx context.Context, scheduleID int64, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`
		SELECT COUNT(1) FROM executions
		WHERE schedule_id = ? AND triggered_by = 'schedule' AND created_at >= ?
	`), scheduleID, since.UTC())
	return n, err
}

// MarkExecutionRunning transitions queued -> running and stamps the volatile
// queue id and start time. A no-op when the row already left queued state.
func (s *Store) MarkExecutionRunning(ctx context.Context, id int64, queueID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE executions SET status = ?, queue_id = ?, started_at = ?
		WHERE id = ? AND status = ?
	`), ExecutionRunning, queueID, startedAt.UTC(), id, ExecutionQueued)
	return err
}

// ExecutionSeal carries the terminal fields written exactly once.
type ExecutionSeal struct {
	Status     string
	Transcript JSONText
	Cost       float64
	Tokens     int64
	Error      string
}

// SealExecution writes the terminal state. Guarded on non-terminal status so
// a late seal after cancellation is a no-op; status only moves forward.
func (s *Store) SealExecution(ctx context.Context, id int64, seal ExecutionSeal) error {
	switch seal.Status {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCancelled:
	default:
		return fmt.Errorf("invalid terminal status %q", seal.Status)
	}
	if len(seal.Transcript) == 0 {
		seal.Transcript = JSONText("[]")
	}
	now := time.Now().UTC()
	current, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	start := current.CreatedAt
	if current.StartedAt != nil {
		start = *current.StartedAt
	}
	duration := now.Sub(start).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE executions SET
			status = ?, transcript = ?, cost = ?, tokens = ?, error = ?,
			completed_at = ?, duration_ms = ?
		WHERE id = ? AND status IN (?, ?)
	`), seal.Status, seal.Transcript, seal.Cost, seal.Tokens, seal.Error,
		now, duration, id, ExecutionQueued, ExecutionRunning)
	return err
}
