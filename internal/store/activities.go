package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

const activityColumns = `id, agent_name, activity_type, state, triggered_by,
	parent_activity_id, related_execution_id, chat_message_id, details,
	started_at, completed_at, duration_ms, created_at`

// InsertActivity appends an activity row and sets its id.
func (s *Store) InsertActivity(ctx context.Context, act *Activity) error {
	return s.insertActivity(ctx, s.db, act)
}

func (s *Store) insertActivity(ctx context.Context, q execer, act *Activity) error {
	now := time.Now().UTC()
	if act.CreatedAt.IsZero() {
		act.CreatedAt = now
	}
	if act.StartedAt.IsZero() {
		act.StartedAt = now
	}
	if act.State == "" {
		act.State = ActivityStarted
	}
	if len(act.Details) == 0 {
		act.Details = JSONText("{}")
	}
	row := q.QueryRowxContext(ctx, q.Rebind(`
		INSERT INTO activities (agent_name, activity_type, state, triggered_by,
			parent_activity_id, related_execution_id, chat_message_id, details,
			started_at, completed_at, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), act.AgentName, act.Type, act.State, act.TriggeredBy,
		act.ParentActivityID, act.RelatedExecutionID, act.ChatMessageID,
		act.Details, act.StartedAt, act.CompletedAt, act.DurationMS, act.CreatedAt)
	return row.Scan(&act.ID)
}

// GetActivity fetches one activity.
func (s *Store) GetActivity(ctx context.Context, id int64) (*Activity, error) {
	var act Activity
	err := s.db.GetContext(ctx, &act, s.rebind(`
		SELECT `+activityColumns+` FROM activities WHERE id = ?
	`), id)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &act, nil
}

// CompleteActivity seals a started activity with its terminal state and
// duration. A no-op when the activity already completed.
func (s *Store) CompleteActivity(ctx context.Context, id int64, state string) error {
	now := time.Now().UTC()
	current, err := s.GetActivity(ctx, id)
	if err != nil {
		return err
	}
	duration := now.Sub(current.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE activities SET state = ?, completed_at = ?, duration_ms = ?
		WHERE id = ? AND state = ?
	`), state, now, duration, id, ActivityStarted)
	return err
}

// ActivitiesForExecution returns the activities linked to one execution.
func (s *Store) ActivitiesForExecution(ctx context.Context, executionID int64) ([]*Activity, error) {
	var acts []*Activity
	err := s.db.SelectContext(ctx, &acts, s.rebind(`
		SELECT `+activityColumns+` FROM activities
		WHERE related_execution_id = ? ORDER BY created_at ASC, id ASC
	`), executionID)
	return acts, err
}

// RecentActivities returns activities in the window for the given agent set,
// in insertion order per agent (created_at with id as tiebreaker; server
// clock alone is not enough to reconstruct timelines).
func (s *Store) RecentActivities(ctx context.Context, agentNames []string, since time.Time, limit int) ([]*Activity, error) {
	if len(agentNames) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	query, args, err := sqlx.In(`
		SELECT `+activityColumns+` FROM activities
		WHERE agent_name IN (?) AND created_at >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, agentNames, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	var acts []*Activity
	err = s.db.SelectContext(ctx, &acts, s.rebind(query), args...)
	return acts, err
}
