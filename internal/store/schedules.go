package store

import (
	"context"
	"fmt"
	"time"
)

const scheduleColumns = `id, agent_name, cron_expr, timezone, message, enabled,
	parallel, last_run_at, next_run_at, created_at, updated_at`

// CreateSchedule inserts a schedule and returns its id.
func (s *Store) CreateSchedule(ctx context.Context, sched *Schedule) error {
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	row := s.db.QueryRowxContext(ctx, s.rebind(`
		INSERT INTO schedules (agent_name, cron_expr, timezone, message, enabled,
			parallel, last_run_at, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), sched.AgentName, sched.CronExpr, sched.Timezone, sched.Message,
		sched.Enabled, sched.Parallel, sched.LastRunAt, sched.NextRunAt,
		sched.CreatedAt, sched.UpdatedAt)
	return row.Scan(&sched.ID)
}

// GetSchedule fetches one schedule.
func (s *Store) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	var sched Schedule
	err := s.db.GetContext(ctx, &sched, s.rebind(`
		SELECT `+scheduleColumns+` FROM schedules WHERE id = ?
	`), id)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &sched, nil
}

// ListSchedulesForAgent returns the schedules of one agent.
func (s *Store) ListSchedulesForAgent(ctx context.Context, agentName string) ([]*Schedule, error) {
	var scheds []*Schedule
	err := s.db.SelectContext(ctx, &scheds, s.rebind(`
		SELECT `+scheduleColumns+` FROM schedules
		WHERE agent_name = ? ORDER BY id ASC
	`), agentName)
	return scheds, err
}

// DueSchedules returns enabled schedules whose next_run_at has passed and
// whose owning agent has autonomy enabled. This is the scheduler's tick query.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	var scheds []*Schedule
	err := s.db.SelectContext(ctx, &scheds, s.rebind(`
		SELECT `+prefixColumns(scheduleColumns, "sch")+`
		FROM schedules sch
		JOIN agents a ON a.name = sch.agent_name
		WHERE sch.enabled = TRUE
		  AND a.autonomy_enabled = TRUE
		  AND sch.next_run_at IS NOT NULL
		  AND sch.next_run_at <= ?
		ORDER BY sch.next_run_at ASC
	`), now.UTC())
	return scheds, err
}

// ListEnabledSchedules returns all enabled schedules; the scheduler's
// periodic sync uses this to pick up new and edited schedules.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	var scheds []*Schedule
	err := s.db.SelectContext(ctx, &scheds, `
		SELECT `+scheduleColumns+` FROM schedules WHERE enabled = TRUE ORDER BY id ASC
	`)
	return scheds, err
}

// UpdateSchedule persists cron expression, message, flags, and fire times.
func (s *Store) UpdateSchedule(ctx context.Context, sched *Schedule) error {
	sched.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE schedules SET cron_expr = ?, timezone = ?, message = ?,
			enabled = ?, parallel = ?, last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`), sched.CronExpr, sched.Timezone, sched.Message, sched.Enabled,
		sched.Parallel, sched.LastRunAt, sched.NextRunAt, sched.UpdatedAt, sched.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %d: %w", sched.ID, ErrNotFound)
	}
	return nil
}

// AdvanceSchedule writes last/next fire times. Written before dispatch: a
// crash after this but before the dispatch skips the fire rather than
// duplicating it.
func (s *Store) AdvanceSchedule(ctx context.Context, id int64, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?
	`), lastRun.UTC(), nextRun.UTC(), time.Now().UTC(), id)
	return err
}

// SetScheduleEnabled flips the enabled flag.
func (s *Store) SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?
	`), enabled, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSchedule removes one schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM schedules WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return nil
}

// prefixColumns qualifies a comma-separated column list with an alias.
func prefixColumns(columns, alias string) string {
	parts := splitColumns(columns)
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return joinColumns(parts)
}
