// Package scheduler fires cron schedules against agents. It is a standalone
// process: multiple replicas may run, and per-schedule locks in the
// coordination store guarantee each fire happens on at most one instance.
// next_run_at is advanced before the dispatch, so a crash mid-dispatch skips
// the fire rather than duplicating it.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/coord"
	"github.com/orchd/orchd/internal/gateway"
	"github.com/orchd/orchd/internal/identity"
	"github.com/orchd/orchd/internal/queue"
	"github.com/orchd/orchd/internal/store"
)

// maxConcurrentFires bounds parallel dispatches per tick so one slow tick
// cannot pile up goroutines.
const maxConcurrentFires = 8

// Locks is the coordination-store subset the scheduler needs.
// *coord.Client satisfies it.
type Locks interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ReleaseIfHeld(ctx context.Context, key, holder string) (bool, error)
	RenewIfHeld(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
}

// Dispatcher runs one fire of a schedule. Satisfied by *gateway.Gateway.
type Dispatcher interface {
	RunSchedule(ctx context.Context, sched *store.Schedule, trigger identity.TriggerKind) (*gateway.Outcome, error)
}

// Scheduler owns the tick loop of one instance.
type Scheduler struct {
	store      *store.Store
	locks      Locks
	dispatch   Dispatcher
	cfg        config.SchedulerConfig
	instanceID string
	logger     *logger.Logger
}

// New creates a scheduler instance with a fresh instance id.
func New(st *store.Store, locks Locks, dispatch Dispatcher, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:      st,
		locks:      locks,
		dispatch:   dispatch,
		cfg:        cfg,
		instanceID: uuid.New().String(),
		logger:     log,
	}
}

// Run ticks until the context is cancelled. Each tick fires due schedules;
// the slower sync pass backfills next_run_at for new and edited schedules.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		zap.String("instance_id", s.instanceID),
		zap.Duration("tick", s.cfg.TickIntervalDuration()))

	if err := s.Sync(ctx); err != nil {
		s.logger.Error("Initial schedule sync failed", zap.Error(err))
	}

	tick := time.NewTicker(s.cfg.TickIntervalDuration())
	defer tick.Stop()
	sync := time.NewTicker(s.cfg.SyncIntervalDuration())
	defer sync.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped", zap.String("instance_id", s.instanceID))
			return ctx.Err()
		case <-tick.C:
			if err := s.Tick(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("Scheduler tick failed", zap.Error(err))
			}
		case <-sync.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Error("Schedule sync failed", zap.Error(err))
			}
		}
	}
}

// Tick fires every due schedule this instance can lock.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentFires)
	for _, sched := range due {
		sched := sched
		group.Go(func() error {
			s.fire(groupCtx, sched, now)
			return nil
		})
	}
	return group.Wait()
}

// fire runs one schedule under its distributed lock. Losing the lock race
// means another instance owns this fire.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) {
	lockKey := coord.ScheduleLockKey(sched.ID)
	lockTTL := s.cfg.LockTTLDuration()
	acquired, err := s.locks.SetIfAbsent(ctx, lockKey, s.instanceID, lockTTL)
	if err != nil {
		s.logger.Error("Schedule lock acquisition failed",
			zap.Int64("schedule_id", sched.ID), zap.Error(err))
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if _, err := s.locks.ReleaseIfHeld(context.WithoutCancel(ctx), lockKey, s.instanceID); err != nil {
			s.logger.Error("Schedule lock release failed",
				zap.Int64("schedule_id", sched.ID), zap.Error(err))
		}
	}()

	next, err := NextRun(sched.CronExpr, sched.Timezone, now)
	if err != nil {
		s.logger.Error("Unfireable schedule",
			zap.Int64("schedule_id", sched.ID),
			zap.String("cron", sched.CronExpr),
			zap.Error(err))
		return
	}

	// advance before dispatch: a crash from here on skips this fire
	if err := s.store.AdvanceSchedule(ctx, sched.ID, now, next); err != nil {
		s.logger.Error("Failed to advance schedule",
			zap.Int64("schedule_id", sched.ID), zap.Error(err))
		return
	}

	stopRenew := s.renewWhileRunning(ctx, lockKey, lockTTL)
	defer stopRenew()

	outcome, err := s.dispatch.RunSchedule(ctx, sched, identity.TriggerSchedule)
	if err != nil {
		if busy, ok := queue.AsBusy(err); ok {
			s.logger.Warn("Schedule fire skipped, agent busy",
				zap.Int64("schedule_id", sched.ID),
				zap.String("agent", sched.AgentName),
				zap.String("holder", busy.Holder))
			return
		}
		s.logger.Error("Schedule dispatch failed",
			zap.Int64("schedule_id", sched.ID),
			zap.String("agent", sched.AgentName),
			zap.Error(err))
		return
	}
	s.logger.Info("Schedule fired",
		zap.Int64("schedule_id", sched.ID),
		zap.String("agent", sched.AgentName),
		zap.Int64("execution_id", outcome.ExecutionID),
		zap.Time("next_run_at", next))
}

// renewWhileRunning extends the lock TTL at half-life while a dispatch
// outlives it. The returned stop function is idempotent enough for defer.
func (s *Scheduler) renewWhileRunning(ctx context.Context, lockKey string, ttl time.Duration) func() {
	renewCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				ok, err := s.locks.RenewIfHeld(renewCtx, lockKey, s.instanceID, ttl)
				if err != nil {
					s.logger.Error("Schedule lock renewal failed",
						zap.String("key", lockKey), zap.Error(err))
					return
				}
				if !ok {
					s.logger.Warn("Schedule lock lost during dispatch",
						zap.String("key", lockKey))
					return
				}
			}
		}
	}()
	return cancel
}

// Trigger fires a schedule immediately on user request. The cron state is
// untouched: the next regular fire still happens on time, and the execution
// is stamped manual rather than schedule.
func (s *Scheduler) Trigger(ctx context.Context, scheduleID int64) (*gateway.Outcome, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	return s.dispatch.RunSchedule(ctx, sched, identity.TriggerManual)
}

// Sync backfills next_run_at for enabled schedules that do not have one yet,
// picking up rows created or re-enabled since the last pass.
func (s *Scheduler) Sync(ctx context.Context) error {
	scheds, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, sched := range scheds {
		if sched.NextRunAt != nil {
			continue
		}
		next, err := NextRun(sched.CronExpr, sched.Timezone, now)
		if err != nil {
			s.logger.Error("Skipping schedule with invalid cron",
				zap.Int64("schedule_id", sched.ID),
				zap.String("cron", sched.CronExpr),
				zap.Error(err))
			continue
		}
		sched.NextRunAt = &next
		if err := s.store.UpdateSchedule(ctx, sched); err != nil {
			return err
		}
		s.logger.Info("Schedule armed",
			zap.Int64("schedule_id", sched.ID),
			zap.Time("next_run_at", next))
	}
	return nil
}
