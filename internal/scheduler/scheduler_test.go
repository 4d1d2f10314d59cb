package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/coord"
	"github.com/orchd/orchd/internal/db"
	"github.com/orchd/orchd/internal/gateway"
	"github.com/orchd/orchd/internal/identity"
	"github.com/orchd/orchd/internal/queue"
	"github.com/orchd/orchd/internal/store"
)

type fakeLocks struct {
	mu sync.Mutex
	m  map[string]string
}

func newFakeLocks() *fakeLocks { return &fakeLocks{m: make(map[string]string)} }

func (f *fakeLocks) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.m[key]; ok {
		return false, nil
	}
	f.m[key] = value
	return true, nil
}

func (f *fakeLocks) ReleaseIfHeld(ctx context.Context, key, holder string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m[key] != holder {
		return false, nil
	}
	delete(f.m, key)
	return true, nil
}

func (f *fakeLocks) RenewIfHeld(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[key] == holder, nil
}

type firedCall struct {
	scheduleID int64
	trigger    identity.TriggerKind
}

type fakeDispatch struct {
	mu    sync.Mutex
	calls []firedCall
	err   error
}

func (f *fakeDispatch) RunSchedule(ctx context.Context, sched *store.Schedule, trigger identity.TriggerKind) (*gateway.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, firedCall{scheduleID: sched.ID, trigger: trigger})
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Outcome{ExecutionID: int64(len(f.calls))}, nil
}

func (f *fakeDispatch) fired() []firedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]firedCall(nil), f.calls...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeLocks, *fakeDispatch) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: filepath.Join(t.TempDir(), "test.log"),
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "orchd.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	st, err := store.New(dbConn, "sqlite3")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if err := st.CreateUser(ctx, &store.User{ID: "u1", Email: "u1@example.com"}); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if err := st.CreateAgent(ctx, &store.Agent{
		Name:              "alpha",
		OwnerID:           "u1",
		Kind:              store.AgentKindLLM,
		APIKeyMode:        store.APIKeyModePlatform,
		CapabilityProfile: "restricted",
		CPUs:              1,
		MemoryMB:          512,
		AutonomyEnabled:   true,
	}, nil); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	locks := newFakeLocks()
	dispatch := &fakeDispatch{}
	sched := New(st, locks, dispatch, config.SchedulerConfig{
		TickInterval: 1,
		SyncInterval: 60,
		LockTTL:      30,
	}, log)
	return sched, st, locks, dispatch
}

func dueSchedule(t *testing.T, st *store.Store, due time.Time) *store.Schedule {
	t.Helper()
	sched := &store.Schedule{
		AgentName: "alpha",
		CronExpr:  "*/5 * * * *",
		Timezone:  "UTC",
		Message:   "do the rounds",
		Enabled:   true,
		NextRunAt: &due,
	}
	if err := st.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}
	return sched
}

func TestNextRunMonotonic(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC)
	next, err := NextRun("*/5 * * * *", "UTC", after)
	if err != nil {
		t.Fatalf("next run failed: %v", err)
	}
	if !next.After(after) {
		t.Fatalf("next %v not after %v", next, after)
	}
	if next.Minute() != 5 {
		t.Fatalf("unexpected fire minute: %v", next)
	}

	// the timezone shifts the wall-clock fire point
	nyc, err := NextRun("0 9 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("next run failed: %v", err)
	}
	if nyc.UTC().Hour() != 14 {
		t.Fatalf("timezone not applied: %v", nyc.UTC())
	}
}

func TestParseCronRejectsBadInput(t *testing.T) {
	if _, err := ParseCron("not a cron", "UTC"); err == nil {
		t.Fatal("accepted garbage expression")
	}
	if _, err := ParseCron("0 0 0 * * *", "UTC"); err == nil {
		t.Fatal("accepted 6-field expression")
	}
	if _, err := ParseCron("* * * * *", "Mars/Olympus"); err == nil {
		t.Fatal("accepted unknown timezone")
	}
}

func TestTickFiresDueScheduleOnce(t *testing.T) {
	s, st, _, dispatch := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()
	sched := dueSchedule(t, st, now.Add(-time.Minute))

	if err := s.Tick(ctx, now); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	calls := dispatch.fired()
	if len(calls) != 1 || calls[0].scheduleID != sched.ID || calls[0].trigger != identity.TriggerSchedule {
		t.Fatalf("unexpected fires: %+v", calls)
	}

	// next_run_at advanced past now, so an immediate second tick is a no-op
	updated, _ := st.GetSchedule(ctx, sched.ID)
	if updated.NextRunAt == nil || !updated.NextRunAt.After(now) {
		t.Fatalf("schedule not advanced: %+v", updated.NextRunAt)
	}
	if updated.LastRunAt == nil {
		t.Fatal("last_run_at not stamped")
	}
	if err := s.Tick(ctx, now); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if len(dispatch.fired()) != 1 {
		t.Fatal("schedule fired twice in one window")
	}
}

func TestTickSkipsHeldLock(t *testing.T) {
	s, st, locks, dispatch := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()
	sched := dueSchedule(t, st, now.Add(-time.Minute))

	// another instance owns this fire
	if _, err := locks.SetIfAbsent(ctx, coord.ScheduleLockKey(sched.ID), "other-instance", time.Minute); err != nil {
		t.Fatalf("pre-lock failed: %v", err)
	}

	if err := s.Tick(ctx, now); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(dispatch.fired()) != 0 {
		t.Fatal("fired despite held lock")
	}
	updated, _ := st.GetSchedule(ctx, sched.ID)
	if !updated.NextRunAt.Equal(now.Add(-time.Minute)) {
		t.Fatalf("loser advanced the schedule: %v", updated.NextRunAt)
	}
}

func TestBusyFireIsConsumed(t *testing.T) {
	s, st, _, dispatch := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()
	sched := dueSchedule(t, st, now.Add(-time.Minute))
	dispatch.err = &queue.ErrBusy{Agent: "alpha", Holder: "user:u1", RetryAfter: time.Second}

	if err := s.Tick(ctx, now); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(dispatch.fired()) != 1 {
		t.Fatalf("expected one attempt, got %d", len(dispatch.fired()))
	}

	// the fire is consumed: no retry until the next cron point
	updated, _ := st.GetSchedule(ctx, sched.ID)
	if updated.NextRunAt == nil || !updated.NextRunAt.After(now) {
		t.Fatalf("busy fire not consumed: %v", updated.NextRunAt)
	}
	if err := s.Tick(ctx, now); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if len(dispatch.fired()) != 1 {
		t.Fatal("busy fire retried within the same window")
	}
}

func TestManualTriggerLeavesCronStateAlone(t *testing.T) {
	s, st, _, dispatch := newTestScheduler(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(time.Hour)
	sched := dueSchedule(t, st, due)

	if _, err := s.Trigger(ctx, sched.ID); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	calls := dispatch.fired()
	if len(calls) != 1 || calls[0].trigger != identity.TriggerManual {
		t.Fatalf("unexpected fires: %+v", calls)
	}
	updated, _ := st.GetSchedule(ctx, sched.ID)
	if !updated.NextRunAt.Equal(due) {
		t.Fatalf("manual trigger moved next_run_at: %v", updated.NextRunAt)
	}
}

func TestSyncArmsUnarmedSchedules(t *testing.T) {
	s, st, _, _ := newTestScheduler(t)
	ctx := context.Background()

	sched := &store.Schedule{
		AgentName: "alpha",
		CronExpr:  "0 * * * *",
		Timezone:  "UTC",
		Message:   "hourly",
		Enabled:   true,
	}
	if err := st.CreateSchedule(ctx, sched); err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}

	if err := s.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	armed, _ := st.GetSchedule(ctx, sched.ID)
	if armed.NextRunAt == nil || !armed.NextRunAt.After(time.Now().UTC().Add(-time.Minute)) {
		t.Fatalf("schedule not armed: %+v", armed.NextRunAt)
	}
}
