package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orchd/orchd/internal/agentclient"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/coord"
	"github.com/orchd/orchd/internal/db"
	"github.com/orchd/orchd/internal/events/bus"
	"github.com/orchd/orchd/internal/identity"
	"github.com/orchd/orchd/internal/ledger"
	"github.com/orchd/orchd/internal/queue"
	"github.com/orchd/orchd/internal/store"
)

// memSlots is an in-memory coordination store for queue slots.
type memSlots struct {
	mu   sync.Mutex
	m    map[string]string
	sets int
}

func newMemSlots() *memSlots { return &memSlots{m: make(map[string]string)} }

func (s *memSlots) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if _, ok := s.m[key]; ok {
		return false, nil
	}
	s.m[key] = value
	return true, nil
}

func (s *memSlots) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.m[key]
	if !ok {
		return "", coord.ErrNoKey
	}
	return value, nil
}

func (s *memSlots) ReleaseIfHeld(ctx context.Context, key, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[key] != holder {
		return false, nil
	}
	delete(s.m, key)
	return true, nil
}

func (s *memSlots) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for key := range s.m {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

type taskCall struct {
	agent  string
	source string
	req    agentclient.TaskRequest
}

// fakeDispatcher stands in for the sandbox client.
type fakeDispatcher struct {
	mu         sync.Mutex
	chats      []agentclient.ChatRequest
	tasks      []taskCall
	terminated []int64
	result     *agentclient.ExecutionResult
	err        error
}

func (f *fakeDispatcher) Chat(ctx context.Context, agent string, req agentclient.ChatRequest) (*agentclient.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, req)
	return f.result, f.err
}

func (f *fakeDispatcher) Task(ctx context.Context, agent, sourceAgent string, req agentclient.TaskRequest) (*agentclient.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, taskCall{agent: agent, source: sourceAgent, req: req})
	return f.result, f.err
}

func (f *fakeDispatcher) Terminate(ctx context.Context, agent string, executionID int64) (*agentclient.TerminateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, executionID)
	return &agentclient.TerminateResult{Terminated: true, Signal: "SIGINT"}, nil
}

type fixture struct {
	gateway  *Gateway
	store    *store.Store
	ledger   *ledger.Ledger
	queue    *queue.Queue
	slots    *memSlots
	dispatch *fakeDispatcher
}

func newFixture(t *testing.T) *fixture {
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
	for _, name := range []string{"alpha", "beta"} {
		agent := &store.Agent{
			Name:              name,
			OwnerID:           "u1",
			Kind:              store.AgentKindLLM,
			APIKeyMode:        store.APIKeyModePlatform,
			CapabilityProfile: "restricted",
			CPUs:              1,
			MemoryMB:          512,
		}
		if err := st.CreateAgent(ctx, agent, nil); err != nil {
			t.Fatalf("failed to create agent %s: %v", name, err)
		}
	}
	if err := st.AddPermissionEdge(ctx, "alpha", "beta"); err != nil {
		t.Fatalf("failed to add edge: %v", err)
	}

	led := ledger.New(st, bus.NewMemoryEventBus(log), log)
	slots := newMemSlots()
	q := queue.New(slots, time.Minute, log)
	dispatch := &fakeDispatcher{result: &agentclient.ExecutionResult{
		Status: store.ExecutionSucceeded,
		Reply:  "done",
		Cost:   0.01,
		Tokens: 100,
	}}
	return &fixture{
		gateway:  New(st, q, led, dispatch, log),
		store:    st,
		ledger:   led,
		queue:    q,
		slots:    slots,
		dispatch: dispatch,
	}
}

func TestChatSealsAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.gateway.Chat(ctx, identity.User("u1", false), ChatParams{
		Agent:   "alpha",
		Message: "hello",
	})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	exec, err := f.store.GetExecution(ctx, outcome.ExecutionID)
	if err != nil {
		t.Fatalf("execution row missing: %v", err)
	}
	if exec.Status != store.ExecutionSucceeded || exec.Cost != 0.01 {
		t.Fatalf("execution not sealed: %+v", exec)
	}
	if exec.TriggeredBy != "user" {
		t.Fatalf("wrong trigger: %s", exec.TriggeredBy)
	}

	if _, err := f.queue.Holder(ctx, "alpha"); !errors.Is(err, coord.ErrNoKey) {
		t.Fatal("slot not released after chat")
	}

	acts, err := f.store.ActivitiesForExecution(ctx, outcome.ExecutionID)
	if err != nil || len(acts) != 2 {
		t.Fatalf("expected start+end activities, got %d (err=%v)", len(acts), err)
	}
	if acts[0].Type != store.ActivityChatStart || acts[0].State != store.ActivityCompleted {
		t.Fatalf("start activity not closed: %+v", acts[0])
	}
	if acts[1].Type != store.ActivityChatEnd {
		t.Fatalf("missing end activity: %+v", acts[1])
	}

	// conversation persisted for the user caller
	if outcome.SessionID == "" {
		t.Fatal("no chat session for user caller")
	}
	msgs, err := f.store.ListChatMessages(ctx, outcome.SessionID, 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("expected user+assistant messages, got %d (err=%v)", len(msgs), err)
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "done" {
		t.Fatalf("assistant message wrong: %+v", msgs[1])
	}
}

func TestChatSealsCancelledResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a run killed inside the sandbox reports its own terminal status
	f.dispatch.result = &agentclient.ExecutionResult{
		Status: store.ExecutionCancelled,
		Error:  "terminated",
	}

	outcome, err := f.gateway.Chat(ctx, identity.User("u1", false), ChatParams{Agent: "alpha", Message: "long"})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	exec, err := f.store.GetExecution(ctx, outcome.ExecutionID)
	if err != nil {
		t.Fatalf("execution row missing: %v", err)
	}
	if exec.Status != store.ExecutionCancelled {
		t.Fatalf("terminated chat sealed as %q, want %q", exec.Status, store.ExecutionCancelled)
	}
	if _, err := f.queue.Holder(ctx, "alpha"); !errors.Is(err, coord.ErrNoKey) {
		t.Fatal("slot not released after cancelled chat")
	}

	// a racing terminate finds the terminal row and stays a no-op
	if err := f.gateway.Terminate(ctx, identity.User("u1", false), exec.ID, "late"); err != nil {
		t.Fatalf("late terminate errored: %v", err)
	}
	if len(f.dispatch.terminated) != 0 {
		t.Fatal("terminal execution re-terminated")
	}
}

func TestChatBusySurfacesHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.queue.Submit(ctx, "alpha", "user:other"); err != nil {
		t.Fatalf("pre-hold failed: %v", err)
	}

	_, err := f.gateway.Chat(ctx, identity.User("u1", false), ChatParams{Agent: "alpha", Message: "hi"})
	busy, ok := queue.AsBusy(err)
	if !ok {
		t.Fatalf("expected busy, got %v", err)
	}
	if busy.Holder != "user:other" || busy.RetryAfter <= 0 {
		t.Fatalf("busy envelope incomplete: %+v", busy)
	}
	if len(f.dispatch.chats) != 0 {
		t.Fatal("dispatched despite busy")
	}
}

func TestAgentCallRequiresEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// beta has no edge to alpha
	_, err := f.gateway.Task(ctx, identity.Agent("beta"), TaskParams{Agent: "alpha", Message: "x"})
	var denied *ErrPermissionDenied
	if !errors.As(err, &denied) {
		t.Fatalf("expected permission denial, got %v", err)
	}

	// the denial is auditable on the target's timeline
	acts, err := f.store.RecentActivities(ctx, []string{"alpha"}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("recent activities failed: %v", err)
	}
	found := false
	for _, act := range acts {
		if act.Type == store.ActivityPermissionDenied && act.State == store.ActivityFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("permission denial not recorded")
	}

	// alpha -> beta is permitted and carries the source agent
	if _, err := f.gateway.Task(ctx, identity.Agent("alpha"), TaskParams{Agent: "beta", Message: "y"}); err != nil {
		t.Fatalf("permitted task failed: %v", err)
	}
	if len(f.dispatch.tasks) != 1 || f.dispatch.tasks[0].source != "alpha" {
		t.Fatalf("source agent not forwarded: %+v", f.dispatch.tasks)
	}
}

func TestCollaborationArrowClosesOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatch.err = errors.New("sandbox unreachable")

	_, err := f.gateway.Chat(ctx, identity.Agent("alpha"), ChatParams{Agent: "beta", Message: "z"})
	if err == nil {
		t.Fatal("expected dispatch error")
	}

	// the slot must not leak on failure
	if _, err := f.queue.Holder(ctx, "beta"); !errors.Is(err, coord.ErrNoKey) {
		t.Fatal("slot leaked after failed dispatch")
	}

	acts, err := f.store.RecentActivities(ctx, []string{"alpha"}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("recent activities failed: %v", err)
	}
	closed := false
	for _, act := range acts {
		if act.Type == store.ActivityCollaboration {
			if act.State != store.ActivityFailed {
				t.Fatalf("arrow not failed: %+v", act)
			}
			closed = true
		}
	}
	if !closed {
		t.Fatal("no collaboration arrow recorded")
	}
}

func TestTaskBypassesQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.gateway.Task(ctx, identity.User("u1", false), TaskParams{Agent: "alpha", Message: "t"}); err != nil {
		t.Fatalf("task failed: %v", err)
	}
	if f.slots.sets != 0 {
		t.Fatalf("task touched the queue: %d sets", f.slots.sets)
	}
}

func TestTaskAsyncReturnsDurableID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.gateway.TaskAsync(ctx, identity.User("u1", false), TaskParams{Agent: "alpha", Message: "bg"})
	if err != nil {
		t.Fatalf("async task failed: %v", err)
	}
	if outcome.ExecutionID == 0 {
		t.Fatal("no durable id returned")
	}

	f.gateway.Wait()

	exec, err := f.store.GetExecution(ctx, outcome.ExecutionID)
	if err != nil {
		t.Fatalf("execution row missing: %v", err)
	}
	if exec.Status != store.ExecutionSucceeded {
		t.Fatalf("background dispatch did not seal: %s", exec.Status)
	}
}

func TestTerminateReleasesAndCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a sequential execution stuck in running
	slot, err := f.queue.Submit(ctx, "alpha", "user:u1")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	exec := &store.Execution{
		AgentName:   "alpha",
		Message:     "long",
		TriggeredBy: "user",
		QueueID:     slot.VolatileID,
	}
	if _, err := f.ledger.StartExecution(ctx, exec, store.ActivityChatStart, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := f.ledger.MarkRunning(ctx, exec.ID, slot.VolatileID); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}

	if err := f.gateway.Terminate(ctx, identity.User("u1", false), exec.ID, "user requested"); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}

	sealed, _ := f.store.GetExecution(ctx, exec.ID)
	if sealed.Status != store.ExecutionCancelled {
		t.Fatalf("not cancelled: %s", sealed.Status)
	}
	if _, err := f.queue.Holder(ctx, "alpha"); !errors.Is(err, coord.ErrNoKey) {
		t.Fatal("slot not released on terminate")
	}
	if len(f.dispatch.terminated) != 1 || f.dispatch.terminated[0] != exec.ID {
		t.Fatalf("sandbox terminate not called: %+v", f.dispatch.terminated)
	}

	// second terminate is a no-op
	if err := f.gateway.Terminate(ctx, identity.User("u1", false), exec.ID, "again"); err != nil {
		t.Fatalf("repeat terminate failed: %v", err)
	}
	if len(f.dispatch.terminated) != 1 {
		t.Fatal("terminal execution re-terminated")
	}
}

func TestSystemBypassesChecks(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gateway.Task(context.Background(), identity.System(), TaskParams{Agent: "alpha", Message: "s"}); err != nil {
		t.Fatalf("system task failed: %v", err)
	}
}
