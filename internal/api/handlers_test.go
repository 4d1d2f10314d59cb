package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/orchd/orchd/internal/agentclient"
	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/container"
	"github.com/orchd/orchd/internal/coord"
	"github.com/orchd/orchd/internal/db"
	"github.com/orchd/orchd/internal/events/bus"
	"github.com/orchd/orchd/internal/gateway"
	"github.com/orchd/orchd/internal/identity"
	"github.com/orchd/orchd/internal/ledger"
	"github.com/orchd/orchd/internal/lifecycle"
	"github.com/orchd/orchd/internal/queue"
	"github.com/orchd/orchd/internal/store"
)

// memSlots is an in-memory queue slot store.
type memSlots struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *memSlots) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

// fakeDispatcher answers sandbox calls without a container.
type fakeDispatcher struct{}

func (fakeDispatcher) Chat(ctx context.Context, agent string, req agentclient.ChatRequest) (*agentclient.ExecutionResult, error) {
	return &agentclient.ExecutionResult{Status: store.ExecutionSucceeded, Reply: "ok"}, nil
}

func (fakeDispatcher) Task(ctx context.Context, agent, sourceAgent string, req agentclient.TaskRequest) (*agentclient.ExecutionResult, error) {
	return &agentclient.ExecutionResult{Status: store.ExecutionSucceeded, Reply: "ok"}, nil
}

func (fakeDispatcher) Terminate(ctx context.Context, agent string, executionID int64) (*agentclient.TerminateResult, error) {
	return &agentclient.TerminateResult{Terminated: true, Signal: "SIGINT"}, nil
}

// fakeLifecycle keeps agent rows without a container engine.
type fakeLifecycle struct {
	store *store.Store
}

func (f *fakeLifecycle) Create(ctx context.Context, agent *store.Agent, edges []string, autoStart bool) (*lifecycle.CreateResult, error) {
	if err := f.store.CreateAgent(ctx, agent, edges); err != nil {
		return nil, err
	}
	return &lifecycle.CreateResult{Agent: agent, AgentAPIKey: "oak_test"}, nil
}

func (f *fakeLifecycle) Start(ctx context.Context, name string) error {
	return f.store.SetAgentStatus(ctx, name, store.AgentStatusRunning)
}

func (f *fakeLifecycle) Stop(ctx context.Context, name string) error {
	return f.store.SetAgentStatus(ctx, name, store.AgentStatusStopped)
}

func (f *fakeLifecycle) Delete(ctx context.Context, name string) error {
	return f.store.DeleteAgent(ctx, name, false)
}

func (f *fakeLifecycle) Reconcile(ctx context.Context) error {
	return nil
}

func (f *fakeLifecycle) Logs(ctx context.Context, name string, tail int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("log line\n")), nil
}

func (f *fakeLifecycle) Stats(ctx context.Context, name string) (*container.Stats, error) {
	return &container.Stats{CPUPercent: 1.5}, nil
}

type fixture struct {
	store    *store.Store
	ledger   *ledger.Ledger
	queue    *queue.Queue
	gateway  *gateway.Gateway
	server   *httptest.Server
	userKey  string
	adminKey string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
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
	if err := st.CreateUser(ctx, &store.User{ID: "u2", Email: "u2@example.com"}); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if err := st.CreateUser(ctx, &store.User{ID: "root", Email: "root@example.com", IsAdmin: true}); err != nil {
		t.Fatalf("failed to create admin: %v", err)
	}

	f := &fixture{store: st}
	f.userKey = issueKey(t, st, "user", "u1", "")
	f.adminKey = issueKey(t, st, "user", "root", "")

	eventBus := bus.NewMemoryEventBus(log)
	f.ledger = ledger.New(st, eventBus, log)
	f.queue = queue.New(&memSlots{m: map[string]string{}}, time.Minute, log)
	f.gateway = gateway.New(st, f.queue, f.ledger, fakeDispatcher{}, log)
	handler := NewHandler(st, f.gateway, &fakeLifecycle{store: st}, eventBus, log)
	hub := NewHub(st, eventBus, log)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(hubCtx) }()
	t.Cleanup(hubCancel)

	auth := NewAuthenticator(st, nil, config.AuthConfig{
		APIKeyHeader:  "X-API-Key",
		SessionHeader: "X-Session-Token",
	}, log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), handler, hub, auth)
	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func issueKey(t *testing.T, st *store.Store, scope, userID, agentName string) string {
	t.Helper()
	clear, hash, err := identity.NewAPIKey("ok")
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	key := &store.APIKey{KeyHash: hash, Scope: scope}
	if userID != "" {
		key.UserID = &userID
	}
	if agentName != "" {
		key.AgentName = &agentName
	}
	if err := st.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("failed to store key: %v", err)
	}
	return clear
}

func (f *fixture) do(t *testing.T, method, path, apiKey string, body any) *http.Response {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+"/api/v1"+path, payload)
	if err != nil {
		t.Fatalf("request build failed: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return out
}

func (f *fixture) createAgent(t *testing.T, key, name string) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/agents", key, map[string]any{"name": name})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent returned %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["agent_api_key"].(string) == "" {
		t.Fatal("no agent key in create response")
	}
	agent := body["agent"].(map[string]any)
	return agent["name"].(string)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/agents", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/agents", "ok_bogus", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", resp.StatusCode)
	}
}

func TestCreateAgentSanitizesName(t *testing.T) {
	f := newFixture(t)
	name := f.createAgent(t, f.userKey, "My Research Agent!")
	if name != "my-research-agent" {
		t.Fatalf("name not sanitized: %q", name)
	}

	resp := f.do(t, http.MethodGet, "/agents/"+name, f.userKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get agent returned %d", resp.StatusCode)
	}
	agent := decode[store.Agent](t, resp)
	if agent.OwnerID != "u1" || agent.CapabilityProfile != "restricted" {
		t.Fatalf("unexpected agent defaults: owner=%q profile=%q", agent.OwnerID, agent.CapabilityProfile)
	}
}

func TestCreateAgentRejectsAdHocCapabilities(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/agents", f.userKey, map[string]any{
		"name":               "hacker",
		"capability_profile": "privileged",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestOwnershipIsolation(t *testing.T) {
	f := newFixture(t)
	name := f.createAgent(t, f.userKey, "alpha")

	otherKey := issueKey(t, f.store, "user", "u2", "")
	resp := f.do(t, http.MethodGet, "/agents/"+name, otherKey, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign agent, got %d", resp.StatusCode)
	}

	// admins see everything
	resp = f.do(t, http.MethodGet, "/agents/"+name, f.adminKey, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", resp.StatusCode)
	}
}

func TestPermissionsRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, f.userKey, "alpha")
	f.createAgent(t, f.userKey, "beta")
	f.createAgent(t, f.userKey, "gamma")

	// duplicates and self-edges are dropped on write
	resp := f.do(t, http.MethodPut, "/agents/alpha/permissions", f.userKey, map[string]any{
		"targets": []string{"beta", "gamma", "beta", "alpha"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put permissions returned %d", resp.StatusCode)
	}
	body := decode[map[string][]string](t, resp)
	targets := body["targets"]
	if len(targets) != 2 || targets[0] != "beta" || targets[1] != "gamma" {
		t.Fatalf("round trip mismatch: %v", targets)
	}
}

func TestChatEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, f.userKey, "alpha")

	resp := f.do(t, http.MethodPost, "/agents/alpha/chat", f.userKey, map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat returned %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	execID := int64(body["execution_id"].(float64))
	if execID == 0 {
		t.Fatal("no execution id in response")
	}
	if body["session_id"].(string) == "" {
		t.Fatal("no session id in response")
	}

	exec, err := f.store.GetExecution(context.Background(), execID)
	if err != nil {
		t.Fatalf("execution missing: %v", err)
	}
	if exec.Status != store.ExecutionSucceeded {
		t.Fatalf("execution not sealed: %s", exec.Status)
	}
}

func TestExecutionStreamReplaysSealedRun(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, f.userKey, "alpha")

	resp := f.do(t, http.MethodPost, "/agents/alpha/chat", f.userKey, map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat returned %d", resp.StatusCode)
	}
	execID := int64(decode[map[string]any](t, resp)["execution_id"].(float64))

	resp = f.do(t, http.MethodGet, "/executions/"+strconv.FormatInt(execID, 10)+"/stream", f.userKey, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("wrong content type %q", ct)
	}

	// the execution is already sealed, so the stream replays and closes
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(raw)
	if !strings.Contains(body, "event: activity") {
		t.Fatalf("no activity frames in stream: %s", body)
	}
	if !strings.Contains(body, "event: done") || !strings.Contains(body, `"status":"succeeded"`) {
		t.Fatalf("stream not closed with terminal status: %s", body)
	}
}

func TestExecutionStreamFollowsLiveSeal(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, f.userKey, "alpha")
	ctx := context.Background()

	exec := &store.Execution{AgentName: "alpha", Message: "long", TriggeredBy: "user"}
	startAct, err := f.ledger.StartExecution(ctx, exec, store.ActivityChatStart, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/executions/"+strconv.FormatInt(exec.ID, 10)+"/stream", nil)
	if err != nil {
		t.Fatalf("request build failed: %v", err)
	}
	req.Header.Set("X-API-Key", f.userKey)

	bodyCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			errCh <- err
			return
		}
		bodyCh <- string(raw)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := f.ledger.SealExecution(ctx, exec.ID, store.ExecutionSeal{Status: store.ExecutionSucceeded}, startAct.ID, store.ActivityChatEnd, nil); err != nil {
		t.Fatalf("seal execution: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("stream request failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after the seal")
	case body := <-bodyCh:
		// the replayed start activity was still running; its close must
		// come through the live feed despite sharing the replayed id
		if !strings.Contains(body, `"type":"chat_start","state":"completed"`) {
			t.Fatalf("start activity close not streamed: %s", body)
		}
		if !strings.Contains(body, `"type":"chat_end"`) {
			t.Fatalf("end activity not streamed: %s", body)
		}
		if !strings.Contains(body, "event: done") || !strings.Contains(body, `"status":"succeeded"`) {
			t.Fatalf("stream missing done event: %s", body)
		}
	}
}

func TestChatBusyEnvelope(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, f.userKey, "alpha")

	// occupy the slot so the chat hits a held agent
	if _, err := f.queue.Submit(context.Background(), "alpha", "user:someone-else"); err != nil {
		t.Fatalf("failed to occupy slot: %v", err)
	}

	resp := f.do(t, http.MethodPost, "/agents/alpha/chat", f.userKey, map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["error"] != "agent_busy" {
		t.Fatalf("wrong error kind: %v", body["error"])
	}
	if body["holder"] != "user:someone-else" {
		t.Fatalf("wrong holder: %v", body["holder"])
	}
	if body["retry_after_seconds"].(float64) <= 0 {
		t.Fatal("missing retry hint")
	}
}

func TestTaskAsyncReturnsAccepted(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, f.userKey, "alpha")

	resp := f.do(t, http.MethodPost, "/agents/alpha/task", f.userKey, map[string]any{
		"message": "background work",
		"async":   true,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("async task returned %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	id := int64(body["execution_id"].(float64))
	if id == 0 {
		t.Fatal("no durable id returned")
	}

	f.gateway.Wait()
	exec, err := f.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("execution missing: %v", err)
	}
	if exec.Status != store.ExecutionSucceeded {
		t.Fatalf("async task not sealed: %s", exec.Status)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, f.userKey, "alpha")

	// invalid cron is rejected up front
	resp := f.do(t, http.MethodPost, "/agents/alpha/schedules", f.userKey, map[string]any{
		"cron_expr": "not cron",
		"message":   "m",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cron, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/agents/alpha/schedules", f.userKey, map[string]any{
		"cron_expr": "*/10 * * * *",
		"message":   "patrol",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create schedule returned %d", resp.StatusCode)
	}
	sched := decode[store.Schedule](t, resp)
	if sched.NextRunAt == nil || !sched.NextRunAt.After(time.Now().UTC()) {
		t.Fatalf("schedule not armed: %v", sched.NextRunAt)
	}

	// manual trigger stamps the execution manual and leaves cron state alone
	resp = f.do(t, http.MethodPost, "/schedules/"+strconv.FormatInt(sched.ID, 10)+"/trigger", f.userKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger returned %d", resp.StatusCode)
	}
	trig := decode[map[string]any](t, resp)
	execID := int64(trig["execution_id"].(float64))
	exec, err := f.store.GetExecution(context.Background(), execID)
	if err != nil {
		t.Fatalf("execution missing: %v", err)
	}
	if exec.TriggeredBy != "manual" {
		t.Fatalf("wrong trigger kind: %s", exec.TriggeredBy)
	}
	after, err := f.store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("schedule missing: %v", err)
	}
	if !after.NextRunAt.Equal(*sched.NextRunAt) {
		t.Fatal("manual trigger advanced the cron state")
	}

	resp = f.do(t, http.MethodPost, "/schedules/"+strconv.FormatInt(sched.ID, 10)+"/disable", f.userKey, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable returned %d", resp.StatusCode)
	}
	disabled, err := f.store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("schedule missing: %v", err)
	}
	if disabled.Enabled {
		t.Fatal("schedule still enabled")
	}
}

func TestTerminateViaAPI(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, f.userKey, "alpha")

	ctx := context.Background()
	slot, err := f.queue.Submit(ctx, "alpha", "user:u1")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	exec := &store.Execution{AgentName: "alpha", Message: "long job", TriggeredBy: "user", QueueID: slot.VolatileID}
	if _, err := f.ledger.StartExecution(ctx, exec, store.ActivityChatStart, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := f.ledger.MarkRunning(ctx, exec.ID, slot.VolatileID); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}

	resp := f.do(t, http.MethodPost, "/executions/"+strconv.FormatInt(exec.ID, 10)+"/terminate", f.userKey, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("terminate returned %d", resp.StatusCode)
	}

	after, err := f.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("execution missing: %v", err)
	}
	if after.Status != store.ExecutionCancelled {
		t.Fatalf("execution not cancelled: %s", after.Status)
	}
	if _, err := f.queue.Holder(ctx, "alpha"); err != coord.ErrNoKey {
		t.Fatal("slot not released")
	}
}

func TestWebSocketAllowlistFiltering(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, f.userKey, "mine")
	otherKey := issueKey(t, f.store, "user", "u2", "")
	f.createAgent(t, otherKey, "theirs")

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/ws/events"
	header := http.Header{"X-API-Key": []string{f.userKey}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("ws dial failed: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	// activity on a foreign agent must not arrive; own agent activity must
	ctx := context.Background()
	foreign := &store.Execution{AgentName: "theirs", Message: "x", TriggeredBy: "user"}
	if _, err := f.ledger.StartExecution(ctx, foreign, store.ActivityChatStart, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	mine := &store.Execution{AgentName: "mine", Message: "y", TriggeredBy: "user"}
	if _, err := f.ledger.StartExecution(ctx, mine, store.ActivityChatStart, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Type string               `json:"type"`
		Data ledger.ActivityEvent `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("no event received: %v", err)
	}
	if frame.Data.Agent != "mine" {
		t.Fatalf("leaked event for agent %q", frame.Data.Agent)
	}
}
