package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orchd/orchd/internal/agentclient"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: filepath.Join(t.TempDir(), "test.log"),
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// startTracked starts a shell command and wires it into the registry the way
// the runner does.
func startTracked(t *testing.T, reg *Registry, executionID int64, script string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	if _, err := reg.Register(executionID, "sh", cmd.Process); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	go func() {
		_ = cmd.Wait()
		reg.Finish(executionID)
	}()
	return cmd
}

func TestTerminateInterruptsProcess(t *testing.T) {
	reg := NewRegistry(newTestLogger(t))
	startTracked(t, reg, 1, "sleep 60")

	signal, err := reg.Terminate(context.Background(), 1)
	if err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if signal != "SIGINT" {
		t.Fatalf("expected SIGINT, got %s", signal)
	}
	if len(reg.List()) != 0 {
		t.Fatal("process still registered after terminate")
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	reg := NewRegistry(newTestLogger(t))
	reg.grace = 100 * time.Millisecond
	startTracked(t, reg, 2, `trap "" INT; sleep 60`)

	// give the shell a moment to install the trap
	time.Sleep(100 * time.Millisecond)

	signal, err := reg.Terminate(context.Background(), 2)
	if err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if signal != "SIGKILL" {
		t.Fatalf("expected SIGKILL escalation, got %s", signal)
	}
}

func TestTerminateUnknownExecution(t *testing.T) {
	reg := NewRegistry(newTestLogger(t))
	if _, err := reg.Terminate(context.Background(), 99); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	reg := NewRegistry(newTestLogger(t))
	cmd := startTracked(t, reg, 3, "sleep 60")
	defer func() { _ = cmd.Process.Kill() }()

	if _, err := reg.Register(3, "sh", cmd.Process); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestRunnerShapesResult(t *testing.T) {
	log := newTestLogger(t)
	reg := NewRegistry(log)
	// a runtime that echoes a canned result
	runner := NewRunner(reg, "sh", []string{"-c",
		`cat > /dev/null; echo '{"status":"succeeded","reply":"hi","cost":0.02}'`,
	}, t.TempDir(), log)

	result := runner.Run(context.Background(), RunRequest{ExecutionID: 5, Mode: "chat", Message: "hello"})
	if result.Status != store.ExecutionSucceeded || result.Reply != "hi" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ExecutionID != 5 {
		t.Fatalf("execution id not stamped: %d", result.ExecutionID)
	}
	if len(reg.List()) != 0 {
		t.Fatal("runner left the registry dirty")
	}
}

func TestRunnerFoldsFailures(t *testing.T) {
	log := newTestLogger(t)
	reg := NewRegistry(log)
	runner := NewRunner(reg, "sh", []string{"-c", "echo boom >&2; exit 3"}, t.TempDir(), log)

	result := runner.Run(context.Background(), RunRequest{ExecutionID: 6, Mode: "task"})
	if result.Status != store.ExecutionFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Error == "" {
		t.Fatal("failure reason lost")
	}
}

func newTestServer(t *testing.T) (*Server, *Registry, *httptest.Server) {
	t.Helper()
	log := newTestLogger(t)
	reg := NewRegistry(log)
	runner := NewRunner(reg, "sh", []string{"-c",
		`cat > /dev/null; echo '{"status":"succeeded","reply":"ok"}'`,
	}, t.TempDir(), log)
	server := NewServer(reg, runner, log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	server.SetupRoutes(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return server, reg, ts
}

func postJSON(t *testing.T, url string, body any, out any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
	}
}

func TestServerChatEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	var result agentclient.ExecutionResult
	postJSON(t, ts.URL+"/chat", agentclient.ChatRequest{
		ExecutionID: 10,
		Message:     "hello",
		Caller:      "user:u1",
	}, &result)
	if result.Status != store.ExecutionSucceeded || result.Reply != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestServerInjectedPromptReachesRunner(t *testing.T) {
	server, _, ts := newTestServer(t)

	postJSON(t, ts.URL+"/inject/system-prompt", map[string]string{"prompt": "be terse"}, nil)

	req := server.runRequest("chat", 1, "m", "", "", "", nil, "user:u1")
	if req.SystemPrompt != "be terse" {
		t.Fatalf("injected prompt not applied: %q", req.SystemPrompt)
	}

	// explicit prompt on the request wins
	req = server.runRequest("chat", 1, "m", "", "", "custom", nil, "user:u1")
	if req.SystemPrompt != "custom" {
		t.Fatalf("request prompt overridden: %q", req.SystemPrompt)
	}
}

func TestServerRunningAndTerminate(t *testing.T) {
	_, reg, ts := newTestServer(t)
	startTracked(t, reg, 42, "sleep 60")

	resp, err := http.Get(ts.URL + "/executions/running")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var running []agentclient.RunningExecution
	if err := json.NewDecoder(resp.Body).Decode(&running); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	resp.Body.Close()
	if len(running) != 1 || running[0].ID != 42 {
		t.Fatalf("unexpected running list: %+v", running)
	}

	var result agentclient.TerminateResult
	postJSON(t, ts.URL+"/executions/42/terminate", struct{}{}, &result)
	if !result.Terminated || result.Signal != "SIGINT" {
		t.Fatalf("unexpected terminate result: %+v", result)
	}

	// terminating an already-gone execution reports not terminated
	postJSON(t, ts.URL+"/executions/42/terminate", struct{}{}, &result)
	if result.Terminated {
		t.Fatal("terminated an exited execution")
	}
}
