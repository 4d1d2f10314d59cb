package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/agentclient"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/store"
)

// RunRequest is what the runner feeds the agent runtime on stdin.
type RunRequest struct {
	ExecutionID  int64           `json:"execution_id"`
	Mode         string          `json:"mode"` // chat or task
	Message      string          `json:"message"`
	SessionID    string          `json:"session_id,omitempty"`
	Model        string          `json:"model,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	Tools        []string        `json:"tools,omitempty"`
	Caller       string          `json:"caller"`
	Credentials  json.RawMessage `json:"credentials,omitempty"`
}

// Runner invokes the agent runtime binary once per execution. The runtime
// reads a RunRequest on stdin and writes an ExecutionResult on stdout; its
// stderr goes to the sandbox log.
type Runner struct {
	registry *Registry
	command  string
	args     []string
	workdir  string
	logger   *logger.Logger
}

// NewRunner creates a runner for the given runtime command line.
func NewRunner(registry *Registry, command string, args []string, workdir string, log *logger.Logger) *Runner {
	return &Runner{
		registry: registry,
		command:  command,
		args:     args,
		workdir:  workdir,
		logger:   log,
	}
}

// Run executes one request to completion. The sub-process is registered for
// the whole run, so a terminate by execution id reaches it. Run never
// returns an error for runtime failures; those are folded into the result.
func (r *Runner) Run(ctx context.Context, req RunRequest) *agentclient.ExecutionResult {
	payload, err := json.Marshal(req)
	if err != nil {
		return failed(req.ExecutionID, "encode run request: "+err.Error())
	}

	cmd := exec.Command(r.command, r.args...)
	cmd.Dir = r.workdir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return failed(req.ExecutionID, "start agent runtime: "+err.Error())
	}
	if _, err := r.registry.Register(req.ExecutionID, r.command, cmd.Process); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return failed(req.ExecutionID, err.Error())
	}

	// cancel the sub-process when the control plane drops the call
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-waitDone:
		}
	}()

	waitErr := cmd.Wait()
	close(waitDone)
	r.registry.Finish(req.ExecutionID)

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && signalled(exitErr) {
			return &agentclient.ExecutionResult{
				ExecutionID: req.ExecutionID,
				Status:      store.ExecutionCancelled,
				Error:       "terminated",
			}
		}
		r.logger.Warn("Agent runtime exited non-zero",
			zap.Int64("execution_id", req.ExecutionID),
			zap.Error(waitErr),
			zap.String("stderr", tail(stderr.String(), 512)))
	}

	var result agentclient.ExecutionResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		msg := "agent runtime produced no result"
		if waitErr != nil {
			msg = waitErr.Error() + ": " + tail(stderr.String(), 512)
		}
		return failed(req.ExecutionID, msg)
	}
	result.ExecutionID = req.ExecutionID
	if result.Status == "" {
		result.Status = store.ExecutionSucceeded
		if waitErr != nil {
			result.Status = store.ExecutionFailed
		}
	}
	return &result
}

func failed(executionID int64, msg string) *agentclient.ExecutionResult {
	return &agentclient.ExecutionResult{
		ExecutionID: executionID,
		Status:      store.ExecutionFailed,
		Error:       msg,
	}
}

func signalled(err *exec.ExitError) bool {
	return err.ExitCode() == -1
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
