// Package agentclient is the control plane's HTTP client for the sandbox
// runtime inside each agent container. The sandbox exposes /chat, /task,
// the process registry, and the injection endpoints; agents are addressed
// by container name on the shared network.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
)

// Headers carrying caller identity into the sandbox.
const (
	HeaderSourceAgent = "X-Source-Agent"
	HeaderCaller      = "X-Orchd-Caller"
)

// ChatRequest is a sequential, conversation-carrying invocation.
type ChatRequest struct {
	ExecutionID  int64    `json:"execution_id"`
	Message      string   `json:"message"`
	SessionID    string   `json:"session_id,omitempty"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	Caller       string   `json:"caller"`
}

// TaskRequest is a stateless parallel invocation.
type TaskRequest struct {
	ExecutionID  int64    `json:"execution_id"`
	Message      string   `json:"message"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	Caller       string   `json:"caller"`
}

// ExecutionResult is the sandbox's structured response for both paths.
// Reply is the final assistant text; Transcript the full structured log.
type ExecutionResult struct {
	ExecutionID int64           `json:"execution_id"`
	Status      string          `json:"status"`
	Reply       string          `json:"reply,omitempty"`
	Transcript  json.RawMessage `json:"transcript,omitempty"`
	Cost        float64         `json:"cost"`
	Tokens      int64           `json:"tokens"`
	Error       string          `json:"error,omitempty"`
}

// RunningExecution is one entry in the sandbox's process registry.
type RunningExecution struct {
	ID        int64     `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Command   string    `json:"command"`
}

// TerminateResult reports the outcome of a terminate request.
type TerminateResult struct {
	Terminated bool   `json:"terminated"`
	Signal     string `json:"signal,omitempty"`
}

// Resolver maps an agent name to its sandbox base URL. The default uses
// container-name DNS on the agent network; tests point it at httptest.
type Resolver func(agent string) string

// Client calls sandbox endpoints.
type Client struct {
	http    *http.Client
	resolve Resolver
	logger  *logger.Logger
}

// New creates a client with the configured per-call timeout.
func New(cfg config.AgentConfig, log *logger.Logger) *Client {
	port := cfg.HTTPPort
	return &Client{
		http:    &http.Client{Timeout: cfg.CallTimeoutDuration()},
		resolve: func(agent string) string { return fmt.Sprintf("http://%s:%d", agent, port) },
		logger:  log,
	}
}

// WithResolver overrides agent addressing.
func (c *Client) WithResolver(r Resolver) *Client {
	c.resolve = r
	return c
}

// Chat runs a sequential execution on the agent. The caller must hold the
// agent's queue slot.
func (c *Client) Chat(ctx context.Context, agent string, req ChatRequest) (*ExecutionResult, error) {
	var result ExecutionResult
	if err := c.post(ctx, agent, "/chat", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Task runs a stateless parallel execution. sourceAgent is empty for
// human-originated tasks.
func (c *Client) Task(ctx context.Context, agent, sourceAgent string, req TaskRequest) (*ExecutionResult, error) {
	headers := map[string]string{}
	if sourceAgent != "" {
		headers[HeaderSourceAgent] = sourceAgent
	}
	var result ExecutionResult
	if err := c.post(ctx, agent, "/task", headers, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RunningExecutions lists the sandbox's in-flight executions.
func (c *Client) RunningExecutions(ctx context.Context, agent string) ([]RunningExecution, error) {
	url := c.resolve(agent) + "/executions/running"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sandbox %s unreachable: %w", agent, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(agent, resp)
	}
	var running []RunningExecution
	if err := json.NewDecoder(resp.Body).Decode(&running); err != nil {
		return nil, fmt.Errorf("decode running executions from %s: %w", agent, err)
	}
	return running, nil
}

// Terminate asks the sandbox to kill the execution's sub-process.
func (c *Client) Terminate(ctx context.Context, agent string, executionID int64) (*TerminateResult, error) {
	var result TerminateResult
	path := fmt.Sprintf("/executions/%d/terminate", executionID)
	if err := c.post(ctx, agent, path, nil, struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// InjectCredentials pushes the decrypted credential blob into the sandbox.
func (c *Client) InjectCredentials(ctx context.Context, agent string, blob []byte) error {
	return c.post(ctx, agent, "/inject/credentials", nil, json.RawMessage(blob), nil)
}

// InjectSkills pushes the skill set into the sandbox.
func (c *Client) InjectSkills(ctx context.Context, agent string, skills []string) error {
	return c.post(ctx, agent, "/inject/skills", nil, map[string][]string{"skills": skills}, nil)
}

// InjectSystemPrompt pushes the platform-wide system prompt.
func (c *Client) InjectSystemPrompt(ctx context.Context, agent, prompt string) error {
	return c.post(ctx, agent, "/inject/system-prompt", nil, map[string]string{"prompt": prompt}, nil)
}

func (c *Client) post(ctx context.Context, agent, path string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := c.resolve(agent) + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sandbox %s unreachable: %w", agent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(agent, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s%s: %w", agent, path, err)
	}
	return nil
}

func (c *Client) statusError(agent string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("sandbox %s returned %d: %s", agent, resp.StatusCode, bytes.TrimSpace(body))
}
