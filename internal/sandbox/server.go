package sandbox

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/agentclient"
	"github.com/orchd/orchd/internal/common/logger"
)

// Server is sandboxd's HTTP surface. Only the control plane talks to it, on
// the agent network; there is no auth layer here.
type Server struct {
	registry *Registry
	runner   *Runner
	logger   *logger.Logger

	mu           sync.RWMutex
	credentials  json.RawMessage
	skills       []string
	systemPrompt string
}

// NewServer creates the sandbox HTTP server.
func NewServer(registry *Registry, runner *Runner, log *logger.Logger) *Server {
	return &Server{
		registry: registry,
		runner:   runner,
		logger:   log,
	}
}

// SetupRoutes registers the sandbox endpoints on the router.
func (s *Server) SetupRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	router.POST("/chat", s.handleChat)
	router.POST("/task", s.handleTask)
	router.GET("/executions/running", s.handleRunning)
	router.POST("/executions/:id/terminate", s.handleTerminate)
	router.POST("/inject/credentials", s.handleInjectCredentials)
	router.POST("/inject/skills", s.handleInjectSkills)
	router.POST("/inject/system-prompt", s.handleInjectSystemPrompt)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleChat runs a sequential execution. The control plane holds the queue
// slot for the duration; sandboxd just runs the sub-process.
func (s *Server) handleChat(c *gin.Context) {
	var req agentclient.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := s.runner.Run(c.Request.Context(), s.runRequest("chat", req.ExecutionID, req.Message, req.SessionID, req.Model, req.SystemPrompt, req.Tools, req.Caller))
	c.JSON(http.StatusOK, result)
}

// handleTask runs a parallel execution. Concurrent tasks are just concurrent
// requests; each gets its own sub-process.
func (s *Server) handleTask(c *gin.Context) {
	var req agentclient.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if source := c.GetHeader(agentclient.HeaderSourceAgent); source != "" {
		s.logger.Debug("Task from agent",
			zap.String("source_agent", source),
			zap.Int64("execution_id", req.ExecutionID))
	}
	result := s.runner.Run(c.Request.Context(), s.runRequest("task", req.ExecutionID, req.Message, "", req.Model, req.SystemPrompt, req.Tools, req.Caller))
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleRunning(c *gin.Context) {
	procs := s.registry.List()
	running := make([]agentclient.RunningExecution, 0, len(procs))
	for _, p := range procs {
		running = append(running, agentclient.RunningExecution{
			ID:        p.ExecutionID,
			StartedAt: p.StartedAt,
			Command:   p.Command,
		})
	}
	c.JSON(http.StatusOK, running)
}

func (s *Server) handleTerminate(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return
	}
	signal, err := s.registry.Terminate(c.Request.Context(), id)
	if err == ErrNotRunning {
		// already exited; terminate is idempotent from the caller's view
		c.JSON(http.StatusOK, agentclient.TerminateResult{Terminated: false})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agentclient.TerminateResult{Terminated: true, Signal: signal})
}

func (s *Server) handleInjectCredentials(c *gin.Context) {
	var blob json.RawMessage
	if err := c.ShouldBindJSON(&blob); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.credentials = blob
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleInjectSkills(c *gin.Context) {
	var req struct {
		Skills []string `json:"skills"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.skills = req.Skills
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleInjectSystemPrompt(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.systemPrompt = req.Prompt
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// runRequest merges the request with the injected state. An explicit
// system prompt on the request wins over the injected platform prompt.
func (s *Server) runRequest(mode string, executionID int64, message, sessionID, model, systemPrompt string, tools []string, caller string) RunRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if systemPrompt == "" {
		systemPrompt = s.systemPrompt
	}
	if len(tools) == 0 {
		tools = s.skills
	}
	return RunRequest{
		ExecutionID:  executionID,
		Mode:         mode,
		Message:      message,
		SessionID:    sessionID,
		Model:        model,
		SystemPrompt: systemPrompt,
		Tools:        tools,
		Caller:       caller,
		Credentials:  s.credentials,
	}
}
