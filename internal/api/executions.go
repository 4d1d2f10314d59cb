package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orchd/orchd/internal/gateway"
	"github.com/orchd/orchd/internal/store"
)

// chatRequest is the POST /agents/:name/chat and /internal/chat body.
type chatRequest struct {
	Agent   string `json:"agent"`
	Message string `json:"message" binding:"required"`
	Model   string `json:"model"`
}

// taskRequest is the POST /agents/:name/task and /internal/task body.
type taskRequest struct {
	Agent   string `json:"agent"`
	Message string `json:"message" binding:"required"`
	Model   string `json:"model"`
	Async   bool   `json:"async"`
}

// chat runs a sequential execution on the agent named in the path.
func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.runChat(c, c.Param("name"), req)
}

// internalChat is the agent-edge chat endpoint: the target comes from the
// body and the caller identity from the agent-scoped API key.
func (h *Handler) internalChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Agent == "" {
		badRequest(c, errMissingAgent)
		return
	}
	h.runChat(c, req.Agent, req)
}

func (h *Handler) runChat(c *gin.Context, agent string, req chatRequest) {
	outcome, err := h.gateway.Chat(c.Request.Context(), callerIdentity(c), gateway.ChatParams{
		Agent:   agent,
		Message: req.Message,
		Model:   req.Model,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"execution_id": outcome.ExecutionID,
		"session_id":   outcome.SessionID,
		"result":       outcome.Result,
	})
}

func (h *Handler) task(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.runTask(c, c.Param("name"), req)
}

func (h *Handler) internalTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Agent == "" {
		badRequest(c, errMissingAgent)
		return
	}
	h.runTask(c, req.Agent, req)
}

func (h *Handler) runTask(c *gin.Context, agent string, req taskRequest) {
	params := gateway.TaskParams{Agent: agent, Message: req.Message, Model: req.Model}
	ident := callerIdentity(c)

	if req.Async {
		outcome, err := h.gateway.TaskAsync(c.Request.Context(), ident, params)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"execution_id": outcome.ExecutionID})
		return
	}

	outcome, err := h.gateway.Task(c.Request.Context(), ident, params)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"execution_id": outcome.ExecutionID,
		"result":       outcome.Result,
	})
}

func (h *Handler) listExecutions(c *gin.Context) {
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	execs, err := h.store.ListExecutionsForAgent(c.Request.Context(), agent.Name, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

// loadExecution fetches the execution and checks the caller can access its
// agent.
func (h *Handler) loadExecution(c *gin.Context) (*store.Execution, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, errInvalidExecutionID)
		return nil, false
	}
	exec, err := h.store.GetExecution(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return nil, false
	}
	if err := h.gateway.Authorize(c.Request.Context(), callerIdentity(c), exec.AgentName); err != nil {
		writeError(c, h.logger, err)
		return nil, false
	}
	return exec, true
}

func (h *Handler) getExecution(c *gin.Context) {
	exec, ok := h.loadExecution(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, exec)
}

// executionLog returns the activity rows of one execution in causal order.
func (h *Handler) executionLog(c *gin.Context) {
	exec, ok := h.loadExecution(c)
	if !ok {
		return
	}
	acts, err := h.store.ActivitiesForExecution(c.Request.Context(), exec.ID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if acts == nil {
		acts = []*store.Activity{}
	}
	c.JSON(http.StatusOK, gin.H{
		"execution":  exec,
		"activities": acts,
	})
}

func (h *Handler) terminateExecution(c *gin.Context) {
	exec, ok := h.loadExecution(c)
	if !ok {
		return
	}
	ident := callerIdentity(c)
	if err := h.gateway.Terminate(c.Request.Context(), ident, exec.ID, "terminated by "+ident.String()); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "terminated"})
}
