// Package api is the control plane's HTTP surface: agent management,
// execution dispatch, schedules, and the realtime activity stream. Handlers
// resolve the caller identity from the auth middleware and defer all
// permission decisions to the gateway and the state store.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/container"
	"github.com/orchd/orchd/internal/events/bus"
	"github.com/orchd/orchd/internal/gateway"
	"github.com/orchd/orchd/internal/identity"
	"github.com/orchd/orchd/internal/lifecycle"
	"github.com/orchd/orchd/internal/store"
)

var (
	errInvalidTail        = errors.New("tail must be a non-negative integer")
	errInvalidResources   = errors.New("cpus and memory_mb must be positive")
	errInvalidExecutionID = errors.New("invalid execution id")
	errInvalidScheduleID  = errors.New("invalid schedule id")
	errMissingAgent       = errors.New("agent is required")
)

// Lifecycle is the container-management surface the handlers use.
// *lifecycle.Manager satisfies it.
type Lifecycle interface {
	Create(ctx context.Context, agent *store.Agent, edges []string, autoStart bool) (*lifecycle.CreateResult, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Reconcile(ctx context.Context) error
	Logs(ctx context.Context, name string, tail int) (io.ReadCloser, error)
	Stats(ctx context.Context, name string) (*container.Stats, error)
}

// Handler carries the dependencies of every endpoint.
type Handler struct {
	store     *store.Store
	gateway   *gateway.Gateway
	lifecycle Lifecycle
	bus       bus.EventBus
	logger    *logger.Logger
}

// NewHandler creates the API handler set.
func NewHandler(st *store.Store, gw *gateway.Gateway, lm Lifecycle, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{store: st, gateway: gw, lifecycle: lm, bus: eventBus, logger: log}
}

// createAgentRequest is the POST /agents body.
type createAgentRequest struct {
	Name              string   `json:"name" binding:"required"`
	Kind              string   `json:"kind"`
	Template          string   `json:"template"`
	Model             string   `json:"model"`
	APIKeyMode        string   `json:"api_key_mode"`
	CapabilityProfile string   `json:"capability_profile"`
	CPUs              float64  `json:"cpus"`
	MemoryMB          int64    `json:"memory_mb"`
	ReadOnly          bool     `json:"read_only"`
	AutonomyEnabled   bool     `json:"autonomy_enabled"`
	Tags              []string `json:"tags"`
	Permissions       []string `json:"permissions"`
	AutoStart         bool     `json:"auto_start"`
}

func (h *Handler) createAgent(c *gin.Context) {
	ident, ok := requireUser(c)
	if !ok {
		return
	}
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	name, err := store.SanitizeAgentName(req.Name)
	if err != nil {
		badRequest(c, err)
		return
	}

	agent := &store.Agent{
		Name:              name,
		OwnerID:           ident.UserID,
		Kind:              req.Kind,
		Template:          req.Template,
		Model:             req.Model,
		APIKeyMode:        req.APIKeyMode,
		CapabilityProfile: req.CapabilityProfile,
		CPUs:              req.CPUs,
		MemoryMB:          req.MemoryMB,
		ReadOnly:          req.ReadOnly,
		AutonomyEnabled:   req.AutonomyEnabled,
		Tags:              store.JSONSlice(req.Tags),
	}
	if agent.Kind == "" {
		agent.Kind = store.AgentKindLLM
	}
	if agent.APIKeyMode == "" {
		agent.APIKeyMode = store.APIKeyModePlatform
	}
	if agent.CapabilityProfile == "" {
		agent.CapabilityProfile = string(container.ProfileRestricted)
	}
	if agent.CPUs == 0 {
		agent.CPUs = 1
	}
	if agent.MemoryMB == 0 {
		agent.MemoryMB = 1024
	}
	if _, err := container.ParseProfile(agent.CapabilityProfile); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.lifecycle.Create(c.Request.Context(), agent, req.Permissions, req.AutoStart)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	// the clear agent key appears exactly once, in this response
	c.JSON(http.StatusCreated, gin.H{
		"agent":         result.Agent,
		"agent_api_key": result.AgentAPIKey,
	})
}

func (h *Handler) listAgents(c *gin.Context) {
	ident := callerIdentity(c)
	var (
		agents []*store.Agent
		err    error
	)
	switch ident.Scope {
	case identity.ScopeUser:
		agents, err = h.store.ListAccessibleAgents(c.Request.Context(), ident.UserID, ident.Admin)
	case identity.ScopeSystem:
		agents, err = h.store.ListAgents(c.Request.Context())
	case identity.ScopeAgent:
		// an agent sees its permitted targets only
		var targets []string
		targets, err = h.store.PermittedTargets(c.Request.Context(), ident.AgentName)
		if err == nil {
			for _, target := range targets {
				agent, gerr := h.store.GetAgent(c.Request.Context(), target)
				if gerr != nil {
					continue
				}
				agents = append(agents, agent)
			}
		}
	}
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if agents == nil {
		agents = []*store.Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *Handler) busyAgents(c *gin.Context) {
	busy, err := h.gateway.BusyAgents(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if busy == nil {
		busy = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"busy": busy})
}

// reconcile forces a store/engine convergence pass. Admin only.
func (h *Handler) reconcile(c *gin.Context) {
	ident := callerIdentity(c)
	if ident.Scope != identity.ScopeSystem && !ident.Admin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin credentials required"})
		return
	}
	if err := h.lifecycle.Reconcile(c.Request.Context()); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reconciled"})
}

// loadAccessible fetches the agent after the caller's access check.
func (h *Handler) loadAccessible(c *gin.Context) (*store.Agent, bool) {
	name := c.Param("name")
	ident := callerIdentity(c)
	if err := h.gateway.Authorize(c.Request.Context(), ident, name); err != nil {
		writeError(c, h.logger, err)
		return nil, false
	}
	agent, err := h.store.GetAgent(c.Request.Context(), name)
	if err != nil {
		writeError(c, h.logger, err)
		return nil, false
	}
	return agent, true
}

func (h *Handler) getAgent(c *gin.Context) {
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handler) deleteAgent(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	if err := h.lifecycle.Delete(c.Request.Context(), agent.Name); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) startAgent(c *gin.Context) {
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	if err := h.lifecycle.Start(c.Request.Context(), agent.Name); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (h *Handler) stopAgent(c *gin.Context) {
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	if err := h.lifecycle.Stop(c.Request.Context(), agent.Name); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *Handler) agentLogs(c *gin.Context) {
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	tail := 200
	if v := c.Query("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, errInvalidTail)
			return
		}
		tail = n
	}
	logs, err := h.lifecycle.Logs(c.Request.Context(), agent.Name, tail)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	defer logs.Close()
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, logs); err != nil {
		h.logger.Debug("Log stream interrupted",
			zap.String("agent", agent.Name), zap.Error(err))
	}
}

func (h *Handler) agentStats(c *gin.Context) {
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	stats, err := h.lifecycle.Stats(c.Request.Context(), agent.Name)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// updateAgentField loads the agent, applies mutate, and persists. The change
// takes effect in the container on the next start, when the lifecycle
// manager sees the drift.
func (h *Handler) updateAgentField(c *gin.Context, mutate func(*store.Agent) error) {
	if _, ok := requireUser(c); !ok {
		return
	}
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	if err := mutate(agent); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.store.UpdateAgent(c.Request.Context(), agent); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handler) setResources(c *gin.Context) {
	var req struct {
		CPUs     float64 `json:"cpus" binding:"required"`
		MemoryMB int64   `json:"memory_mb" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.updateAgentField(c, func(agent *store.Agent) error {
		if req.CPUs <= 0 || req.MemoryMB <= 0 {
			return errInvalidResources
		}
		agent.CPUs = req.CPUs
		agent.MemoryMB = req.MemoryMB
		return nil
	})
}

func (h *Handler) setFolders(c *gin.Context) {
	var req struct {
		ExposeFolder   bool     `json:"expose_folder"`
		ConsumeFolders []string `json:"consume_folders"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.updateAgentField(c, func(agent *store.Agent) error {
		agent.ExposeFolder = req.ExposeFolder
		agent.ConsumeFolders = store.JSONSlice(req.ConsumeFolders)
		return nil
	})
}

func (h *Handler) setAutonomy(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.updateAgentField(c, func(agent *store.Agent) error {
		agent.AutonomyEnabled = req.Enabled
		return nil
	})
}

func (h *Handler) setReadOnly(c *gin.Context) {
	var req struct {
		ReadOnly bool `json:"read_only"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.updateAgentField(c, func(agent *store.Agent) error {
		agent.ReadOnly = req.ReadOnly
		return nil
	})
}

func (h *Handler) setTags(c *gin.Context) {
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.updateAgentField(c, func(agent *store.Agent) error {
		agent.Tags = store.JSONSlice(req.Tags)
		return nil
	})
}

func (h *Handler) getPermissions(c *gin.Context) {
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	targets, err := h.store.PermittedTargets(c.Request.Context(), agent.Name)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if targets == nil {
		targets = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

func (h *Handler) setPermissions(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	var req struct {
		Targets []string `json:"targets"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.store.ReplacePermissionEdges(c.Request.Context(), agent.Name, req.Targets); err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.getPermissions(c)
}

func (h *Handler) shareAgent(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.store.ShareAgent(c.Request.Context(), agent.Name, req.UserID); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shared"})
}

func (h *Handler) unshareAgent(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	userID := c.Param("userId")
	if err := h.store.UnshareAgent(c.Request.Context(), agent.Name, userID); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unshared"})
}

func (h *Handler) agentActivity(c *gin.Context) {
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	acts, err := h.store.RecentActivities(c.Request.Context(), []string{agent.Name}, time.Time{}, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if acts == nil {
		acts = []*store.Activity{}
	}
	c.JSON(http.StatusOK, gin.H{"activities": acts})
}
