package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orchd/orchd/internal/identity"
	"github.com/orchd/orchd/internal/scheduler"
	"github.com/orchd/orchd/internal/store"
)

// scheduleRequest is the create/update body for a schedule.
type scheduleRequest struct {
	CronExpr string `json:"cron_expr" binding:"required"`
	Timezone string `json:"timezone"`
	Message  string `json:"message" binding:"required"`
	Enabled  *bool  `json:"enabled"`
	Parallel bool   `json:"parallel"`
}

func (h *Handler) createSchedule(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	next, err := scheduler.NextRun(req.CronExpr, req.Timezone, time.Now().UTC())
	if err != nil {
		badRequest(c, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched := &store.Schedule{
		AgentName: agent.Name,
		CronExpr:  req.CronExpr,
		Timezone:  req.Timezone,
		Message:   req.Message,
		Enabled:   enabled,
		Parallel:  req.Parallel,
		NextRunAt: &next,
	}
	if err := h.store.CreateSchedule(c.Request.Context(), sched); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

func (h *Handler) listSchedules(c *gin.Context) {
	agent, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	scheds, err := h.store.ListSchedulesForAgent(c.Request.Context(), agent.Name)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if scheds == nil {
		scheds = []*store.Schedule{}
	}
	c.JSON(http.StatusOK, gin.H{"schedules": scheds})
}

// loadSchedule fetches the schedule and checks access through its agent.
func (h *Handler) loadSchedule(c *gin.Context) (*store.Schedule, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, errInvalidScheduleID)
		return nil, false
	}
	sched, err := h.store.GetSchedule(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return nil, false
	}
	if err := h.gateway.Authorize(c.Request.Context(), callerIdentity(c), sched.AgentName); err != nil {
		writeError(c, h.logger, err)
		return nil, false
	}
	return sched, true
}

func (h *Handler) getSchedule(c *gin.Context) {
	sched, ok := h.loadSchedule(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (h *Handler) updateSchedule(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	sched, ok := h.loadSchedule(c)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Timezone == "" {
		req.Timezone = sched.Timezone
	}
	// re-arm from the new expression; the old next_run_at is meaningless
	next, err := scheduler.NextRun(req.CronExpr, req.Timezone, time.Now().UTC())
	if err != nil {
		badRequest(c, err)
		return
	}
	sched.CronExpr = req.CronExpr
	sched.Timezone = req.Timezone
	sched.Message = req.Message
	sched.Parallel = req.Parallel
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}
	sched.NextRunAt = &next
	if err := h.store.UpdateSchedule(c.Request.Context(), sched); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (h *Handler) deleteSchedule(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	sched, ok := h.loadSchedule(c)
	if !ok {
		return
	}
	if err := h.store.DeleteSchedule(c.Request.Context(), sched.ID); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) setScheduleEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		sched, ok := h.loadSchedule(c)
		if !ok {
			return
		}
		if err := h.store.SetScheduleEnabled(c.Request.Context(), sched.ID, enabled); err != nil {
			writeError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"enabled": enabled})
	}
}

// triggerSchedule fires the schedule now. The cron state stays untouched and
// the execution is stamped manual.
func (h *Handler) triggerSchedule(c *gin.Context) {
	sched, ok := h.loadSchedule(c)
	if !ok {
		return
	}
	outcome, err := h.gateway.RunSchedule(c.Request.Context(), sched, identity.TriggerManual)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"execution_id": outcome.ExecutionID,
		"result":       outcome.Result,
	})
}

func (h *Handler) scheduleExecutions(c *gin.Context) {
	sched, ok := h.loadSchedule(c)
	if !ok {
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	execs, err := h.store.ListExecutionsForSchedule(c.Request.Context(), sched.ID, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}
