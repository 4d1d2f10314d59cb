package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes registers every control-plane endpoint under the group. All
// routes sit behind the auth middleware; admission per agent happens in the
// handlers via the gateway.
func SetupRoutes(router *gin.RouterGroup, h *Handler, hub *Hub, auth *Authenticator) {
	router.Use(auth.Middleware())

	router.GET("/agents", h.listAgents)
	router.POST("/agents", h.createAgent)
	router.GET("/agents/busy", h.busyAgents)
	router.POST("/admin/reconcile", h.reconcile)

	agent := router.Group("/agents/:name")
	{
		agent.GET("", h.getAgent)
		agent.DELETE("", h.deleteAgent)
		agent.POST("/start", h.startAgent)
		agent.POST("/stop", h.stopAgent)
		agent.GET("/logs", h.agentLogs)
		agent.GET("/stats", h.agentStats)
		agent.PUT("/resources", h.setResources)
		agent.PUT("/folders", h.setFolders)
		agent.PUT("/autonomy", h.setAutonomy)
		agent.PUT("/read-only", h.setReadOnly)
		agent.PUT("/tags", h.setTags)
		agent.GET("/permissions", h.getPermissions)
		agent.PUT("/permissions", h.setPermissions)
		agent.POST("/share", h.shareAgent)
		agent.DELETE("/share/:userId", h.unshareAgent)
		agent.GET("/activity", h.agentActivity)

		agent.POST("/chat", h.chat)
		agent.POST("/task", h.task)
		agent.GET("/executions", h.listExecutions)

		agent.POST("/schedules", h.createSchedule)
		agent.GET("/schedules", h.listSchedules)
	}

	executions := router.Group("/executions/:id")
	{
		executions.GET("", h.getExecution)
		executions.GET("/log", h.executionLog)
		executions.GET("/stream", h.executionStream)
		executions.POST("/terminate", h.terminateExecution)
	}

	schedules := router.Group("/schedules/:id")
	{
		schedules.GET("", h.getSchedule)
		schedules.PUT("", h.updateSchedule)
		schedules.DELETE("", h.deleteSchedule)
		schedules.POST("/enable", h.setScheduleEnabled(true))
		schedules.POST("/disable", h.setScheduleEnabled(false))
		schedules.POST("/trigger", h.triggerSchedule)
		schedules.GET("/executions", h.scheduleExecutions)
	}

	// agent-edge endpoints: target in the body, caller from the agent key
	internal := router.Group("/internal")
	{
		internal.POST("/chat", h.internalChat)
		internal.POST("/task", h.internalTask)
	}

	router.GET("/ws/events", hub.HandleWS)
}
