package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/container"
	"github.com/orchd/orchd/internal/gateway"
	"github.com/orchd/orchd/internal/lifecycle"
	"github.com/orchd/orchd/internal/queue"
	"github.com/orchd/orchd/internal/store"
)

// writeError maps domain errors onto HTTP statuses. A busy queue slot gets
// its own envelope so clients can back off with the holder and retry hint.
func writeError(c *gin.Context, log *logger.Logger, err error) {
	if busy, ok := queue.AsBusy(err); ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":               "agent_busy",
			"agent":               busy.Agent,
			"holder":              busy.Holder,
			"retry_after_seconds": int(busy.RetryAfter.Seconds()),
		})
		return
	}

	var denied *gateway.ErrPermissionDenied
	switch {
	case errors.As(err, &denied):
		c.JSON(http.StatusForbidden, gin.H{"error": denied.Error()})
	case errors.Is(err, lifecycle.ErrSystemAgent):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, container.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, container.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, container.ErrImageMissing), errors.Is(err, container.ErrEngineUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error("Request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
