package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/events/bus"
	"github.com/orchd/orchd/internal/ledger"
	"github.com/orchd/orchd/internal/store"
)

const streamHeartbeat = 15 * time.Second

// executionStream serves the live transcript of one execution as
// server-sent events. Already-written activity rows are replayed first,
// then the bus is followed until the execution seals or the client goes
// away. Terminal executions get the replay and an immediate done event.
func (h *Handler) executionStream(c *gin.Context) {
	exec, ok := h.loadExecution(c)
	if !ok {
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	// nginx buffers SSE unless told not to
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	// Subscribe before replaying so nothing published in between is lost;
	// replayed ids are suppressed from the live feed instead.
	events := make(chan *ledger.ActivityEvent, 64)
	sub, err := h.bus.Subscribe(bus.SubjectActivity, func(ctx context.Context, event *bus.Event) error {
		var activity ledger.ActivityEvent
		if err := json.Unmarshal(event.Data, &activity); err != nil {
			return nil
		}
		if activity.ExecutionID == nil || *activity.ExecutionID != exec.ID {
			return nil
		}
		select {
		case events <- &activity:
		default:
			// slow consumer: the client still sees the seal via the done event
		}
		return nil
	})
	if err != nil {
		h.logger.Error("Failed to subscribe execution stream", zap.Error(err))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	acts, err := h.store.ActivitiesForExecution(c.Request.Context(), exec.ID)
	if err != nil {
		h.logger.Error("Failed to replay execution activities", zap.Error(err))
		return
	}
	// seen dedupes on (id, state): the ledger re-publishes an activity when
	// its state changes, and those must still reach the client
	seen := make(map[int64]string, len(acts))
	for _, act := range acts {
		writeSSE(c.Writer, "activity", act)
		seen[act.ID] = act.State
	}
	if isTerminalStatus(exec.Status) {
		writeSSE(c.Writer, "done", gin.H{"status": exec.Status})
		return
	}

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case activity := <-events:
			if state, ok := seen[activity.ActivityID]; ok && state == activity.State {
				continue
			}
			seen[activity.ActivityID] = activity.State
			writeSSE(c.Writer, "activity", activity)
			if !closesExecution(activity.Type) {
				continue
			}
			status := store.ExecutionCancelled
			if current, err := h.store.GetExecution(ctx, exec.ID); err == nil {
				status = current.Status
			}
			writeSSE(c.Writer, "done", gin.H{"status": status})
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			c.Writer.Flush()
		}
	}
}

func writeSSE(w gin.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	w.Flush()
}

func isTerminalStatus(status string) bool {
	switch status {
	case store.ExecutionSucceeded, store.ExecutionFailed, store.ExecutionCancelled:
		return true
	}
	return false
}

// closesExecution reports whether an activity type is one the ledger writes
// when sealing the execution it links to.
func closesExecution(activityType string) bool {
	switch activityType {
	case store.ActivityChatEnd, store.ActivityScheduleEnd, store.ActivityExecutionCancelled:
		return true
	}
	return false
}
