package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/agentclient"
	"github.com/orchd/orchd/internal/identity"
	"github.com/orchd/orchd/internal/ledger"
	"github.com/orchd/orchd/internal/queue"
	"github.com/orchd/orchd/internal/store"
)

// RunSchedule dispatches one fire of a schedule. Sequential schedules go
// through the agent's queue; a busy agent records a failed execution with
// reason queue_busy instead of retrying, and the next cron fire tries again.
// Parallel schedules bypass the queue like tasks.
//
// trigger distinguishes cron fires (schedule) from manual ones (manual).
func (g *Gateway) RunSchedule(ctx context.Context, sched *store.Schedule, trigger identity.TriggerKind) (*Outcome, error) {
	exec := &store.Execution{
		AgentName:   sched.AgentName,
		ScheduleID:  &sched.ID,
		Message:     sched.Message,
		TriggeredBy: string(trigger),
	}

	if sched.Parallel {
		startAct, err := g.ledger.StartExecution(ctx, exec, store.ActivityScheduleStart, ledger.ScheduleDetails{
			ScheduleID: sched.ID,
			Message:    sched.Message,
			Status:     "started",
		})
		if err != nil {
			return nil, err
		}
		result, callErr := g.dispatchScheduleTask(ctx, exec, sched, trigger)
		g.sealScheduleRun(ctx, exec.ID, startAct.ID, sched.ID, result, callErr)
		if callErr != nil {
			return nil, callErr
		}
		return &Outcome{ExecutionID: exec.ID, Result: result}, nil
	}

	slot, err := g.queue.Submit(ctx, sched.AgentName, "schedule:"+string(trigger))
	if err != nil {
		if busy, ok := queue.AsBusy(err); ok {
			g.recordBusySkip(ctx, exec, sched, busy)
		}
		return nil, err
	}
	exec.QueueID = slot.VolatileID

	startAct, err := g.ledger.StartExecution(ctx, exec, store.ActivityScheduleStart, ledger.ScheduleDetails{
		ScheduleID: sched.ID,
		Message:    sched.Message,
		Status:     "started",
	})
	if err != nil {
		if _, relErr := g.queue.Complete(ctx, sched.AgentName, slot.VolatileID); relErr != nil {
			g.logger.Error("Failed to release queue slot",
				zap.String("agent", sched.AgentName), zap.Error(relErr))
		}
		return nil, err
	}
	if err := g.ledger.MarkRunning(ctx, exec.ID, slot.VolatileID); err != nil {
		g.logger.Error("Failed to mark execution running",
			zap.Int64("execution_id", exec.ID), zap.Error(err))
	}

	result, callErr := g.dispatch.Chat(ctx, sched.AgentName, agentclient.ChatRequest{
		ExecutionID: exec.ID,
		Message:     sched.Message,
		Caller:      string(trigger),
	})

	if _, relErr := g.queue.Complete(context.WithoutCancel(ctx), sched.AgentName, slot.VolatileID); relErr != nil {
		g.logger.Error("Failed to release queue slot",
			zap.String("agent", sched.AgentName), zap.Error(relErr))
	}

	g.sealScheduleRun(ctx, exec.ID, startAct.ID, sched.ID, result, callErr)
	if callErr != nil {
		return nil, callErr
	}
	return &Outcome{ExecutionID: exec.ID, Result: result}, nil
}

func (g *Gateway) dispatchScheduleTask(ctx context.Context, exec *store.Execution, sched *store.Schedule, trigger identity.TriggerKind) (*agentclient.ExecutionResult, error) {
	if err := g.ledger.MarkRunning(ctx, exec.ID, ""); err != nil {
		g.logger.Error("Failed to mark execution running",
			zap.Int64("execution_id", exec.ID), zap.Error(err))
	}
	return g.dispatch.Task(ctx, sched.AgentName, "", agentclient.TaskRequest{
		ExecutionID: exec.ID,
		Message:     sched.Message,
		Caller:      string(trigger),
	})
}

func (g *Gateway) sealScheduleRun(ctx context.Context, executionID, startActivityID, scheduleID int64, result *agentclient.ExecutionResult, callErr error) {
	seal := sealFromResult(result, callErr)
	g.sealExecution(ctx, executionID, startActivityID, store.ActivityScheduleEnd, seal, ledger.ScheduleDetails{
		ScheduleID: scheduleID,
		Status:     seal.Status,
	})
}

// recordBusySkip writes the failed execution row for a fire that lost to a
// held queue slot. The fire is consumed, not deferred.
func (g *Gateway) recordBusySkip(ctx context.Context, exec *store.Execution, sched *store.Schedule, busy *queue.ErrBusy) {
	startAct, err := g.ledger.StartExecution(ctx, exec, store.ActivityScheduleStart, ledger.ScheduleDetails{
		ScheduleID: sched.ID,
		Message:    sched.Message,
		Status:     "started",
	})
	if err != nil {
		g.logger.Error("Failed to record busy skip",
			zap.Int64("schedule_id", sched.ID), zap.Error(err))
		return
	}
	g.sealExecution(ctx, exec.ID, startAct.ID, store.ActivityScheduleEnd, store.ExecutionSeal{
		Status: store.ExecutionFailed,
		Error:  "queue_busy",
	}, ledger.ScheduleDetails{
		ScheduleID: sched.ID,
		Status:     store.ExecutionFailed,
		Reason:     "queue_busy: held by " + busy.Holder,
	})
}
