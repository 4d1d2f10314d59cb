// Package gateway is the single entry point for running work on agents. It
// enforces admission control for every caller scope, routes sequential work
// through the per-agent execution queue, and records the full execution
// lifecycle in the ledger. The HTTP layer and the scheduler both dispatch
// through here; neither touches the queue or the sandbox directly.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/agentclient"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/identity"
	"github.com/orchd/orchd/internal/ledger"
	"github.com/orchd/orchd/internal/queue"
	"github.com/orchd/orchd/internal/store"
)

// ErrPermissionDenied reports a rejected call. The API layer maps it to 403.
type ErrPermissionDenied struct {
	Caller string
	Target string
}

func (e *ErrPermissionDenied) Error() string {
	return fmt.Sprintf("%s is not permitted to call agent %s", e.Caller, e.Target)
}

// Dispatcher is the sandbox-facing side of the gateway. Satisfied by
// *agentclient.Client; tests swap in a fake.
type Dispatcher interface {
	Chat(ctx context.Context, agent string, req agentclient.ChatRequest) (*agentclient.ExecutionResult, error)
	Task(ctx context.Context, agent, sourceAgent string, req agentclient.TaskRequest) (*agentclient.ExecutionResult, error)
	Terminate(ctx context.Context, agent string, executionID int64) (*agentclient.TerminateResult, error)
}

// ChatParams is a sequential invocation of an agent.
type ChatParams struct {
	Agent   string
	Message string
	Model   string
}

// TaskParams is a parallel invocation of an agent.
type TaskParams struct {
	Agent   string
	Message string
	Model   string
}

// Outcome is the gateway's answer for a dispatched execution. Result is nil
// on the async path, where only the durable id is known at return time.
type Outcome struct {
	ExecutionID int64
	SessionID   string
	Result      *agentclient.ExecutionResult
}

// Gateway routes execution requests to agent sandboxes.
type Gateway struct {
	store    *store.Store
	queue    *queue.Queue
	ledger   *ledger.Ledger
	dispatch Dispatcher
	logger   *logger.Logger

	async sync.WaitGroup
}

// New creates a gateway.
func New(st *store.Store, q *queue.Queue, led *ledger.Ledger, dispatch Dispatcher, log *logger.Logger) *Gateway {
	return &Gateway{
		store:    st,
		queue:    q,
		ledger:   led,
		dispatch: dispatch,
		logger:   log,
	}
}

// Authorize decides whether caller may invoke target. System callers bypass
// all checks, agents need an outgoing permission edge (self-calls are
// implicit), and users need ownership, a share, or admin. Denials for agent
// callers are recorded on the target's timeline.
func (g *Gateway) Authorize(ctx context.Context, caller identity.Identity, target string) error {
	switch caller.Scope {
	case identity.ScopeSystem:
		return nil
	case identity.ScopeAgent:
		ok, err := g.store.HasPermissionEdge(ctx, caller.AgentName, target)
		if err != nil {
			return err
		}
		if !ok {
			if err := g.ledger.RecordPermissionDenied(ctx, ledger.PermissionDeniedDetails{
				SourceAgent: caller.AgentName,
				Caller:      caller.String(),
				TargetAgent: target,
			}, string(caller.Trigger())); err != nil {
				g.logger.Error("Failed to record permission denial", zap.Error(err))
			}
			return &ErrPermissionDenied{Caller: caller.String(), Target: target}
		}
		return nil
	case identity.ScopeUser:
		ok, err := g.store.UserCanAccessAgent(ctx, caller.UserID, target, caller.Admin)
		if err != nil {
			return err
		}
		if !ok {
			return &ErrPermissionDenied{Caller: caller.String(), Target: target}
		}
		return nil
	default:
		return &ErrPermissionDenied{Caller: caller.String(), Target: target}
	}
}

// Chat runs a sequential execution. The agent's queue slot is held for the
// whole call; a busy agent surfaces *queue.ErrBusy with the holder and a
// retry hint instead of queueing the caller.
func (g *Gateway) Chat(ctx context.Context, caller identity.Identity, params ChatParams) (*Outcome, error) {
	if err := g.Authorize(ctx, caller, params.Agent); err != nil {
		return nil, err
	}

	slot, err := g.queue.Submit(ctx, params.Agent, caller.String())
	if err != nil {
		return nil, err
	}
	volatileID := slot.VolatileID
	release := func() {
		if _, err := g.queue.Complete(context.WithoutCancel(ctx), params.Agent, volatileID); err != nil {
			g.logger.Error("Failed to release queue slot",
				zap.String("agent", params.Agent), zap.Error(err))
		}
	}

	sessionID := ""
	if caller.Scope == identity.ScopeUser {
		session, err := g.store.GetOrCreateChatSession(ctx, params.Agent, caller.UserID)
		if err != nil {
			release()
			return nil, err
		}
		sessionID = session.ID
	}

	collab := g.startCollaboration(ctx, caller, params.Agent, "chat", params.Message)

	exec := &store.Execution{
		AgentName:   params.Agent,
		Message:     params.Message,
		TriggeredBy: string(caller.Trigger()),
		QueueID:     volatileID,
	}
	if source := caller.SourceAgent(); source != "" {
		exec.SourceAgent = &source
	}
	startAct, err := g.ledger.StartExecution(ctx, exec, store.ActivityChatStart, ledger.ChatDetails{
		Message:   params.Message,
		SessionID: sessionID,
		Status:    "started",
	})
	if err != nil {
		release()
		g.closeCollaboration(ctx, collab, err)
		return nil, err
	}
	if err := g.ledger.MarkRunning(ctx, exec.ID, volatileID); err != nil {
		g.logger.Error("Failed to mark execution running",
			zap.Int64("execution_id", exec.ID), zap.Error(err))
	}

	if sessionID != "" {
		g.appendMessage(ctx, sessionID, "user", params.Message, nil)
	}

	result, callErr := g.dispatch.Chat(ctx, params.Agent, agentclient.ChatRequest{
		ExecutionID: exec.ID,
		Message:     params.Message,
		SessionID:   sessionID,
		Model:       params.Model,
		Caller:      caller.String(),
	})

	// slot first, history second: the agent is free to take new work the
	// moment its sub-process exits
	release()

	seal := sealFromResult(result, callErr)
	g.sealExecution(ctx, exec.ID, startAct.ID, store.ActivityChatEnd, seal, ledger.ChatDetails{
		SessionID: sessionID,
		Status:    seal.Status,
		Cost:      seal.Cost,
		Tokens:    seal.Tokens,
	})
	g.closeCollaboration(ctx, collab, callErr)

	if sessionID != "" && callErr == nil && result.Reply != "" {
		g.appendMessage(ctx, sessionID, "assistant", result.Reply, result)
	}
	if callErr != nil {
		return nil, fmt.Errorf("dispatch to %s: %w", params.Agent, callErr)
	}
	return &Outcome{ExecutionID: exec.ID, SessionID: sessionID, Result: result}, nil
}

// Task runs a parallel execution and waits for the result. Tasks bypass the
// queue entirely; the sandbox multiplexes concurrent sub-processes.
func (g *Gateway) Task(ctx context.Context, caller identity.Identity, params TaskParams) (*Outcome, error) {
	if err := g.Authorize(ctx, caller, params.Agent); err != nil {
		return nil, err
	}

	collab := g.startCollaboration(ctx, caller, params.Agent, "task", params.Message)

	exec, startAct, err := g.startTaskExecution(ctx, caller, params)
	if err != nil {
		g.closeCollaboration(ctx, collab, err)
		return nil, err
	}

	result, callErr := g.dispatchTask(ctx, caller, exec, params)
	seal := sealFromResult(result, callErr)
	g.sealExecution(ctx, exec.ID, startAct.ID, store.ActivityChatEnd, seal, ledger.ChatDetails{
		Status: seal.Status,
		Cost:   seal.Cost,
		Tokens: seal.Tokens,
	})
	g.closeCollaboration(ctx, collab, callErr)

	if callErr != nil {
		return nil, fmt.Errorf("dispatch to %s: %w", params.Agent, callErr)
	}
	return &Outcome{ExecutionID: exec.ID, Result: result}, nil
}

// TaskAsync starts a parallel execution and returns its durable id
// immediately. The dispatch and seal run in the background; the caller polls
// the execution by id.
func (g *Gateway) TaskAsync(ctx context.Context, caller identity.Identity, params TaskParams) (*Outcome, error) {
	if err := g.Authorize(ctx, caller, params.Agent); err != nil {
		return nil, err
	}

	collab := g.startCollaboration(ctx, caller, params.Agent, "task", params.Message)

	exec, startAct, err := g.startTaskExecution(ctx, caller, params)
	if err != nil {
		g.closeCollaboration(ctx, collab, err)
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	g.async.Add(1)
	go func() {
		defer g.async.Done()
		result, callErr := g.dispatchTask(bg, caller, exec, params)
		seal := sealFromResult(result, callErr)
		g.sealExecution(bg, exec.ID, startAct.ID, store.ActivityChatEnd, seal, ledger.ChatDetails{
			Status: seal.Status,
			Cost:   seal.Cost,
			Tokens: seal.Tokens,
		})
		g.closeCollaboration(bg, collab, callErr)
	}()

	return &Outcome{ExecutionID: exec.ID}, nil
}

// Terminate cancels a running execution. The durable id is translated to
// whatever the sandbox needs; the queue slot is released and the ledger
// seals the row as cancelled. Safe to call on already-terminal executions.
func (g *Gateway) Terminate(ctx context.Context, caller identity.Identity, executionID int64, reason string) error {
	exec, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if err := g.Authorize(ctx, caller, exec.AgentName); err != nil {
		return err
	}
	switch exec.Status {
	case store.ExecutionSucceeded, store.ExecutionFailed, store.ExecutionCancelled:
		return nil
	}

	if _, err := g.dispatch.Terminate(ctx, exec.AgentName, executionID); err != nil {
		// the ledger still seals: the row must not stay running when the
		// sandbox is unreachable
		g.logger.Warn("Sandbox terminate failed",
			zap.Int64("execution_id", executionID),
			zap.String("agent", exec.AgentName),
			zap.Error(err))
	}

	if exec.QueueID != "" {
		if _, err := g.queue.Complete(ctx, exec.AgentName, exec.QueueID); err != nil {
			g.logger.Error("Failed to release queue slot on terminate",
				zap.String("agent", exec.AgentName), zap.Error(err))
		}
	}
	return g.ledger.CancelExecution(ctx, executionID, reason)
}

// BusyAgents lists agents with a held queue slot.
func (g *Gateway) BusyAgents(ctx context.Context) ([]string, error) {
	return g.queue.BusyAgents(ctx)
}

// Holder returns the slot for one agent, or coord.ErrNoKey when idle.
func (g *Gateway) Holder(ctx context.Context, agent string) (*queue.Slot, error) {
	return g.queue.Holder(ctx, agent)
}

// Wait blocks until in-flight async tasks finish. Called on shutdown.
func (g *Gateway) Wait() {
	g.async.Wait()
}

func (g *Gateway) startTaskExecution(ctx context.Context, caller identity.Identity, params TaskParams) (*store.Execution, *store.Activity, error) {
	exec := &store.Execution{
		AgentName:   params.Agent,
		Message:     params.Message,
		TriggeredBy: string(caller.Trigger()),
	}
	if source := caller.SourceAgent(); source != "" {
		exec.SourceAgent = &source
	}
	startAct, err := g.ledger.StartExecution(ctx, exec, store.ActivityChatStart, ledger.ChatDetails{
		Message: params.Message,
		Status:  "started",
	})
	if err != nil {
		return nil, nil, err
	}
	return exec, startAct, nil
}

func (g *Gateway) dispatchTask(ctx context.Context, caller identity.Identity, exec *store.Execution, params TaskParams) (*agentclient.ExecutionResult, error) {
	if err := g.ledger.MarkRunning(ctx, exec.ID, ""); err != nil {
		g.logger.Error("Failed to mark execution running",
			zap.Int64("execution_id", exec.ID), zap.Error(err))
	}
	return g.dispatch.Task(ctx, params.Agent, caller.SourceAgent(), agentclient.TaskRequest{
		ExecutionID: exec.ID,
		Message:     params.Message,
		Model:       params.Model,
		Caller:      caller.String(),
	})
}

// sealFromResult maps a dispatch outcome onto the terminal execution fields.
func sealFromResult(result *agentclient.ExecutionResult, callErr error) store.ExecutionSeal {
	if callErr != nil {
		return store.ExecutionSeal{Status: store.ExecutionFailed, Error: callErr.Error()}
	}
	seal := store.ExecutionSeal{
		Status:     result.Status,
		Transcript: store.JSONText(result.Transcript),
		Cost:       result.Cost,
		Tokens:     result.Tokens,
		Error:      result.Error,
	}
	// cancelled passes through so a terminated run whose response beats the
	// terminate handler still seals with its real status
	switch seal.Status {
	case store.ExecutionSucceeded, store.ExecutionFailed, store.ExecutionCancelled:
	default:
		seal.Status = store.ExecutionFailed
	}
	return seal
}

func (g *Gateway) sealExecution(ctx context.Context, executionID, startActivityID int64, endType string, seal store.ExecutionSeal, details ledger.Details) {
	if err := g.ledger.SealExecution(ctx, executionID, seal, startActivityID, endType, details); err != nil {
		g.logger.Error("Failed to seal execution",
			zap.Int64("execution_id", executionID), zap.Error(err))
	}
}

// startCollaboration opens the arrow for agent-to-agent calls. Human and
// system callers produce no arrow.
func (g *Gateway) startCollaboration(ctx context.Context, caller identity.Identity, target, mode, message string) *store.Activity {
	if caller.Scope != identity.ScopeAgent || caller.AgentName == target {
		return nil
	}
	act, err := g.ledger.StartCollaboration(ctx, ledger.CollaborationDetails{
		SourceAgent: caller.AgentName,
		TargetAgent: target,
		Mode:        mode,
		Message:     message,
	}, string(caller.Trigger()))
	if err != nil {
		g.logger.Error("Failed to record collaboration start",
			zap.String("source", caller.AgentName),
			zap.String("target", target),
			zap.Error(err))
		return nil
	}
	return act
}

// closeCollaboration closes the arrow on every outcome, error included.
func (g *Gateway) closeCollaboration(ctx context.Context, act *store.Activity, callErr error) {
	if act == nil {
		return
	}
	if err := g.ledger.CompleteCollaboration(ctx, act.ID, callErr); err != nil {
		g.logger.Error("Failed to close collaboration",
			zap.Int64("activity_id", act.ID), zap.Error(err))
	}
}

func (g *Gateway) appendMessage(ctx context.Context, sessionID, role, content string, result *agentclient.ExecutionResult) {
	msg := &store.ChatMessage{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if result != nil {
		msg.Cost = result.Cost
		msg.ContextTokens = result.Tokens
	}
	if err := g.store.AppendChatMessage(ctx, msg); err != nil {
		g.logger.Error("Failed to append chat message",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
