// Package sandbox is the runtime that lives inside every agent container.
// It exposes the /chat and /task endpoints the control plane dispatches to,
// runs the agent runtime as sub-processes, and keeps a registry of in-flight
// executions so the control plane can list and terminate them by durable id.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
)

// termGrace is how long a sub-process gets to exit after SIGINT before the
// registry escalates to SIGKILL.
const termGrace = 5 * time.Second

// ErrNotRunning is returned when the execution has no live sub-process.
var ErrNotRunning = fmt.Errorf("execution not running")

// Process is one tracked sub-process, keyed by durable execution id.
type Process struct {
	ExecutionID int64
	Command     string
	StartedAt   time.Time

	proc *os.Process
	done chan struct{}
}

// Done closes when the sub-process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Registry tracks the sandbox's in-flight executions.
type Registry struct {
	mu     sync.Mutex
	procs  map[int64]*Process
	grace  time.Duration
	logger *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		procs:  make(map[int64]*Process),
		grace:  termGrace,
		logger: log,
	}
}

// Register tracks a started sub-process under its execution id. The id must
// not already be registered; the control plane never reuses durable ids.
func (r *Registry) Register(executionID int64, command string, proc *os.Process) (*Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[executionID]; ok {
		return nil, fmt.Errorf("execution %d already registered", executionID)
	}
	p := &Process{
		ExecutionID: executionID,
		Command:     command,
		StartedAt:   time.Now().UTC(),
		proc:        proc,
		done:        make(chan struct{}),
	}
	r.procs[executionID] = p
	return p, nil
}

// Finish marks the sub-process exited and drops it from the registry.
// Called by the runner after Wait returns, on every exit path.
func (r *Registry) Finish(executionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[executionID]
	if !ok {
		return
	}
	close(p.done)
	delete(r.procs, executionID)
}

// List snapshots the in-flight executions.
func (r *Registry) List() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	return out
}

// Terminate stops one execution's sub-process: SIGINT first so the runtime
// can flush its transcript, SIGKILL after the grace period. Returns the
// signal that ended the process, or ErrNotRunning.
func (r *Registry) Terminate(ctx context.Context, executionID int64) (string, error) {
	r.mu.Lock()
	p, ok := r.procs[executionID]
	r.mu.Unlock()
	if !ok {
		return "", ErrNotRunning
	}

	r.logger.Info("Terminating execution",
		zap.Int64("execution_id", executionID),
		zap.String("command", p.Command))

	if err := p.proc.Signal(syscall.SIGINT); err != nil {
		// already gone between lookup and signal
		return "", ErrNotRunning
	}

	select {
	case <-p.done:
		return "SIGINT", nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(r.grace):
	}

	r.logger.Warn("Escalating to SIGKILL",
		zap.Int64("execution_id", executionID))
	if err := p.proc.Kill(); err != nil {
		return "", fmt.Errorf("kill execution %d: %w", executionID, err)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "SIGKILL", nil
}
