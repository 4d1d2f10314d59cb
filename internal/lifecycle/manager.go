// Package lifecycle reconciles declared agent configuration with running
// container state. It is the only component that mutates the container
// engine; everyone else treats containers as read-only.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/container"
	"github.com/orchd/orchd/internal/coord"
	"github.com/orchd/orchd/internal/identity"
	"github.com/orchd/orchd/internal/store"
)

// ErrSystemAgent is returned when a caller tries to delete the designated
// system agent.
var ErrSystemAgent = errors.New("the system agent cannot be deleted")

const (
	stopTimeout = 10 * time.Second

	workspaceTarget = "/workspace"
	sharedTarget    = "/shared"
)

// Injector pushes control-plane context into a freshly started sandbox.
// *agentclient.Client satisfies it.
type Injector interface {
	InjectCredentials(ctx context.Context, agent string, blob []byte) error
	InjectSystemPrompt(ctx context.Context, agent, prompt string) error
}

// CredentialSource reads and removes per-agent credential blobs.
// *coord.Client satisfies it.
type CredentialSource interface {
	GetCredentials(ctx context.Context, agent string) ([]byte, error)
	DeleteCredentials(ctx context.Context, agent string) error
}

// Config carries the deployment-level knobs the manager needs.
type Config struct {
	Image          string
	VolumeBasePath string
	Network        string
	SystemAgent    string
	ControlPlane   string // base URL sandboxes call back on
	SystemPrompt   string
	RetainHistory  bool
}

// Manager implements create, start, stop, delete, recreate, and reconcile.
type Manager struct {
	driver   container.Driver
	store    *store.Store
	creds    CredentialSource
	injector Injector
	cfg      Config
	logger   *logger.Logger
}

// New creates a lifecycle manager.
func New(driver container.Driver, st *store.Store, creds CredentialSource, injector Injector, cfg Config, log *logger.Logger) *Manager {
	return &Manager{
		driver:   driver,
		store:    st,
		creds:    creds,
		injector: injector,
		cfg:      cfg,
		logger:   log,
	}
}

// CreateResult carries what Create hands back to the API layer. The clear
// API key exists only here; the store keeps the hash.
type CreateResult struct {
	Agent       *store.Agent
	AgentAPIKey string
}

// Create registers the agent: state-store row, initial permission edges,
// and its agent-scoped API key. The container itself is created lazily on
// first start. When autoStart is set, Start runs immediately.
func (m *Manager) Create(ctx context.Context, agent *store.Agent, edges []string, autoStart bool) (*CreateResult, error) {
	if _, err := container.ParseProfile(agent.CapabilityProfile); err != nil {
		return nil, err
	}
	if err := m.store.CreateAgent(ctx, agent, edges); err != nil {
		return nil, err
	}

	clearKey, err := m.rotateAgentKey(ctx, agent.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to issue agent key: %w", err)
	}

	m.logger.Info("Agent created",
		zap.String("agent", agent.Name),
		zap.String("owner", agent.OwnerID),
		zap.Int("edges", len(edges)))

	if autoStart {
		if err := m.Start(ctx, agent.Name); err != nil {
			return nil, err
		}
	}
	return &CreateResult{Agent: agent, AgentAPIKey: clearKey}, nil
}

// Start is the reconciliation seam. It compares the container's label
// identity and mounts with the declared config and recreates on any drift,
// then starts the container and injects the control-plane context.
func (m *Manager) Start(ctx context.Context, name string) error {
	agent, err := m.store.GetAgent(ctx, name)
	if err != nil {
		return err
	}

	current, err := m.driver.Inspect(ctx, name)
	switch {
	case errors.Is(err, container.ErrNotFound):
		if err := m.createContainer(ctx, agent); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		drift := m.Drift(agent, current)
		if len(drift) > 0 {
			m.logger.Info("Config drift detected, recreating",
				zap.String("agent", name),
				zap.Strings("drift", drift))
			if err := m.recreate(ctx, agent); err != nil {
				return err
			}
		} else if current.Running {
			// already running and converged
			return m.store.SetAgentStatus(ctx, name, store.AgentStatusRunning)
		}
	}

	if err := m.driver.Start(ctx, name); err != nil {
		return err
	}
	m.inject(ctx, name)
	return m.store.SetAgentStatus(ctx, name, store.AgentStatusRunning)
}

// Stop stops the container. Idempotent: stopping a stopped or absent
// container succeeds.
func (m *Manager) Stop(ctx context.Context, name string) error {
	if _, err := m.store.GetAgent(ctx, name); err != nil {
		return err
	}
	if err := m.driver.Stop(ctx, name, stopTimeout); err != nil && !errors.Is(err, container.ErrNotFound) {
		return err
	}
	return m.store.SetAgentStatus(ctx, name, store.AgentStatusStopped)
}

// Delete removes the agent and everything hanging off it. The system agent
// is protected.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if name == m.cfg.SystemAgent {
		return ErrSystemAgent
	}
	if _, err := m.store.GetAgent(ctx, name); err != nil {
		return err
	}

	if err := m.driver.Stop(ctx, name, stopTimeout); err != nil && !errors.Is(err, container.ErrNotFound) {
		return err
	}
	if err := m.driver.Remove(ctx, name, true); err != nil && !errors.Is(err, container.ErrNotFound) {
		return err
	}
	if err := m.store.DeleteAgent(ctx, name, m.cfg.RetainHistory); err != nil {
		return err
	}
	if err := m.store.DeleteChatSessionsForAgent(ctx, name); err != nil {
		m.logger.Error("Failed to delete chat sessions", zap.String("agent", name), zap.Error(err))
	}
	if err := m.creds.DeleteCredentials(ctx, name); err != nil && !errors.Is(err, coord.ErrNoKey) {
		m.logger.Error("Failed to delete credentials", zap.String("agent", name), zap.Error(err))
	}

	m.logger.Info("Agent deleted", zap.String("agent", name))
	return nil
}

// Reconcile runs at control-plane startup. Containers without a store row
// become admin-only orphans; store rows without a container are marked
// stopped.
func (m *Manager) Reconcile(ctx context.Context) error {
	containers, err := m.driver.List(ctx, map[string]string{container.LabelName: ""})
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	byName := make(map[string]container.Inspection, len(containers))
	for _, ctr := range containers {
		id, err := container.ParseIdentity(ctr.Labels)
		if err != nil {
			m.logger.Warn("Skipping container with malformed labels",
				zap.String("container", ctr.Name),
				zap.Error(err))
			continue
		}
		byName[id.Name] = ctr

		if _, err := m.store.GetAgent(ctx, id.Name); errors.Is(err, store.ErrNotFound) {
			orphan := &store.Agent{
				Name:              id.Name,
				OwnerID:           id.Owner,
				Kind:              id.Kind,
				APIKeyMode:        id.APIKeyMode,
				CapabilityProfile: string(id.CapabilityProfile),
				CPUs:              id.CPUs,
				MemoryMB:          id.MemoryMB,
				Orphaned:          true,
				Status:            containerStatus(ctr.Running),
			}
			if err := m.store.CreateAgent(ctx, orphan, nil); err != nil {
				m.logger.Error("Failed to record orphan",
					zap.String("agent", id.Name),
					zap.Error(err))
				continue
			}
			m.logger.Warn("Orphan container recorded", zap.String("agent", id.Name))
		} else if err != nil {
			return err
		}
	}

	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if _, ok := byName[agent.Name]; ok {
			continue
		}
		if agent.Status != store.AgentStatusStopped && agent.Status != store.AgentStatusCreated {
			if err := m.store.SetAgentStatus(ctx, agent.Name, store.AgentStatusStopped); err != nil {
				return err
			}
			m.logger.Info("Agent marked stopped (container gone)", zap.String("agent", agent.Name))
		}
	}
	return nil
}

// Logs streams the agent's container logs.
func (m *Manager) Logs(ctx context.Context, name string, tail int) (io.ReadCloser, error) {
	if _, err := m.store.GetAgent(ctx, name); err != nil {
		return nil, err
	}
	return m.driver.Logs(ctx, name, tail)
}

// Stats returns the agent's resource snapshot.
func (m *Manager) Stats(ctx context.Context, name string) (*container.Stats, error) {
	if _, err := m.store.GetAgent(ctx, name); err != nil {
		return nil, err
	}
	return m.driver.Stats(ctx, name)
}

// recreate replaces the container with one matching the declared config.
// The workspace volume is a bind mount under VolumeBasePath, so it survives.
func (m *Manager) recreate(ctx context.Context, agent *store.Agent) error {
	if err := m.driver.Stop(ctx, agent.Name, stopTimeout); err != nil && !errors.Is(err, container.ErrNotFound) {
		return err
	}
	if err := m.driver.Remove(ctx, agent.Name, true); err != nil && !errors.Is(err, container.ErrNotFound) {
		return err
	}
	return m.createContainer(ctx, agent)
}

func (m *Manager) createContainer(ctx context.Context, agent *store.Agent) error {
	clearKey, err := m.rotateAgentKey(ctx, agent.Name)
	if err != nil {
		return fmt.Errorf("failed to rotate agent key: %w", err)
	}

	profile, err := container.ParseProfile(agent.CapabilityProfile)
	if err != nil {
		return err
	}
	spec := container.Spec{
		Name:       agent.Name,
		Image:      m.cfg.Image,
		WorkingDir: workspaceTarget,
		Env:        m.containerEnv(agent, clearKey),
		Mounts:     m.mounts(agent),
		Identity: container.Identity{
			Name:              agent.Name,
			Owner:             agent.OwnerID,
			Kind:              agent.Kind,
			CPUs:              agent.CPUs,
			MemoryMB:          agent.MemoryMB,
			APIKeyMode:        agent.APIKeyMode,
			CapabilityProfile: profile,
		},
		Profile:     profile,
		NetworkMode: m.cfg.Network,
	}
	if _, err := m.driver.Create(ctx, spec); err != nil {
		return err
	}
	return nil
}

// rotateAgentKey replaces the agent-scoped API key. Each container
// creation gets a fresh secret; only the hash is stored.
func (m *Manager) rotateAgentKey(ctx context.Context, name string) (string, error) {
	if err := m.store.DeleteAPIKeysForAgent(ctx, name); err != nil {
		return "", err
	}
	clear, hash, err := identity.NewAPIKey("oak")
	if err != nil {
		return "", err
	}
	agentName := name
	err = m.store.CreateAPIKey(ctx, &store.APIKey{
		KeyHash:   hash,
		Scope:     string(identity.ScopeAgent),
		AgentName: &agentName,
	})
	if err != nil {
		return "", err
	}
	return clear, nil
}

func (m *Manager) containerEnv(agent *store.Agent, apiKey string) []string {
	env := []string{
		"ORCHD_AGENT_NAME=" + agent.Name,
		"ORCHD_CONTROL_PLANE=" + m.cfg.ControlPlane,
		"ORCHD_AGENT_KEY=" + apiKey,
		"ORCHD_API_KEY_MODE=" + agent.APIKeyMode,
	}
	if agent.Model != "" {
		env = append(env, "ORCHD_MODEL="+agent.Model)
	}
	if agent.ReadOnly {
		env = append(env, "ORCHD_READ_ONLY=1")
	}
	return env
}

// mounts builds the bind-mount set: the agent's own workspace, its exposed
// shared folder, and read-only views of the folders it consumes.
func (m *Manager) mounts(agent *store.Agent) []container.Mount {
	mounts := []container.Mount{{
		Source: filepath.Join(m.cfg.VolumeBasePath, agent.Name, "workspace"),
		Target: workspaceTarget,
	}}
	if agent.ExposeFolder {
		mounts = append(mounts, container.Mount{
			Source: filepath.Join(m.cfg.VolumeBasePath, agent.Name, "shared"),
			Target: filepath.Join(sharedTarget, agent.Name),
		})
	}
	for _, other := range agent.ConsumeFolders {
		mounts = append(mounts, container.Mount{
			Source:   filepath.Join(m.cfg.VolumeBasePath, other, "shared"),
			Target:   filepath.Join(sharedTarget, other),
			ReadOnly: true,
		})
	}
	return mounts
}

// inject pushes credentials and the system prompt into the sandbox. Each
// injection is a discrete call; failures are logged and never roll back
// the start.
func (m *Manager) inject(ctx context.Context, name string) {
	if m.injector == nil {
		return
	}
	blob, err := m.creds.GetCredentials(ctx, name)
	switch {
	case errors.Is(err, coord.ErrNoKey):
	case err != nil:
		m.logger.Error("Failed to read credentials", zap.String("agent", name), zap.Error(err))
	default:
		if err := m.injector.InjectCredentials(ctx, name, blob); err != nil {
			m.logger.Error("Credential injection failed", zap.String("agent", name), zap.Error(err))
		}
	}
	if m.cfg.SystemPrompt != "" {
		if err := m.injector.InjectSystemPrompt(ctx, name, m.cfg.SystemPrompt); err != nil {
			m.logger.Error("System prompt injection failed", zap.String("agent", name), zap.Error(err))
		}
	}
}

func containerStatus(running bool) string {
	if running {
		return store.AgentStatusRunning
	}
	return store.AgentStatusStopped
}
