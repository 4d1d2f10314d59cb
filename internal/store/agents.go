package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

var agentNameRe = regexp.MustCompile(`[^a-z0-9-]+`)

// SanitizeAgentName lowercases, replaces separators with dashes, and strips
// everything outside [a-z0-9-]. Names must be globally unique after this.
func SanitizeAgentName(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, " ", "-")
	n = strings.ReplaceAll(n, "_", "-")
	n = agentNameRe.ReplaceAllString(n, "")
	n = strings.Trim(n, "-")
	if n == "" {
		return "", fmt.Errorf("agent name %q is empty after sanitization", name)
	}
	if len(n) > 63 {
		n = n[:63]
	}
	return n, nil
}

const agentColumns = `name, owner_id, kind, template, model, api_key_mode,
	capability_profile, cpus, memory_mb, read_only, autonomy_enabled,
	expose_folder, consume_folders, tags, orphaned, status, created_at, updated_at`

// agentColumnsPrefixed qualifies every agent column with the given alias.
func agentColumnsPrefixed(alias string) string {
	return prefixColumns(agentColumns, alias)
}

// CreateAgent inserts the agent row and its initial permission edges in one
// transaction.
func (s *Store) CreateAgent(ctx context.Context, agent *Agent, edges []string) error {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = AgentStatusCreated
	}

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), agent.Name, agent.OwnerID, agent.Kind, agent.Template, agent.Model,
			agent.APIKeyMode, agent.CapabilityProfile, agent.CPUs, agent.MemoryMB,
			agent.ReadOnly, agent.AutonomyEnabled, agent.ExposeFolder,
			agent.ConsumeFolders, agent.Tags, agent.Orphaned, agent.Status,
			agent.CreatedAt, agent.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("agent %s: %w", agent.Name, ErrAlreadyExists)
			}
			return err
		}
		for _, target := range edges {
			if target == agent.Name {
				continue // self-edge is implicit
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO permission_edges (source_agent, target_agent, created_at)
				VALUES (?, ?, ?)
			`), agent.Name, target, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetAgent fetches one agent by name.
func (s *Store) GetAgent(ctx context.Context, name string) (*Agent, error) {
	var agent Agent
	err := s.db.GetContext(ctx, &agent, s.rebind(`
		SELECT `+agentColumns+` FROM agents WHERE name = ?
	`), name)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &agent, nil
}

// ListAgents returns every agent with its full declared config in a single
// query. This is the metadata batch the list endpoints build on.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	var agents []*Agent
	err := s.db.SelectContext(ctx, &agents, `
		SELECT `+agentColumns+` FROM agents ORDER BY name ASC
	`)
	return agents, err
}

// ListAccessibleAgents returns the agents a user can see: owned plus shared,
// in one query. Admins see everything, including orphans.
func (s *Store) ListAccessibleAgents(ctx context.Context, userID string, admin bool) ([]*Agent, error) {
	if admin {
		return s.ListAgents(ctx)
	}
	var agents []*Agent
	err := s.db.SelectContext(ctx, &agents, s.rebind(`
		SELECT DISTINCT `+agentColumnsPrefixed("a")+`
		FROM agents a
		LEFT JOIN agent_shares sh ON sh.agent_name = a.name AND sh.user_id = ?
		WHERE a.orphaned = FALSE AND (a.owner_id = ? OR sh.user_id IS NOT NULL)
		ORDER BY a.name ASC
	`), userID, userID)
	return agents, err
}

// UserCanAccessAgent reports whether the user owns the agent or has a share.
func (s *Store) UserCanAccessAgent(ctx context.Context, userID, agentName string, admin bool) (bool, error) {
	if admin {
		var n int
		err := s.db.GetContext(ctx, &n, s.rebind(`SELECT COUNT(1) FROM agents WHERE name = ?`), agentName)
		return n > 0, err
	}
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`
		SELECT COUNT(1) FROM agents a
		LEFT JOIN agent_shares sh ON sh.agent_name = a.name AND sh.user_id = ?
		WHERE a.name = ? AND (a.owner_id = ? OR sh.user_id IS NOT NULL)
	`), userID, agentName, userID)
	return n > 0, err
}

// UpdateAgent persists the mutable declared-config fields.
func (s *Store) UpdateAgent(ctx context.Context, agent *Agent) error {
	agent.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agents SET
			kind = ?, template = ?, model = ?, api_key_mode = ?,
			capability_profile = ?, cpus = ?, memory_mb = ?, read_only = ?,
			autonomy_enabled = ?, expose_folder = ?, consume_folders = ?,
			tags = ?, orphaned = ?, status = ?, updated_at = ?
		WHERE name = ?
	`), agent.Kind, agent.Template, agent.Model, agent.APIKeyMode,
		agent.CapabilityProfile, agent.CPUs, agent.MemoryMB, agent.ReadOnly,
		agent.AutonomyEnabled, agent.ExposeFolder, agent.ConsumeFolders,
		agent.Tags, agent.Orphaned, agent.Status, agent.UpdatedAt, agent.Name)
	if err != nil {
		return err
	}
	return requireRows(res, agent.Name)
}

// SetAgentStatus transitions the declared status column.
func (s *Store) SetAgentStatus(ctx context.Context, name, status string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agents SET status = ?, updated_at = ? WHERE name = ?
	`), status, time.Now().UTC(), name)
	if err != nil {
		return err
	}
	return requireRows(res, name)
}

// DeleteAgent removes the agent and everything hanging off it. When
// retainHistory is set (compliance mode) activities and executions survive.
// Credential blobs live in the coordination store and are removed by the
// lifecycle manager.
func (s *Store) DeleteAgent(ctx context.Context, name string, retainHistory bool) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		statements := []string{
			`DELETE FROM schedules WHERE agent_name = ?`,
			`DELETE FROM permission_edges WHERE source_agent = ? OR target_agent = ?`,
			`DELETE FROM agent_shares WHERE agent_name = ?`,
			`DELETE FROM api_keys WHERE agent_name = ?`,
		}
		if !retainHistory {
			statements = append(statements,
				`DELETE FROM activities WHERE agent_name = ?`,
				`DELETE FROM executions WHERE agent_name = ?`,
			)
		}
		for _, stmt := range statements {
			args := []any{name}
			if strings.Count(stmt, "?") == 2 {
				args = append(args, name)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), args...); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM agents WHERE name = ?`), name)
		if err != nil {
			return err
		}
		return requireRows(res, name)
	})
}

// ShareAgent grants a user read/interact access to an agent.
func (s *Store) ShareAgent(ctx context.Context, agentName, userID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO agent_shares (agent_name, user_id, created_at)
		VALUES (?, ?, ?)
	`), agentName, userID, time.Now().UTC())
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// UnshareAgent revokes a share.
func (s *Store) UnshareAgent(ctx context.Context, agentName, userID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM agent_shares WHERE agent_name = ? AND user_id = ?
	`), agentName, userID)
	return err
}

func requireRows(res interface{ RowsAffected() (int64, error) }, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", name, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
