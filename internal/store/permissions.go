package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// HasPermissionEdge reports whether source may call target. Self-edges are
// implicit and always present.
func (s *Store) HasPermissionEdge(ctx context.Context, source, target string) (bool, error) {
	if source == target {
		return true, nil
	}
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`
		SELECT COUNT(1) FROM permission_edges
		WHERE source_agent = ? AND target_agent = ?
	`), source, target)
	return n > 0, err
}

// PermittedTargets returns the neighbors of source in the edge set.
func (s *Store) PermittedTargets(ctx context.Context, source string) ([]string, error) {
	var targets []string
	err := s.db.SelectContext(ctx, &targets, s.rebind(`
		SELECT target_agent FROM permission_edges
		WHERE source_agent = ? ORDER BY target_agent ASC
	`), source)
	return targets, err
}

// AddPermissionEdge inserts one edge; inserting an existing edge is a no-op.
func (s *Store) AddPermissionEdge(ctx context.Context, source, target string) error {
	if source == target {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO permission_edges (source_agent, target_agent, created_at)
		VALUES (?, ?, ?)
	`), source, target, time.Now().UTC())
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// RemovePermissionEdge deletes one edge.
func (s *Store) RemovePermissionEdge(ctx context.Context, source, target string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM permission_edges WHERE source_agent = ? AND target_agent = ?
	`), source, target)
	return err
}

// ReplacePermissionEdges sets the outgoing edge set of source to exactly
// targets, in one transaction, so a GET after PUT returns the same set.
func (s *Store) ReplacePermissionEdges(ctx context.Context, source string, targets []string) error {
	now := time.Now().UTC()
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM permission_edges WHERE source_agent = ?
		`), source); err != nil {
			return err
		}
		seen := make(map[string]bool, len(targets))
		for _, target := range targets {
			if target == source || seen[target] {
				continue
			}
			seen[target] = true
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO permission_edges (source_agent, target_agent, created_at)
				VALUES (?, ?, ?)
			`), source, target, now); err != nil {
				return err
			}
		}
		return nil
	})
}
