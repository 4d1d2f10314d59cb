package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateUser inserts a user. The id is generated when empty.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, email, is_admin, created_at)
		VALUES (?, ?, ?, ?)
	`), user.ID, user.Email, user.IsAdmin, user.CreatedAt)
	return err
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, s.rebind(`
		SELECT id, email, is_admin, created_at FROM users WHERE id = ?
	`), id)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &user, nil
}

// GetUserByEmail fetches a user by (normalized) email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, s.rebind(`
		SELECT id, email, is_admin, created_at FROM users WHERE email = ?
	`), strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &user, nil
}

// CreateAPIKey inserts a hashed key row.
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO api_keys (id, key_hash, scope, user_id, agent_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), key.ID, key.KeyHash, key.Scope, key.UserID, key.AgentName, key.CreatedAt)
	return err
}

// ListAPIKeys returns all key rows. Key verification is a bcrypt compare, so
// lookup by the presented secret has to scan candidate hashes; callers keep
// the result cached per scope.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	var keys []*APIKey
	err := s.db.SelectContext(ctx, &keys, `
		SELECT id, key_hash, scope, user_id, agent_name, created_at
		FROM api_keys ORDER BY created_at ASC
	`)
	return keys, err
}

// DeleteAPIKeysForAgent removes the agent-scoped keys of one agent.
func (s *Store) DeleteAPIKeysForAgent(ctx context.Context, agentName string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM api_keys WHERE agent_name = ?
	`), agentName)
	return err
}
