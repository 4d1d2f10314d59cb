package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// GetOrCreateChatSession returns the session for an (agent, user) pair,
// creating it on first use. Sessions survive container recreation.
func (s *Store) GetOrCreateChatSession(ctx context.Context, agentName, userID string) (*ChatSession, error) {
	var session ChatSession
	err := s.db.GetContext(ctx, &session, s.rebind(`
		SELECT id, agent_name, user_id, created_at FROM chat_sessions
		WHERE agent_name = ? AND user_id = ?
	`), agentName, userID)
	if err == nil {
		return &session, nil
	}
	if mapRowErr(err) != ErrNotFound {
		return nil, err
	}

	session = ChatSession{
		ID:        uuid.NewString(),
		AgentName: agentName,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO chat_sessions (id, agent_name, user_id, created_at)
		VALUES (?, ?, ?, ?)
	`), session.ID, session.AgentName, session.UserID, session.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// lost a race with a concurrent first message
			return s.GetOrCreateChatSession(ctx, agentName, userID)
		}
		return nil, err
	}
	return &session, nil
}

// AppendChatMessage appends one message to a session and sets its id.
func (s *Store) AppendChatMessage(ctx context.Context, msg *ChatMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if len(msg.ToolCalls) == 0 {
		msg.ToolCalls = JSONText("[]")
	}
	row := s.db.QueryRowxContext(ctx, s.rebind(`
		INSERT INTO chat_messages (session_id, role, content, cost,
			context_tokens, tool_calls, execution_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), msg.SessionID, msg.Role, msg.Content, msg.Cost,
		msg.ContextTokens, msg.ToolCalls, msg.ExecutionMS, msg.CreatedAt)
	return row.Scan(&msg.ID)
}

// ListChatMessages returns a session's messages in append order.
func (s *Store) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	var msgs []*ChatMessage
	err := s.db.SelectContext(ctx, &msgs, s.rebind(`
		SELECT id, session_id, role, content, cost, context_tokens,
			tool_calls, execution_ms, created_at
		FROM chat_messages
		WHERE session_id = ? ORDER BY id ASC LIMIT ?
	`), sessionID, limit)
	return msgs, err
}

// DeleteChatSessionsForAgent removes an agent's sessions and their messages.
func (s *Store) DeleteChatSessionsForAgent(ctx context.Context, agentName string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM chat_messages WHERE session_id IN (
			SELECT id FROM chat_sessions WHERE agent_name = ?
		)
	`), agentName)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM chat_sessions WHERE agent_name = ?
	`), agentName)
	return err
}
