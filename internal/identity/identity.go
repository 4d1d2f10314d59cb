// Package identity models the caller of a control-plane operation.
//
// A caller is exactly one of: a human user, an agent acting on its own
// behalf, or the designated system agent. Components dispatch on the Scope
// tag so permission checks stay exhaustive.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Scope is the kind of caller identity.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeAgent  Scope = "agent"
	ScopeSystem Scope = "system"
)

// TriggerKind is the identity kind stamped on executions.
type TriggerKind string

const (
	TriggerUser     TriggerKind = "user"
	TriggerSchedule TriggerKind = "schedule"
	TriggerAgent    TriggerKind = "agent"
	TriggerSystem   TriggerKind = "system"
	TriggerManual   TriggerKind = "manual"
)

// Identity is the resolved caller of a request.
//
// Exactly one of the scope-specific fields is meaningful:
// UserID/Admin for ScopeUser, AgentName for ScopeAgent, neither for
// ScopeSystem.
type Identity struct {
	Scope     Scope
	UserID    string
	Admin     bool
	AgentName string
}

// User builds a user-scoped identity.
func User(userID string, admin bool) Identity {
	return Identity{Scope: ScopeUser, UserID: userID, Admin: admin}
}

// Agent builds an agent-scoped identity.
func Agent(name string) Identity {
	return Identity{Scope: ScopeAgent, AgentName: name}
}

// System builds the singleton system identity.
func System() Identity {
	return Identity{Scope: ScopeSystem}
}

// String renders the identity for logs and busy envelopes.
func (id Identity) String() string {
	switch id.Scope {
	case ScopeUser:
		return "user:" + id.UserID
	case ScopeAgent:
		return "agent:" + id.AgentName
	case ScopeSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Trigger maps the identity to the execution trigger kind.
func (id Identity) Trigger() TriggerKind {
	switch id.Scope {
	case ScopeAgent:
		return TriggerAgent
	case ScopeSystem:
		return TriggerSystem
	default:
		return TriggerUser
	}
}

// SourceAgent returns the agent name to stamp on executions this identity
// triggers, or "" for human and system callers.
func (id Identity) SourceAgent() string {
	if id.Scope == ScopeAgent {
		return id.AgentName
	}
	return ""
}

const keyBytes = 32

// NewAPIKey generates a fresh API key and its bcrypt hash. The clear value
// exists only at issuance; the store keeps the hash.
func NewAPIKey(prefix string) (clear, hash string, err error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate api key: %w", err)
	}
	clear = prefix + "_" + hex.EncodeToString(raw)
	hashed, err := bcrypt.GenerateFromPassword([]byte(clear), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return clear, string(hashed), nil
}

// VerifyAPIKey reports whether the presented key matches the stored hash.
func VerifyAPIKey(hash, presented string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil
}
