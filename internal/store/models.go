package store

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Agent statuses tracked in the state store. The container engine remains
// the authority for runtime state; this column is the declared side.
const (
	AgentStatusCreated = "created"
	AgentStatusRunning = "running"
	AgentStatusStopped = "stopped"
)

// Agent kinds.
const (
	AgentKindLLM   = "llm"
	AgentKindShell = "shell"
)

// API-key modes.
const (
	APIKeyModePlatform = "platform"
	APIKeyModeCaller   = "caller"
)

// Execution statuses. Status progresses queued -> running -> terminal and
// never moves backwards.
const (
	ExecutionQueued    = "queued"
	ExecutionRunning   = "running"
	ExecutionSucceeded = "succeeded"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// Activity types.
const (
	ActivityChatStart          = "chat_start"
	ActivityChatEnd            = "chat_end"
	ActivityToolCall           = "tool_call"
	ActivityScheduleStart      = "schedule_start"
	ActivityScheduleEnd        = "schedule_end"
	ActivityCollaboration      = "agent_collaboration"
	ActivityExecutionCancelled = "execution_cancelled"
	ActivityPermissionDenied   = "permission_denied"
)

// Activity states.
const (
	ActivityStarted   = "started"
	ActivityCompleted = "completed"
	ActivityFailed    = "failed"
)

// User is a registered account. Users own agents and hold API keys.
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	IsAdmin   bool      `json:"is_admin" db:"is_admin"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// APIKey is the stored (hashed) form of a secret key. Scope determines
// which identity the key resolves to.
type APIKey struct {
	ID        string    `json:"id" db:"id"`
	KeyHash   string    `json:"-" db:"key_hash"`
	Scope     string    `json:"scope" db:"scope"` // user, agent, system
	UserID    *string   `json:"user_id,omitempty" db:"user_id"`
	AgentName *string   `json:"agent_name,omitempty" db:"agent_name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Agent is the declared configuration of one sandboxed runtime. The
// container's labels are the authoritative identity; this row is the
// declared config the lifecycle manager reconciles against.
type Agent struct {
	Name              string    `json:"name" db:"name"`
	OwnerID           string    `json:"owner_id" db:"owner_id"`
	Kind              string    `json:"kind" db:"kind"`
	Template          string    `json:"template,omitempty" db:"template"`
	Model             string    `json:"model,omitempty" db:"model"`
	APIKeyMode        string    `json:"api_key_mode" db:"api_key_mode"`
	CapabilityProfile string    `json:"capability_profile" db:"capability_profile"`
	CPUs              float64   `json:"cpus" db:"cpus"`
	MemoryMB          int64     `json:"memory_mb" db:"memory_mb"`
	ReadOnly          bool      `json:"read_only" db:"read_only"`
	AutonomyEnabled   bool      `json:"autonomy_enabled" db:"autonomy_enabled"`
	ExposeFolder      bool      `json:"expose_folder" db:"expose_folder"`
	ConsumeFolders    JSONSlice `json:"consume_folders" db:"consume_folders"`
	Tags              JSONSlice `json:"tags" db:"tags"`
	Orphaned          bool      `json:"orphaned" db:"orphaned"`
	Status            string    `json:"status" db:"status"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// PermissionEdge grants source the right to see and call target.
type PermissionEdge struct {
	SourceAgent string    `json:"source_agent" db:"source_agent"`
	TargetAgent string    `json:"target_agent" db:"target_agent"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Schedule is a cron-driven recurring task on an agent.
type Schedule struct {
	ID        int64      `json:"id" db:"id"`
	AgentName string     `json:"agent_name" db:"agent_name"`
	CronExpr  string     `json:"cron_expr" db:"cron_expr"`
	Timezone  string     `json:"timezone" db:"timezone"`
	Message   string     `json:"message" db:"message"`
	Enabled   bool       `json:"enabled" db:"enabled"`
	Parallel  bool       `json:"parallel" db:"parallel"`
	LastRunAt *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt *time.Time `json:"next_run_at,omitempty" db:"next_run_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Execution is the durable record of one attempt to run a task on an agent.
// ID is the stable database id; QueueID is the volatile id held in the
// coordination store while the execution is in flight.
type Execution struct {
	ID          int64      `json:"id" db:"id"`
	AgentName   string     `json:"agent_name" db:"agent_name"`
	ScheduleID  *int64     `json:"schedule_id,omitempty" db:"schedule_id"`
	Message     string     `json:"message" db:"message"`
	TriggeredBy string     `json:"triggered_by" db:"triggered_by"`
	SourceAgent *string    `json:"source_agent,omitempty" db:"source_agent"`
	Status      string     `json:"status" db:"status"`
	QueueID     string     `json:"queue_id,omitempty" db:"queue_id"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMS  int64      `json:"duration_ms" db:"duration_ms"`
	Cost        float64    `json:"cost" db:"cost"`
	Tokens      int64      `json:"tokens" db:"tokens"`
	Transcript  JSONText   `json:"transcript,omitempty" db:"transcript"`
	Error       string     `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Activity is a granular append-only event on an agent.
type Activity struct {
	ID                 int64      `json:"id" db:"id"`
	AgentName          string     `json:"agent_name" db:"agent_name"`
	Type               string     `json:"activity_type" db:"activity_type"`
	State              string     `json:"state" db:"state"`
	TriggeredBy        string     `json:"triggered_by" db:"triggered_by"`
	ParentActivityID   *int64     `json:"parent_activity_id,omitempty" db:"parent_activity_id"`
	RelatedExecutionID *int64     `json:"related_execution_id,omitempty" db:"related_execution_id"`
	ChatMessageID      *int64     `json:"chat_message_id,omitempty" db:"chat_message_id"`
	Details            JSONText   `json:"details,omitempty" db:"details"`
	StartedAt          time.Time  `json:"started_at" db:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMS         int64      `json:"duration_ms" db:"duration_ms"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// ChatSession groups messages per (agent, user) pair. Sessions survive
// container recreation.
type ChatSession struct {
	ID        string    `json:"id" db:"id"`
	AgentName string    `json:"agent_name" db:"agent_name"`
	UserID    string    `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ChatMessage is one message in a session, in causal append order.
type ChatMessage struct {
	ID            int64     `json:"id" db:"id"`
	SessionID     string    `json:"session_id" db:"session_id"`
	Role          string    `json:"role" db:"role"`
	Content       string    `json:"content" db:"content"`
	Cost          float64   `json:"cost" db:"cost"`
	ContextTokens int64     `json:"context_tokens" db:"context_tokens"`
	ToolCalls     JSONText  `json:"tool_calls,omitempty" db:"tool_calls"`
	ExecutionMS   int64     `json:"execution_ms" db:"execution_ms"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// JSONSlice stores a []string as a JSON text column.
type JSONSlice []string

var (
	_ driver.Valuer = JSONSlice(nil)
	_ driver.Valuer = JSONText(nil)
)

// Value implements driver.Valuer.
func (j JSONSlice) Value() (driver.Value, error) {
	if j == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(j))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (j *JSONSlice) Scan(src any) error {
	raw, ok := normalizeJSONColumn(src)
	if !ok || len(raw) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(j))
}

// JSONText stores pre-serialized JSON (details blobs, transcripts) verbatim.
type JSONText []byte

// Value implements driver.Valuer.
func (j JSONText) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONText) Scan(src any) error {
	raw, ok := normalizeJSONColumn(src)
	if !ok {
		*j = nil
		return nil
	}
	*j = append((*j)[:0], raw...)
	return nil
}

// MarshalJSON renders the stored blob as-is.
func (j JSONText) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON keeps the raw bytes.
func (j *JSONText) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

func normalizeJSONColumn(src any) ([]byte, bool) {
	switch v := src.(type) {
	case nil:
		return nil, false
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}
