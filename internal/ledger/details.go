package ledger

import (
	"encoding/json"

	"github.com/orchd/orchd/internal/store"
)

// Details is the typed payload attached to an activity row. Each activity
// kind has its own struct; the blob is stored as tagged JSON with a "kind"
// discriminator so readers can decode without guessing.
type Details interface {
	Kind() string
}

// ChatDetails describes a chat_start or chat_end activity.
type ChatDetails struct {
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Cost      float64 `json:"cost,omitempty"`
	Tokens    int64  `json:"tokens,omitempty"`
}

func (ChatDetails) Kind() string { return "chat" }

// ScheduleDetails describes a schedule_start or schedule_end activity.
type ScheduleDetails struct {
	ScheduleID int64  `json:"schedule_id"`
	Message    string `json:"message,omitempty"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (ScheduleDetails) Kind() string { return "schedule" }

// ToolCallDetails describes a tool_call activity reported by a sandbox.
type ToolCallDetails struct {
	Tool     string `json:"tool"`
	Input    string `json:"input,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

func (ToolCallDetails) Kind() string { return "tool_call" }

// CollaborationDetails describes an agent_collaboration activity, the arrow
// between two execution bars on the timeline.
type CollaborationDetails struct {
	SourceAgent string `json:"source_agent"`
	TargetAgent string `json:"target_agent"`
	Mode        string `json:"mode"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (CollaborationDetails) Kind() string { return "collaboration" }

// CancellationDetails describes an execution_cancelled activity.
type CancellationDetails struct {
	ExecutionID int64  `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

func (CancellationDetails) Kind() string { return "cancellation" }

// PermissionDeniedDetails is the audit entry written when the gateway
// rejects a call.
type PermissionDeniedDetails struct {
	SourceAgent string `json:"source_agent,omitempty"`
	Caller      string `json:"caller"`
	TargetAgent string `json:"target_agent"`
}

func (PermissionDeniedDetails) Kind() string { return "permission_denied" }

// encodeDetails serializes a typed details value with its kind tag.
func encodeDetails(d Details) (store.JSONText, error) {
	if d == nil {
		return store.JSONText("{}"), nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["kind"] = d.Kind()
	out, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return store.JSONText(out), nil
}
