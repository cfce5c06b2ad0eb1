package session

import (
	"time"
)

// Mode is the conversation mode of a session.
type Mode string

const (
	ModeDirect          Mode = "direct"
	ModeGuidedInterview Mode = "guided-interview"
	ModeTeam            Mode = "team"
)

// Valid reports whether the mode is a known value.
func (m Mode) Valid() bool {
	switch m {
	case ModeDirect, ModeGuidedInterview, ModeTeam:
		return true
	}
	return false
}

// Status is the lifecycle state of a session. Sessions are never deleted,
// only archived.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Role is the direction of one message turn.
type Role string

const (
	RoleInbound    Role = "inbound"
	RoleAgentReply Role = "agent-reply"
)

// Session identifies one ongoing conversation with an external contact.
type Session struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Channel           string    `json:"channel"`
	ExternalContactID string    `json:"external_contact_id"`
	Mode              Mode      `json:"mode"`
	Status            Status    `json:"status"`
	ActiveFanOutID    string    `json:"active_fanout_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// ToolCallRecord is one tool invocation attached to a message.
type ToolCallRecord struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params,omitempty"`
	Output string                 `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Message is one turn in a session. Immutable once written; Seq is monotonic
// per session and is the sole ordering guarantee.
type Message struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Seq       int64            `json:"seq"`
	Role      Role             `json:"role"`
	Author    string           `json:"author"`
	Body      string           `json:"body"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Draft     bool             `json:"draft,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
