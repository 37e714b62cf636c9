// Package transcript persists per-session conversation logs as JSONL files,
// one file per session. Messages are immutable once appended; the history
// policy operates on loaded read-only views.
package transcript

import (
	"fmt"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is a single conversation turn entry. Content carries plain text;
// Parts carries ordered multi-part content when a producer supplies it.
type Message struct {
	ID         string        `json:"id,omitempty"`
	Role       Role          `json:"role"`
	Content    string        `json:"content"`
	Parts      []ContentPart `json:"parts,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolName   string        `json:"tool_name,omitempty"`
}

// Validate checks the message is well formed enough to persist.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Content == "" && len(m.Parts) == 0 {
		return fmt.Errorf("message content cannot be empty")
	}
	return nil
}

// Text flattens the message body to plain text.
func (m Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	out := ""
	for _, part := range m.Parts {
		out += part.Text
	}
	return out
}
