// Package orchestrator coordinates a conversation turn: it ensures session
// state exists, applies the history retention policy, hands the trimmed
// conversation to the model/tool pipeline, and folds the resulting stream's
// tool activity and token usage back into durable session state while the
// caller consumes the live stream.
package orchestrator

import (
	"github.com/averin/strand/pkg/fault"
	"github.com/averin/strand/pkg/history"
	"github.com/averin/strand/pkg/state"
	"github.com/averin/strand/pkg/transcript"
)

// AgentConfig configures the agent driving a turn.
type AgentConfig struct {
	ID           string         `json:"id,omitempty"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	Temperature  float64        `json:"temperature,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Tools        []string       `json:"tools,omitempty"`
	History      history.Policy `json:"history"`
}

// RuntimeOverrides are per-turn adjustments layered over the agent config.
type RuntimeOverrides struct {
	History     *history.Policy `json:"history,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

// TurnParams is the input to RunTurn.
type TurnParams struct {
	SessionID string               `json:"session_id,omitempty"`
	Messages  []transcript.Message `json:"messages"`
	Agent     AgentConfig          `json:"agent"`
	Overrides *RuntimeOverrides    `json:"overrides,omitempty"`
}

// EventType tags stream events.
type EventType string

const (
	// EventTextDelta carries a chunk of assistant text.
	EventTextDelta EventType = "text_delta"
	// EventToolCallStart marks a tool invocation beginning.
	EventToolCallStart EventType = "tool_call_start"
	// EventToolCallEnd carries a tool invocation's result.
	EventToolCallEnd EventType = "tool_call_end"
	// EventError carries a normalized failure that occurred after the
	// stream started. The stream closes after emitting it.
	EventError EventType = "error"
	// EventDone terminates a successful stream and carries the turn's
	// usage summary.
	EventDone EventType = "done"
)

// ToolCall identifies one tool invocation within a turn.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StreamEvent is one element of a turn's live event stream. The vendor wire
// protocol carries mid-stream failures as string error flags on an ordinary
// event rather than a dedicated frame; the orchestrator promotes flagged
// events to EventError before they reach a consumer, so downstream code only
// ever needs to handle the tagged form.
type StreamEvent struct {
	Type       EventType         `json:"type"`
	Text       string            `json:"text,omitempty"`
	ToolCall   *ToolCall         `json:"tool_call,omitempty"`
	ToolResult *ToolResult       `json:"tool_result,omitempty"`
	Usage      *state.TokenUsage `json:"usage,omitempty"`
	Err        *fault.Response   `json:"error,omitempty"`

	// Side-channel error flags, preserved verbatim from the wire.
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
}
