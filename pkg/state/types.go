// Package state persists per-session orchestration bookkeeping: the active
// pipeline step, recently used tools, cumulative token usage, and the history
// policy snapshot of the most recent turn.
package state

import (
	"time"

	"github.com/averin/strand/pkg/history"
)

// DefaultMaxRecentTools bounds the recentlyUsedTools sequence.
const DefaultMaxRecentTools = 20

// TokenUsage tracks cumulative token consumption for a session. TotalTokens
// always equals PromptTokens + CompletionTokens.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add folds a delta into the usage, re-deriving the total.
func (u *TokenUsage) Add(delta TokenUsage) {
	u.PromptTokens += delta.PromptTokens
	u.CompletionTokens += delta.CompletionTokens
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}

// HistorySnapshot records the policy applied on the last turn and how many
// messages survived it.
type HistorySnapshot struct {
	Policy history.Policy `json:"policy"`
	Length int            `json:"length"`
}

// OrchestrationState is the durable per-session record. It is owned by the
// Store; the orchestrator only holds a transient copy during a turn.
type OrchestrationState struct {
	SessionID string `json:"session_id"`
	// ActiveStep is the pipeline step currently executing, empty between
	// steps and after a turn completes.
	ActiveStep string `json:"active_step,omitempty"`
	// RecentlyUsedTools is bounded, most-recent-last, with consecutive
	// duplicates collapsed.
	RecentlyUsedTools    []string        `json:"recently_used_tools,omitempty"`
	CumulativeTokenUsage TokenUsage      `json:"cumulative_token_usage"`
	History              HistorySnapshot `json:"history"`
	LastUpdated          time.Time       `json:"last_updated"`
}

func newState(sessionID string, now time.Time) *OrchestrationState {
	return &OrchestrationState{
		SessionID:   sessionID,
		History:     HistorySnapshot{Policy: history.Default()},
		LastUpdated: now,
	}
}

// Delta is a partial update merged into an OrchestrationState. Nil fields
// are left untouched; updates are additive and never reset anything.
type Delta struct {
	// ActiveStep, when non-nil, replaces the active step. Point at an empty
	// string to clear it.
	ActiveStep *string
	// Tools are appended to RecentlyUsedTools.
	Tools []string
	// Usage is added to CumulativeTokenUsage.
	Usage *TokenUsage
	// History, when non-nil, replaces the history snapshot.
	History *HistorySnapshot
}
