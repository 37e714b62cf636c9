// Package provider adapts model vendor SDKs behind a single call interface
// and drives the model/tool loop that feeds the orchestrator's event stream.
package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/averin/strand/pkg/fault"
	"github.com/averin/strand/pkg/state"
)

// LLMProvider is a single model vendor behind a uniform call surface.
type LLMProvider interface {
	// Call makes one model API call.
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the vendor name.
	Provider() string
}

// Message is a provider-facing conversation message.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCalls  []Call `json:"tool_calls,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Call is a tool invocation requested by the model.
type Call struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// LLMRequest contains the parameters for one model call.
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolDefinition
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse is the model's reply.
type LLMResponse struct {
	Content   string
	ToolCalls []Call
	Usage     state.TokenUsage
}

// Factory creates providers from configured credentials.
type Factory struct {
	anthropicKey string
	openaiKey    string
}

// NewFactory creates a provider factory. Empty keys leave the corresponding
// vendor unconfigured.
func NewFactory(anthropicKey, openaiKey string) *Factory {
	return &Factory{anthropicKey: anthropicKey, openaiKey: openaiKey}
}

// New returns a provider for the named vendor.
func (f *Factory) New(name string) (LLMProvider, error) {
	switch name {
	case "anthropic":
		if f.anthropicKey == "" {
			return nil, fault.New(fault.CodeLLMAPIKey, fault.MessageAPIKeyMissing)
		}
		return NewAnthropicProvider(f.anthropicKey), nil
	case "openai":
		if f.openaiKey == "" {
			return nil, fault.New(fault.CodeLLMAPIKey, fault.MessageAPIKeyMissing)
		}
		return NewOpenAIProvider(f.openaiKey), nil
	default:
		return nil, fault.Newf(fault.CodeConfigInvalid, "unsupported provider: %s", name)
	}
}

// mapCallError converts a raw SDK error into a coded error. Vendor SDKs do
// not share an error type, so classification goes by the rendered message.
func mapCallError(err error) *fault.Error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(lower, "invalid x-api-key") || strings.Contains(lower, "authentication"):
		return fault.Wrap(fault.CodeLLMAPIKey, fault.MessageAPIKeyMissing, err)
	case strings.Contains(msg, "429") || strings.Contains(lower, "rate limit"):
		return fault.Wrap(fault.CodeLLMRateLimit, fault.MessageRateLimited, err)
	case strings.Contains(msg, "503") || strings.Contains(lower, "overloaded"):
		return fault.Wrap(fault.CodeLLMServiceUnavailable, fault.MessageUnavailable, err)
	default:
		return fault.Wrap(fault.CodeLLMRequest, "model call failed", err)
	}
}

// IsRetryable reports whether a failed model call is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if fault.IsCode(err, fault.CodeLLMRateLimit) || fault.IsCode(err, fault.CodeLLMServiceUnavailable) {
		return true
	}
	if fault.IsCode(err, fault.CodeLLMAPIKey) {
		return false
	}

	msg := err.Error()
	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") {
		return true
	}
	for _, status := range []string{"429", "500", "502", "503", "504"} {
		if strings.Contains(msg, status) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(msg), "rate limit")
}
