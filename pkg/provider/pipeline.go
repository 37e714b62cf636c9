package provider

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/averin/strand/internal/tracing"
	"github.com/averin/strand/pkg/fault"
	"github.com/averin/strand/pkg/orchestrator"
	"github.com/averin/strand/pkg/state"
	"github.com/averin/strand/pkg/transcript"
)

const (
	defaultMaxToolRounds = 10
	defaultMaxRetries    = 3
	defaultMaxTokens     = 4096
)

// ProviderResolver resolves vendor names to providers. *Factory is the
// production implementation.
type ProviderResolver interface {
	New(name string) (LLMProvider, error)
}

// ChatPipeline runs the model/tool loop for a turn and streams the results.
// It implements orchestrator.Pipeline.
type ChatPipeline struct {
	factory    ProviderResolver
	tools      *Registry
	normalizer *fault.Normalizer
	logger     zerolog.Logger

	maxToolRounds int
	maxRetries    int
}

// PipelineConfig holds chat pipeline dependencies.
type PipelineConfig struct {
	Factory ProviderResolver
	// Tools optionally supplies the tool registry. A nil registry means
	// agents run without tools.
	Tools      *Registry
	Normalizer *fault.Normalizer
	Logger     zerolog.Logger
	// MaxToolRounds bounds the model/tool loop. Defaults to 10.
	MaxToolRounds int
	// MaxRetries bounds retry attempts per model call. Defaults to 3.
	MaxRetries int
}

// NewChatPipeline creates a chat pipeline.
func NewChatPipeline(cfg PipelineConfig) (*ChatPipeline, error) {
	if cfg.Factory == nil {
		return nil, fault.New(fault.CodeConfigMissing, "provider factory is required")
	}

	normalizer := cfg.Normalizer
	if normalizer == nil {
		normalizer = fault.NewNormalizer(false, false)
	}
	maxRounds := cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &ChatPipeline{
		factory:       cfg.Factory,
		tools:         cfg.Tools,
		normalizer:    normalizer,
		logger:        cfg.Logger,
		maxToolRounds: maxRounds,
		maxRetries:    maxRetries,
	}, nil
}

// Execute resolves the provider and starts the loop. Failures before any
// stream exists are returned synchronously.
func (p *ChatPipeline) Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Stream, error) {
	llm, err := p.factory.New(req.Agent.Provider)
	if err != nil {
		return nil, err
	}
	if req.Agent.Model == "" {
		return nil, fault.New(fault.CodeConfigMissing, "agent has no model configured")
	}

	base := convertTranscript(req.Messages)

	var defs []ToolDefinition
	if p.tools != nil && len(req.Agent.Tools) > 0 {
		defs = p.tools.Definitions(req.Agent.Tools)
	}

	temperature := req.Agent.Temperature
	maxTokens := req.Agent.MaxTokens
	if req.Overrides != nil {
		if req.Overrides.Temperature != nil {
			temperature = *req.Overrides.Temperature
		}
		if req.Overrides.MaxTokens != nil {
			maxTokens = *req.Overrides.MaxTokens
		}
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	stream := orchestrator.NewStream()
	go p.run(ctx, llm, LLMRequest{
		Model:        req.Agent.Model,
		Messages:     base,
		Tools:        defs,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		SystemPrompt: req.Agent.SystemPrompt,
	}, stream)

	return stream, nil
}

func (p *ChatPipeline) run(ctx context.Context, llm LLMProvider, req LLMRequest, stream *orchestrator.Stream) {
	logger := tracing.LoggerFromContext(ctx, p.logger)

	var usage state.TokenUsage
	for round := 0; round < p.maxToolRounds; round++ {
		response, err := p.callWithRetry(ctx, llm, req)
		if err != nil {
			logger.Error().Err(err).Int("round", round).Msg("Model call failed")
			stream.Fail(p.normalizer.Normalize(err), usage)
			return
		}
		usage.Add(response.Usage)

		if response.Content != "" {
			if !stream.Emit(ctx, orchestrator.StreamEvent{Type: orchestrator.EventTextDelta, Text: response.Content}) {
				stream.Close(usage)
				return
			}
		}

		if len(response.ToolCalls) == 0 {
			stream.Close(usage)
			return
		}

		results := make([]ToolResult, 0, len(response.ToolCalls))
		for _, call := range response.ToolCalls {
			if !stream.Emit(ctx, orchestrator.StreamEvent{
				Type:     orchestrator.EventToolCallStart,
				ToolCall: &orchestrator.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments},
			}) {
				stream.Close(usage)
				return
			}

			result := ToolResult{CallID: call.ID, Name: call.Name}
			output, err := p.executeTool(ctx, call)
			if err != nil {
				logger.Warn().Err(err).Str("tool", call.Name).Msg("Tool call failed")
				result.Error = err.Error()
			} else {
				result.Output = output
			}
			results = append(results, result)

			if !stream.Emit(ctx, orchestrator.StreamEvent{
				Type:       orchestrator.EventToolCallEnd,
				ToolResult: &orchestrator.ToolResult{CallID: result.CallID, Name: result.Name, Output: result.Output, Error: result.Error},
			}) {
				stream.Close(usage)
				return
			}
		}

		req.Messages = appendToolRound(req.Messages, response, results)
	}

	err := fault.New(fault.CodeInternal, "maximum tool rounds exceeded")
	logger.Error().Err(err).Msg("Tool loop did not converge")
	stream.Fail(p.normalizer.Normalize(err), usage)
}

// ToolResult is the outcome of one tool call within the loop.
type ToolResult struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (p *ChatPipeline) executeTool(ctx context.Context, call Call) (string, error) {
	if p.tools == nil {
		return "", fault.Newf(fault.CodeNodeValidation, "no tool registry configured, cannot run %s", call.Name)
	}
	return p.tools.Execute(ctx, call.Name, call.Arguments)
}

func (p *ChatPipeline) callWithRetry(ctx context.Context, llm LLMProvider, req LLMRequest) (*LLMResponse, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		response, err := llm.Call(ctx, req)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == p.maxRetries-1 {
			break
		}

		delay := time.Duration(1<<attempt) * time.Second
		p.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying model call after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// convertTranscript maps stored conversation messages to the provider wire
// shape.
func convertTranscript(messages []transcript.Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, Message{
			Role:       string(msg.Role),
			Content:    msg.Text(),
			ToolCallID: msg.ToolCallID,
		})
	}
	return out
}

// appendToolRound extends the conversation with the assistant's tool calls
// and their results so the next round sees them.
func appendToolRound(messages []Message, response *LLMResponse, results []ToolResult) []Message {
	messages = append(messages, Message{
		Role:      "assistant",
		Content:   response.Content,
		ToolCalls: response.ToolCalls,
	})
	for _, result := range results {
		content := result.Output
		if result.Error != "" {
			content = result.Error
		}
		messages = append(messages, Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: result.CallID,
		})
	}
	return messages
}
