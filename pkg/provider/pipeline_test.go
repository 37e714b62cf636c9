package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averin/strand/pkg/fault"
	"github.com/averin/strand/pkg/orchestrator"
	"github.com/averin/strand/pkg/state"
	"github.com/averin/strand/pkg/transcript"
)

// scriptedProvider returns canned responses in order, then fails.
type scriptedProvider struct {
	responses []LLMResponse
	errs      []error
	calls     []LLMRequest
}

func (s *scriptedProvider) Provider() string { return "scripted" }

func (s *scriptedProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	i := len(s.calls)
	s.calls = append(s.calls, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.responses) {
		resp := s.responses[i]
		return &resp, nil
	}
	return nil, errors.New("script exhausted")
}

type fixedResolver struct {
	provider LLMProvider
	err      error
}

func (f *fixedResolver) New(name string) (LLMProvider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.provider, nil
}

func newPipeline(t *testing.T, resolver ProviderResolver, tools *Registry) *ChatPipeline {
	t.Helper()
	p, err := NewChatPipeline(PipelineConfig{
		Factory:    resolver,
		Tools:      tools,
		Logger:     zerolog.Nop(),
		MaxRetries: 1,
	})
	require.NoError(t, err)
	return p
}

func collect(t *testing.T, stream *orchestrator.Stream) []orchestrator.StreamEvent {
	t.Helper()

	var events []orchestrator.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out collecting stream events")
		}
	}
}

func turnRequest(messages ...transcript.Message) orchestrator.Request {
	return orchestrator.Request{
		SessionID: "s1",
		TurnID:    "t1",
		Messages:  messages,
		Agent:     orchestrator.AgentConfig{Provider: "scripted", Model: "test-model"},
	}
}

func TestPipelineStreamsTextResponse(t *testing.T) {
	llm := &scriptedProvider{responses: []LLMResponse{{
		Content: "hello there",
		Usage:   state.TokenUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	}}}
	p := newPipeline(t, &fixedResolver{provider: llm}, nil)

	stream, err := p.Execute(context.Background(), turnRequest(
		transcript.Message{Role: transcript.RoleUser, Content: "hi"},
	))
	require.NoError(t, err)

	events := collect(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, orchestrator.EventTextDelta, events[0].Type)
	assert.Equal(t, "hello there", events[0].Text)
	assert.Equal(t, orchestrator.EventDone, events[1].Type)

	usage := <-stream.UsageResolved()
	assert.Equal(t, 10, usage.TotalTokens)

	require.Len(t, llm.calls, 1)
	require.Len(t, llm.calls[0].Messages, 1)
	assert.Equal(t, "user", llm.calls[0].Messages[0].Role)
}

func TestPipelineRunsToolLoop(t *testing.T) {
	tools := NewRegistry()
	require.NoError(t, tools.Register(ToolDefinition{
		Name:        "echo",
		Description: "echoes its input",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"text"},
		},
	}, func(ctx context.Context, args map[string]interface{}) (string, error) {
		return args["text"].(string), nil
	}))

	llm := &scriptedProvider{responses: []LLMResponse{
		{
			ToolCalls: []Call{{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "ping"}}},
			Usage:     state.TokenUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		},
		{
			Content: "the tool said ping",
			Usage:   state.TokenUsage{PromptTokens: 8, CompletionTokens: 4, TotalTokens: 12},
		},
	}}
	p := newPipeline(t, &fixedResolver{provider: llm}, tools)

	req := turnRequest(transcript.Message{Role: transcript.RoleUser, Content: "use the tool"})
	req.Agent.Tools = []string{"echo"}

	stream, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	events := collect(t, stream)
	require.Len(t, events, 4)
	assert.Equal(t, orchestrator.EventToolCallStart, events[0].Type)
	assert.Equal(t, "echo", events[0].ToolCall.Name)
	assert.Equal(t, orchestrator.EventToolCallEnd, events[1].Type)
	assert.Equal(t, "ping", events[1].ToolResult.Output)
	assert.Empty(t, events[1].ToolResult.Error)
	assert.Equal(t, orchestrator.EventTextDelta, events[2].Type)
	assert.Equal(t, orchestrator.EventDone, events[3].Type)

	// Usage accumulates across rounds.
	usage := <-stream.UsageResolved()
	assert.Equal(t, 19, usage.TotalTokens)

	// The second call sees the tool round appended.
	require.Len(t, llm.calls, 2)
	second := llm.calls[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "assistant", second[1].Role)
	require.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, "tool", second[2].Role)
	assert.Equal(t, "ping", second[2].Content)
	assert.Equal(t, "c1", second[2].ToolCallID)
}

func TestPipelineToolFailureFeedsBack(t *testing.T) {
	tools := NewRegistry()
	require.NoError(t, tools.Register(ToolDefinition{Name: "boom"}, func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "", errors.New("kaput")
	}))

	llm := &scriptedProvider{responses: []LLMResponse{
		{ToolCalls: []Call{{ID: "c1", Name: "boom"}}},
		{Content: "recovered"},
	}}
	p := newPipeline(t, &fixedResolver{provider: llm}, tools)

	req := turnRequest(transcript.Message{Role: transcript.RoleUser, Content: "go"})
	req.Agent.Tools = []string{"boom"}

	stream, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	events := collect(t, stream)
	require.Len(t, events, 4)
	assert.Equal(t, orchestrator.EventToolCallEnd, events[1].Type)
	assert.Contains(t, events[1].ToolResult.Error, "kaput")

	// The failure goes back to the model as the tool message content.
	second := llm.calls[1].Messages
	assert.Equal(t, "tool", second[2].Role)
	assert.Contains(t, second[2].Content, "kaput")
}

func TestPipelineFailsStreamOnModelError(t *testing.T) {
	llm := &scriptedProvider{errs: []error{fault.New(fault.CodeLLMAPIKey, fault.MessageAPIKeyMissing)}}
	p := newPipeline(t, &fixedResolver{provider: llm}, nil)

	stream, err := p.Execute(context.Background(), turnRequest(
		transcript.Message{Role: transcript.RoleUser, Content: "hi"},
	))
	require.NoError(t, err)

	events := collect(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, orchestrator.EventError, events[0].Type)
	require.NotNil(t, events[0].Err)
	assert.Equal(t, fault.CodeLLMAPIKey, events[0].Err.Code)
	assert.Equal(t, fault.CodeLLMAPIKey, events[0].ErrorCode)
}

func TestPipelineResolverFailureIsSynchronous(t *testing.T) {
	p := newPipeline(t, &fixedResolver{err: fault.New(fault.CodeLLMAPIKey, fault.MessageAPIKeyMissing)}, nil)

	_, err := p.Execute(context.Background(), turnRequest(
		transcript.Message{Role: transcript.RoleUser, Content: "hi"},
	))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeLLMAPIKey))
}

func TestPipelineRequiresModel(t *testing.T) {
	p := newPipeline(t, &fixedResolver{provider: &scriptedProvider{}}, nil)

	req := turnRequest(transcript.Message{Role: transcript.RoleUser, Content: "hi"})
	req.Agent.Model = ""

	_, err := p.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeConfigMissing))
}

func TestPipelineAppliesOverrides(t *testing.T) {
	llm := &scriptedProvider{responses: []LLMResponse{{Content: "ok"}}}
	p := newPipeline(t, &fixedResolver{provider: llm}, nil)

	temp := 0.2
	maxTokens := 128
	req := turnRequest(transcript.Message{Role: transcript.RoleUser, Content: "hi"})
	req.Overrides = &orchestrator.RuntimeOverrides{Temperature: &temp, MaxTokens: &maxTokens}

	stream, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	collect(t, stream)

	require.Len(t, llm.calls, 1)
	assert.Equal(t, 0.2, llm.calls[0].Temperature)
	assert.Equal(t, 128, llm.calls[0].MaxTokens)
}

func TestFactoryRequiresKeys(t *testing.T) {
	f := NewFactory("", "")

	_, err := f.New("anthropic")
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeLLMAPIKey))

	_, err = f.New("openai")
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeLLMAPIKey))

	_, err = f.New("carrier-pigeon")
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeConfigInvalid))
}

func TestFactoryCreatesConfiguredProviders(t *testing.T) {
	f := NewFactory("sk-ant-test", "sk-test")

	anthropic, err := f.New("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", anthropic.Provider())

	openai, err := f.New("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", openai.Provider())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit code", fault.New(fault.CodeLLMRateLimit, "slow down"), true},
		{"unavailable code", fault.New(fault.CodeLLMServiceUnavailable, "down"), true},
		{"api key code", fault.New(fault.CodeLLMAPIKey, "bad key"), false},
		{"429 text", errors.New("unexpected status 429"), true},
		{"502 text", errors.New("upstream returned 502"), true},
		{"conn reset", errors.New("read tcp: ECONNRESET"), true},
		{"plain failure", errors.New("model exploded"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
