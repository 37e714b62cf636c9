package orchestrator

import (
	"context"
	"errors"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/averin/strand/internal/observability"
	"github.com/averin/strand/internal/tracing"
	"github.com/averin/strand/pkg/fault"
	"github.com/averin/strand/pkg/history"
	"github.com/averin/strand/pkg/memory"
	"github.com/averin/strand/pkg/state"
	"github.com/averin/strand/pkg/transcript"
)

// toolContextTTL bounds how long a tool's latest output stays cached in
// working memory for subsequent turns.
const toolContextTTL = 15 * time.Minute

// Pipeline executes the model/tool loop for one turn. Execute returns once
// the stream has started; failures before any stream exists are returned
// synchronously.
type Pipeline interface {
	Execute(ctx context.Context, req Request) (*Stream, error)
}

// Request is the pipeline's input.
type Request struct {
	SessionID string
	TurnID    string
	Messages  []transcript.Message
	Agent     AgentConfig
	Overrides *RuntimeOverrides
}

// Orchestrator is the turn coordinator. Construct one per process and share
// it; all collaborators are passed in explicitly.
type Orchestrator struct {
	states     *state.Store
	memory     *memory.Store
	pipeline   Pipeline
	normalizer *fault.Normalizer
	logger     zerolog.Logger
}

// Config holds orchestrator dependencies.
type Config struct {
	States   *state.Store
	Pipeline Pipeline
	// Memory optionally caches tool output between turns.
	Memory     *memory.Store
	Normalizer *fault.Normalizer
	Logger     zerolog.Logger
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if cfg.States == nil {
		return nil, errors.New("session state store is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}

	normalizer := cfg.Normalizer
	if normalizer == nil {
		normalizer = fault.NewNormalizer(false, false)
	}

	return &Orchestrator{
		states:     cfg.States,
		memory:     cfg.Memory,
		pipeline:   cfg.Pipeline,
		normalizer: normalizer,
		logger:     cfg.Logger,
	}, nil
}

// RunTurn starts one conversation turn and returns a live stream handle
// without waiting for the turn to complete. State writes trail the stream:
// a caller that abandons the stream mid-flight keeps whatever updates were
// already folded, and concurrent turns on one session interleave
// last-write-wins rather than serialize.
func (o *Orchestrator) RunTurn(ctx context.Context, params TurnParams) (*Turn, error) {
	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
		o.logger.Warn().
			Str("session_id", sessionID).
			Msg("Turn started without a session id, generated one")
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionID(ctx, sessionID)

	turnID, _ := gonanoid.New()
	ctx = tracing.WithTurnID(ctx, turnID)

	ctx, span := tracing.StartSpan(
		ctx,
		"strand.orchestrator",
		"turn.run",
		attribute.String("session_id", sessionID),
		attribute.String("turn_id", turnID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	if len(params.Messages) == 0 {
		err := fault.New(fault.CodeMessageInvalid, "a turn requires at least one message")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Best effort: a state store outage degrades the turn, it does not
	// block it.
	if err := o.states.EnsureStateExists(ctx, sessionID); err != nil {
		logger.Error().Err(err).Msg("Failed to ensure session state, proceeding without it")
	}

	policy := params.Agent.History
	if params.Overrides != nil && params.Overrides.History != nil {
		policy = *params.Overrides.History
	}
	if policy.Kind == "" {
		policy = history.Default()
	}
	kept := history.Apply(params.Messages, policy)
	snapshot := state.HistorySnapshot{Policy: policy, Length: len(kept)}

	logger.Debug().
		Str("policy", string(policy.Kind)).
		Int("messages_in", len(params.Messages)).
		Int("messages_kept", len(kept)).
		Msg("History policy applied")

	started := time.Now()

	src, err := o.pipeline.Execute(ctx, Request{
		SessionID: sessionID,
		TurnID:    turnID,
		Messages:  kept,
		Agent:     params.Agent,
		Overrides: params.Overrides,
	})
	if err != nil {
		// Pre-stream failure: no partial state, propagate coded.
		var fe *fault.Error
		if !errors.As(err, &fe) {
			fe = fault.Wrap(fault.CodeLLMRequest, "pipeline failed to start", err)
		}
		observability.RecordTurnError(fe.Code)
		observability.RecordTurn(params.Agent.Provider, time.Since(started), false)
		span.RecordError(fe)
		span.SetStatus(codes.Error, fe.Error())
		logger.Error().Err(fe).Msg("Pipeline failed before any stream was produced")
		return nil, fe
	}

	turn := newTurn(sessionID, turnID)
	go o.watch(ctx, turn, src, params.Agent.Provider, snapshot, started)

	return turn, nil
}

// watch consumes the pipeline stream, promotes flagged events, folds state
// updates, and forwards events to the turn handle. It owns the turn's event
// channel.
func (o *Orchestrator) watch(ctx context.Context, turn *Turn, src *Stream, provider string, snapshot state.HistorySnapshot, started time.Time) {
	defer close(turn.events)

	failed := false
	for {
		select {
		case ev, ok := <-src.Events():
			if !ok {
				o.finish(ctx, turn, src, provider, snapshot, started, failed)
				return
			}
			ev = o.inspect(ctx, turn.SessionID, ev)
			if ev.Type == EventError {
				failed = true
			}
			if !o.forward(ctx, turn, ev) {
				o.abandon(ctx, turn, provider, snapshot, started)
				return
			}
		case <-ctx.Done():
			o.abandon(ctx, turn, provider, snapshot, started)
			return
		}
	}
}

// inspect promotes side-channel error flags to a tagged error event and
// folds tool activity into session state as it is observed.
func (o *Orchestrator) inspect(ctx context.Context, sessionID string, ev StreamEvent) StreamEvent {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	// The wire smuggles mid-stream failures as string flags on ordinary
	// events. Never let a flagged event pass through untagged.
	if ev.Type != EventError && ev.ErrorMessage != "" {
		resp := o.normalizer.Normalize(&fault.StreamError{
			Message: ev.ErrorMessage,
			Code:    ev.ErrorCode,
		})
		ev = StreamEvent{
			Type:         EventError,
			Err:          &resp,
			ErrorMessage: resp.Error,
			ErrorCode:    resp.Code,
		}
	}

	switch ev.Type {
	case EventToolCallStart:
		if ev.ToolCall == nil {
			break
		}
		step := "tool:" + ev.ToolCall.Name
		if _, err := o.states.Update(ctx, sessionID, state.Delta{
			ActiveStep: &step,
			Tools:      []string{ev.ToolCall.Name},
		}); err != nil {
			logger.Warn().Err(err).Msg("Failed to record tool call start")
		}

	case EventToolCallEnd:
		if ev.ToolResult == nil {
			break
		}
		cleared := ""
		if _, err := o.states.Update(ctx, sessionID, state.Delta{ActiveStep: &cleared}); err != nil {
			logger.Warn().Err(err).Msg("Failed to clear active step")
		}
		if o.memory != nil && ev.ToolResult.Error == "" {
			key := "session:" + sessionID + ":tool:" + ev.ToolResult.Name
			o.memory.Set(key, ev.ToolResult.Output, toolContextTTL)
		}

	case EventError:
		if ev.Err == nil {
			resp := o.normalizer.Normalize(&fault.StreamError{Message: ev.ErrorMessage, Code: ev.ErrorCode})
			ev.Err = &resp
		}
		observability.RecordTurnError(ev.Err.Code)
	}

	return ev
}

func (o *Orchestrator) forward(ctx context.Context, turn *Turn, ev StreamEvent) bool {
	select {
	case turn.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish resolves the deferred usage and folds the final deltas after the
// pipeline stream has closed.
func (o *Orchestrator) finish(ctx context.Context, turn *Turn, src *Stream, provider string, snapshot state.HistorySnapshot, started time.Time, failed bool) {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	var usage state.TokenUsage
	select {
	case usage = <-src.UsageResolved():
	case <-ctx.Done():
		o.abandon(ctx, turn, provider, snapshot, started)
		return
	}

	cleared := ""
	if _, err := o.states.Update(context.WithoutCancel(ctx), turn.SessionID, state.Delta{
		ActiveStep: &cleared,
		Usage:      &usage,
		History:    &snapshot,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to fold turn usage into session state")
	}

	observability.AddTokens(usage.PromptTokens, usage.CompletionTokens)
	observability.RecordTurn(provider, time.Since(started), !failed)

	logger.Debug().
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Bool("failed", failed).
		Msg("Turn finished")

	turn.resolveUsage(usage, nil)
}

// abandon handles a caller cancelling mid-stream: forwarding stops, already
// folded state stays, and the usage promise resolves with the cancellation.
func (o *Orchestrator) abandon(ctx context.Context, turn *Turn, provider string, snapshot state.HistorySnapshot, started time.Time) {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	cleared := ""
	if _, err := o.states.Update(context.WithoutCancel(ctx), turn.SessionID, state.Delta{
		ActiveStep: &cleared,
		History:    &snapshot,
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to clear active step after abandoned turn")
	}

	observability.RecordTurn(provider, time.Since(started), false)
	logger.Info().Msg("Turn abandoned mid-stream")

	turn.resolveUsage(state.TokenUsage{}, ctx.Err())
}
