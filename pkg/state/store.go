package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/averin/strand/internal/observability"
	"github.com/averin/strand/internal/tracing"
	"github.com/averin/strand/pkg/fault"
	"github.com/averin/strand/pkg/storage"
)

const stateKeyPrefix = "state:"

// Store is the durable session state store. It serializes writes per session
// so EnsureStateExists has at-most-one create semantics and no caller
// observes a torn record; across sessions there is no coordination, and
// concurrent turns on one session remain last-write-wins.
type Store struct {
	backend        storage.Backend
	logger         zerolog.Logger
	maxRecentTools int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	clock func() time.Time
}

// Config holds store configuration.
type Config struct {
	Backend storage.Backend
	Logger  zerolog.Logger
	// MaxRecentTools bounds the recently-used-tools sequence. Defaults to
	// DefaultMaxRecentTools.
	MaxRecentTools int
}

// NewStore creates a session state store.
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Backend == nil {
		return nil, errors.New("storage backend is required")
	}

	maxTools := cfg.MaxRecentTools
	if maxTools <= 0 {
		maxTools = DefaultMaxRecentTools
	}

	return &Store{
		backend:        cfg.Backend,
		logger:         cfg.Logger,
		maxRecentTools: maxTools,
		locks:          make(map[string]*sync.Mutex),
		clock:          time.Now,
	}, nil
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

func stateKey(sessionID string) string {
	return stateKeyPrefix + sessionID
}

// EnsureStateExists creates a default OrchestrationState iff none exists for
// the session. Idempotent and safe under concurrent calls for the same id.
func (s *Store) EnsureStateExists(ctx context.Context, sessionID string) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"strand.state",
		"state.ensure_exists",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	if sessionID == "" {
		return fault.New(fault.CodeMessageInvalid, "session id cannot be empty")
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.backend.Get(ctx, stateKey(sessionID))
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fault.Wrap(fault.CodeStorageRead, "failed to check session state", err).
			WithDetail("session_id", sessionID)
	}

	if err := s.write(ctx, newState(sessionID, s.clock())); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("session_id", sessionID).
		Msg("Session state created")
	return nil
}

// Get loads the state for a session. Returns STATE_NOT_FOUND if the session
// was never initialized.
func (s *Store) Get(ctx context.Context, sessionID string) (*OrchestrationState, error) {
	start := s.clock()
	defer func() {
		observability.RecordStateLoad(time.Since(start))
	}()

	data, err := s.backend.Get(ctx, stateKey(sessionID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fault.Newf(fault.CodeStateNotFound, "no state for session %s", sessionID).
			WithDetail("session_id", sessionID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeStorageRead, "failed to load session state", err).
			WithDetail("session_id", sessionID)
	}

	var st OrchestrationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fault.Wrap(fault.CodeStorageRead, "failed to decode session state", err).
			WithDetail("session_id", sessionID)
	}
	return &st, nil
}

// Update merges a delta into the stored state and returns the merged result.
func (s *Store) Update(ctx context.Context, sessionID string, delta Delta) (*OrchestrationState, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"strand.state",
		"state.update",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := s.Get(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if delta.ActiveStep != nil {
		st.ActiveStep = *delta.ActiveStep
	}
	for _, tool := range delta.Tools {
		st.RecentlyUsedTools = appendTool(st.RecentlyUsedTools, tool, s.maxRecentTools)
	}
	if delta.Usage != nil {
		st.CumulativeTokenUsage.Add(*delta.Usage)
	}
	if delta.History != nil {
		st.History = *delta.History
	}
	st.LastUpdated = s.clock()

	if err := s.write(ctx, st); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return st, nil
}

// Reset clears a session's state back to defaults. The record keeps existing
// so a subsequent turn does not re-create it.
func (s *Store) Reset(ctx context.Context, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.write(ctx, newState(sessionID, s.clock())); err != nil {
		return err
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("session_id", sessionID).
		Msg("Session state reset")
	return nil
}

// Delete removes a session's state entirely. Used by the cleanup job.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.backend.Delete(ctx, stateKey(sessionID)); err != nil {
		return fault.Wrap(fault.CodeStorageWrite, "failed to delete session state", err).
			WithDetail("session_id", sessionID)
	}

	s.locksMu.Lock()
	delete(s.locks, sessionID)
	s.locksMu.Unlock()
	return nil
}

// List returns the ids of all sessions with stored state.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx, stateKeyPrefix)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStorageRead, "failed to list session states", err)
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, stateKeyPrefix))
	}
	observability.SetActiveSessions(len(ids))
	return ids, nil
}

func (s *Store) write(ctx context.Context, st *OrchestrationState) error {
	start := s.clock()
	defer func() {
		observability.RecordStateSave(time.Since(start))
	}()

	data, err := json.Marshal(st)
	if err != nil {
		return fault.Wrap(fault.CodeStorageWrite, "failed to encode session state", err).
			WithDetail("session_id", st.SessionID)
	}
	if err := s.backend.Set(ctx, stateKey(st.SessionID), data); err != nil {
		return fault.Wrap(fault.CodeStorageWrite, "failed to save session state", err).
			WithDetail("session_id", st.SessionID)
	}
	return nil
}

// appendTool appends most-recent-last, collapsing consecutive duplicates and
// trimming from the front when the bound is exceeded.
func appendTool(tools []string, tool string, max int) []string {
	if tool == "" {
		return tools
	}
	if len(tools) > 0 && tools[len(tools)-1] == tool {
		return tools
	}
	tools = append(tools, tool)
	if len(tools) > max {
		tools = tools[len(tools)-max:]
	}
	return tools
}
