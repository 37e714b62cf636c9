package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/averin/strand/internal/tracing"
)

// Log manages conversation persistence using one JSONL file per session.
type Log struct {
	dir    string
	logger zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewLog creates a transcript log rooted at dir.
func NewLog(dir string, logger zerolog.Logger) (*Log, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".strand", "transcripts")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	logger.Debug().Str("dir", dir).Msg("Transcript log initialized")

	return &Log{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// validateSessionID rejects ids that could escape the transcript directory.
func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(sessionID, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (l *Log) path(sessionID string) string {
	return filepath.Join(l.dir, sessionID+".jsonl")
}

func (l *Log) writeLock(sessionID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()

	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[sessionID] = lock
	}
	return lock
}

// Append writes a message to a session's transcript, creating the file on
// first use.
func (l *Log) Append(ctx context.Context, sessionID string, msg Message) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"strand.transcript",
		"transcript.append",
		attribute.String("session_id", sessionID),
		attribute.String("role", string(msg.Role)),
	)
	defer span.End()

	if err := validateSessionID(sessionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := msg.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	lock := l.writeLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(l.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, l.logger)
	logger.Debug().
		Str("session_id", sessionID).
		Str("role", string(msg.Role)).
		Msg("Message appended")
	return nil
}

// Load reads all messages for a session. A missing transcript yields an
// empty slice; corrupted lines are skipped with a warning.
func (l *Log) Load(ctx context.Context, sessionID string) ([]Message, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"strand.transcript",
		"transcript.load",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	if err := validateSessionID(sessionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, l.logger)

	file, err := os.Open(l.path(sessionID))
	if os.IsNotExist(err) {
		return []Message{}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	var messages []Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logger.Warn().
				Str("session_id", sessionID).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse transcript line, skipping")
			continue
		}
		if msg.Validate() != nil {
			logger.Warn().
				Str("session_id", sessionID).
				Int("line", lineNum).
				Msg("Invalid transcript entry, skipping")
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	return messages, nil
}

// Delete removes a session's transcript.
func (l *Log) Delete(ctx context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	lock := l.writeLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(l.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}

	l.locksMu.Lock()
	delete(l.locks, sessionID)
	l.locksMu.Unlock()

	logger := tracing.LoggerFromContext(ctx, l.logger)
	logger.Info().
		Str("session_id", sessionID).
		Msg("Transcript deleted")
	return nil
}

// List returns the ids of all sessions with a transcript.
func (l *Log) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(entry.Name(), ".jsonl"))
	}
	return sessions, nil
}
