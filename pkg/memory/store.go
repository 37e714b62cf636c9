package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/averin/strand/internal/observability"
	"github.com/averin/strand/pkg/storage"
)

// DefaultSweepInterval is how often the background sweep evicts expired
// working-memory entries when no interval is configured.
const DefaultSweepInterval = time.Minute

// Entry is a working-memory record. An entry with TTL set is logically
// absent once its age exceeds the TTL, even if the sweep has not yet
// removed it.
type Entry struct {
	Value        interface{}   `json:"value"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessed time.Time     `json:"last_accessed"`
	AccessCount  int           `json:"access_count"`
	TTL          time.Duration `json:"ttl,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// Store is the two-tier memory store. All working-tier operations are safe
// for concurrent use; durable-tier consistency is whatever the backend
// provides.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	durable storage.Backend
	logger  zerolog.Logger

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	clock         func() time.Time
}

// Config holds store configuration.
type Config struct {
	// Durable is the backend for the long-term tier. Optional; durable
	// operations fail cleanly when nil.
	Durable storage.Backend
	Logger  zerolog.Logger
	// SweepInterval is the period of the background eviction sweep.
	// Defaults to DefaultSweepInterval.
	SweepInterval time.Duration
}

// NewStore creates a store and starts its background sweep.
func NewStore(cfg Config) *Store {
	observability.EnsureRegistered()

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	s := &Store{
		entries:       make(map[string]*Entry),
		durable:       cfg.Durable,
		logger:        cfg.Logger,
		sweepInterval: interval,
		stopCh:        make(chan struct{}),
		clock:         time.Now,
	}

	go s.sweepLoop()

	s.logger.Debug().Dur("sweep_interval", interval).Msg("Memory store initialized")
	return s
}

// Set stores a value in working memory. ttl of zero means the entry never
// expires.
func (s *Store) Set(key string, value interface{}, ttl time.Duration) {
	now := s.clock()

	s.mu.Lock()
	s.entries[key] = &Entry{
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		TTL:          ttl,
	}
	count := len(s.entries)
	s.mu.Unlock()

	observability.SetWorkingMemoryEntries(count)
}

// Get returns a working-memory value. An expired entry is evicted and
// reported absent; a successful read bumps AccessCount and LastAccessed.
func (s *Store) Get(key string) (interface{}, bool) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expired(now) {
		delete(s.entries, key)
		observability.SetWorkingMemoryEntries(len(s.entries))
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccessed = now
	return entry.Value, true
}

// Delete removes a working-memory entry. Returns whether it existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
		observability.SetWorkingMemoryEntries(len(s.entries))
	}
	return ok
}

// DeletePrefix removes all working-memory entries whose key has the given
// prefix, returning how many were removed. Used by session reset to clear
// session-scoped entries.
func (s *Store) DeletePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		observability.SetWorkingMemoryEntries(len(s.entries))
	}
	return removed
}

// Len returns the current working-memory entry count, including entries
// that are expired but not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// sweepLoop periodically evicts expired entries so unread entries do not
// accumulate. A panic in one sweep is logged and must not take down the
// process.
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweepOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Memory sweep panicked")
		}
	}()

	now := s.clock()

	s.mu.Lock()
	evicted := 0
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			evicted++
		}
	}
	remaining := len(s.entries)
	s.mu.Unlock()

	observability.RecordSweep(evicted)
	observability.SetWorkingMemoryEntries(remaining)

	if evicted > 0 {
		s.logger.Debug().
			Int("evicted", evicted).
			Int("remaining", remaining).
			Msg("Swept expired working-memory entries")
	}
}

// Destroy stops the sweep and clears working memory. The durable tier is
// untouched. Safe to call more than once.
func (s *Store) Destroy() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	s.mu.Lock()
	s.entries = make(map[string]*Entry)
	s.mu.Unlock()

	observability.SetWorkingMemoryEntries(0)
	s.logger.Debug().Msg("Memory store destroyed")
}
