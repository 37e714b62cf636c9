package state

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// DefaultCleanupSchedule runs the pruning job once a day.
	DefaultCleanupSchedule = "0 4 * * *"
	// DefaultCleanupMaxAge prunes session states idle for a week.
	DefaultCleanupMaxAge = 7 * 24 * time.Hour
)

// Cleanup prunes session states that have not been updated within a
// configurable age. It runs on a cron schedule so a long-lived process does
// not accumulate abandoned sessions.
type Cleanup struct {
	store    *Store
	schedule string
	maxAge   time.Duration
	logger   zerolog.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	running bool
}

// NewCleanup creates a cleanup job. Empty schedule and zero maxAge fall back
// to the defaults.
func NewCleanup(store *Store, schedule string, maxAge time.Duration, logger zerolog.Logger) *Cleanup {
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	if maxAge <= 0 {
		maxAge = DefaultCleanupMaxAge
	}

	return &Cleanup{
		store:    store,
		schedule: schedule,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// Start begins the scheduled pruning.
func (c *Cleanup) Start() error {
	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	c.cron = cron.New()
	entryID, err := c.cron.AddFunc(c.schedule, func() {
		if _, err := c.RunOnce(context.Background()); err != nil {
			c.logger.Error().Err(err).Msg("Session state cleanup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", c.schedule, err)
	}

	c.entryID = entryID
	c.cron.Start()
	c.running = true

	c.logger.Info().
		Str("schedule", c.schedule).
		Dur("max_age", c.maxAge).
		Msg("Session state cleanup started")
	return nil
}

// Stop halts the scheduled pruning. In-flight runs finish.
func (c *Cleanup) Stop() {
	if !c.running {
		return
	}
	c.cron.Remove(c.entryID)
	c.cron.Stop()
	c.running = false

	c.logger.Info().Msg("Session state cleanup stopped")
}

// IsRunning reports whether the schedule is active.
func (c *Cleanup) IsRunning() bool {
	return c.running
}

// RunOnce prunes immediately and returns how many states were removed.
func (c *Cleanup) RunOnce(ctx context.Context) (int, error) {
	sessionIDs, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := c.store.clock().Add(-c.maxAge)
	pruned := 0

	for _, sessionID := range sessionIDs {
		st, err := c.store.Get(ctx, sessionID)
		if err != nil {
			c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to load state during cleanup")
			continue
		}
		if st.LastUpdated.After(cutoff) {
			continue
		}

		if err := c.store.Delete(ctx, sessionID); err != nil {
			c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to prune session state")
			continue
		}
		pruned++
	}

	if pruned > 0 {
		c.logger.Info().Int("pruned", pruned).Msg("Pruned idle session states")
	}
	return pruned, nil
}
