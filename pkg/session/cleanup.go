package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultCleanupAge      = 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// Cleanup periodically discards abandoned sessions: temporary sessions idle
// longer than the cleanup age, and persisted sessions that never received a
// message and are older than the cleanup age.
type Cleanup struct {
	store    *Store
	age      time.Duration
	interval time.Duration

	mu        sync.Mutex
	scheduler *cron.Cron
}

// NewCleanup creates a cleanup handler. Zero durations select the defaults.
func NewCleanup(store *Store, age, interval time.Duration) *Cleanup {
	if age <= 0 {
		age = DefaultCleanupAge
	}
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Cleanup{store: store, age: age, interval: interval}
}

// Start runs one sweep immediately and then one per interval. A sweep still
// running when the next one is due is skipped.
func (c *Cleanup) Start() error {
	c.mu.Lock()
	if c.scheduler != nil {
		c.mu.Unlock()
		return fmt.Errorf("cleanup is already running")
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc("@every "+c.interval.String(), c.sweep); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("invalid cleanup interval: %w", err)
	}
	scheduler.Start()
	c.scheduler = scheduler
	c.mu.Unlock()

	c.store.logger.Info().
		Dur("cleanup_age", c.age).
		Dur("interval", c.interval).
		Msg("Session cleanup started")

	c.sweep()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	scheduler := c.scheduler
	c.scheduler = nil
	c.mu.Unlock()

	if scheduler == nil {
		return fmt.Errorf("cleanup is not running")
	}

	<-scheduler.Stop().Done()
	c.store.logger.Info().Msg("Session cleanup stopped")
	return nil
}

// IsRunning reports whether the sweep is scheduled.
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduler != nil
}

func (c *Cleanup) sweep() {
	if _, err := c.CleanupNow(context.Background()); err != nil {
		c.store.logger.Error().Err(err).Msg("Failed to clean up sessions")
	}
}

// CleanupNow performs one sweep and returns the number of sessions removed.
func (c *Cleanup) CleanupNow(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-c.age)
	removed := 0

	c.store.tempMu.Lock()
	for id, sess := range c.store.temporary {
		if sess.UpdatedAt.Before(cutoff) {
			delete(c.store.temporary, id)
			removed++
		}
	}
	c.store.tempMu.Unlock()

	rows, err := c.store.db.QueryContext(ctx, `
		SELECT s.id FROM sessions s
		WHERE s.updated_at < ?
		AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.session_id = s.id)`,
		cutoff.UnixMilli())
	if err != nil {
		return removed, fmt.Errorf("failed to find empty sessions: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return removed, fmt.Errorf("failed to scan session id: %w", err)
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return removed, err
	}

	for _, id := range stale {
		if err := c.store.Delete(ctx, id); err != nil {
			c.store.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to delete empty session")
			continue
		}
		removed++
	}

	if removed > 0 {
		c.store.logger.Info().Int("removed", removed).Msg("Cleaned up abandoned sessions")
	}
	return removed, nil
}
