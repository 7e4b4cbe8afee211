package daemon

import (
	"context"
	"time"

	"github.com/harun/sparrow/pkg/toolexecutor"
)

// EventLoop runs periodic maintenance while the daemon is up.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: 30 * time.Second,
	}
}

// Run ticks until ctx is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

func (e *EventLoop) processTasks(_ context.Context) {
	queued := 0
	for lane, laneStats := range e.daemon.queue.Stats() {
		queued += laneStats["queued"]
		if laneStats["queued"] > 0 || laneStats["running"] > 0 {
			e.daemon.logger.Debug().
				Str("lane", lane).
				Int("queued", laneStats["queued"]).
				Int("running", laneStats["running"]).
				Msg("Queue stats")
		}
	}

	connected := 0
	for _, server := range e.daemon.tools.Servers() {
		if server.Status == toolexecutor.StatusConnected {
			connected++
		}
	}
	e.daemon.logger.Debug().
		Int("mcp_connected", connected).
		Int("queued", queued).
		Msg("Daemon heartbeat")
}

// HandleShutdown waits briefly for running turns to finish.
func (e *EventLoop) HandleShutdown() {
	e.daemon.logger.Info().Msg("Handling graceful shutdown")

	if e.daemon.queue.WaitForActive(5 * time.Second) {
		e.daemon.logger.Info().Msg("All active tasks completed")
	} else {
		e.daemon.logger.Warn().Msg("Timed out waiting for active tasks")
	}
}
