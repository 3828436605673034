package daemon

import (
	"context"
	"time"
)

const maintenanceInterval = 30 * time.Second

// EventLoop handles the periodic maintenance of a running daemon.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
	now      func() time.Time
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
		now:      time.Now,
	}
}

// Run runs the event loop with periodic maintenance tasks
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.log.Info().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.log.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks drops idle session lanes, prunes old runs and logs busy
// backend lanes.
func (e *EventLoop) processTasks(ctx context.Context) {
	d := e.daemon

	if d.sessions != nil {
		if n := d.sessions.PruneIdle(); n > 0 {
			d.log.Debug().Int("lanes", n).Msg("Idle session lanes dropped")
		}
	}

	d.metrics.SetDedupEntries(d.dedup.Size())

	if retention := d.Config().Storage.Retention; d.store != nil && retention > 0 {
		n, err := d.store.Prune(ctx, e.now().Add(-retention))
		if err != nil {
			d.log.Warn().Err(err).Msg("Run store prune failed")
		} else if n > 0 {
			d.log.Info().Int64("runs", n).Msg("Old runs pruned")
		}
	}

	for lane, stats := range d.queue.Stats() {
		if stats.Waiting > 0 || stats.InFlight > 0 {
			d.log.Debug().
				Str("lane", lane).
				Int("in_flight", stats.InFlight).
				Int("waiting", stats.Waiting).
				Int("concurrency", stats.Concurrency).
				Msg("Queue stats")
		}
	}
}

// HandleShutdown waits briefly for runs holding backend slots to finish.
func (e *EventLoop) HandleShutdown() {
	e.daemon.log.Info().Msg("Waiting for active runs")

	if e.daemon.queue.WaitForActive(shutdownTimeout) {
		e.daemon.log.Info().Msg("All active runs completed")
	}
}
