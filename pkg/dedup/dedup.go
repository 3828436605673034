// Package dedup filters repeated inbound events inside a sliding window.
//
// It is a best-effort guard against double delivery and floods, not an
// idempotence guarantee: a repeat arriving after the window is accepted.
package dedup

import (
	"fmt"
	"sync"
	"time"

	"github.com/harun/parley/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Deduplicator remembers when each fingerprint was first accepted.
type Deduplicator struct {
	window time.Duration

	mu      sync.Mutex
	entries map[string]time.Time

	metrics *metrics.Metrics
	sweeper *cron.Cron
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Deduplicator) { d.metrics = m }
}

// New creates a Deduplicator. A non-positive window defaults to five seconds.
func New(window time.Duration, opts ...Option) *Deduplicator {
	if window <= 0 {
		window = 5 * time.Second
	}
	d := &Deduplicator{
		window:  window,
		entries: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Window returns the configured window.
func (d *Deduplicator) Window() time.Duration { return d.window }

// Accept reports whether fingerprint is new within the window ending at now.
// The first sighting is remembered; repeats inside the window are rejected
// and do not extend it.
func (d *Deduplicator) Accept(fingerprint string, now time.Time) bool {
	d.mu.Lock()
	seen, ok := d.entries[fingerprint]
	if ok && now.Sub(seen) < d.window {
		size := len(d.entries)
		d.mu.Unlock()
		d.metrics.RecordDedup(false, size)
		return false
	}
	d.entries[fingerprint] = now
	size := len(d.entries)
	d.mu.Unlock()

	d.metrics.RecordDedup(true, size)
	return true
}

// Size returns the number of remembered fingerprints, expired ones included.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Sweep evicts every entry older than the window and returns how many were
// removed.
func (d *Deduplicator) Sweep(now time.Time) int {
	d.mu.Lock()
	removed := 0
	for fp, seen := range d.entries {
		if now.Sub(seen) >= d.window {
			delete(d.entries, fp)
			removed++
		}
	}
	size := len(d.entries)
	d.mu.Unlock()

	d.metrics.SetDedupEntries(size)
	return removed
}

// StartSweeper runs Sweep on the given cron schedule (for example
// "@every 1m") until Stop. An empty schedule leaves eviction to Accept.
func (d *Deduplicator) StartSweeper(schedule string) error {
	if schedule == "" {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if n := d.Sweep(time.Now()); n > 0 {
			log.Debug().Int("evicted", n).Msg("Dedup sweep")
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	d.mu.Lock()
	if d.sweeper != nil {
		d.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	d.sweeper = c
	d.mu.Unlock()

	c.Start()
	log.Debug().Str("schedule", schedule).Dur("window", d.window).Msg("Dedup sweeper started")
	return nil
}

// Stop halts the sweeper, if running.
func (d *Deduplicator) Stop() {
	d.mu.Lock()
	c := d.sweeper
	d.sweeper = nil
	d.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
