package commandqueue

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/parley/internal/metrics"
	"github.com/harun/parley/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "parley.commandqueue"

// Event types emitted by the queue.
const (
	EventAcquired  = "acquired"
	EventReleased  = "released"
	EventTimeout   = "timeout"
	EventCancelled = "cancelled"
)

// Task is a unit of work run while holding a slot.
type Task func(ctx context.Context) (interface{}, error)

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event describes one slot transition.
type Event struct {
	Type   string
	Lane   string
	SlotID uint64
	Wait   time.Duration
	Held   time.Duration
}

// Options configures a CommandQueue.
type Options struct {
	// DefaultConcurrency applies to lanes created on first use. Values below
	// one are treated as one.
	DefaultConcurrency int
	// Lanes pre-creates lanes with the given concurrency.
	Lanes   map[string]int
	Metrics *metrics.Metrics
}

// Slot is a granted unit of a lane's concurrency budget.
type Slot struct {
	id        uint64
	lane      string
	grantedAt time.Time
	released  atomic.Bool
	q         *CommandQueue
}

func (s *Slot) ID() uint64           { return s.id }
func (s *Slot) Lane() string         { return s.lane }
func (s *Slot) GrantedAt() time.Time { return s.grantedAt }

type waiterState int

const (
	waiting waiterState = iota
	granted
	abandoned
)

type waiter struct {
	ready      chan *Slot
	state      waiterState
	enqueuedAt time.Time
}

// laneState is guarded by mu. waiters is kept in arrival order.
type laneState struct {
	mu          sync.Mutex
	concurrency int
	waiters     []*waiter
	active      map[uint64]*Slot
	// pinned lanes were configured through SetConcurrency and survive
	// PruneIdle. removed is set once PruneIdle has dropped the lane.
	pinned  bool
	removed bool
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Concurrency int `json:"concurrency"`
	InFlight    int `json:"in_flight"`
	Waiting     int `json:"waiting"`
}

// CommandQueue holds one lane per backend identifier.
type CommandQueue struct {
	mu                 sync.RWMutex
	lanes              map[string]*laneState
	defaultConcurrency int
	closed             bool

	slotSeq atomic.Uint64
	metrics *metrics.Metrics

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a CommandQueue.
func New(opts Options) *CommandQueue {
	def := opts.DefaultConcurrency
	if def < 1 {
		def = 1
	}
	cq := &CommandQueue{
		lanes:              make(map[string]*laneState),
		defaultConcurrency: def,
		metrics:            opts.Metrics,
		eventHandlers:      make(map[string][]EventHandler),
	}
	for lane, n := range opts.Lanes {
		cq.SetConcurrency(lane, n)
	}
	return cq
}

func (cq *CommandQueue) lane(name string) (*laneState, bool) {
	cq.mu.RLock()
	ls, ok := cq.lanes[name]
	cq.mu.RUnlock()
	return ls, ok
}

// ensureLane creates a lane if it doesn't exist
func (cq *CommandQueue) ensureLane(name string) *laneState {
	if ls, ok := cq.lane(name); ok {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[name]; ok {
		return ls
	}
	ls := &laneState{
		concurrency: cq.defaultConcurrency,
		active:      make(map[uint64]*Slot),
	}
	cq.lanes[name] = ls
	log.Debug().Str("lane", name).Int("concurrency", ls.concurrency).Msg("Lane initialized")
	return ls
}

// Acquire blocks until a slot on lane is granted, timeout elapses or ctx is
// done. A timeout of zero or less waits without a deadline. The returned slot
// must be released exactly once.
func (cq *CommandQueue) Acquire(ctx context.Context, lane string, timeout time.Duration) (*Slot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.acquire", attribute.String("lane", lane))
	slot, err := cq.acquire(ctx, lane, timeout)
	if slot != nil {
		span.SetAttributes(attribute.Int64("slot_id", int64(slot.id)))
	}
	tracing.EndSpan(span, err)
	return slot, err
}

func (cq *CommandQueue) acquire(ctx context.Context, lane string, timeout time.Duration) (*Slot, error) {
	cq.mu.RLock()
	closed := cq.closed
	cq.mu.RUnlock()
	if closed {
		return nil, ErrQueueClosed
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()
	ls := cq.ensureLane(lane)
	start := time.Now()

	w := &waiter{ready: make(chan *Slot, 1), enqueuedAt: start}
	ls.mu.Lock()
	for ls.removed {
		ls.mu.Unlock()
		ls = cq.ensureLane(lane)
		ls.mu.Lock()
	}
	ls.waiters = append(ls.waiters, w)
	cq.grantLocked(lane, ls)
	immediate := w.state == granted
	position := len(ls.waiters)
	cq.recordDepthLocked(lane, ls)
	ls.mu.Unlock()

	if !immediate {
		logger.Debug().Int("position", position).Msg("Waiting for slot")
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case slot, ok := <-w.ready:
		if !ok {
			cq.metrics.RecordAcquire(lane, "closed", time.Since(start))
			return nil, ErrQueueClosed
		}
		wait := time.Since(start)
		cq.metrics.RecordAcquire(lane, "granted", wait)
		logger.Debug().Uint64("slot", slot.id).Dur("wait", wait).Msg("Slot granted")
		cq.emit(Event{Type: EventAcquired, Lane: lane, SlotID: slot.id, Wait: wait})
		return slot, nil

	case <-deadline:
		waitingLeft := cq.abandon(lane, ls, w)
		wait := time.Since(start)
		cq.metrics.RecordAcquire(lane, "timeout", wait)
		logger.Warn().Dur("timeout", timeout).Int("waiting", waitingLeft).Msg("Timed out waiting for slot")
		cq.emit(Event{Type: EventTimeout, Lane: lane, Wait: wait})
		return nil, &TimeoutError{Lane: lane, Timeout: timeout, Waiting: waitingLeft}

	case <-ctx.Done():
		cq.abandon(lane, ls, w)
		wait := time.Since(start)
		cq.metrics.RecordAcquire(lane, "cancelled", wait)
		logger.Debug().Err(ctx.Err()).Msg("Abandoned wait for slot")
		cq.emit(Event{Type: EventCancelled, Lane: lane, Wait: wait})
		return nil, ctx.Err()
	}
}

// abandon withdraws w from the lane. If the grant raced with the caller
// giving up, the slot is released so it passes to the next waiter. It
// returns the number of waiters left.
func (cq *CommandQueue) abandon(lane string, ls *laneState, w *waiter) int {
	ls.mu.Lock()
	switch w.state {
	case waiting:
		w.state = abandoned
		for i, other := range ls.waiters {
			if other == w {
				ls.waiters = append(ls.waiters[:i], ls.waiters[i+1:]...)
				break
			}
		}
		left := len(ls.waiters)
		cq.recordDepthLocked(lane, ls)
		ls.mu.Unlock()
		return left

	case granted:
		ls.mu.Unlock()
		if slot, ok := <-w.ready; ok && slot != nil {
			_ = cq.Release(slot)
		}
		ls.mu.Lock()
		left := len(ls.waiters)
		ls.mu.Unlock()
		return left

	default:
		left := len(ls.waiters)
		ls.mu.Unlock()
		return left
	}
}

// grantLocked hands free slots to waiters in arrival order. ls.mu must be held.
func (cq *CommandQueue) grantLocked(lane string, ls *laneState) {
	for len(ls.active) < ls.concurrency && len(ls.waiters) > 0 {
		w := ls.waiters[0]
		ls.waiters[0] = nil
		ls.waiters = ls.waiters[1:]

		slot := &Slot{
			id:        cq.slotSeq.Add(1),
			lane:      lane,
			grantedAt: time.Now(),
			q:         cq,
		}
		ls.active[slot.id] = slot
		w.state = granted
		w.ready <- slot
	}
}

func (cq *CommandQueue) recordDepthLocked(lane string, ls *laneState) {
	cq.metrics.SetQueueDepth(lane, len(ls.active), len(ls.waiters))
}

// Release returns slot to its lane and wakes the next waiter. Releasing a
// slot that was already released, or that belongs to another queue, returns
// an InvalidSlotError and leaves the lane untouched.
func (cq *CommandQueue) Release(slot *Slot) error {
	if slot == nil {
		return &InvalidSlotError{Reason: "nil slot"}
	}
	if slot.q != cq {
		err := &InvalidSlotError{Lane: slot.lane, SlotID: slot.id, Reason: "slot belongs to another queue"}
		log.Error().Err(err).Msg("Invalid slot release")
		return err
	}
	if !slot.released.CompareAndSwap(false, true) {
		err := &InvalidSlotError{Lane: slot.lane, SlotID: slot.id, Reason: "already released"}
		log.Error().Err(err).Msg("Invalid slot release")
		return err
	}

	ls, ok := cq.lane(slot.lane)
	if !ok {
		return &InvalidSlotError{Lane: slot.lane, SlotID: slot.id, Reason: "unknown lane"}
	}

	ls.mu.Lock()
	delete(ls.active, slot.id)
	cq.grantLocked(slot.lane, ls)
	cq.recordDepthLocked(slot.lane, ls)
	ls.mu.Unlock()

	held := time.Since(slot.grantedAt)
	log.Debug().Str("lane", slot.lane).Uint64("slot", slot.id).Dur("held", held).Msg("Slot released")
	cq.emit(Event{Type: EventReleased, Lane: slot.lane, SlotID: slot.id, Held: held})
	return nil
}

// Do runs fn while holding a slot on lane. The slot is released on every
// exit path, including a panic in fn, which is re-raised afterwards.
func (cq *CommandQueue) Do(ctx context.Context, lane string, timeout time.Duration, fn func(ctx context.Context) error) error {
	slot, err := cq.Acquire(ctx, lane, timeout)
	if err != nil {
		return err
	}
	defer cq.Release(slot)
	return fn(ctx)
}

// Enqueue runs task in lane and returns its result. It waits for a slot
// without a deadline; ctx cancellation abandons the wait.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	var value interface{}
	err := cq.Do(ctx, lane, 0, func(ctx context.Context) error {
		v, err := task(ctx)
		value = v
		return err
	})
	return value, err
}

// SetConcurrency updates the concurrency limit for a lane. Raising it grants
// slots to waiters immediately; lowering it takes effect as slots are released.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ls := cq.ensureLane(lane)

	ls.mu.Lock()
	for ls.removed {
		ls.mu.Unlock()
		ls = cq.ensureLane(lane)
		ls.mu.Lock()
	}
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.pinned = true
	cq.grantLocked(lane, ls)
	cq.recordDepthLocked(lane, ls)
	ls.mu.Unlock()

	if oldMax != concurrency {
		log.Info().
			Str("lane", lane).
			Int("oldMax", oldMax).
			Int("newMax", concurrency).
			Msg("Lane concurrency updated")
	}
}

// InFlight returns the number of granted and unreleased slots on lane.
func (cq *CommandQueue) InFlight(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.active)
}

// Waiting returns the number of callers waiting on lane.
func (cq *CommandQueue) Waiting(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.waiters)
}

// Stats returns statistics for all lanes
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats[name] = LaneStats{
			Concurrency: ls.concurrency,
			InFlight:    len(ls.active),
			Waiting:     len(ls.waiters),
		}
		ls.mu.Unlock()
	}
	return stats
}

// Lanes returns the lane names in sorted order.
func (cq *CommandQueue) Lanes() []string {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	names := make([]string, 0, len(cq.lanes))
	for name := range cq.lanes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PruneIdle drops lanes that were created on demand and hold neither slots
// nor waiters, and returns how many were dropped. A later Acquire on a
// dropped lane recreates it with the default concurrency.
func (cq *CommandQueue) PruneIdle() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	dropped := 0
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		if !ls.pinned && len(ls.active) == 0 && len(ls.waiters) == 0 {
			ls.removed = true
			delete(cq.lanes, name)
			dropped++
		}
		ls.mu.Unlock()
	}
	return dropped
}

// WaitForActive waits until no lane holds a slot, or timeout elapses.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		held := 0
		for _, s := range cq.Stats() {
			held += s.InFlight
		}
		if held == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Int("held", held).Msg("Timeout waiting for active slots")
			return false
		}
		<-ticker.C
	}
}

// Close fails every pending waiter with ErrQueueClosed and rejects further
// acquisitions. Slots already granted may still be released.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]*laneState, 0, len(cq.lanes))
	for _, ls := range cq.lanes {
		lanes = append(lanes, ls)
	}
	cq.mu.Unlock()

	failed := 0
	for _, ls := range lanes {
		ls.mu.Lock()
		for _, w := range ls.waiters {
			w.state = abandoned
			close(w.ready)
			failed++
		}
		ls.waiters = nil
		ls.mu.Unlock()
	}
	if failed > 0 {
		log.Info().Int("waiters", failed).Msg("Command queue closed with pending waiters")
	}
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type.
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	delete(cq.eventHandlers, eventType)
}

// emit calls handlers synchronously; no lane lock is held.
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
