// Package commandqueue bounds concurrent access to shared backends.
//
// Each lane (one per backend identifier) owns a fixed number of slots.
// Callers acquire a slot, do their work and release it; callers that find
// every slot taken wait in arrival order.
//
// Invariants:
// - The number of granted and unreleased slots in a lane never exceeds its
//   concurrency.
// - Waiters of one lane are granted slots in FIFO order. Lanes are
//   independent of each other.
// - A waiter that times out or is cancelled never keeps a slot.
// - Releasing a slot twice is reported as an InvalidSlotError.
//
// Usage:
//
//	q := commandqueue.New(commandqueue.Options{Lanes: map[string]int{"openai": 2}})
//	defer q.Close()
//	err := q.Do(ctx, "openai", 30*time.Second, func(ctx context.Context) error {
//		return callModel(ctx)
//	})
package commandqueue
