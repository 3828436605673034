package commandqueue

import (
	"errors"
	"fmt"
	"time"
)

// ErrQueueClosed is returned to callers waiting on, or arriving at, a closed queue.
var ErrQueueClosed = errors.New("command queue closed")

// TimeoutError reports that no slot became free within the caller's timeout.
type TimeoutError struct {
	Lane    string
	Timeout time.Duration
	Waiting int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for a slot on lane %q (%d still waiting)", e.Timeout, e.Lane, e.Waiting)
}

// InvalidSlotError reports a release of a slot that is not held, most often
// a double release. It signals a programming error in the caller.
type InvalidSlotError struct {
	Lane   string
	SlotID uint64
	Reason string
}

func (e *InvalidSlotError) Error() string {
	if e.Lane == "" {
		return "invalid slot: " + e.Reason
	}
	return fmt.Sprintf("invalid slot %d on lane %q: %s", e.SlotID, e.Lane, e.Reason)
}
