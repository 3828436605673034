package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrChannelStopped is returned by Submit on a channel that is not running.
var ErrChannelStopped = errors.New("channel is not running")

// DirectChannel is an in-process channel for programmatic ingress such as
// the CLI.
type DirectChannel struct {
	name string

	mu       sync.RWMutex
	dispatch DispatchFunc
}

// NewDirectChannel creates a direct channel by name.
func NewDirectChannel(name string) *DirectChannel {
	return &DirectChannel{name: strings.TrimSpace(name)}
}

// Name returns channel name.
func (c *DirectChannel) Name() string {
	return c.name
}

// Start keeps the dispatcher for later Submit calls.
func (c *DirectChannel) Start(_ context.Context, dispatch DispatchFunc) error {
	if c.name == "" {
		return fmt.Errorf("channel name is required")
	}
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	c.mu.Lock()
	c.dispatch = dispatch
	c.mu.Unlock()
	return nil
}

// Stop detaches the dispatcher.
func (c *DirectChannel) Stop(_ context.Context) error {
	c.mu.Lock()
	c.dispatch = nil
	c.mu.Unlock()
	return nil
}

// Submit dispatches msg as if it arrived on this channel.
func (c *DirectChannel) Submit(ctx context.Context, msg InboundMessage) Outcome {
	c.mu.RLock()
	dispatch := c.dispatch
	c.mu.RUnlock()
	if dispatch == nil {
		return Outcome{Err: ErrChannelStopped}
	}

	msg.Channel = c.name
	return dispatch(ctx, msg)
}
