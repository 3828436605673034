package channels

import (
	"context"
	"time"

	"github.com/harun/parley/pkg/agent"
)

// InboundMessage is the normalized event every channel hands to the engine.
type InboundMessage struct {
	Channel   string
	SessionID string
	Sender    string
	// MessageID is the transport's own message id, when it has one.
	MessageID string
	Content   string
	SentAt    time.Time
	// Agent selects the agent to run; empty means the channel default.
	Agent    string
	Metadata map[string]string
}

// Outcome is what the engine reports back for one inbound message.
// Accepted is false when the message was dropped as a duplicate.
type Outcome struct {
	Accepted bool
	Status   agent.Status
	Text     string
	RunID    string
	Err      error
}

// DispatchFunc routes an inbound message into the engine.
type DispatchFunc func(ctx context.Context, msg InboundMessage) Outcome

// Channel is an ingress transport (telegram, gateway, direct).
type Channel interface {
	Name() string
	Start(ctx context.Context, dispatch DispatchFunc) error
	Stop(ctx context.Context) error
}
