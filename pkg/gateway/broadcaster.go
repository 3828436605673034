package gateway

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventBroadcaster sends lifecycle events to every connected client.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all clients and reports how many received it.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) int {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       int64(atomic.AddUint64(&b.seq, 1)),
	}

	clients := b.clients.GetAll()
	if len(clients) == 0 {
		return 0
	}

	sent := 0
	for _, client := range clients {
		if err := client.WriteJSON(msg); err != nil {
			b.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("event", event).
				Msg("Failed to broadcast to client")
			continue
		}
		sent++
	}

	b.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("sent", sent).
		Int("failed", len(clients)-sent).
		Msg("Event broadcast complete")
	return sent
}
