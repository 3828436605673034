package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventRequest is the body of POST /v1/events and of every websocket
// message.
type EventRequest struct {
	// ID is echoed on the websocket reply so clients can match answers.
	ID        string            `json:"id,omitempty"`
	SessionID string            `json:"session_id"`
	Sender    string            `json:"sender,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Content   string            `json:"content"`
	Agent     string            `json:"agent,omitempty"`
	SentAt    *time.Time        `json:"sent_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutcomeResponse reports what happened to one event.
type OutcomeResponse struct {
	ID       string `json:"id,omitempty"`
	Accepted bool   `json:"accepted"`
	Status   string `json:"status,omitempty"`
	Text     string `json:"text,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EventMessage is a server-initiated websocket message.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ClientInfo describes a connected websocket client.
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address"`
	Idle         bool      `json:"idle"`
}

// Client is a connected websocket client. Writes go through WriteJSON so
// replies from concurrent runs never interleave.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	writeMu sync.Mutex
}

// WriteJSON sends v as one text frame.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}
