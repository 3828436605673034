// Package observability records an append-only audit trail of what the
// engine accepted, refused and ran.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/agent"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"` // sender or agent name
	Action    string         `json:"action"`          // e.g. "run", "duplicate_dropped"
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// AuditLogger writes one JSON line per event. A nil AuditLogger discards
// everything, so callers need no guard.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var _ agent.RunRecorder = (*AuditLogger)(nil)

// NewAuditLogger appends to the file at path, creating parent directories.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a := NewAuditWriter(file)
	a.closer = file
	return a, nil
}

// NewAuditWriter writes audit events to w.
func NewAuditWriter(w io.Writer) *AuditLogger {
	return &AuditLogger{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Record emits an audit event and mirrors it onto the active span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		if event.TraceID == "" {
			event.TraceID = span.SpanContext().TraceID().String()
		}
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("at", event.Timestamp).
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("trace_id", event.TraceID)
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// RecordRun audits a finished run.
func (a *AuditLogger) RecordRun(ctx context.Context, res *agent.RunResult) error {
	if a == nil || res == nil {
		return nil
	}
	meta := map[string]any{
		"run_id":        res.RunID,
		"iterations":    res.Iterations,
		"tool_calls":    res.ToolCalls,
		"depth":         res.Depth,
		"input_tokens":  res.Usage.InputTokens,
		"output_tokens": res.Usage.OutputTokens,
		"duration_ms":   res.Duration.Milliseconds(),
	}
	if res.SessionID != "" {
		meta["session_id"] = res.SessionID
	}
	if res.Error != "" {
		meta["error"] = res.Error
	}
	a.Record(ctx, AuditEvent{
		Type:     "run",
		Actor:    res.Agent,
		Action:   "run",
		Status:   string(res.Status),
		Metadata: meta,
	})
	return nil
}

// RecordEvent audits an ingress decision that never reached a run, such as
// a dropped duplicate or a blocked message.
func (a *AuditLogger) RecordEvent(ctx context.Context, channel, sender, action string, metadata map[string]any) {
	if a == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["channel"] = channel
	a.Record(ctx, AuditEvent{
		Type:     "ingress",
		Actor:    sender,
		Action:   action,
		Status:   "rejected",
		Metadata: metadata,
	})
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
