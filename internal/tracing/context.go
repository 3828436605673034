package tracing

import (
	"context"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey carries the id of one inbound event across all nested runs.
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey carries the id of the current execution run.
	RunIDKey ContextKey = "run_id"
	// AgentKey carries the name of the agent driving the current run.
	AgentKey ContextKey = "agent"
	// SessionKey carries the chat session the event belongs to.
	SessionKey ContextKey = "session_id"
	// DepthKey carries the nesting depth of agent-as-tool runs.
	DepthKey ContextKey = "depth"
)

const runIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// TraceContext is a snapshot of the tracing values stored in a context.
type TraceContext struct {
	TraceID   string
	RunID     string
	Agent     string
	SessionID string
	Depth     int
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a short run ID suitable for log lines and store keys.
func NewRunID() string {
	id, err := gonanoid.Generate(runIDAlphabet, 12)
	if err != nil {
		return uuid.New().String()
	}
	return "run_" + id
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, AgentKey, agent)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionKey, sessionID)
}

// WithDepth records the agent nesting depth. The top-level run has depth 0.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, DepthKey, depth)
}

func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func GetRunID(ctx context.Context) string {
	v, _ := ctx.Value(RunIDKey).(string)
	return v
}

func GetAgent(ctx context.Context) string {
	v, _ := ctx.Value(AgentKey).(string)
	return v
}

func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionKey).(string)
	return v
}

// GetDepth returns the nesting depth, or 0 when none was recorded.
func GetDepth(ctx context.Context) int {
	v, _ := ctx.Value(DepthKey).(int)
	return v
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) TraceContext {
	return TraceContext{
		TraceID:   GetTraceID(ctx),
		RunID:     GetRunID(ctx),
		Agent:     GetAgent(ctx),
		SessionID: GetSessionID(ctx),
		Depth:     GetDepth(ctx),
	}
}

// NewEventContext starts a fresh trace for an inbound event.
func NewEventContext(ctx context.Context, sessionID string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	if sessionID != "" {
		ctx = WithSessionID(ctx, sessionID)
	}
	return ctx
}
