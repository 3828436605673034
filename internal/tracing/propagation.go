package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// NewRunContext derives the context for an execution run. The trace ID and
// session are inherited from the parent; the run ID is always new. Nested
// runs get depth+1, the top-level run keeps depth 0.
func NewRunContext(ctx context.Context, agent string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	if GetRunID(ctx) != "" {
		ctx = WithDepth(ctx, GetDepth(ctx)+1)
	}
	ctx = WithRunID(ctx, NewRunID())
	return WithAgent(ctx, agent)
}

// LoggerFromContext returns baseLogger enriched with the tracing fields in ctx.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.Agent != "" {
		lc = lc.Str("agent", tc.Agent)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.Depth > 0 {
		lc = lc.Int("depth", tc.Depth)
	}
	return lc.Logger()
}

// Detach copies the tracing values of ctx onto a background context, for work
// that must outlive the request that started it.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := context.Background()
	if tc.TraceID != "" {
		out = WithTraceID(out, tc.TraceID)
	}
	if tc.RunID != "" {
		out = WithRunID(out, tc.RunID)
	}
	if tc.Agent != "" {
		out = WithAgent(out, tc.Agent)
	}
	if tc.SessionID != "" {
		out = WithSessionID(out, tc.SessionID)
	}
	if tc.Depth > 0 {
		out = WithDepth(out, tc.Depth)
	}
	return out
}
