package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDs(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())

	a, b := NewRunID(), NewRunID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "run_"))
	assert.Len(t, a, len("run_")+12)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, TraceContext{}, FromContext(ctx))

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithAgent(ctx, "helper")
	ctx = WithSessionID(ctx, "chat:42")
	ctx = WithDepth(ctx, 2)

	assert.Equal(t, TraceContext{
		TraceID:   "trace-1",
		RunID:     "run-1",
		Agent:     "helper",
		SessionID: "chat:42",
		Depth:     2,
	}, FromContext(ctx))
}

func TestNewRunContext(t *testing.T) {
	t.Run("top level run keeps depth zero", func(t *testing.T) {
		ctx := NewRunContext(NewEventContext(context.Background(), "chat:1"), "root")

		assert.NotEmpty(t, GetTraceID(ctx))
		assert.NotEmpty(t, GetRunID(ctx))
		assert.Equal(t, "root", GetAgent(ctx))
		assert.Equal(t, "chat:1", GetSessionID(ctx))
		assert.Equal(t, 0, GetDepth(ctx))
	})

	t.Run("nested run inherits trace and increments depth", func(t *testing.T) {
		parent := NewRunContext(context.Background(), "root")
		child := NewRunContext(parent, "researcher")

		assert.Equal(t, GetTraceID(parent), GetTraceID(child))
		assert.NotEqual(t, GetRunID(parent), GetRunID(child))
		assert.Equal(t, "researcher", GetAgent(child))
		assert.Equal(t, 1, GetDepth(child))
		assert.Equal(t, 2, GetDepth(NewRunContext(child, "leaf")))
	})
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithDepth(WithAgent(WithRunID(WithTraceID(context.Background(), "t"), "r"), "a"), 1)
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "t", line["trace_id"])
	assert.Equal(t, "r", line["run_id"])
	assert.Equal(t, "a", line["agent"])
	assert.EqualValues(t, 1, line["depth"])
	assert.NotContains(t, line, "session_id")
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithSessionID(WithTraceID(context.Background(), "t"), "s"))
	cancel()

	detached := Detach(parent)
	assert.NoError(t, detached.Err())
	assert.Equal(t, "t", GetTraceID(detached))
	assert.Equal(t, "s", GetSessionID(detached))
}

func TestStartSpanSetsTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("parley-test", 1))

	ctx, span := StartSpan(context.Background(), "parley.test", "unit")
	EndSpan(span, errors.New("boom"))
	assert.NotEmpty(t, GetTraceID(ctx))

	ctx = WithTraceID(context.Background(), "fixed")
	ctx, span = StartSpan(ctx, "parley.test", "unit")
	EndSpan(span, nil)
	assert.Equal(t, "fixed", GetTraceID(ctx))
}
