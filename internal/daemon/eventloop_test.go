package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/pkg/agent"
)

func TestNewEventLoop(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	defer d.store.Close()

	eventLoop := NewEventLoop(d)
	assert.NotNil(t, eventLoop)
	assert.Equal(t, d, eventLoop.daemon)
	assert.Equal(t, maintenanceInterval, eventLoop.interval)
}

func TestEventLoopRun(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	defer d.store.Close()

	eventLoop := NewEventLoop(d)
	eventLoop.interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		eventLoop.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Event loop did not stop in time")
	}
}

func TestEventLoopProcessTasks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Retention = 24 * time.Hour
	d, _ := createTestDaemon(t, cfg)
	startDaemon(t, d)
	ctx := context.Background()

	out, err := d.Ask(ctx, "", "chat-1", "remember me")
	require.NoError(t, err)
	require.NoError(t, d.Store().RecordRun(ctx, &agent.RunResult{
		RunID:     "ancient",
		Agent:     "assistant",
		Status:    agent.StatusDone,
		StartedAt: time.Now().Add(-72 * time.Hour),
	}))
	assert.Contains(t, d.sessions.Lanes(), "session-chat-1")

	eventLoop := NewEventLoop(d)
	eventLoop.processTasks(ctx)

	assert.Empty(t, d.sessions.Lanes(), "idle session lanes are dropped")
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics().DedupEntries))

	_, err = d.Store().Get(ctx, "ancient")
	assert.Error(t, err, "runs past retention are pruned")
	_, err = d.Store().Get(ctx, out.RunID)
	assert.NoError(t, err)
}

func TestEventLoopHandleShutdown(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	defer d.store.Close()

	// Should not block with nothing in flight.
	start := time.Now()
	NewEventLoop(d).HandleShutdown()
	assert.Less(t, time.Since(start), time.Second)
}
