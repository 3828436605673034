package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	m := NewMetrics()

	m.RecordAcquire("openai", "granted", 20*time.Millisecond)
	m.RecordAcquire("openai", "timeout", time.Second)
	m.SetQueueDepth("openai", 2, 5)
	m.RecordDedup(true, 1)
	m.RecordDedup(false, 1)
	m.RecordRun("helper", "done", 3, time.Second)
	m.RecordToolCall("end", "ok", time.Millisecond)
	m.RecordModelCall("openai", "ok", time.Second, 120, 30)
	m.RecordEvent("telegram", "duplicate")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueAcquireTotal.WithLabelValues("openai", "granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueAcquireTotal.WithLabelValues("openai", "timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueInFlight.WithLabelValues("openai")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.QueueWaiting.WithLabelValues("openai")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupDecisionsTotal.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("helper", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("end", "ok")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.ModelTokens.WithLabelValues("openai", "input")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.ModelTokens.WithLabelValues("openai", "output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("telegram", "duplicate")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAcquire("b", "granted", 0)
		m.SetQueueDepth("b", 0, 0)
		m.RecordDedup(true, 0)
		m.SetDedupEntries(0)
		m.RecordRun("a", "done", 1, 0)
		m.RecordToolCall("t", "ok", 0)
		m.RecordModelCall("b", "ok", 0, 0, 0)
		m.RecordEvent("c", "accepted")
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordRun("helper", "ceiling_reached", 10, time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `parley_runs_total{agent="helper",status="ceiling_reached"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestInstancesAreIsolated(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.RecordEvent("gateway", "accepted")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.EventsTotal.WithLabelValues("gateway", "accepted")))
}
