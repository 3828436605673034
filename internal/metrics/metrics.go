package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Metrics holds the Prometheus collectors of one process. Every Record/Set
// method is safe to call on a nil *Metrics, so components may run without
// metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Request queue
	QueueAcquireTotal *prometheus.CounterVec
	QueueWaitSeconds  *prometheus.HistogramVec
	QueueInFlight     *prometheus.GaugeVec
	QueueWaiting      *prometheus.GaugeVec

	// Deduplicator
	DedupDecisionsTotal *prometheus.CounterVec
	DedupEntries        prometheus.Gauge

	// Execution runs
	RunsTotal       *prometheus.CounterVec
	RunRounds       *prometheus.HistogramVec
	RunDuration     *prometheus.HistogramVec
	ToolCallsTotal  *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	ModelCallsTotal *prometheus.CounterVec
	ModelDuration   *prometheus.HistogramVec
	ModelTokens     *prometheus.CounterVec

	// Ingress
	EventsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		QueueAcquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_acquire_total",
			Help:      "Slot acquisitions by backend and result (granted, timeout, cancelled, closed).",
		}, []string{"backend", "result"}),
		QueueWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting for a backend slot.",
			Buckets:   []float64{.001, .01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"backend"}),
		QueueInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_in_flight",
			Help:      "Granted and unreleased slots per backend.",
		}, []string{"backend"}),
		QueueWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_waiting",
			Help:      "Callers waiting for a slot per backend.",
		}, []string{"backend"}),

		DedupDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_decisions_total",
			Help:      "Deduplicator decisions (accepted, rejected).",
		}, []string{"decision"}),
		DedupEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_entries",
			Help:      "Fingerprints currently remembered by the deduplicator.",
		}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Execution runs by agent and final status.",
		}, []string{"agent", "status"}),
		RunRounds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_rounds",
			Help:      "Rounds performed per execution run.",
			Buckets:   prometheus.LinearBuckets(1, 1, 12),
		}, []string{"agent"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of execution runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool dispatches by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Duration of tool handler calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		ModelCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model calls by backend and status.",
		}, []string{"backend", "status"}),
		ModelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Latency of model calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		ModelTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Tokens reported by model backends.",
		}, []string{"backend", "direction"}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events by channel and outcome.",
		}, []string{"channel", "outcome"}),
	}

	m.registerMetrics()
	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.QueueAcquireTotal,
		m.QueueWaitSeconds,
		m.QueueInFlight,
		m.QueueWaiting,
		m.DedupDecisionsTotal,
		m.DedupEntries,
		m.RunsTotal,
		m.RunRounds,
		m.RunDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.ModelCallsTotal,
		m.ModelDuration,
		m.ModelTokens,
		m.EventsTotal,
	)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordAcquire(backend, result string, wait time.Duration) {
	if m == nil {
		return
	}
	m.QueueAcquireTotal.WithLabelValues(backend, result).Inc()
	m.QueueWaitSeconds.WithLabelValues(backend).Observe(wait.Seconds())
}

func (m *Metrics) SetQueueDepth(backend string, inFlight, waiting int) {
	if m == nil {
		return
	}
	m.QueueInFlight.WithLabelValues(backend).Set(float64(inFlight))
	m.QueueWaiting.WithLabelValues(backend).Set(float64(waiting))
}

func (m *Metrics) RecordDedup(accepted bool, entries int) {
	if m == nil {
		return
	}
	decision := "rejected"
	if accepted {
		decision = "accepted"
	}
	m.DedupDecisionsTotal.WithLabelValues(decision).Inc()
	m.DedupEntries.Set(float64(entries))
}

func (m *Metrics) SetDedupEntries(entries int) {
	if m == nil {
		return
	}
	m.DedupEntries.Set(float64(entries))
}

func (m *Metrics) RecordRun(agent, status string, rounds int, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(agent, status).Inc()
	m.RunRounds.WithLabelValues(agent).Observe(float64(rounds))
	m.RunDuration.WithLabelValues(agent).Observe(d.Seconds())
}

func (m *Metrics) RecordToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) RecordModelCall(backend, status string, d time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.ModelCallsTotal.WithLabelValues(backend, status).Inc()
	m.ModelDuration.WithLabelValues(backend).Observe(d.Seconds())
	if inputTokens > 0 {
		m.ModelTokens.WithLabelValues(backend, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ModelTokens.WithLabelValues(backend, "output").Add(float64(outputTokens))
	}
}

func (m *Metrics) RecordEvent(channel, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(channel, outcome).Inc()
}
