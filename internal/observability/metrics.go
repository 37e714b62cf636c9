// Package observability registers process-wide Prometheus metrics for the
// orchestration core.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	turnErrors   *prometheus.CounterVec

	tokensTotal *prometheus.CounterVec

	activeSessions    prometheus.Gauge
	stateSaveDuration prometheus.Histogram
	stateLoadDuration prometheus.Histogram

	workingMemoryEntries prometheus.Gauge
	sweepRunsTotal       prometheus.Counter
	sweepEvictedTotal    prometheus.Counter

	toolCallTotal    *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total turns by provider and status.",
				},
				[]string{"provider", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Turn duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			turnErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_errors_total",
					Help: "Total turn errors by error code.",
				},
				[]string{"code"},
			),
			tokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tokens_total",
					Help: "Total tokens consumed by direction (prompt or completion).",
				},
				[]string{"direction"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current session state record count.",
				},
			),
			stateSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "state_save_duration_seconds",
					Help:    "Session state save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			stateLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "state_load_duration_seconds",
					Help:    "Session state load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			workingMemoryEntries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "working_memory_entries",
					Help: "Current working-memory entry count.",
				},
			),
			sweepRunsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_sweep_runs_total",
					Help: "Total working-memory sweep runs.",
				},
			),
			sweepEvictedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_sweep_evicted_total",
					Help: "Total entries evicted by the working-memory sweep.",
				},
			),
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_call_total",
					Help: "Total tool calls by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_call_duration_seconds",
					Help:    "Tool call duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
		}

		prometheus.MustRegister(
			m.turnTotal,
			m.turnDuration,
			m.turnErrors,
			m.tokensTotal,
			m.activeSessions,
			m.stateSaveDuration,
			m.stateLoadDuration,
			m.workingMemoryEntries,
			m.sweepRunsTotal,
			m.sweepEvictedTotal,
			m.toolCallTotal,
			m.toolCallDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the HTTP handler serving the metrics endpoint.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordTurn(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.turnTotal.WithLabelValues(provider, status).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordTurnError(code string) {
	getMetrics().turnErrors.WithLabelValues(code).Inc()
}

func AddTokens(promptTokens, completionTokens int) {
	m := getMetrics()
	m.tokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	m.tokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordStateSave(duration time.Duration) {
	getMetrics().stateSaveDuration.Observe(duration.Seconds())
}

func RecordStateLoad(duration time.Duration) {
	getMetrics().stateLoadDuration.Observe(duration.Seconds())
}

func SetWorkingMemoryEntries(count int) {
	getMetrics().workingMemoryEntries.Set(float64(count))
}

func RecordSweep(evicted int) {
	m := getMetrics()
	m.sweepRunsTotal.Inc()
	m.sweepEvictedTotal.Add(float64(evicted))
}

func RecordToolCall(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolCallTotal.WithLabelValues(tool, status).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
