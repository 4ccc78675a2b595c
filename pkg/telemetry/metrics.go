package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the plan engine and admin API.
// A nil or disabled Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Plan metrics
	plansCreated    prometheus.Counter
	plansRunning    prometheus.Gauge
	dispatches      *prometheus.CounterVec
	retries         *prometheus.CounterVec
	holds           *prometheus.CounterVec
	phaseCompletion *prometheus.CounterVec

	// Store metrics
	commits        *prometheus.CounterVec
	commitDuration prometheus.Histogram

	// API metrics
	httpRequests *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_created_total",
				Help:      "Total number of plans created",
			},
		),
		plansRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plans_running",
				Help:      "Current number of plans with an in-memory run",
			},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of phase invocations",
			},
			[]string{"phase"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of transient phase failures",
			},
			[]string{"phase"},
		),
		holds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "holds_total",
				Help:      "Total number of plans put on hold",
			},
			[]string{"phase"},
		),
		phaseCompletion: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_completions_total",
				Help:      "Total number of phases finished",
			},
			[]string{"phase"},
		),
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_total",
				Help:      "Total number of plan commit attempts by result",
			},
			[]string{"result"},
		),
		commitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_duration_seconds",
				Help:      "Duration of successful plan commits in seconds, including retries",
				Buckets:   buckets,
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of admin API requests",
			},
			[]string{"method", "route", "code"},
		),
	}

	registry.MustRegister(
		m.plansCreated,
		m.plansRunning,
		m.dispatches,
		m.retries,
		m.holds,
		m.phaseCompletion,
		m.commits,
		m.commitDuration,
		m.httpRequests,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordPlanCreated increments the plan creation counter.
func (m *Metrics) RecordPlanCreated() {
	if !m.enabled() {
		return
	}
	m.plansCreated.Inc()
}

// SetPlansRunning sets the number of in-memory plan runs.
func (m *Metrics) SetPlansRunning(count int) {
	if !m.enabled() {
		return
	}
	m.plansRunning.Set(float64(count))
}

// RecordDispatch records a phase invocation.
func (m *Metrics) RecordDispatch(phase string) {
	if !m.enabled() {
		return
	}
	m.dispatches.WithLabelValues(phase).Inc()
}

// RecordRetry records a transient phase failure.
func (m *Metrics) RecordRetry(phase string) {
	if !m.enabled() {
		return
	}
	m.retries.WithLabelValues(phase).Inc()
}

// RecordHold records a plan being put on hold.
func (m *Metrics) RecordHold(phase string) {
	if !m.enabled() {
		return
	}
	m.holds.WithLabelValues(phase).Inc()
}

// RecordPhaseCompleted records a finished phase.
func (m *Metrics) RecordPhaseCompleted(phase string) {
	if !m.enabled() {
		return
	}
	m.phaseCompletion.WithLabelValues(phase).Inc()
}

// RecordCommit records one commit attempt. A successful commit also observes
// the total time spent, retries included.
func (m *Metrics) RecordCommit(result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.commits.WithLabelValues(result).Inc()
	if result == "ok" {
		m.commitDuration.Observe(duration.Seconds())
	}
}

// RecordHTTPRequest records an admin API request.
func (m *Metrics) RecordHTTPRequest(method, route string, code int) {
	if !m.enabled() {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
