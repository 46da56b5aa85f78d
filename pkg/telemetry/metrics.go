package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unitDurationBuckets cover runs from one second to several hours.
var unitDurationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200, 14400}

// Metrics provides Prometheus metrics for benchlab.
// A Metrics built with metrics disabled records nothing, and every method is
// safe to call on it and on a nil *Metrics.
type Metrics struct {
	config MetricsConfig

	// Step metrics
	stepsCompleted *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec

	// Run unit metrics
	unitsCompleted *prometheus.CounterVec
	unitDuration   *prometheus.HistogramVec
	activeUnits    prometheus.Gauge
	queuedUnits    prometheus.Gauge

	// Scheduler metrics
	schedulerRetries *prometheus.CounterVec

	// Parse metrics
	parseWarnings *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Score metrics
	aggregateScore *prometheus.GaugeVec
	coverage       prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		stepsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "steps_completed_total",
				Help:      "Total number of pipeline steps completed",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "step_duration_seconds",
				Help:      "Duration of pipeline steps in seconds",
				Buckets:   unitDurationBuckets,
			},
			[]string{"step"},
		),

		unitsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "units_completed_total",
				Help:      "Total number of run units that reached a terminal status",
			},
			[]string{"environment", "status"},
		),
		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "unit_duration_seconds",
				Help:      "Wall-clock duration of run units in seconds",
				Buckets:   unitDurationBuckets,
			},
			[]string{"algorithm"},
		),
		activeUnits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "active_units",
				Help:      "Current number of executing run units",
			},
		),
		queuedUnits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "queued_units",
				Help:      "Current number of run units waiting for a worker or scheduler slot",
			},
		),

		schedulerRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "scheduler_retries_total",
				Help:      "Total number of retried batch scheduler operations",
			},
			[]string{"operation"},
		),

		parseWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "parse_warnings_total",
				Help:      "Total number of run units whose output could not be fully parsed",
			},
			[]string{"parser"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		aggregateScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "aggregate_ipc_score",
				Help:      "Aggregate IPC score per algorithm from the last report step",
			},
			[]string{"algorithm"},
		),
		coverage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "coverage_ratio",
				Help:      "Fraction of expected run units with status done",
			},
		),
	}

	registry.MustRegister(
		m.stepsCompleted,
		m.stepDuration,
		m.unitsCompleted,
		m.unitDuration,
		m.activeUnits,
		m.queuedUnits,
		m.schedulerRetries,
		m.parseWarnings,
		m.errorsByClass,
		m.aggregateScore,
		m.coverage,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Step Metrics

// RecordStep records a finished pipeline step.
func (m *Metrics) RecordStep(step, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsCompleted.WithLabelValues(step, status).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// Run Unit Metrics

// RecordUnitStarted marks one queued unit as executing.
func (m *Metrics) RecordUnitStarted() {
	if !m.enabled() {
		return
	}
	m.queuedUnits.Dec()
	m.activeUnits.Inc()
}

// RecordUnitCompleted records a unit that reached a terminal status.
func (m *Metrics) RecordUnitCompleted(environment, algorithm, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.unitsCompleted.WithLabelValues(environment, status).Inc()
	m.unitDuration.WithLabelValues(algorithm).Observe(duration.Seconds())
	m.activeUnits.Dec()
}

// SetQueuedUnits sets the number of units waiting to execute.
func (m *Metrics) SetQueuedUnits(count float64) {
	if !m.enabled() {
		return
	}
	m.queuedUnits.Set(count)
}

// RecordSchedulerRetry records a retried scheduler operation (submit or poll).
func (m *Metrics) RecordSchedulerRetry(operation string) {
	if !m.enabled() {
		return
	}
	m.schedulerRetries.WithLabelValues(operation).Inc()
}

// RecordParseWarning records a unit whose output a parser could not fully read.
func (m *Metrics) RecordParseWarning(parser string) {
	if !m.enabled() {
		return
	}
	m.parseWarnings.WithLabelValues(parser).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.enabled() || errorClass == "" {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Score Metrics

// SetAggregateScore publishes an algorithm's aggregate IPC score.
func (m *Metrics) SetAggregateScore(algorithm string, score float64) {
	if !m.enabled() {
		return
	}
	m.aggregateScore.WithLabelValues(algorithm).Set(score)
}

// SetCoverage publishes the fraction of expected units that are done.
func (m *Metrics) SetCoverage(ratio float64) {
	if !m.enabled() {
		return
	}
	m.coverage.Set(ratio)
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

// Registry returns the private registry, or nil if metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StartMetricsServer starts an HTTP server exposing metrics. Serve errors
// are reported through the logger.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return server
}
