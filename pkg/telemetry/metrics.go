package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for the execution engine and the
// cloud controllers. A nil or disabled Metrics is a no-op.
type Metrics struct {
	config MetricsConfig

	// Action metrics
	actionsSubmitted     *prometheus.CounterVec
	actionsCompleted     *prometheus.CounterVec
	actionAttempts       *prometheus.HistogramVec
	actionDuration       *prometheus.HistogramVec
	lockWait             *prometheus.HistogramVec
	actionsRunning       prometheus.Gauge
	compensations        *prometheus.CounterVec
	compensationFailures *prometheus.CounterVec

	// Cloud metrics
	cloudCalls        *prometheus.CounterVec
	cloudCallDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		actionsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_submitted_total",
				Help:      "Total number of actions submitted",
			},
			[]string{"kind"},
		),
		actionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_completed_total",
				Help:      "Total number of actions that reached a terminal state",
			},
			[]string{"kind", "state"},
		),
		actionAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_attempts",
				Help:      "Number of core operation attempts per action",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
			[]string{"kind"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action workers in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"kind", "state"},
		),
		lockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for synchronization targets",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"kind"},
		),
		actionsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "actions_running",
				Help:      "Current number of running action workers",
			},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensations attempted",
			},
			[]string{"kind", "result"},
		),
		compensationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensation_failures_total",
				Help:      "Total number of failed compensations needing manual intervention",
			},
			[]string{"kind"},
		),

		cloudCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_calls_total",
				Help:      "Total number of cloud controller calls",
			},
			[]string{"operation", "result"},
		),
		cloudCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cloud_call_duration_seconds",
				Help:      "Duration of cloud controller calls in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.actionsSubmitted,
		m.actionsCompleted,
		m.actionAttempts,
		m.actionDuration,
		m.lockWait,
		m.actionsRunning,
		m.compensations,
		m.compensationFailures,
		m.cloudCalls,
		m.cloudCallDuration,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Action Metrics

// RecordActionSubmitted counts a submitted action.
func (m *Metrics) RecordActionSubmitted(kind string) {
	if !m.enabled() {
		return
	}
	m.actionsSubmitted.WithLabelValues(kind).Inc()
}

// RecordActionStarted marks a worker as running.
func (m *Metrics) RecordActionStarted() {
	if !m.enabled() {
		return
	}
	m.actionsRunning.Inc()
}

// RecordActionFinished records a worker that reached a terminal state.
func (m *Metrics) RecordActionFinished(kind, state string, attempts int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.actionsRunning.Dec()
	m.actionsCompleted.WithLabelValues(kind, state).Inc()
	m.actionAttempts.WithLabelValues(kind).Observe(float64(attempts))
	m.actionDuration.WithLabelValues(kind, state).Observe(duration.Seconds())
}

// RecordActionRejected records an action rejected before any worker ran.
func (m *Metrics) RecordActionRejected(kind string) {
	if !m.enabled() {
		return
	}
	m.actionsCompleted.WithLabelValues(kind, "rejected").Inc()
}

// RecordLockWait observes the time spent acquiring synchronization targets.
func (m *Metrics) RecordLockWait(kind string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.lockWait.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordCompensation records a compensation outcome.
func (m *Metrics) RecordCompensation(kind string, err error) {
	if !m.enabled() {
		return
	}
	if err != nil {
		m.compensations.WithLabelValues(kind, "failed").Inc()
		m.compensationFailures.WithLabelValues(kind).Inc()
		return
	}
	m.compensations.WithLabelValues(kind, "succeeded").Inc()
}

// Cloud Metrics

// RecordCloudCall records a cloud controller call with its outcome.
func (m *Metrics) RecordCloudCall(operation, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.cloudCalls.WithLabelValues(operation, result).Inc()
	m.cloudCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
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

// Serve exposes the metrics endpoint until ctx is done. It returns
// immediately when no listen address is configured.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
