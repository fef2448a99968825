// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	lifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_lifecycle_transitions_total",
			Help: "Lifecycle operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	instanceRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_instance_running",
			Help: "1 while the long-lived instance slot is held",
		},
	)

	executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_executions_total",
			Help: "Ephemeral executions by result",
		},
		[]string{"result"},
	)

	executionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_execution_duration_seconds",
			Help:    "Wall time of ephemeral executions",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	executionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_executions_in_flight",
			Help: "Ephemeral executions currently running or waiting for a slot",
		},
	)

	logLinesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_log_lines_dropped_total",
			Help: "Instance output lines discarded because the log buffer was full",
		},
	)
)

// RecordTransition counts a lifecycle operation outcome.
func RecordTransition(operation, result string) {
	lifecycleTransitions.WithLabelValues(operation, result).Inc()
}

func SetInstanceRunning(running bool) {
	if running {
		instanceRunning.Set(1)
		return
	}
	instanceRunning.Set(0)
}

// ExecutionStarted marks an execution in flight and returns the func that
// records its outcome.
func ExecutionStarted() func(result string) {
	executionsInFlight.Inc()
	started := time.Now()
	return func(result string) {
		executionsInFlight.Dec()
		executions.WithLabelValues(result).Inc()
		executionDuration.Observe(time.Since(started).Seconds())
	}
}

func RecordLogLinesDropped(n int) {
	logLinesDropped.Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
