// Package metrics holds the Prometheus collectors for the session plane.
// Collectors live on a private registry served at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sandboxd"

var (
	// Registry is the registry every collector below is registered on.
	Registry = prometheus.NewRegistry()

	// SessionTransitions counts lifecycle transitions by target status.
	SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_transitions_total",
		Help:      "Session lifecycle transitions by target status.",
	}, []string{"status"})

	// Executions counts executions by path (session, oneshot) and outcome.
	Executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Agent executions by path and outcome.",
	}, []string{"path", "outcome"})

	// ExecutionDuration observes execution wall time in seconds.
	ExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Wall time of agent executions.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"path"})

	// SandboxRecoveries counts how a missing sandbox handle was recovered.
	SandboxRecoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_recoveries_total",
		Help:      "Recoveries of missing sandbox handles by method (reconnect, recreate, resume).",
	}, []string{"method"})

	// LiveSandboxes is the number of sandbox handles cached in process.
	LiveSandboxes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_sandboxes",
		Help:      "Sandbox handles held by the session manager.",
	})

	// ActivityDropped counts activity entries dropped because the writer queue was full or the write failed.
	ActivityDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "activity_dropped_total",
		Help:      "Activity log entries that could not be persisted.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionTransitions,
		Executions,
		ExecutionDuration,
		SandboxRecoveries,
		LiveSandboxes,
		ActivityDropped,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Outcome maps a success flag to the outcome label value.
func Outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
