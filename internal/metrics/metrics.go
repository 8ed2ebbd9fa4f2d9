// Package metrics exposes Prometheus metrics of analysis runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"macke/internal/backend"
)

var (
	// backendRuns counts finished backend invocations.
	// Labels: kind (symbolic, fuzz), phase (1, 2), outcome (ok, timeout, out_of_memory, failed)
	backendRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macke",
		Subsystem: "backend",
		Name:      "runs_total",
		Help:      "Finished backend runs by outcome",
	}, []string{"kind", "phase", "outcome"})

	backendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "macke",
		Subsystem: "backend",
		Name:      "duration_seconds",
		Help:      "Wall time of backend runs",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	}, []string{"kind", "phase"})

	// Labels: kind (isolated, propagated)
	registeredErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macke",
		Subsystem: "registry",
		Name:      "errors_total",
		Help:      "Errors added to the registry",
	}, []string{"kind"})

	// Labels: reason (malformed, empty_stack, ordering, blacklisted, other)
	droppedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macke",
		Subsystem: "registry",
		Name:      "dropped_errors_total",
		Help:      "Error reports that were not registered",
	}, []string{"reason"})

	chains = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "macke",
		Subsystem: "registry",
		Name:      "chains",
		Help:      "Error chains of the most recent run",
	})

	skippedEdges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "macke",
		Subsystem: "phase_two",
		Name:      "skipped_edges_total",
		Help:      "Call edges without errors to prepend",
	})

	// Labels: state (running, succeeded, failed, canceled)
	analyses = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "macke",
		Subsystem: "service",
		Name:      "analyses",
		Help:      "Analyses known to the service by state",
	}, []string{"state"})
)

// Outcome condenses a result into one label value.
func Outcome(r *backend.Result) string {
	switch {
	case r.Failed():
		return "failed"
	case r.Diagnostics.OutOfMemory:
		return "out_of_memory"
	case r.Diagnostics.OutOfTime:
		return "timeout"
	}
	return "ok"
}

// RecordBackendRun records a finished backend run of the given phase.
func RecordBackendRun(phase string, r *backend.Result) {
	kind := string(r.Kind)
	if kind == "" {
		kind = "unknown"
	}
	backendRuns.WithLabelValues(kind, phase, Outcome(r)).Inc()
	if r.Duration > 0 {
		backendDuration.WithLabelValues(kind, phase).Observe(r.Duration.Seconds())
	}
}

func RecordRegisteredError(propagated bool) {
	if propagated {
		registeredErrors.WithLabelValues("propagated").Inc()
	} else {
		registeredErrors.WithLabelValues("isolated").Inc()
	}
}

func RecordDroppedError(reason string) {
	droppedErrors.WithLabelValues(reason).Inc()
}

func SetChains(n int) {
	chains.Set(float64(n))
}

func RecordSkippedEdges(n int) {
	skippedEdges.Add(float64(n))
}

// SetAnalyses publishes the number of analyses per state.
func SetAnalyses(counts map[string]int) {
	for state, n := range counts {
		analyses.WithLabelValues(state).Set(float64(n))
	}
}
