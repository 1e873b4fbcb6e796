// Package metrics holds the Prometheus collectors for cache and evaluator
// activity. Collectors are registered on an explicit registerer so that
// independent pipelines (and tests) never share counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keygraph"

// Metrics groups every collector the engine updates.
type Metrics struct {
	TierHits        *prometheus.CounterVec
	TierMisses      *prometheus.CounterVec
	TierCorruptions *prometheus.CounterVec
	Computations    *prometheus.CounterVec
	ComputeFailures *prometheus.CounterVec
	ComputeSeconds  *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TierHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache lookups answered by a tier.",
		}, []string{"tier", "field"}),
		TierMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache lookups a tier could not answer.",
		}, []string{"tier", "field"}),
		TierCorruptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "corruptions_total",
			Help:      "Stored entries that failed verification.",
		}, []string{"tier"}),
		Computations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "computations_total",
			Help:      "Invocations of node logic.",
		}, []string{"field"}),
		ComputeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "compute_failures_total",
			Help:      "Invocations of node logic that returned an error.",
		}, []string{"field"}),
		ComputeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "compute_seconds",
			Help:      "Wall time spent in node logic.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"field"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TierHits,
			m.TierMisses,
			m.TierCorruptions,
			m.Computations,
			m.ComputeFailures,
			m.ComputeSeconds,
		)
	}
	return m
}

// Hit records a tier hit. It is safe to call on a nil *Metrics.
func (m *Metrics) Hit(tier, field string) {
	if m != nil {
		m.TierHits.WithLabelValues(tier, field).Inc()
	}
}

// Miss records a tier miss.
func (m *Metrics) Miss(tier, field string) {
	if m != nil {
		m.TierMisses.WithLabelValues(tier, field).Inc()
	}
}

// Corrupt records a corrupted entry.
func (m *Metrics) Corrupt(tier string) {
	if m != nil {
		m.TierCorruptions.WithLabelValues(tier).Inc()
	}
}

// Computed records one logic invocation and its duration.
func (m *Metrics) Computed(field string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.Computations.WithLabelValues(field).Inc()
	m.ComputeSeconds.WithLabelValues(field).Observe(seconds)
	if failed {
		m.ComputeFailures.WithLabelValues(field).Inc()
	}
}
