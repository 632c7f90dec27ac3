package authz

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains authorization metrics.
type Metrics struct {
	// decisionTotal counts authorization decisions by result and deciding
	// layer.
	decisionTotal *prometheus.CounterVec

	// evaluationDuration measures end-to-end Authorize duration.
	evaluationDuration *prometheus.HistogramVec

	// cacheHits counts decision cache hits.
	cacheHits prometheus.Counter

	// cacheMisses counts decision cache misses.
	cacheMisses prometheus.Counter
}

// NewMetrics creates new authorization metrics.
// Metrics are registered with prometheus.DefaultRegisterer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates a new Metrics instance with a custom registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tenantgate"
	}

	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{}

	m.decisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "decision_total",
			Help:      "Total number of authorization decisions",
		},
		[]string{"result", "layer"},
	)

	m.evaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "evaluation_duration_seconds",
			Help:      "Authorization evaluation duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"result"},
	)

	m.cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "cache_hits_total",
			Help:      "Total number of authorization decision cache hits",
		},
	)

	m.cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "cache_misses_total",
			Help:      "Total number of authorization decision cache misses",
		},
	)

	// Registration errors mean the collector already exists on registerer.
	_ = registerer.Register(m.decisionTotal)
	_ = registerer.Register(m.evaluationDuration)
	_ = registerer.Register(m.cacheHits)
	_ = registerer.Register(m.cacheMisses)

	m.Init()

	return m
}

// Init pre-populates the label combinations so they are exported before
// the first decision.
func (m *Metrics) Init() {
	if m == nil {
		return
	}
	for _, result := range []string{"allowed", "denied", "error"} {
		m.evaluationDuration.WithLabelValues(result)
	}
	m.decisionTotal.WithLabelValues("allowed", ReasonABAC)
	m.decisionTotal.WithLabelValues("denied", ReasonABAC)
	m.decisionTotal.WithLabelValues("denied", ReasonRBAC)
	m.decisionTotal.WithLabelValues("error", ReasonError)
}

// RecordDecision records an authorization decision.
func (m *Metrics) RecordDecision(result, layer string, duration time.Duration) {
	if m == nil {
		return
	}
	m.decisionTotal.WithLabelValues(result, layer).Inc()
	m.evaluationDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordCacheHit records a decision cache hit.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordCacheMiss records a decision cache miss.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}
