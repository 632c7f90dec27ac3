package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for cache backends, the scope
// registry and the read-through layer.
type Metrics struct {
	operationDuration  *prometheus.HistogramVec
	hitsTotal          *prometheus.CounterVec
	missesTotal        *prometheus.CounterVec
	evictionsTotal     *prometheus.CounterVec
	sizeGauge          *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	tagsRegistered     *prometheus.CounterVec
	invalidationsTotal *prometheus.CounterVec
	invalidatedKeys    prometheus.Counter
	dirtyScopes        prometheus.Gauge
	layerRequests      *prometheus.CounterVec
}

// NewMetrics creates cache metrics registered with the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates cache metrics registered with
// registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tenantgate"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "operation_duration_seconds",
				Help:      "Duration of cache backend operations in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"backend", "operation"},
		),
		hitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"backend"},
		),
		missesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"backend"},
		),
		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Total number of cache evictions",
			},
			[]string{"backend"},
		),
		sizeGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "size",
				Help:      "Current number of entries in the cache",
			},
			[]string{"backend"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total number of cache circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		tagsRegistered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "tag_registrations_total",
				Help:      "Total number of scope tag registrations by result",
			},
			[]string{"scope", "result"},
		),
		invalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "invalidations_total",
				Help:      "Total number of scope invalidations by result",
			},
			[]string{"scope", "result"},
		),
		invalidatedKeys: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "invalidated_keys_total",
				Help:      "Total number of cache keys removed by invalidation",
			},
		),
		dirtyScopes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "dirty_scopes",
				Help:      "Number of scopes bypassing the cache after a failed invalidation",
			},
		),
		layerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "layer_requests_total",
				Help:      "Total number of reads through the cache layer by result",
			},
			[]string{"model", "result"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.operationDuration, m.hitsTotal, m.missesTotal, m.evictionsTotal,
		m.sizeGauge, m.breakerTransitions, m.tagsRegistered,
		m.invalidationsTotal, m.invalidatedKeys, m.dirtyScopes, m.layerRequests,
	} {
		_ = registerer.Register(c)
	}

	return m
}

func (m *Metrics) observe(backend, op string, start time.Time) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) hit(backend string) {
	if m == nil {
		return
	}
	m.hitsTotal.WithLabelValues(backend).Inc()
}

func (m *Metrics) miss(backend string) {
	if m == nil {
		return
	}
	m.missesTotal.WithLabelValues(backend).Inc()
}

func (m *Metrics) evicted(backend string) {
	if m == nil {
		return
	}
	m.evictionsTotal.WithLabelValues(backend).Inc()
}

func (m *Metrics) size(backend string, n int) {
	if m == nil {
		return
	}
	m.sizeGauge.WithLabelValues(backend).Set(float64(n))
}

func (m *Metrics) breakerTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(name, from, to).Inc()
}

func (m *Metrics) tagRegistered(scope, result string) {
	if m == nil {
		return
	}
	m.tagsRegistered.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) invalidation(scope, result string, keys int) {
	if m == nil {
		return
	}
	m.invalidationsTotal.WithLabelValues(scope, result).Inc()
	m.invalidatedKeys.Add(float64(keys))
}

func (m *Metrics) setDirty(n int) {
	if m == nil {
		return
	}
	m.dirtyScopes.Set(float64(n))
}

func (m *Metrics) layer(model, result string) {
	if m == nil {
		return
	}
	m.layerRequests.WithLabelValues(model, result).Inc()
}
