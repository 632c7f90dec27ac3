package rbac

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for role resolution.
type Metrics struct {
	resolutionTotal *prometheus.CounterVec
	reloadTotal     *prometheus.CounterVec
	roleCount       prometheus.Gauge
}

// NewMetrics creates metrics registered with the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates metrics registered with registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tenantgate"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		resolutionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rbac",
				Name:      "resolution_total",
				Help:      "Total number of principal role resolutions",
			},
			[]string{"result"},
		),
		reloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rbac",
				Name:      "reload_total",
				Help:      "Total number of tenant role snapshot reloads",
			},
			[]string{"result"},
		),
		roleCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rbac",
				Name:      "bootstrap_roles",
				Help:      "Number of bootstrap role definitions",
			},
		),
	}

	_ = registerer.Register(m.resolutionTotal)
	_ = registerer.Register(m.reloadTotal)
	_ = registerer.Register(m.roleCount)

	for _, r := range []string{"resolved", "unresolved"} {
		m.resolutionTotal.WithLabelValues(r)
	}
	for _, r := range []string{"success", "error", "invalid"} {
		m.reloadTotal.WithLabelValues(r)
	}

	return m
}

// RecordResolution counts a resolution.
func (m *Metrics) RecordResolution(resolved bool) {
	if m == nil {
		return
	}
	result := "unresolved"
	if resolved {
		result = "resolved"
	}
	m.resolutionTotal.WithLabelValues(result).Inc()
}

// RecordReload counts a reload attempt.
func (m *Metrics) RecordReload(result string) {
	if m == nil {
		return
	}
	m.reloadTotal.WithLabelValues(result).Inc()
}

// SetRoleCount sets the bootstrap role gauge.
func (m *Metrics) SetRoleCount(n int) {
	if m == nil {
		return
	}
	m.roleCount.Set(float64(n))
}
