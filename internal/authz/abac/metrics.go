package abac

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for ABAC operations.
type Metrics struct {
	evaluationTotal    *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	policyCount        prometheus.Gauge
	reloadTotal        *prometheus.CounterVec
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
		evaluationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "abac",
				Name:      "evaluations_total",
				Help:      "Total number of ABAC evaluations",
			},
			[]string{"decision"},
		),
		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "abac",
				Name:      "evaluation_duration_seconds",
				Help:      "ABAC evaluation duration in seconds",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .025},
			},
		),
		policyCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "abac",
				Name:      "policies_loaded",
				Help:      "Number of policies in the current snapshot",
			},
		),
		reloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "abac",
				Name:      "reload_total",
				Help:      "Total number of policy snapshot reloads",
			},
			[]string{"result"},
		),
	}

	_ = registerer.Register(m.evaluationTotal)
	_ = registerer.Register(m.evaluationDuration)
	_ = registerer.Register(m.policyCount)
	_ = registerer.Register(m.reloadTotal)

	m.Init()

	return m
}

// Init pre-populates label values.
func (m *Metrics) Init() {
	if m == nil {
		return
	}
	for _, d := range []string{"allow", "deny"} {
		m.evaluationTotal.WithLabelValues(d)
	}
	for _, r := range []string{"success", "error", "invalid"} {
		m.reloadTotal.WithLabelValues(r)
	}
}

// RecordEvaluation records one evaluation.
func (m *Metrics) RecordEvaluation(allowed bool, duration time.Duration) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.evaluationTotal.WithLabelValues(decision).Inc()
	m.evaluationDuration.Observe(duration.Seconds())
}

// SetPolicyCount sets the loaded policy gauge.
func (m *Metrics) SetPolicyCount(n int) {
	if m == nil {
		return
	}
	m.policyCount.Set(float64(n))
}

// RecordReload counts a reload attempt by result.
func (m *Metrics) RecordReload(result string) {
	if m == nil {
		return
	}
	m.reloadTotal.WithLabelValues(result).Inc()
}
