package tenant

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the tenant scope guard.
type Metrics struct {
	operationsTotal *prometheus.CounterVec
	violationsTotal *prometheus.CounterVec
	stampedTotal    *prometheus.CounterVec
}

// NewMetrics creates guard metrics registered with the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates guard metrics registered with
// registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tenantgate"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tenant",
				Name:      "operations_total",
				Help:      "Total number of guarded persistence operations",
			},
			[]string{"model", "kind", "result"},
		),
		violationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tenant",
				Name:      "scope_violations_total",
				Help:      "Total number of rejected tenant scope violations",
			},
			[]string{"model", "reason"},
		),
		stampedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tenant",
				Name:      "stamped_fields_total",
				Help:      "Total number of compliance fields stamped from entity defaults",
			},
			[]string{"field"},
		),
	}

	_ = registerer.Register(m.operationsTotal)
	_ = registerer.Register(m.violationsTotal)
	_ = registerer.Register(m.stampedTotal)

	return m
}

// Init pre-populates label values for the given models.
func (m *Metrics) Init(models []string) {
	if m == nil {
		return
	}
	for _, model := range models {
		m.violationsTotal.WithLabelValues(model, ReasonMissingOrgFilter)
		m.violationsTotal.WithLabelValues(model, ReasonForeignOrgPayload)
	}
	for _, f := range []string{FieldOrgID, FieldClassification, FieldResidency, FieldAuditSource} {
		m.stampedTotal.WithLabelValues(f)
	}
}

// RecordOperation counts a guarded operation by result.
func (m *Metrics) RecordOperation(model string, kind Kind, result string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(model, string(kind), result).Inc()
}

// RecordViolation counts a rejected violation.
func (m *Metrics) RecordViolation(model, reason string) {
	if m == nil {
		return
	}
	m.violationsTotal.WithLabelValues(model, reason).Inc()
}

// RecordStamp counts a stamped field.
func (m *Metrics) RecordStamp(field string) {
	if m == nil {
		return
	}
	m.stampedTotal.WithLabelValues(field).Inc()
}
