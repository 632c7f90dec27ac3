package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains audit metrics.
type Metrics struct {
	eventsTotal  *prometheus.CounterVec
	droppedTotal prometheus.Counter
}

// NewMetrics creates audit metrics registered with the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates audit metrics registered with registerer.
// Duplicate registration errors are ignored.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tenantgate"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Total number of audit events emitted",
			},
			[]string{"type", "outcome"},
		),
		droppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "dropped_total",
				Help:      "Total number of audit events dropped because the queue was full or closed",
			},
		),
	}

	_ = registerer.Register(m.eventsTotal)
	_ = registerer.Register(m.droppedTotal)

	m.Init()

	return m
}

// Init pre-populates label combinations so series exist at startup.
func (m *Metrics) Init() {
	if m == nil || m.eventsTotal == nil {
		return
	}
	for _, t := range []EventType{EventTypeDecision, EventTypeViolation, EventTypeMutation, EventTypePolicyChanged} {
		for _, o := range []Outcome{OutcomeSuccess, OutcomeDenied, OutcomeFailure} {
			m.eventsTotal.WithLabelValues(string(t), string(o))
		}
	}
}

// RecordEvent counts an emitted event.
func (m *Metrics) RecordEvent(eventType EventType, outcome Outcome) {
	if m == nil || m.eventsTotal == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(eventType), string(outcome)).Inc()
}

// RecordDropped counts a dropped event.
func (m *Metrics) RecordDropped() {
	if m == nil || m.droppedTotal == nil {
		return
	}
	m.droppedTotal.Inc()
}
