// Package metrics exposes prometheus instrumentation for the phase engine
// and the assignment engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ActivityTransitions *prometheus.CounterVec
	AssignmentsCreated  *prometheus.CounterVec
	EscalationsRaised   prometheus.Counter
	SweepsRun           prometheus.Counter
	SweepFailures       prometheus.Counter
	OverdueAssignments  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActivityTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regcycle_activity_transitions_total",
			Help: "Activity state transitions by phase and resulting status.",
		}, []string{"phase", "status"}),
		AssignmentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regcycle_assignments_created_total",
			Help: "Assignments created by assignment type.",
		}, []string{"type"}),
		EscalationsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regcycle_escalations_raised_total",
			Help: "Escalation assignments raised by the SLA monitor.",
		}),
		SweepsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regcycle_sla_sweeps_total",
			Help: "SLA sweep executions.",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regcycle_sla_sweep_item_failures_total",
			Help: "Per-item failures during SLA sweeps.",
		}),
		OverdueAssignments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "regcycle_overdue_assignments",
			Help: "Active assignments past their due date at last sweep.",
		}),
	}
	m.registry.MustRegister(
		m.ActivityTransitions,
		m.AssignmentsCreated,
		m.EscalationsRaised,
		m.SweepsRun,
		m.SweepFailures,
		m.OverdueAssignments,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Transition records an activity transition; nil-safe so engines can run
// without instrumentation in tests.
func (m *Metrics) Transition(phase, status string) {
	if m == nil {
		return
	}
	m.ActivityTransitions.WithLabelValues(phase, status).Inc()
}

func (m *Metrics) AssignmentCreated(assignmentType string) {
	if m == nil {
		return
	}
	m.AssignmentsCreated.WithLabelValues(assignmentType).Inc()
}

func (m *Metrics) EscalationRaised() {
	if m == nil {
		return
	}
	m.EscalationsRaised.Inc()
}

func (m *Metrics) SweepRun(overdue int, failures int) {
	if m == nil {
		return
	}
	m.SweepsRun.Inc()
	m.SweepFailures.Add(float64(failures))
	m.OverdueAssignments.Set(float64(overdue))
}
