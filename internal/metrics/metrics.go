// Package metrics holds the Prometheus collectors of the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the lifecycle collectors. Use New with a dedicated registry
// in tests so collectors do not clash on the default one.
type Metrics struct {
	SandboxesCreated prometheus.Counter
	SandboxesDeleted prometheus.Counter
	SandboxesReaped  prometheus.Counter
	SandboxesPurged  prometheus.Counter
	Renewals         *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	SandboxesByState *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SandboxesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_created_total",
			Help: "Sandboxes accepted for creation.",
		}),
		SandboxesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_deleted_total",
			Help: "Sandboxes terminated by an explicit delete.",
		}),
		SandboxesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_reaped_total",
			Help: "Sandboxes terminated because they expired.",
		}),
		SandboxesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_purged_total",
			Help: "Terminated sandbox records removed from the store.",
		}),
		Renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_renewals_total",
			Help: "Expiration renewals by outcome.",
		}, []string{"outcome"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_state_transitions_total",
			Help: "Applied state transitions by target state.",
		}, []string{"state"}),
		SandboxesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sandboxes",
			Help: "Sandboxes in the store by state, as of the last reaper sweep.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SandboxesCreated,
			m.SandboxesDeleted,
			m.SandboxesReaped,
			m.SandboxesPurged,
			m.Renewals,
			m.StateTransitions,
			m.SandboxesByState,
		)
	}
	return m
}
