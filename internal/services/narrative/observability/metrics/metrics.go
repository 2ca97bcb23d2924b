// Package metrics exposes Prometheus instrumentation for the narrative engine.
package metrics

import (
	"errors"
	"time"

	"github.com/louisbranch/taleloom/internal/services/narrative/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes.
const (
	TurnCommitted = "committed"
	TurnRefused   = "refused"
	TurnDegraded  = "degraded"
	TurnFailed    = "failed"
)

// Metrics holds the engine collectors.
type Metrics struct {
	Turns           *prometheus.CounterVec
	TurnLatency     prometheus.Histogram
	AgentCalls      *prometheus.CounterVec
	AgentLatency    *prometheus.HistogramVec
	AgentRetries    *prometheus.CounterVec
	Repairs         *prometheus.CounterVec
	Rollbacks       prometheus.Counter
	SeedTransitions *prometheus.CounterVec
	DirectorPasses  *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	MemoryArchived  prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taleloom_turns_total",
			Help: "Processed turns by outcome",
		}, []string{"outcome"}),
		TurnLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taleloom_turn_duration_seconds",
			Help:    "End-to-end turn latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		AgentCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taleloom_agent_calls_total",
			Help: "Reasoning agent calls by role and result",
		}, []string{"role", "result"}),
		AgentLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taleloom_agent_call_duration_seconds",
			Help:    "Reasoning agent call latency in seconds, retries included",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"role"}),
		AgentRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taleloom_agent_retries_total",
			Help: "Extra agent attempts after a transient failure",
		}, []string{"role"}),
		Repairs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taleloom_validation_repairs_total",
			Help: "Repair retries triggered by validation failures",
		}, []string{"kind"}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "taleloom_transaction_rollbacks_total",
			Help: "Turn transactions rolled back",
		}),
		SeedTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taleloom_seed_transitions_total",
			Help: "Foreshadowing seed status changes",
		}, []string{"status"}),
		DirectorPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taleloom_director_passes_total",
			Help: "Director planning passes by result",
		}, []string{"result"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taleloom_sessions_active",
			Help: "Sessions with a loaded runtime",
		}),
		MemoryArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: "taleloom_memory_records_archived_total",
			Help: "Memory records folded into summaries",
		}),
	}
}

// ObserveAgentCall implements agent.Observer.
func (m *Metrics) ObserveAgentCall(role string, attempts int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.AgentCalls.WithLabelValues(role, agentResult(err)).Inc()
	m.AgentLatency.WithLabelValues(role).Observe(elapsed.Seconds())
	if attempts > 1 {
		m.AgentRetries.WithLabelValues(role).Add(float64(attempts - 1))
	}
}

func agentResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, agent.ErrTimeout):
		return "timeout"
	case errors.Is(err, agent.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// ObserveTurn records one processed turn.
func (m *Metrics) ObserveTurn(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnLatency.Observe(elapsed.Seconds())
}

// ObserveRepair counts a repair retry of kind "outcome" or "narrative".
func (m *Metrics) ObserveRepair(kind string) {
	if m == nil {
		return
	}
	m.Repairs.WithLabelValues(kind).Inc()
}

// ObserveRollback counts a rolled back transaction.
func (m *Metrics) ObserveRollback() {
	if m == nil {
		return
	}
	m.Rollbacks.Inc()
}

// ObserveSeed counts a seed reaching status.
func (m *Metrics) ObserveSeed(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SeedTransitions.WithLabelValues(status).Add(float64(n))
}

// ObserveDirector counts a director pass.
func (m *Metrics) ObserveDirector(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.DirectorPasses.WithLabelValues(result).Inc()
}

// SetActiveSessions reports loaded session runtimes.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// ObserveArchived counts records retired by compression.
func (m *Metrics) ObserveArchived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MemoryArchived.Add(float64(n))
}
