package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/louisbranch/taleloom/internal/services/narrative/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveAgentCallLabelsResult(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveAgentCall(agent.RoleNarrator, 1, time.Second, nil)
	m.ObserveAgentCall(agent.RoleNarrator, 2, time.Second, fmt.Errorf("wrapped: %w", agent.ErrTimeout))
	m.ObserveAgentCall(agent.RoleOutcome, 1, time.Second, errors.New("bad key"))

	if got := testutil.ToFloat64(m.AgentCalls.WithLabelValues(agent.RoleNarrator, "ok")); got != 1 {
		t.Fatalf("ok calls = %v", got)
	}
	if got := testutil.ToFloat64(m.AgentCalls.WithLabelValues(agent.RoleNarrator, "timeout")); got != 1 {
		t.Fatalf("timeout calls = %v", got)
	}
	if got := testutil.ToFloat64(m.AgentCalls.WithLabelValues(agent.RoleOutcome, "error")); got != 1 {
		t.Fatalf("error calls = %v", got)
	}
	if got := testutil.ToFloat64(m.AgentRetries.WithLabelValues(agent.RoleNarrator)); got != 1 {
		t.Fatalf("retries = %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTurn(TurnCommitted, time.Second)
	m.ObserveRollback()
	m.ObserveSeed("ripe", 2)
	m.ObserveDirector(nil)
	m.SetActiveSessions(3)
	m.ObserveAgentCall("x", 1, 0, nil)
}

func TestObserveTurnAndSeeds(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveTurn(TurnDegraded, 2*time.Second)
	m.ObserveSeed("resolved", 2)
	m.ObserveSeed("resolved", 0)
	if got := testutil.ToFloat64(m.Turns.WithLabelValues(TurnDegraded)); got != 1 {
		t.Fatalf("degraded turns = %v", got)
	}
	if got := testutil.ToFloat64(m.SeedTransitions.WithLabelValues("resolved")); got != 2 {
		t.Fatalf("resolved seeds = %v", got)
	}
}
