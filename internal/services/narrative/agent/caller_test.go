package agent_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/taleloom/internal/services/narrative/agent"
	"github.com/louisbranch/taleloom/internal/services/narrative/agent/agenttest"
)

type verdict struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

type recordingObserver struct {
	roles    []string
	attempts []int
	errs     []error
}

func (r *recordingObserver) ObserveAgentCall(role string, attempts int, _ time.Duration, err error) {
	r.roles = append(r.roles, role)
	r.attempts = append(r.attempts, attempts)
	r.errs = append(r.errs, err)
}

func fastCaller(a agent.Agent, obs agent.Observer) *agent.Caller {
	return agent.NewCaller(a, agent.CallerConfig{Timeout: 50 * time.Millisecond, RetryDelay: time.Millisecond}, nil, obs)
}

func TestCallRetriesTimeoutOnce(t *testing.T) {
	script := agenttest.New().On(agent.RoleNarrator,
		agenttest.Reply{Block: true},
		agenttest.Text("The rain falls."),
	)
	obs := &recordingObserver{}
	res, attempts, err := fastCaller(script, obs).Call(context.Background(), agent.Request{Role: agent.RoleNarrator})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if attempts != 2 || res.Text != "The rain falls." {
		t.Fatalf("unexpected result %q after %d attempts", res.Text, attempts)
	}
	if len(obs.roles) != 1 || obs.attempts[0] != 2 {
		t.Fatalf("unexpected observations %+v", obs)
	}
}

func TestCallGivesUpAfterSecondTimeout(t *testing.T) {
	script := agenttest.New().On(agent.RoleNarrator, agenttest.Reply{Block: true})
	_, attempts, err := fastCaller(script, nil).Call(context.Background(), agent.Request{Role: agent.RoleNarrator})
	if !errors.Is(err, agent.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestCallDoesNotRetryPermanentErrors(t *testing.T) {
	script := agenttest.New().On(agent.RoleNarrator, agenttest.Reply{Err: errors.New("invalid api key")})
	_, attempts, err := fastCaller(script, nil).Call(context.Background(), agent.Request{Role: agent.RoleNarrator})
	if err == nil || attempts != 1 {
		t.Fatalf("expected one failed attempt, got %d (%v)", attempts, err)
	}
}

func TestCallTreatsEmptyTextAsUnavailable(t *testing.T) {
	script := agenttest.New().On(agent.RoleNarrator, agenttest.Text("  "))
	_, _, err := fastCaller(script, nil).Call(context.Background(), agent.Request{Role: agent.RoleNarrator})
	if !errors.Is(err, agent.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestStructuredRepairsInvalidJSON(t *testing.T) {
	script := agenttest.New().On(agent.RoleIntentCheck,
		agenttest.Text("I think it is fine"),
		agenttest.Text("```json\n{\"accepted\": true, \"reason\": \"\"}\n```"),
		agenttest.Text(`{"accepted": true, "reason": "plausible"}`),
	)
	check := func(v verdict) error {
		if v.Reason == "" {
			return fmt.Errorf("reason is required")
		}
		return nil
	}
	got, attempts, err := agent.Structured(context.Background(), fastCaller(script, nil), agent.Request{Role: agent.RoleIntentCheck}, check, 2)
	if err != nil {
		t.Fatalf("structured: %v", err)
	}
	if !got.Accepted || got.Reason != "plausible" || attempts != 3 {
		t.Fatalf("unexpected %+v after %d attempts", got, attempts)
	}
	calls := script.Calls()
	if calls[0].RepairHint != "" || !strings.Contains(calls[2].RepairHint, "reason is required") {
		t.Fatalf("repair hints not propagated: %q / %q", calls[0].RepairHint, calls[2].RepairHint)
	}
	if calls[1].Shape != agent.ShapeJSON {
		t.Fatalf("expected JSON shape, got %q", calls[1].Shape)
	}
}

func TestStructuredReturnsValidationError(t *testing.T) {
	script := agenttest.New().On(agent.RoleOutcome, agenttest.Text("nope"))
	_, attempts, err := agent.Structured[verdict](context.Background(), fastCaller(script, nil), agent.Request{Role: agent.RoleOutcome}, nil, 1)
	var verr *agent.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if attempts != 2 || verr.Raw != "nope" || verr.Role != agent.RoleOutcome {
		t.Fatalf("unexpected validation error %+v after %d attempts", verr, attempts)
	}
}

func TestRenderIncludesContextAndHint(t *testing.T) {
	system, user, err := agent.Render(agent.Request{
		Role:       agent.RoleCoherence,
		Shape:      agent.ShapeJSON,
		Task:       "Check the prose.",
		Schema:     `{"coherent": true}`,
		Context:    map[string]string{"prose": "The door opens."},
		RepairHint: "missing coherent field",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(system, `{"coherent": true}`) || !strings.Contains(system, "coherence") {
		t.Fatalf("unexpected system prompt %q", system)
	}
	for _, want := range []string{"Check the prose.", "The door opens.", "missing coherent field"} {
		if !strings.Contains(user, want) {
			t.Fatalf("user prompt missing %q: %q", want, user)
		}
	}
}
