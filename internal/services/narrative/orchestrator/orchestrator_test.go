package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/taleloom/internal/platform/errors"
	"github.com/louisbranch/taleloom/internal/services/narrative/agent"
	"github.com/louisbranch/taleloom/internal/services/narrative/agent/agenttest"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/foreshadow"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/memory"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/rules"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
	"github.com/louisbranch/taleloom/internal/services/narrative/voice"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	intentAction   = `{"category":"action","confidence":0.9,"keywords":["wreck"],"targets":["character/hero"]}`
	outcomeBruised = `{"result":"partial","summary":"Ana finds the key but cuts her hand","effects":[{"target":"character/hero","op":"stat.adjust","field":"hp","delta":-2}]}`
	outcomeMaimed  = `{"result":"failure","summary":"Ana is crushed","effects":[{"target":"character/hero","op":"stat.adjust","field":"hp","delta":-20}]}`
	coherent       = `{"coherent":true}`
	incoherent     = `{"coherent":false,"problems":["the narration heals Ana"]}`
	outcomeBlessed = `{"result":"success","summary":"blessed","override":"a saint's blessing","effects":[{"target":"character/hero","op":"stat.adjust","field":"hp","delta":5,"override":true}]}`
)

type persistLog struct {
	mu       sync.Mutex
	turns    []turn.Turn
	entities [][]world.Entity
	err      error
}

func (p *persistLog) persist(_ context.Context, t turn.Turn, entities []world.Entity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.turns = append(p.turns, t)
	p.entities = append(p.entities, entities)
	return nil
}

type harness struct {
	script    *agenttest.Script
	scope     *Scope
	orch      *Orchestrator
	voice     *voice.Voice
	persisted *persistLog
}

func defaultConfig() Config {
	return Config{ConfidenceFloor: 0.55, MaxRepairs: 2, RecentTurns: 4, RetrieveTopK: 8, BoostOnUse: 15}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	v, err := voice.New()
	if err != nil {
		t.Fatalf("voice: %v", err)
	}
	book, err := rules.Default()
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	script := agenttest.New()
	caller := agent.NewCaller(script, agent.CallerConfig{Timeout: 50 * time.Millisecond, RetryDelay: time.Millisecond}, nil, nil)

	manager := world.NewManager(nil)
	manager.Load([]world.Entity{{
		Kind:  world.KindCharacter,
		ID:    "hero",
		Name:  "Ana",
		Stats: map[string]int{"hp": 10, "hp_max": 10},
	}})
	persisted := &persistLog{}
	scope := &Scope{
		CampaignID: "c1",
		SessionID:  "s1",
		Memory:     memory.NewStore(memory.DefaultConfig()),
		Ledger:     foreshadow.NewLedger(foreshadow.DefaultConfig()),
		World:      manager,
		Persist:    persisted.persist,
	}
	return &harness{
		script:    script,
		scope:     scope,
		orch:      New(caller, book, v, cfg, opts...),
		voice:     v,
		persisted: persisted,
	}
}

func (h *harness) hp(t *testing.T) int {
	t.Helper()
	hero, ok := h.scope.World.Get(world.Key{Kind: world.KindCharacter, ID: "hero"})
	if !ok {
		t.Fatal("hero missing")
	}
	return hero.Stats["hp"]
}

func (h *harness) assertNothingCommitted(t *testing.T) {
	t.Helper()
	if got := h.hp(t); got != 10 {
		t.Fatalf("hp = %d, want untouched 10", got)
	}
	if h.scope.LastTurn != 0 || len(h.scope.Recent) != 0 {
		t.Fatalf("scope advanced: last=%d recent=%d", h.scope.LastTurn, len(h.scope.Recent))
	}
	if h.scope.Memory.Len() != 0 {
		t.Fatalf("memory recorded %d record(s)", h.scope.Memory.Len())
	}
	if len(h.persisted.turns) != 0 {
		t.Fatalf("persisted %d turn(s)", len(h.persisted.turns))
	}
}

func stepNames(res turn.Result) map[string]int {
	names := make(map[string]int)
	for _, s := range res.Debug.Steps {
		names[s.Name]++
	}
	return names
}

func TestProcessTurnCommits(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome, agenttest.Text(outcomeBruised)).
		On(agent.RoleNarrator, agenttest.Text("Glass bites Ana's palm as she pulls the key free.")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "  I search the wreck  ")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if !res.Committed || res.Degraded || res.TurnSeq != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Path != turn.PathScene {
		t.Fatalf("path = %s, want scene", res.Path)
	}
	if len(res.ChangeLog) != 1 || res.ChangeLog[0].Key != "character/hero" || res.ChangeLog[0].After != "8" {
		t.Fatalf("unexpected change log %+v", res.ChangeLog)
	}
	if got := h.hp(t); got != 8 {
		t.Fatalf("hp = %d, want 8", got)
	}
	if len(h.persisted.turns) != 1 {
		t.Fatalf("persisted %d turns", len(h.persisted.turns))
	}
	stored := h.persisted.turns[0]
	if stored.Seq != 1 || stored.Input != "I search the wreck" || len(stored.Changes) != 1 {
		t.Fatalf("unexpected persisted turn %+v", stored)
	}
	if len(h.persisted.entities[0]) != 1 || h.persisted.entities[0][0].Stats["hp"] != 8 {
		t.Fatalf("unexpected persisted entities %+v", h.persisted.entities[0])
	}
	if h.scope.LastTurn != 1 || len(h.scope.Recent) != 1 {
		t.Fatalf("scope not advanced: last=%d recent=%d", h.scope.LastTurn, len(h.scope.Recent))
	}
	if h.scope.Memory.Len() != 1 {
		t.Fatalf("memory len = %d, want 1", h.scope.Memory.Len())
	}
	steps := stepNames(res)
	for _, name := range []string{"intent", "memory", "rules", "outcome", "narrate", "coherence", "commit"} {
		if steps[name] != 1 {
			t.Fatalf("step %s recorded %d time(s): %+v", name, steps[name], res.Debug.Steps)
		}
	}
	if steps["intent_check"] != 0 {
		t.Fatal("confident intent should skip the check")
	}
	if len(res.Debug.RuleIDs) == 0 {
		t.Fatal("expected retrieved rules in trace")
	}
}

func TestProcessTurnEmptyInput(t *testing.T) {
	h := newHarness(t, defaultConfig())
	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "   ")
	if apperrors.CodeOf(err) != apperrors.CodeTurnInputEmpty {
		t.Fatalf("expected empty input error, got %v", err)
	}
	if res.Committed || res.NarrativeText != h.voice.Say("", voice.InputEmpty) {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(h.script.Calls()) != 0 {
		t.Fatal("empty input should not reach the agent")
	}
	h.assertNothingCommitted(t)
}

func TestProcessTurnRequiresScope(t *testing.T) {
	h := newHarness(t, defaultConfig())
	if _, err := h.orch.ProcessTurn(context.Background(), &Scope{}, "hello"); err == nil {
		t.Fatal("expected error for incomplete scope")
	}
}

func TestProcessTurnRefusesWorldAlteringAssertion(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.script.
		On(agent.RoleIntent, agenttest.Text(`{"category":"meta","confidence":0.95,"flags":["world_altering_assertion"],"summary":"the king lives"}`)).
		On(agent.RoleIntentCheck, agenttest.Text(`{"accepted":false,"reason":"the king was buried at sea"}`))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "Actually the king is alive")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if res.Committed || res.Degraded {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.NarrativeText, "the king was buried at sea") {
		t.Fatalf("refusal should carry the reason, got %q", res.NarrativeText)
	}
	if h.script.CallsFor(agent.RoleOutcome) != 0 || h.script.CallsFor(agent.RoleNarrator) != 0 {
		t.Fatal("refused intent should stop the pipeline")
	}
	h.assertNothingCommitted(t)
}

func TestProcessTurnDoubtfulIntentAccepted(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.script.
		On(agent.RoleIntent, agenttest.Text(`{"category":"action","confidence":0.3}`)).
		On(agent.RoleIntentCheck, agenttest.Text(`{"accepted":true,"intent":{"category":"dialogue","confidence":0.8}}`)).
		On(agent.RoleOutcome, agenttest.Text(`{"result":"success","summary":"the guard listens"}`)).
		On(agent.RoleNarrator, agenttest.Text("The guard leans closer.")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "psst, over here")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if !res.Committed || res.Path != turn.PathDialogue {
		t.Fatalf("expected committed dialogue turn, got %+v", res)
	}
	if h.script.CallsFor(agent.RoleIntentCheck) != 1 {
		t.Fatal("low confidence should trigger the intent check")
	}
}

func TestProcessTurnDegradesOnNarratorTimeout(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome, agenttest.Text(outcomeBruised)).
		On(agent.RoleNarrator, agenttest.Reply{Block: true})

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "I search the wreck")
	if err != nil {
		t.Fatalf("degraded turn should not error: %v", err)
	}
	if !res.Degraded || res.Committed {
		t.Fatalf("expected degraded result, got %+v", res)
	}
	if res.NarrativeText != h.voice.Say("", voice.DegradedAgent) {
		t.Fatalf("unexpected fallback text %q", res.NarrativeText)
	}
	if got := h.script.CallsFor(agent.RoleNarrator); got != 2 {
		t.Fatalf("narrator calls = %d, want one retry", got)
	}
	h.assertNothingCommitted(t)
}

func TestProcessTurnDegradesOnUnparseableIntent(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.script.On(agent.RoleIntent, agenttest.Text("I think it is an action?"))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "I search the wreck")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if !res.Degraded {
		t.Fatalf("expected degraded result, got %+v", res)
	}
	if got := h.script.CallsFor(agent.RoleIntent); got != 3 {
		t.Fatalf("intent calls = %d, want first try plus two repairs", got)
	}
	h.assertNothingCommitted(t)
}

func TestProcessTurnReturnsCancellation(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.script.On(agent.RoleIntent, agenttest.Text(intentAction))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.orch.ProcessTurn(ctx, h.scope, "I search the wreck")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	h.assertNothingCommitted(t)
}

func TestProcessTurnRepairsBoundsViolation(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome, agenttest.Text(outcomeMaimed), agenttest.Text(outcomeBruised)).
		On(agent.RoleNarrator, agenttest.Text("Ana staggers.")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "I search the wreck")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if !res.Committed {
		t.Fatalf("expected repaired commit, got %+v", res)
	}
	if got := h.hp(t); got != 8 {
		t.Fatalf("hp = %d, want 8", got)
	}
	if got := h.script.CallsFor(agent.RoleOutcome); got != 2 {
		t.Fatalf("outcome calls = %d, want 2", got)
	}
	var hinted bool
	for _, call := range h.script.Calls() {
		if call.Role == agent.RoleOutcome && strings.Contains(call.RepairHint, "below zero") {
			hinted = true
		}
	}
	if !hinted {
		t.Fatal("re-judged outcome should carry the bounds error")
	}
}

func TestProcessTurnUnrepairableIncoherenceCommitsNothing(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxRepairs = 1
	h := newHarness(t, cfg)
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome, agenttest.Text(outcomeBruised)).
		On(agent.RoleNarrator, agenttest.Text("Ana is fully healed.")).
		On(agent.RoleCoherence, agenttest.Text(incoherent))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "I search the wreck")
	if apperrors.CodeOf(err) != apperrors.CodeValidationFailed {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if res.Committed || res.NarrativeText != h.voice.Say("", voice.ValidationFailed) {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := h.script.CallsFor(agent.RoleNarrator); got != 2 {
		t.Fatalf("narrator calls = %d, want 2", got)
	}
	h.assertNothingCommitted(t)
}

func TestProcessTurnBoundsViolationWithoutOverride(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxRepairs = 0
	h := newHarness(t, cfg)
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome, agenttest.Text(outcomeBlessed)).
		On(agent.RoleNarrator, agenttest.Text("Light pours over Ana."))

	_, err := h.orch.ProcessTurn(context.Background(), h.scope, "I pray at the shrine")
	if apperrors.CodeOf(err) != apperrors.CodeValidationFailed {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if !errors.Is(err, world.ErrConstraintViolation) {
		t.Fatalf("expected constraint cause, got %v", err)
	}
	h.assertNothingCommitted(t)
}

func TestProcessTurnNarrativeOverride(t *testing.T) {
	cfg := defaultConfig()
	cfg.AllowOverride = true
	h := newHarness(t, cfg)
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome, agenttest.Text(outcomeBlessed)).
		On(agent.RoleNarrator, agenttest.Text("Light pours over Ana.")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "I pray at the shrine")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if len(res.ChangeLog) != 1 || !res.ChangeLog[0].Override || res.ChangeLog[0].Reason != "a saint's blessing" {
		t.Fatalf("expected overridden change, got %+v", res.ChangeLog)
	}
	if got := h.hp(t); got != 15 {
		t.Fatalf("hp = %d, want 15", got)
	}
}

func TestProcessTurnOverrideStillChecksOtherEffects(t *testing.T) {
	cfg := defaultConfig()
	cfg.AllowOverride = true
	h := newHarness(t, cfg)
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome,
			agenttest.Text(`{"result":"success","summary":"blessed","override":"a saint's blessing","effects":[`+
				`{"target":"character/hero","op":"stat.adjust","field":"hp","delta":5,"override":true},`+
				`{"target":"npc/ghost","op":"affinity.adjust","delta":3}]}`),
			agenttest.Text(outcomeBruised),
		).
		On(agent.RoleNarrator, agenttest.Text("Ana staggers.")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "I pray at the shrine")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if !res.Committed {
		t.Fatalf("expected repaired commit, got %+v", res)
	}
	if got := h.script.CallsFor(agent.RoleOutcome); got != 2 {
		t.Fatalf("outcome calls = %d, want 2", got)
	}
	if got := h.hp(t); got != 8 {
		t.Fatalf("hp = %d, want 8", got)
	}
}

func TestProcessTurnOverrideCoversOnlyFlaggedEffects(t *testing.T) {
	cfg := defaultConfig()
	cfg.AllowOverride = true
	h := newHarness(t, cfg)
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome,
			agenttest.Text(`{"result":"success","summary":"blessed","override":"a saint's blessing","effects":[`+
				`{"target":"character/hero","op":"stat.adjust","field":"hp","delta":5,"override":true},`+
				`{"target":"character/hero","op":"stat.adjust","field":"gold","delta":-50}]}`),
			agenttest.Text(outcomeBlessed),
		).
		On(agent.RoleNarrator, agenttest.Text("Light pours over Ana.")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "I pray at the shrine")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if got := h.script.CallsFor(agent.RoleOutcome); got != 2 {
		t.Fatalf("outcome calls = %d, want 2", got)
	}
	var hinted bool
	for _, call := range h.script.Calls() {
		if call.Role == agent.RoleOutcome && strings.Contains(call.RepairHint, "gold -50 below zero") {
			hinted = true
		}
	}
	if !hinted {
		t.Fatal("re-judged outcome should carry the unflagged violation")
	}
	hero, _ := h.scope.World.Get(world.Key{Kind: world.KindCharacter, ID: "hero"})
	if hero.Stats["hp"] != 15 || hero.Stats["gold"] != 0 {
		t.Fatalf("unexpected stats %v", hero.Stats)
	}
	if len(res.ChangeLog) != 1 || !res.ChangeLog[0].Override {
		t.Fatalf("unexpected change log %+v", res.ChangeLog)
	}
}

func TestProcessTurnPlantsSeedsFromOutcome(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome, agenttest.Text(`{"result":"success","summary":"Ana pockets a tarnished locket",`+
			`"plant_seeds":[{"id":"locket","content":"The locket bears the ferryman's crest","keywords":["crest"]},{"id":"","content":"nameless"}]}`)).
		On(agent.RoleNarrator, agenttest.Text("Something glints in the silt.")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "I search the wreck")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if !res.Degraded || len(h.scope.Ledger.All()) != 0 {
		t.Fatalf("seed without id should degrade the turn, got %+v", res)
	}

	h = newHarness(t, defaultConfig())
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome, agenttest.Text(`{"result":"success","summary":"Ana pockets a tarnished locket",`+
			`"plant_seeds":[{"id":"locket","content":"The locket bears the ferryman's crest","keywords":["crest"]}]}`)).
		On(agent.RoleNarrator, agenttest.Text("Something glints in the silt.")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	for i := 0; i < 2; i++ {
		res, err := h.orch.ProcessTurn(context.Background(), h.scope, "I search the wreck")
		if err != nil {
			t.Fatalf("turn %d: %v", i+1, err)
		}
		if !res.Committed {
			t.Fatalf("turn %d not committed: %+v", i+1, res)
		}
	}
	seed, err := h.scope.Ledger.Get("locket")
	if err != nil {
		t.Fatalf("get seed: %v", err)
	}
	if seed.Status != foreshadow.StatusPlanted || seed.PlantedTurn != 1 {
		t.Fatalf("unexpected seed %+v", seed)
	}
	record, err := h.scope.Memory.Get(seed.MemoryID)
	if err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	if !record.UnresolvedSeed || record.Category != memory.CategorySlow {
		t.Fatalf("unexpected seed memory %+v", record)
	}
	if got := len(h.scope.Ledger.All()); got != 1 {
		t.Fatalf("ledger has %d seeds, want 1", got)
	}
}

func TestProcessTurnPersistFailureRollsBack(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.persisted.err = errors.New("disk full")
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome, agenttest.Text(outcomeBruised)).
		On(agent.RoleNarrator, agenttest.Text("Ana staggers.")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "I search the wreck")
	if apperrors.CodeOf(err) != apperrors.CodeCommitFailed {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if res.Committed {
		t.Fatal("failed commit reported as committed")
	}
	h.assertNothingCommitted(t)
}

func TestProcessTurnResolvesSeedsAndRejectsConflict(t *testing.T) {
	h := newHarness(t, defaultConfig())
	if _, err := h.scope.Ledger.Plant(foreshadow.PlantInput{ID: "oath", Content: "Ana swore to free the ferryman"}, 0); err != nil {
		t.Fatalf("plant oath: %v", err)
	}
	if _, err := h.scope.Ledger.Plant(foreshadow.PlantInput{ID: "betrayal", Content: "Ana sells the ferryman out", ConflictsWith: []string{"oath"}}, 0); err != nil {
		t.Fatalf("plant betrayal: %v", err)
	}
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome, agenttest.Text(`{"result":"success","summary":"the ferryman is free","resolve_seeds":["oath","betrayal"]}`)).
		On(agent.RoleNarrator, agenttest.Text("The chains fall away.")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "I break the chains")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if res.Path != turn.PathPayoff {
		t.Fatalf("path = %s, want payoff", res.Path)
	}
	oath, _ := h.scope.Ledger.Get("oath")
	if oath.Status != foreshadow.StatusResolved {
		t.Fatalf("oath status = %s", oath.Status)
	}
	betrayal, _ := h.scope.Ledger.Get("betrayal")
	if betrayal.Status != foreshadow.StatusPlanted {
		t.Fatalf("conflicting seed changed to %s", betrayal.Status)
	}
	var noted bool
	for _, note := range res.Debug.Notes {
		if strings.Contains(note, "betrayal not resolved") {
			noted = true
		}
	}
	if !noted {
		t.Fatalf("expected rejection note, got %v", res.Debug.Notes)
	}
}

func TestProcessTurnLogsSeedMemoryFlagFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, defaultConfig(), WithLogger(zap.New(core)))
	if _, err := h.scope.Ledger.Plant(foreshadow.PlantInput{ID: "oath", Content: "Ana swore to free the ferryman", MemoryID: "forgotten"}, 0); err != nil {
		t.Fatalf("plant oath: %v", err)
	}
	h.script.
		On(agent.RoleIntent, agenttest.Text(intentAction)).
		On(agent.RoleOutcome, agenttest.Text(`{"result":"success","summary":"the ferryman is free","resolve_seeds":["oath"]}`)).
		On(agent.RoleNarrator, agenttest.Text("The chains fall away.")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "I break the chains")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if !res.Committed {
		t.Fatalf("expected commit, got %+v", res)
	}
	entries := logs.FilterMessage("clear seed memory flag").All()
	if len(entries) != 1 || entries[0].ContextMap()["memory_id"] != "forgotten" {
		t.Fatalf("expected one flag failure warning, got %+v", entries)
	}
}

func TestProcessTurnRecapChangesNothing(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.script.
		On(agent.RoleIntent, agenttest.Text(`{"category":"recap","confidence":0.9}`)).
		On(agent.RoleOutcome, agenttest.Text(outcomeBruised)).
		On(agent.RoleNarrator, agenttest.Text("Previously...")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	res, err := h.orch.ProcessTurn(context.Background(), h.scope, "what happened so far?")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if res.Path != turn.PathRecap || len(res.ChangeLog) != 0 {
		t.Fatalf("unexpected recap result %+v", res)
	}
	if got := h.hp(t); got != 10 {
		t.Fatalf("recap changed hp to %d", got)
	}
	if h.scope.Memory.Len() != 0 {
		t.Fatal("recap should not record memory")
	}
}

func TestProcessTurnKeepsRecentWindow(t *testing.T) {
	cfg := defaultConfig()
	cfg.RecentTurns = 2
	h := newHarness(t, cfg)
	h.script.
		On(agent.RoleIntent, agenttest.Text(`{"category":"exploration","confidence":0.9}`)).
		On(agent.RoleOutcome, agenttest.Text(`{"result":"none","summary":"nothing stirs"}`)).
		On(agent.RoleNarrator, agenttest.Text("The fog holds.")).
		On(agent.RoleCoherence, agenttest.Text(coherent))

	for i := 0; i < 3; i++ {
		if _, err := h.orch.ProcessTurn(context.Background(), h.scope, "I wait"); err != nil {
			t.Fatalf("turn %d: %v", i+1, err)
		}
	}
	if h.scope.LastTurn != 3 {
		t.Fatalf("last turn = %d", h.scope.LastTurn)
	}
	if len(h.scope.Recent) != 2 || h.scope.Recent[0].Seq != 2 || h.scope.Recent[1].Seq != 3 {
		t.Fatalf("unexpected recent window %+v", h.scope.Recent)
	}
}

func TestRoute(t *testing.T) {
	ripe := []foreshadow.Seed{{ID: "key", PayoffKeywords: []string{"vault"}}}
	tests := []struct {
		name    string
		intent  turn.Intent
		outcome turn.Outcome
		ripe    []foreshadow.Seed
		want    turn.Path
	}{
		{"recap wins", turn.Intent{Category: turn.CategoryRecap}, turn.Outcome{ResolveSeeds: []string{"key"}}, ripe, turn.PathRecap},
		{"resolution pays off", turn.Intent{Category: turn.CategoryCombat}, turn.Outcome{ResolveSeeds: []string{"key"}}, nil, turn.PathPayoff},
		{"ripe keyword pays off", turn.Intent{Category: turn.CategoryAction, Keywords: []string{"Vault"}}, turn.Outcome{}, ripe, turn.PathPayoff},
		{"combat", turn.Intent{Category: turn.CategoryCombat}, turn.Outcome{}, ripe, turn.PathCombat},
		{"dialogue", turn.Intent{Category: turn.CategoryDialogue}, turn.Outcome{}, nil, turn.PathDialogue},
		{"scene", turn.Intent{Category: turn.CategoryExploration}, turn.Outcome{}, ripe, turn.PathScene},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := Route(tc.intent, tc.outcome, tc.ripe)
			if got != tc.want {
				t.Fatalf("Route() = %s (%s), want %s", got, reason, tc.want)
			}
			again, _ := Route(tc.intent, tc.outcome, tc.ripe)
			if again != got {
				t.Fatal("route is not deterministic")
			}
		})
	}
}
