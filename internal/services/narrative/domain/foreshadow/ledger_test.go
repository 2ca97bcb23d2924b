package foreshadow

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func newTestLedger() *Ledger {
	n := 0
	return NewLedger(DefaultConfig(), WithIDGenerator(func() (string, error) {
		n++
		return fmt.Sprintf("seed-%03d", n), nil
	}))
}

func mustPlant(t *testing.T, l *Ledger, in PlantInput, turn int) Seed {
	t.Helper()
	seed, err := l.Plant(in, turn)
	if err != nil {
		t.Fatalf("plant %q: %v", in.Content, err)
	}
	return seed
}

func TestPlantValidatesReferences(t *testing.T) {
	l := newTestLedger()
	if _, err := l.Plant(PlantInput{Content: " "}, 0); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if _, err := l.Plant(PlantInput{Content: "A hidden door", DependsOn: []string{"ghost"}}, 0); !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("expected ErrUnknownReference, got %v", err)
	}
	if _, err := l.Plant(PlantInput{ID: "x", Content: "Self", ConflictsWith: []string{"x"}}, 0); !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("expected self reference rejection, got %v", err)
	}
}

func TestPlantIsIdempotentForSameContent(t *testing.T) {
	l := newTestLedger()
	first := mustPlant(t, l, PlantInput{ID: "arc-1-locket", Content: "A silver locket"}, 1)
	again := mustPlant(t, l, PlantInput{ID: "arc-1-locket", Content: "A silver locket"}, 9)
	if again.PlantedTurn != first.PlantedTurn {
		t.Fatalf("replanting changed the seed: %+v", again)
	}
	if _, err := l.Plant(PlantInput{ID: "arc-1-locket", Content: "A golden locket"}, 9); !errors.Is(err, ErrDuplicateSeed) {
		t.Fatalf("expected ErrDuplicateSeed, got %v", err)
	}
	if len(l.All()) != 1 {
		t.Fatalf("expected one seed, got %d", len(l.All()))
	}
}

func TestKeywordRipeningAfterSettle(t *testing.T) {
	l := newTestLedger()
	seed := mustPlant(t, l, PlantInput{Content: "The stranger's locket bears a crest", PayoffKeywords: []string{"Locket", "crest"}}, 2)

	ripe, err := l.CheckRipeness(3, "You glimpse the locket again.")
	if err != nil {
		t.Fatalf("check ripeness: %v", err)
	}
	if len(ripe) != 0 {
		t.Fatal("seed ripened before the settle period")
	}

	ripe, err = l.CheckRipeness(6, "The merchant fingers a silver LOCKET nervously.")
	if err != nil {
		t.Fatalf("check ripeness: %v", err)
	}
	if len(ripe) != 1 || ripe[0].ID != seed.ID {
		t.Fatalf("expected seed to ripen, got %+v", ripe)
	}
	if ripe[0].RipenedBy != RipenedByKeyword || ripe[0].Confidence != 0.5 || ripe[0].RipenedTurn != 6 {
		t.Fatalf("unexpected ripening record %+v", ripe[0])
	}
}

func TestKeywordsMatchWholeWordsOnly(t *testing.T) {
	l := newTestLedger()
	mustPlant(t, l, PlantInput{Content: "An old key", PayoffKeywords: []string{"key"}}, 0)
	ripe, err := l.CheckRipeness(5, "The monkey screeched.")
	if err != nil {
		t.Fatalf("check ripeness: %v", err)
	}
	if len(ripe) != 0 {
		t.Fatalf("substring match should not ripen, got %+v", ripe)
	}
}

func TestDormancyRipening(t *testing.T) {
	l := newTestLedger()
	seed := mustPlant(t, l, PlantInput{Content: "Thunder in the east", DormancyTurns: 10}, 0)
	ripe, _ := l.CheckRipeness(9, "")
	if len(ripe) != 0 {
		t.Fatal("ripened before dormancy")
	}
	ripe, _ = l.CheckRipeness(10, "")
	if len(ripe) != 1 || ripe[0].ID != seed.ID || ripe[0].RipenedBy != RipenedByDormancy {
		t.Fatalf("expected dormancy ripening, got %+v", ripe)
	}
}

func TestDependencyGateBlocksRipeness(t *testing.T) {
	l := newTestLedger()
	cause := mustPlant(t, l, PlantInput{Content: "The duke's debt"}, 0)
	effect := mustPlant(t, l, PlantInput{Content: "The duke's revenge", PayoffKeywords: []string{"revenge"}, DependsOn: []string{cause.ID}}, 0)

	ripe, _ := l.CheckRipeness(50, "revenge revenge revenge")
	for _, s := range ripe {
		if s.ID == effect.ID {
			t.Fatal("dependent ripened while its dependency was unresolved")
		}
	}
	if _, err := l.Resolve(effect.ID, 50); !errors.Is(err, ErrDependencyPending) {
		t.Fatalf("expected ErrDependencyPending, got %v", err)
	}

	res, err := l.Resolve(cause.ID, 51)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Unblocked) != 1 || res.Unblocked[0].ID != effect.ID {
		t.Fatalf("expected dependent unblocked, got %+v", res.Unblocked)
	}
	ripe, _ = l.CheckRipeness(52, "revenge")
	if len(ripe) != 1 || ripe[0].ID != effect.ID {
		t.Fatalf("expected dependent to ripen, got %+v", ripe)
	}
}

func TestResolveCascadesTriggers(t *testing.T) {
	l := newTestLedger()
	heir := mustPlant(t, l, PlantInput{ID: "heir", Content: "A lost heir"}, 0)
	coronation := mustPlant(t, l, PlantInput{ID: "crown", Content: "A contested coronation"}, 0)
	reveal := mustPlant(t, l, PlantInput{ID: "reveal", Content: "The heir revealed", Triggers: []string{heir.ID, coronation.ID}}, 0)
	if err := l.Link(coronation.ID, heir.ID); err != nil {
		t.Fatalf("link: %v", err)
	}

	res, err := l.Resolve(reveal.ID, 4)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Seed.RipenedBy != RipenedByResolution || res.Seed.ResolvedTurn != 4 {
		t.Fatalf("unexpected resolved seed %+v", res.Seed)
	}
	if len(res.Ripened) != 1 || res.Ripened[0].ID != heir.ID {
		t.Fatalf("expected only the ungated trigger to ripen, got %+v", res.Ripened)
	}
	got, _ := l.Get(coronation.ID)
	if got.Status != StatusPlanted {
		t.Fatalf("gated trigger should stay planted, got %s", got.Status)
	}
}

func TestConflictExclusion(t *testing.T) {
	l := newTestLedger()
	a := mustPlant(t, l, PlantInput{ID: "villain-is-brother", Content: "The villain is the hero's brother"}, 0)
	b := mustPlant(t, l, PlantInput{ID: "brother-died", Content: "The brother died long ago", ConflictsWith: []string{a.ID}}, 0)

	if _, err := l.Resolve(a.ID, 3); err != nil {
		t.Fatalf("resolve first: %v", err)
	}
	before, _ := l.Get(b.ID)
	if _, err := l.Resolve(b.ID, 4); !errors.Is(err, ErrCausalConflict) {
		t.Fatalf("expected ErrCausalConflict, got %v", err)
	}
	after, _ := l.Get(b.ID)
	if after.Status != before.Status || after.ResolvedTurn != 0 {
		t.Fatalf("rejected resolution mutated seed: %+v", after)
	}
}

func TestLinkRejectsCycles(t *testing.T) {
	l := newTestLedger()
	a := mustPlant(t, l, PlantInput{ID: "a", Content: "a"}, 0)
	b := mustPlant(t, l, PlantInput{ID: "b", Content: "b", DependsOn: []string{a.ID}}, 0)
	c := mustPlant(t, l, PlantInput{ID: "c", Content: "c", DependsOn: []string{b.ID}}, 0)
	if err := l.Link(a.ID, c.ID); !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
	if err := l.Link(a.ID, a.ID); !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected self cycle rejection, got %v", err)
	}
}

func TestAbandonTransitions(t *testing.T) {
	l := newTestLedger()
	a := mustPlant(t, l, PlantInput{Content: "A rival guild"}, 0)
	b := mustPlant(t, l, PlantInput{Content: "A prophecy"}, 0)
	if _, err := l.Abandon(a.ID, "player left the city"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, err := l.Resolve(a.ID, 2); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := l.Resolve(b.ID, 2); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := l.Abandon(b.ID, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected resolved seed to refuse abandonment, got %v", err)
	}
}

func TestOverdue(t *testing.T) {
	l := newTestLedger()
	old := mustPlant(t, l, PlantInput{Content: "An old grudge"}, 0)
	mustPlant(t, l, PlantInput{Content: "A new rumour"}, 30)
	overdue := l.Overdue(45, 0)
	if len(overdue) != 1 || overdue[0].ID != old.ID {
		t.Fatalf("unexpected overdue seeds %+v", overdue)
	}
}

// Random DAGs with random link attempts, resolutions and ripeness checks must
// never yield a ripe or resolved seed with an unresolved dependency, nor two
// resolved seeds in conflict.
func TestCausalInvariantsOverRandomGraphs(t *testing.T) {
	for trial := 0; trial < 40; trial++ {
		rng := rand.New(rand.NewSource(int64(trial)))
		l := newTestLedger()
		var ids []string
		for i := 0; i < 12; i++ {
			in := PlantInput{
				ID:             fmt.Sprintf("s%02d", i),
				Content:        fmt.Sprintf("seed %d", i),
				PayoffKeywords: []string{fmt.Sprintf("kw%d", i)},
			}
			for _, prior := range ids {
				switch rng.Intn(6) {
				case 0:
					in.DependsOn = append(in.DependsOn, prior)
				case 1:
					in.ConflictsWith = append(in.ConflictsWith, prior)
				case 2:
					in.Triggers = append(in.Triggers, prior)
				}
			}
			mustPlant(t, l, in, 0)
			ids = append(ids, in.ID)
		}

		for step := 0; step < 60; step++ {
			a, b := ids[rng.Intn(len(ids))], ids[rng.Intn(len(ids))]
			switch rng.Intn(4) {
			case 0:
				err := l.Link(a, b)
				if err == nil && (a == b || reachable(l, b, a, a, b)) {
					t.Fatalf("trial %d: link %s -> %s created a cycle", trial, a, b)
				}
			case 1:
				_, _ = l.Resolve(a, step)
			case 2:
				_, _ = l.CheckRipeness(step, fmt.Sprintf("kw%d", rng.Intn(12)))
			case 3:
				_, _ = l.Ripen(a, step, RipenedByDirector)
			}
			assertCausalInvariants(t, l)
		}
	}
}

// reachable follows dependencies from start, ignoring the just-added edge.
func reachable(l *Ledger, start, target, skipFrom, skipTo string) bool {
	seen := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		s, _ := l.Get(cur)
		for _, dep := range s.DependsOn {
			if cur == skipFrom && dep == skipTo {
				continue
			}
			stack = append(stack, dep)
		}
	}
	return false
}

func assertCausalInvariants(t *testing.T, l *Ledger) {
	t.Helper()
	byID := map[string]Seed{}
	for _, s := range l.All() {
		byID[s.ID] = s
	}
	for _, s := range byID {
		if s.Status == StatusRipe || s.Status == StatusResolved {
			for _, dep := range s.DependsOn {
				if byID[dep].Status != StatusResolved {
					t.Fatalf("seed %s is %s while dependency %s is %s", s.ID, s.Status, dep, byID[dep].Status)
				}
			}
		}
		if s.Status == StatusResolved {
			for _, other := range s.ConflictsWith {
				if byID[other].Status == StatusResolved {
					t.Fatalf("conflicting seeds %s and %s both resolved", s.ID, other)
				}
			}
		}
	}
}
