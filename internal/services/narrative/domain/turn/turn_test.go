package turn

import (
	"errors"
	"testing"

	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
)

func TestEffectMutation(t *testing.T) {
	mut, err := Effect{Target: "npc/captain-vell", Op: "affinity.adjust", Delta: -5}.Mutation()
	if err != nil {
		t.Fatalf("mutation: %v", err)
	}
	want := world.Mutation{Key: world.Key{Kind: world.KindNPC, ID: "captain-vell"}, Op: world.OpAffinityAdjust, Delta: -5}
	if mut.Key != want.Key || mut.Op != want.Op || mut.Delta != want.Delta {
		t.Fatalf("Mutation() = %+v, want %+v", mut, want)
	}
}

func TestEffectCreateCarriesSeed(t *testing.T) {
	mut, err := Effect{Target: "npc/smuggler", Op: "entity.create", Text: "Smuggler", Stats: map[string]int{"hp": 5}}.Mutation()
	if err != nil {
		t.Fatalf("mutation: %v", err)
	}
	if mut.Seed == nil || mut.Seed.Name != "Smuggler" || mut.Seed.Stats["hp"] != 5 {
		t.Fatalf("unexpected seed %+v", mut.Seed)
	}
}

func TestMutationsReportsIndex(t *testing.T) {
	_, err := Mutations([]Effect{
		{Target: "character/aria", Op: "stat.adjust", Field: "hp", Delta: -1},
		{Target: "nowhere", Op: "stat.adjust"},
	})
	if !errors.Is(err, world.ErrInvalidMutation) {
		t.Fatalf("expected ErrInvalidMutation, got %v", err)
	}
	if err.Error()[:8] != "effect 1" {
		t.Fatalf("expected index in error, got %v", err)
	}
}

func TestIntentHasFlag(t *testing.T) {
	in := Intent{Flags: []string{FlagWorldAltering}}
	if !in.HasFlag(FlagWorldAltering) || in.HasFlag("other") {
		t.Fatal("unexpected flag lookup")
	}
}

func TestCategoryValid(t *testing.T) {
	if !CategoryRecap.Valid() {
		t.Fatal("recap should be valid")
	}
	if Category("dance").Valid() {
		t.Fatal("dance should not be valid")
	}
}
