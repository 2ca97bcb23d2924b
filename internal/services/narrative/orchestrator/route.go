package orchestrator

import (
	"strings"

	"github.com/louisbranch/taleloom/internal/services/narrative/domain/foreshadow"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
)

// Route picks the narrative path for a turn. It is a pure function of its
// inputs; the checks run in a fixed order: recap, payoff, combat, dialogue,
// and scene as the default.
func Route(intent turn.Intent, outcome turn.Outcome, ripe []foreshadow.Seed) (turn.Path, string) {
	if intent.Category == turn.CategoryRecap {
		return turn.PathRecap, "recap requested"
	}
	if len(outcome.ResolveSeeds) > 0 {
		return turn.PathPayoff, "outcome resolves " + strings.Join(outcome.ResolveSeeds, ", ")
	}
	if seed, ok := matchRipe(intent, ripe); ok {
		return turn.PathPayoff, "ripe seed " + seed + " matches intent"
	}
	if intent.Category == turn.CategoryCombat {
		return turn.PathCombat, "combat intent"
	}
	if intent.Category == turn.CategoryDialogue {
		return turn.PathDialogue, "dialogue intent"
	}
	return turn.PathScene, "default scene"
}

// matchRipe returns the first ripe seed whose payoff keywords overlap the
// intent keywords or targets.
func matchRipe(intent turn.Intent, ripe []foreshadow.Seed) (string, bool) {
	if len(ripe) == 0 {
		return "", false
	}
	words := make(map[string]bool, len(intent.Keywords)+len(intent.Targets))
	for _, k := range intent.Keywords {
		words[strings.ToLower(strings.TrimSpace(k))] = true
	}
	for _, t := range intent.Targets {
		words[strings.ToLower(strings.TrimSpace(t))] = true
	}
	for _, seed := range ripe {
		for _, k := range seed.PayoffKeywords {
			if words[strings.ToLower(k)] {
				return seed.ID, true
			}
		}
	}
	return "", false
}
