package orchestrator

import (
	"fmt"

	"github.com/louisbranch/taleloom/internal/services/narrative/domain/foreshadow"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/memory"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/rules"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
)

const (
	intentTask = "Classify the player's input. Pick exactly one category: action, dialogue, combat, exploration, recap or meta. " +
		"Flag world_altering_assertion when the input declares a fact about the world instead of attempting something."
	intentSchema = `{"category":"action","confidence":0.8,"flags":[],"keywords":["door"],"targets":["npc/guard"],"summary":"..."}`

	intentCheckTask = "The classifier was unsure about this input or it asserts a fact about the world. " +
		"Decide whether it is an acceptable move given the established story. Explain rejections briefly in-world."
	intentCheckSchema = `{"accepted":true,"reason":"...","intent":null}`

	outcomeTask = "Judge the mechanical outcome of the classified intent against the current world state. " +
		"Propose effects only on existing entities unless creating one. List ripe seed ids this turn pays off. " +
		"Plant new seeds with stable ids when the events set up a later payoff. " +
		"An effect may break a state bound only when it sets override and the outcome gives the reason."
	outcomeSchema = `{"result":"success|partial|failure|none","summary":"...","effects":[{"target":"character/hero","op":"stat.adjust","field":"hp","delta":-2,"override":false}],"resolve_seeds":[],"plant_seeds":[{"id":"stable-id","content":"...","keywords":["..."]}],"override":"","critical":false}`

	coherenceTask = "Check the narration against the outcome and the remembered facts. " +
		"Mark it incoherent if it contradicts either, and list each problem."
	coherenceSchema = `{"coherent":true,"problems":[]}`
)

func narratorTask(path turn.Path) string {
	switch path {
	case turn.PathCombat:
		return "Narrate this combat exchange. Show the judged outcome and its cost; do not invent further effects."
	case turn.PathDialogue:
		return "Narrate this exchange of words. Voice the other party in character; do not invent further effects."
	case turn.PathPayoff:
		return "Narrate this moment as the payoff of what was foreshadowed. Make the connection felt; do not invent further effects."
	case turn.PathRecap:
		return "Recap the recent story for the player. Nothing changes in the world."
	default:
		return "Narrate the scene that follows the player's action, true to the judged outcome."
	}
}

type intentContext struct {
	Input  string   `json:"input"`
	Recent []string `json:"recent,omitempty"`
}

type intentCheckContext struct {
	Input  string      `json:"input"`
	Intent turn.Intent `json:"intent"`
	Facts  []string    `json:"facts,omitempty"`
}

type outcomeContext struct {
	Input     string         `json:"input"`
	Intent    turn.Intent    `json:"intent"`
	World     []world.Entity `json:"world"`
	RipeSeeds []seedBrief    `json:"ripe_seeds,omitempty"`
}

type narrationContext struct {
	Input     string       `json:"input"`
	Intent    turn.Intent  `json:"intent"`
	Outcome   turn.Outcome `json:"outcome"`
	Path      turn.Path    `json:"path"`
	Memories  []string     `json:"memories,omitempty"`
	Rules     []string     `json:"rules,omitempty"`
	RipeSeeds []seedBrief  `json:"ripe_seeds,omitempty"`
	Recent    []string     `json:"recent,omitempty"`
}

type coherenceContext struct {
	Narrative string       `json:"narrative"`
	Outcome   turn.Outcome `json:"outcome"`
	Memories  []string     `json:"memories,omitempty"`
}

type seedBrief struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords,omitempty"`
}

func briefSeeds(seeds []foreshadow.Seed) []seedBrief {
	out := make([]seedBrief, 0, len(seeds))
	for _, s := range seeds {
		out = append(out, seedBrief{ID: s.ID, Content: s.Content, Keywords: s.PayoffKeywords})
	}
	return out
}

func memoryLines(scored []memory.Scored) []string {
	out := make([]string, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.Record.Content)
	}
	return out
}

func ruleLines(rs []rules.Rule) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Text)
	}
	return out
}

func recentLines(turns []turn.Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, fmt.Sprintf("%d. %s -> %s", t.Seq, t.Input, t.Outcome.Summary))
	}
	return out
}
