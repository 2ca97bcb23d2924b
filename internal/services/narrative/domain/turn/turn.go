// Package turn defines the values that flow through one turn of play.
package turn

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
)

// Category is the classified kind of player input.
type Category string

const (
	CategoryAction      Category = "action"
	CategoryDialogue    Category = "dialogue"
	CategoryCombat      Category = "combat"
	CategoryExploration Category = "exploration"
	CategoryRecap       Category = "recap"
	CategoryMeta        Category = "meta"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryAction, CategoryDialogue, CategoryCombat, CategoryExploration, CategoryRecap, CategoryMeta:
		return true
	}
	return false
}

// FlagWorldAltering marks input that asserts a fact about the world
// instead of attempting an action.
const FlagWorldAltering = "world_altering_assertion"

// Intent is the classifier's reading of player input.
type Intent struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Flags      []string `json:"flags,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Targets    []string `json:"targets,omitempty"`
	Summary    string   `json:"summary,omitempty"`
}

// HasFlag reports whether the intent carries flag.
func (i Intent) HasFlag(flag string) bool {
	for _, f := range i.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IntentCheck is the secondary verdict on a doubtful intent.
type IntentCheck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	// Intent optionally replaces the classifier's reading.
	Intent *Intent `json:"intent,omitempty"`
}

// Result labels of an outcome.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailure = "failure"
	ResultNone    = "none"
)

// Effect is a proposed state change in wire form.
type Effect struct {
	Target   string         `json:"target"`
	Op       string         `json:"op"`
	Field    string         `json:"field,omitempty"`
	Delta    int            `json:"delta,omitempty"`
	Value    int            `json:"value,omitempty"`
	Bool     bool           `json:"bool,omitempty"`
	Text     string         `json:"text,omitempty"`
	Stats    map[string]int `json:"stats,omitempty"`
	Override bool           `json:"override,omitempty"`
}

// Mutation converts the effect into a state mutation.
func (e Effect) Mutation() (world.Mutation, error) {
	key, err := world.ParseKey(e.Target)
	if err != nil {
		return world.Mutation{}, err
	}
	mut := world.Mutation{
		Key:      key,
		Op:       world.Op(strings.TrimSpace(e.Op)),
		Field:    strings.TrimSpace(e.Field),
		Delta:    e.Delta,
		Value:    e.Value,
		Bool:     e.Bool,
		Text:     e.Text,
		Override: e.Override,
	}
	if mut.Op == world.OpCreate {
		mut.Seed = &world.Entity{Name: e.Text, Stats: e.Stats}
	}
	return mut, nil
}

// Mutations converts effects in order.
func Mutations(effects []Effect) ([]world.Mutation, error) {
	out := make([]world.Mutation, 0, len(effects))
	for i, e := range effects {
		mut, err := e.Mutation()
		if err != nil {
			return nil, fmt.Errorf("effect %d: %w", i, err)
		}
		out = append(out, mut)
	}
	return out, nil
}

// Outcome is the judged mechanical result of an intent.
type Outcome struct {
	Result  string   `json:"result"`
	Summary string   `json:"summary"`
	Effects []Effect `json:"effects,omitempty"`
	// ResolveSeeds lists seeds this outcome pays off.
	ResolveSeeds []string `json:"resolve_seeds,omitempty"`
	// PlantSeeds lists foreshadowing the narrated events set up.
	PlantSeeds []PlantSeed `json:"plant_seeds,omitempty"`
	// Override is the logged reason for effects flagged to break a bound.
	Override string `json:"override,omitempty"`
	// Critical marks the turn's memory as plot-critical.
	Critical bool `json:"critical,omitempty"`
}

// PlantSeed asks for a new seed. ID is mandatory so replays are no-ops.
type PlantSeed struct {
	ID              string   `json:"id"`
	Content         string   `json:"content"`
	Keywords        []string `json:"keywords,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
	Triggers        []string `json:"triggers,omitempty"`
	ConflictsWith   []string `json:"conflicts_with,omitempty"`
	MinElapsedTurns int      `json:"min_elapsed_turns,omitempty"`
}

// Check reports a seed request missing its id or content.
func (p PlantSeed) Check() error {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Content) == "" {
		return errors.New("seed needs an id and content")
	}
	return nil
}

// Coherence is the validator's verdict on generated prose.
type Coherence struct {
	Coherent bool     `json:"coherent"`
	Problems []string `json:"problems,omitempty"`
}

// Path is the routed narrative mode of a turn.
type Path string

const (
	PathScene    Path = "scene"
	PathDialogue Path = "dialogue"
	PathCombat   Path = "combat"
	PathPayoff   Path = "payoff"
	PathRecap    Path = "recap"
)

// Turn is one committed unit of play. It is immutable once stored.
type Turn struct {
	CampaignID string
	SessionID  string
	Seq        int
	Input      string
	Intent     Intent
	Outcome    Outcome
	Path       Path
	Narrative  string
	Changes    []world.Change
	CreatedAt  time.Time
}

// Step is one traced pipeline stage.
type Step struct {
	Name     string        `json:"name"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Trace is the debug record of a processed turn.
type Trace struct {
	Steps       []Step   `json:"steps"`
	Route       Path     `json:"route,omitempty"`
	RouteReason string   `json:"route_reason,omitempty"`
	MemoryIDs   []string `json:"memory_ids,omitempty"`
	RuleIDs     []string `json:"rule_ids,omitempty"`
	RipeSeeds   []string `json:"ripe_seeds,omitempty"`
	Notes       []string `json:"notes,omitempty"`
}

// Record appends a step.
func (t *Trace) Record(name string, attempts int, started time.Time, err error) {
	step := Step{Name: name, Attempts: attempts, Duration: time.Since(started)}
	if err != nil {
		step.Error = err.Error()
	}
	t.Steps = append(t.Steps, step)
}

// Note appends a free-form remark.
func (t *Trace) Note(format string, args ...any) {
	t.Notes = append(t.Notes, fmt.Sprintf(format, args...))
}

// Result is returned to the caller of ProcessTurn.
type Result struct {
	TurnSeq        int
	NarrativeText  string
	OutcomeSummary string
	ChangeLog      []world.Change
	Path           Path
	// Committed is false for refusals and degraded turns.
	Committed bool
	// Degraded marks an in-voice fallback after agent failure.
	Degraded bool
	Debug    Trace
}
