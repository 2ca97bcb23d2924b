package foreshadow

// Status is a seed's lifecycle state.
type Status string

const (
	StatusPlanted   Status = "planted"
	StatusRipe      Status = "ripe"
	StatusResolved  Status = "resolved"
	StatusAbandoned Status = "abandoned"
)

// Open reports whether a seed in this status still awaits payoff.
func (s Status) Open() bool {
	return s == StatusPlanted || s == StatusRipe
}

// RipenCause records what made a seed ripe.
type RipenCause string

const (
	RipenedByKeyword    RipenCause = "keyword"
	RipenedByDormancy   RipenCause = "dormancy"
	RipenedByTrigger    RipenCause = "trigger"
	RipenedByResolution RipenCause = "resolution"
	RipenedByDirector   RipenCause = "director"
)

// Seed is a planted narrative promise.
type Seed struct {
	ID             string
	Content        string
	PlantedTurn    int
	Status         Status
	PayoffKeywords []string
	DependsOn      []string
	Triggers       []string
	ConflictsWith  []string
	// MinElapsedTurns and DormancyTurns override the ledger defaults when set.
	MinElapsedTurns int
	DormancyTurns   int
	RipenedTurn     int
	RipenedBy       RipenCause
	Confidence      float64
	ResolvedTurn    int
	AbandonReason   string
	// MemoryID links the memory record protected while the seed is open.
	MemoryID string
}

func (s Seed) clone() Seed {
	s.PayoffKeywords = append([]string(nil), s.PayoffKeywords...)
	s.DependsOn = append([]string(nil), s.DependsOn...)
	s.Triggers = append([]string(nil), s.Triggers...)
	s.ConflictsWith = append([]string(nil), s.ConflictsWith...)
	return s
}

// PlantInput describes a new seed.
type PlantInput struct {
	// ID is optional; callers planting idempotently pass a stable id.
	ID              string
	Content         string
	PayoffKeywords  []string
	DependsOn       []string
	Triggers        []string
	ConflictsWith   []string
	MinElapsedTurns int
	DormancyTurns   int
	MemoryID        string
}

// Resolution is the outcome of resolving a seed.
type Resolution struct {
	Seed Seed
	// Ripened lists seeds the resolution made ripe through triggers.
	Ripened []Seed
	// Unblocked lists planted dependents whose dependencies are now all resolved.
	Unblocked []Seed
}
