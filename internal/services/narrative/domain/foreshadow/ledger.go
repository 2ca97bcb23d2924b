// Package foreshadow tracks planted narrative seeds and the causal links
// between them: dependencies gate ripeness, triggers cascade on payoff, and
// conflicting seeds can never both be resolved.
package foreshadow

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/louisbranch/taleloom/internal/platform/id"
)

var (
	ErrNotFound          = errors.New("seed not found")
	ErrEmptyContent      = errors.New("seed content is required")
	ErrDuplicateSeed     = errors.New("seed id already planted with different content")
	ErrUnknownReference  = errors.New("seed references unknown seed")
	ErrDependencyCycle   = errors.New("seed dependency cycle")
	ErrDependencyPending = errors.New("seed dependencies unresolved")
	ErrCausalConflict    = errors.New("seed conflicts with a resolved seed")
	ErrInvalidTransition = errors.New("invalid seed status transition")
)

// Config holds ledger defaults.
type Config struct {
	// MinElapsedTurns is the settle period before a seed may ripen.
	MinElapsedTurns int
	// DormancyTurns ripens a seed that has waited this long without a keyword hit.
	DormancyTurns int
	// KeywordConfidence is the share of payoff keywords that must appear.
	KeywordConfidence float64
	// OverdueTurns marks open seeds the director should force into focus.
	OverdueTurns int
}

// DefaultConfig returns the stock ledger tuning.
func DefaultConfig() Config {
	return Config{
		MinElapsedTurns:   3,
		DormancyTurns:     25,
		KeywordConfidence: 0.5,
		OverdueTurns:      40,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MinElapsedTurns <= 0 {
		c.MinElapsedTurns = def.MinElapsedTurns
	}
	if c.DormancyTurns <= 0 {
		c.DormancyTurns = def.DormancyTurns
	}
	if c.KeywordConfidence <= 0 || c.KeywordConfidence > 1 {
		c.KeywordConfidence = def.KeywordConfidence
	}
	if c.OverdueTurns <= 0 {
		c.OverdueTurns = def.OverdueTurns
	}
	return c
}

// Ledger owns every seed of one campaign.
type Ledger struct {
	mu    sync.RWMutex
	cfg   Config
	seeds map[string]*Seed
	order []string
	dirty map[string]struct{}
	newID func() (string, error)
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithIDGenerator overrides seed id generation.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.newID = fn
		}
	}
}

// NewLedger builds an empty ledger.
func NewLedger(cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		cfg:   cfg.normalized(),
		seeds: make(map[string]*Seed),
		dirty: make(map[string]struct{}),
		newID: id.NewID,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective tuning.
func (l *Ledger) Config() Config {
	return l.cfg
}

// Plant records a new seed. Planting an id that already exists with the
// same content returns the existing seed unchanged.
func (l *Ledger) Plant(in PlantInput, turn int) (Seed, error) {
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return Seed{}, ErrEmptyContent
	}
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		generated, err := l.newID()
		if err != nil {
			return Seed{}, err
		}
		in.ID = generated
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.seeds[in.ID]; ok {
		if existing.Content == in.Content {
			return existing.clone(), nil
		}
		return Seed{}, fmt.Errorf("%w: %s", ErrDuplicateSeed, in.ID)
	}

	dependsOn := dedupe(in.DependsOn)
	triggers := dedupe(in.Triggers)
	conflicts := dedupe(in.ConflictsWith)
	for _, group := range [][]string{dependsOn, triggers, conflicts} {
		for _, ref := range group {
			if ref == in.ID {
				return Seed{}, fmt.Errorf("%w: %s references itself", ErrUnknownReference, in.ID)
			}
			if _, ok := l.seeds[ref]; !ok {
				return Seed{}, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
			}
		}
	}
	// A fresh seed has no dependents yet, so its dependency list alone
	// cannot close a cycle.

	seed := &Seed{
		ID:              in.ID,
		Content:         in.Content,
		PlantedTurn:     turn,
		Status:          StatusPlanted,
		PayoffKeywords:  normalizeKeywords(in.PayoffKeywords),
		DependsOn:       dependsOn,
		Triggers:        triggers,
		ConflictsWith:   conflicts,
		MinElapsedTurns: in.MinElapsedTurns,
		DormancyTurns:   in.DormancyTurns,
		MemoryID:        in.MemoryID,
	}
	l.seeds[seed.ID] = seed
	l.order = append(l.order, seed.ID)
	l.dirty[seed.ID] = struct{}{}
	return seed.clone(), nil
}

// Link adds a dependency to a planted seed.
func (l *Ledger) Link(seedID, dependsOn string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	seed, ok := l.seeds[seedID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, seedID)
	}
	if _, ok := l.seeds[dependsOn]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReference, dependsOn)
	}
	if seed.Status != StatusPlanted {
		return fmt.Errorf("%w: cannot add dependency to %s seed %s", ErrInvalidTransition, seed.Status, seedID)
	}
	if contains(seed.DependsOn, dependsOn) {
		return nil
	}
	if seedID == dependsOn || l.reachableLocked(dependsOn, seedID) {
		return fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, seedID, dependsOn)
	}
	seed.DependsOn = append(seed.DependsOn, dependsOn)
	l.dirty[seedID] = struct{}{}
	return nil
}

// reachableLocked reports whether target is reachable from start by
// following dependency edges.
func (l *Ledger) reachableLocked(start, target string) bool {
	seen := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == target {
			return true
		}
		if seen[current] {
			continue
		}
		seen[current] = true
		if seed, ok := l.seeds[current]; ok {
			stack = append(stack, seed.DependsOn...)
		}
	}
	return false
}

func (l *Ledger) dependenciesResolvedLocked(seed *Seed) bool {
	for _, dep := range seed.DependsOn {
		if d, ok := l.seeds[dep]; !ok || d.Status != StatusResolved {
			return false
		}
	}
	return true
}

// conflictLocked returns the id of a resolved seed that conflicts with seed
// in either direction.
func (l *Ledger) conflictLocked(seed *Seed) string {
	for _, other := range seed.ConflictsWith {
		if o, ok := l.seeds[other]; ok && o.Status == StatusResolved {
			return other
		}
	}
	for _, otherID := range l.order {
		o := l.seeds[otherID]
		if o.Status == StatusResolved && contains(o.ConflictsWith, seed.ID) {
			return otherID
		}
	}
	return ""
}

// Resolve pays off a seed. Dependencies must be resolved and no conflicting
// seed may already be resolved; on rejection nothing changes. Resolving a
// planted seed passes through ripe.
func (l *Ledger) Resolve(seedID string, turn int) (Resolution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seed, ok := l.seeds[seedID]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrNotFound, seedID)
	}
	if !seed.Status.Open() {
		return Resolution{}, fmt.Errorf("%w: %s seed %s cannot resolve", ErrInvalidTransition, seed.Status, seedID)
	}
	if !l.dependenciesResolvedLocked(seed) {
		return Resolution{}, fmt.Errorf("%w: %s", ErrDependencyPending, seedID)
	}
	if other := l.conflictLocked(seed); other != "" {
		return Resolution{}, fmt.Errorf("%w: %s conflicts with %s", ErrCausalConflict, seedID, other)
	}

	if seed.Status == StatusPlanted {
		seed.Status = StatusRipe
		seed.RipenedTurn = turn
		seed.RipenedBy = RipenedByResolution
	}
	seed.Status = StatusResolved
	seed.ResolvedTurn = turn
	l.dirty[seedID] = struct{}{}

	res := Resolution{Seed: seed.clone()}
	for _, triggered := range seed.Triggers {
		t := l.seeds[triggered]
		if t == nil || t.Status != StatusPlanted || !l.dependenciesResolvedLocked(t) {
			continue
		}
		l.ripenLocked(t, turn, RipenedByTrigger, 1)
		res.Ripened = append(res.Ripened, t.clone())
	}
	for _, otherID := range l.order {
		o := l.seeds[otherID]
		if o.Status == StatusPlanted && contains(o.DependsOn, seedID) && l.dependenciesResolvedLocked(o) {
			res.Unblocked = append(res.Unblocked, o.clone())
		}
	}
	return res, nil
}

func (l *Ledger) ripenLocked(seed *Seed, turn int, cause RipenCause, confidence float64) {
	seed.Status = StatusRipe
	seed.RipenedTurn = turn
	seed.RipenedBy = cause
	seed.Confidence = confidence
	l.dirty[seed.ID] = struct{}{}
}

// Ripen marks a planted seed ripe on request, honouring the dependency gate.
func (l *Ledger) Ripen(seedID string, turn int, cause RipenCause) (Seed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seed, ok := l.seeds[seedID]
	if !ok {
		return Seed{}, fmt.Errorf("%w: %s", ErrNotFound, seedID)
	}
	switch seed.Status {
	case StatusRipe:
		return seed.clone(), nil
	case StatusPlanted:
	default:
		return Seed{}, fmt.Errorf("%w: %s seed %s cannot ripen", ErrInvalidTransition, seed.Status, seedID)
	}
	if !l.dependenciesResolvedLocked(seed) {
		return Seed{}, fmt.Errorf("%w: %s", ErrDependencyPending, seedID)
	}
	l.ripenLocked(seed, turn, cause, 1)
	return seed.clone(), nil
}

// Abandon retires an open seed. Abandoning an abandoned seed is a no-op.
func (l *Ledger) Abandon(seedID, reason string) (Seed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seed, ok := l.seeds[seedID]
	if !ok {
		return Seed{}, fmt.Errorf("%w: %s", ErrNotFound, seedID)
	}
	switch seed.Status {
	case StatusAbandoned:
		return seed.clone(), nil
	case StatusResolved:
		return Seed{}, fmt.Errorf("%w: resolved seed %s cannot be abandoned", ErrInvalidTransition, seedID)
	}
	seed.Status = StatusAbandoned
	seed.AbandonReason = strings.TrimSpace(reason)
	l.dirty[seedID] = struct{}{}
	return seed.clone(), nil
}

// Get returns a copy of a seed.
func (l *Ledger) Get(seedID string) (Seed, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seed, ok := l.seeds[seedID]
	if !ok {
		return Seed{}, fmt.Errorf("%w: %s", ErrNotFound, seedID)
	}
	return seed.clone(), nil
}

// All returns every seed in planting order.
func (l *Ledger) All() []Seed {
	return l.filter(func(*Seed) bool { return true })
}

// Ripe returns seeds ready for payoff.
func (l *Ledger) Ripe() []Seed {
	return l.filter(func(s *Seed) bool { return s.Status == StatusRipe })
}

// Open returns planted and ripe seeds.
func (l *Ledger) Open() []Seed {
	return l.filter(func(s *Seed) bool { return s.Status.Open() })
}

// Overdue returns open seeds older than threshold turns; a non-positive
// threshold selects the configured default.
func (l *Ledger) Overdue(turn, threshold int) []Seed {
	if threshold <= 0 {
		threshold = l.cfg.OverdueTurns
	}
	return l.filter(func(s *Seed) bool {
		return s.Status.Open() && turn-s.PlantedTurn > threshold
	})
}

func (l *Ledger) filter(keep func(*Seed) bool) []Seed {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Seed, 0)
	for _, seedID := range l.order {
		if s := l.seeds[seedID]; keep(s) {
			out = append(out, s.clone())
		}
	}
	return out
}

// Load replaces the ledger contents with persisted seeds, kept in order.
func (l *Ledger) Load(seeds []Seed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seeds = make(map[string]*Seed, len(seeds))
	l.order = make([]string, 0, len(seeds))
	l.dirty = make(map[string]struct{})
	for _, s := range seeds {
		seed := s.clone()
		l.seeds[seed.ID] = &seed
		l.order = append(l.order, seed.ID)
	}
}

// TakeDirty returns seeds changed since the last call and clears the set.
func (l *Ledger) TakeDirty() []Seed {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Seed, 0, len(l.dirty))
	for _, seedID := range l.order {
		if _, ok := l.dirty[seedID]; ok {
			out = append(out, l.seeds[seedID].clone())
		}
	}
	l.dirty = make(map[string]struct{})
	return out
}

// Requeue marks seeds dirty again after a failed flush.
func (l *Ledger) Requeue(seeds []Seed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range seeds {
		if _, ok := l.seeds[s.ID]; ok {
			l.dirty[s.ID] = struct{}{}
		}
	}
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func normalizeKeywords(values []string) []string {
	lowered := make([]string, 0, len(values))
	for _, v := range values {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(v)))
	}
	return dedupe(lowered)
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
