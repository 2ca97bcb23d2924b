// Package memory keeps long-running campaign facts whose relevance cools
// over turns unless they are touched again.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/louisbranch/taleloom/internal/platform/id"
	"github.com/orsinium-labs/stopwords"
)

var (
	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = errors.New("memory record not found")
	// ErrEmptyContent is returned when adding a blank record.
	ErrEmptyContent = errors.New("memory content is required")
	// ErrInvalidCategory is returned for unknown decay categories.
	ErrInvalidCategory = errors.New("invalid memory category")
	// ErrInvalidBoost is returned for non-positive boosts.
	ErrInvalidBoost = errors.New("boost amount must be positive")
)

// Config tunes decay and retrieval.
type Config struct {
	// Rates is heat lost per turn by category.
	Rates map[Category]float64
	// ProtectedFactor scales the rate of plot-critical and seed-linked records.
	ProtectedFactor float64
	InitialHeat     float64
	MaxHeat         float64
	// MinHeat is the default retrieval floor.
	MinHeat float64
	// ColdHeat marks records eligible for compression.
	ColdHeat float64
	// RelevanceWeight is the share of the score taken by query relevance; heat
	// takes the remainder.
	RelevanceWeight float64
	// GroupSize caps how many records one summary may replace.
	GroupSize int
}

// DefaultConfig returns the stock decay tuning.
func DefaultConfig() Config {
	return Config{
		Rates: map[Category]float64{
			CategoryPermanent: 0,
			CategorySlow:      1.5,
			CategoryNormal:    4,
			CategoryFast:      9,
		},
		ProtectedFactor: 0.1,
		InitialHeat:     100,
		MaxHeat:         150,
		MinHeat:         20,
		ColdHeat:        10,
		RelevanceWeight: 0.7,
		GroupSize:       8,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Rates == nil {
		c.Rates = def.Rates
	}
	if c.ProtectedFactor <= 0 {
		c.ProtectedFactor = def.ProtectedFactor
	}
	if c.InitialHeat <= 0 {
		c.InitialHeat = def.InitialHeat
	}
	if c.MaxHeat <= 0 {
		c.MaxHeat = def.MaxHeat
	}
	if c.InitialHeat > c.MaxHeat {
		c.InitialHeat = c.MaxHeat
	}
	if c.MinHeat <= 0 {
		c.MinHeat = def.MinHeat
	}
	if c.ColdHeat <= 0 {
		c.ColdHeat = def.ColdHeat
	}
	if c.RelevanceWeight <= 0 || c.RelevanceWeight > 1 {
		c.RelevanceWeight = def.RelevanceWeight
	}
	if c.GroupSize <= 1 {
		c.GroupSize = def.GroupSize
	}
	return c
}

// Scored is a retrieval hit.
type Scored struct {
	Record    Record
	Relevance float64
	Score     float64
}

// Store is a concurrency-safe in-memory record set. Callers persist it
// through TakeDirty and hydrate it through Load.
type Store struct {
	mu      sync.RWMutex
	cfg     Config
	records map[string]*Record
	order   []string
	dirty   map[string]struct{}
	newID   func() (string, error)
	stop    *stopwords.Stopwords
}

// Option customizes a Store.
type Option func(*Store)

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewStore builds an empty store.
func NewStore(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:     cfg.normalized(),
		records: make(map[string]*Record),
		dirty:   make(map[string]struct{}),
		newID:   id.NewID,
		stop:    stopwords.MustGet("en"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective tuning.
func (s *Store) Config() Config {
	return s.cfg
}

// Add records a new fact at initial heat and returns its id.
func (s *Store) Add(content string, category Category, flags Flags, turn int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	category, err := ParseCategory(string(category))
	if err != nil {
		return "", err
	}
	recordID, err := s.newID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(&Record{
		ID:             recordID,
		Content:        content,
		Category:       category,
		Heat:           s.cfg.InitialHeat,
		CreatedTurn:    turn,
		LastAccessTurn: turn,
		LastDecayTurn:  turn,
		PlotCritical:   flags.PlotCritical,
		UnresolvedSeed: flags.UnresolvedSeed,
		EntityRefs:     append([]string(nil), flags.EntityRefs...),
		ContentHash:    hashContent(content),
	})
	return recordID, nil
}

func (s *Store) insertLocked(r *Record) {
	if _, exists := s.records[r.ID]; !exists {
		s.order = append(s.order, r.ID)
	}
	s.records[r.ID] = r
	s.dirty[r.ID] = struct{}{}
}

// Load replaces the store contents with persisted records without marking
// them dirty. Records are kept in the given order.
func (s *Store) Load(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record, len(records))
	s.order = s.order[:0]
	s.dirty = make(map[string]struct{})
	for _, r := range records {
		rec := r.clone()
		if rec.ContentHash == "" {
			rec.ContentHash = hashContent(rec.Content)
		}
		s.records[rec.ID] = &rec
		s.order = append(s.order, rec.ID)
	}
}

// Get returns a copy of a record.
func (s *Store) Get(recordID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	return r.clone(), nil
}

// All returns copies of every record, retired ones included, in creation order.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.order))
	for _, recordID := range s.order {
		out = append(out, s.records[recordID].clone())
	}
	return out
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if !r.Replaced() {
			n++
		}
	}
	return n
}

// DecaySweep charges every live record for the turns elapsed since its last
// sweep. Running it twice for the same turn changes nothing.
func (s *Store) DecaySweep(currentTurn int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, recordID := range s.order {
		r := s.records[recordID]
		if r.Replaced() {
			continue
		}
		elapsed := currentTurn - r.LastDecayTurn
		if elapsed <= 0 {
			continue
		}
		r.Heat = decayed(r.Heat, s.rateFor(*r), elapsed)
		r.LastDecayTurn = currentTurn
		s.dirty[recordID] = struct{}{}
		changed++
	}
	return changed
}

func (s *Store) rateFor(r Record) float64 {
	if r.Pinned {
		return 0
	}
	rate := s.cfg.Rates[r.Category]
	if r.PlotCritical || r.UnresolvedSeed {
		rate *= s.cfg.ProtectedFactor
	}
	return rate
}

func decayed(heat, rate float64, elapsed int) float64 {
	heat -= rate * float64(elapsed)
	if heat < 0 {
		return 0
	}
	return heat
}

// DefaultFloor selects the configured MinHeat in Retrieve.
const DefaultFloor = -1.0

// Retrieve ranks live records against query. Records below minHeat are
// dropped unless plot-critical; a negative minHeat selects the configured
// floor. topK <= 0 returns every match.
func (s *Store) Retrieve(query string, topK int, minHeat float64) []Scored {
	if minHeat < 0 {
		minHeat = s.cfg.MinHeat
	}
	terms := s.terms(query)

	s.mu.RLock()
	hits := make([]Scored, 0, len(s.records))
	for _, recordID := range s.order {
		r := s.records[recordID]
		if r.Replaced() {
			continue
		}
		if r.Heat < minHeat && !r.PlotCritical {
			continue
		}
		relevance := s.relevance(terms, r.Content)
		hits = append(hits, Scored{
			Record:    r.clone(),
			Relevance: relevance,
			Score:     s.cfg.RelevanceWeight*relevance + (1-s.cfg.RelevanceWeight)*(r.Heat/s.cfg.MaxHeat),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.Heat > hits[j].Record.Heat
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func (s *Store) terms(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range splitWords(text) {
		if len(w) < 2 || s.stop.Contains(w) {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func (s *Store) relevance(query map[string]struct{}, content string) float64 {
	if len(query) == 0 {
		return 0
	}
	have := s.terms(content)
	matched := 0
	for term := range query {
		if _, ok := have[term]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

// Boost raises heat after access, capped at MaxHeat.
func (s *Store) Boost(recordID string, amount float64, turn int) error {
	if amount <= 0 {
		return ErrInvalidBoost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	r.Heat += amount
	if r.Heat > s.cfg.MaxHeat {
		r.Heat = s.cfg.MaxHeat
	}
	if turn > r.LastAccessTurn {
		r.LastAccessTurn = turn
	}
	s.dirty[recordID] = struct{}{}
	return nil
}

// MarkCritical pins a record so it never decays and is always retrievable.
func (s *Store) MarkCritical(recordID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	r.PlotCritical = true
	r.Pinned = true
	r.CriticalReason = strings.TrimSpace(reason)
	s.dirty[recordID] = struct{}{}
	return nil
}

// SetUnresolvedSeed flags or clears the seed link of a record.
func (s *Store) SetUnresolvedSeed(recordID string, unresolved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	if r.UnresolvedSeed != unresolved {
		r.UnresolvedSeed = unresolved
		s.dirty[recordID] = struct{}{}
	}
	return nil
}

// TakeDirty returns copies of records changed since the last call and
// clears the dirty set. A failed flush hands the ids back through Requeue.
func (s *Store) TakeDirty() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.dirty))
	for _, recordID := range s.order {
		if _, ok := s.dirty[recordID]; ok {
			out = append(out, s.records[recordID].clone())
		}
	}
	s.dirty = make(map[string]struct{})
	return out
}

// Requeue marks records dirty again.
func (s *Store) Requeue(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if _, ok := s.records[r.ID]; ok {
			s.dirty[r.ID] = struct{}{}
		}
	}
}

// Summarizer condenses a group of records into one fact.
type Summarizer interface {
	Summarize(ctx context.Context, records []Record) (string, error)
}

// Compress folds cold, unprotected records of category into summaries.
// Originals are retained with ReplacedBy pointing at their summary. The
// summarizer runs without holding the store lock; records touched in the
// meantime are left alone.
func (s *Store) Compress(ctx context.Context, category Category, summarizer Summarizer, turn int) ([]string, error) {
	if summarizer == nil {
		return nil, errors.New("summarizer is required")
	}
	groups := s.coldGroups(category)

	var created []string
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		summary, err := summarizer.Summarize(ctx, DedupeGroup(group))
		if err != nil {
			return created, fmt.Errorf("summarize %d records: %w", len(group), err)
		}
		summary = strings.TrimSpace(summary)
		if summary == "" {
			continue
		}
		summaryID, err := s.newID()
		if err != nil {
			return created, err
		}
		if s.applySummary(summaryID, summary, category, group, turn) {
			created = append(created, summaryID)
		}
	}
	return created, nil
}

func (s *Store) coldGroups(category Category) [][]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cold []Record
	for _, recordID := range s.order {
		r := s.records[recordID]
		if r.Category != category || r.Replaced() || r.Protected() || r.Heat >= s.cfg.ColdHeat {
			continue
		}
		cold = append(cold, r.clone())
	}
	if len(cold) < 2 {
		return nil
	}

	var groups [][]Record
	for start := 0; start < len(cold); start += s.cfg.GroupSize {
		end := start + s.cfg.GroupSize
		if end > len(cold) {
			end = len(cold)
		}
		if end-start < 2 {
			// A lone leftover is not worth a summary call.
			break
		}
		groups = append(groups, cold[start:end])
	}
	return groups
}

func (s *Store) applySummary(summaryID, summary string, category Category, group []Record, turn int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, original := range group {
		live, ok := s.records[original.ID]
		if !ok || live.Replaced() || live.Protected() || live.Heat != original.Heat {
			return false
		}
	}

	heat := 0.0
	var refs []string
	seenRef := make(map[string]struct{})
	sources := make([]string, 0, len(group))
	for _, original := range group {
		if original.Heat > heat {
			heat = original.Heat
		}
		for _, ref := range original.EntityRefs {
			if _, ok := seenRef[ref]; !ok {
				seenRef[ref] = struct{}{}
				refs = append(refs, ref)
			}
		}
		sources = append(sources, original.ID)
		live := s.records[original.ID]
		live.ReplacedBy = summaryID
		s.dirty[original.ID] = struct{}{}
	}

	s.insertLocked(&Record{
		ID:             summaryID,
		Content:        summary,
		Category:       category,
		Heat:           heat,
		CreatedTurn:    turn,
		LastAccessTurn: turn,
		LastDecayTurn:  turn,
		EntityRefs:     refs,
		SourceIDs:      sources,
		ContentHash:    hashContent(summary),
	})
	return true
}

// DedupeGroup collapses records with identical normalized content, keeping
// the first occurrence. Summarizers use it to avoid repeating facts.
func DedupeGroup(records []Record) []Record {
	seen := make(map[string]struct{}, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		h := r.ContentHash
		if h == "" {
			h = hashContent(r.Content)
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, r)
	}
	return out
}
