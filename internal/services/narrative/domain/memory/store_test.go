package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"
)

func sequentialIDs() func() (string, error) {
	n := 0
	return func() (string, error) {
		n++
		return fmt.Sprintf("mem-%03d", n), nil
	}
}

func newTestStore() *Store {
	return NewStore(DefaultConfig(), WithIDGenerator(sequentialIDs()))
}

func mustAdd(t *testing.T, s *Store, content string, category Category, flags Flags, turn int) string {
	t.Helper()
	recordID, err := s.Add(content, category, flags, turn)
	if err != nil {
		t.Fatalf("add %q: %v", content, err)
	}
	return recordID
}

func TestAddValidatesInput(t *testing.T) {
	s := newTestStore()
	if _, err := s.Add("   ", CategoryNormal, Flags{}, 0); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if _, err := s.Add("a rumour", Category("lukewarm"), Flags{}, 0); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
	recordID := mustAdd(t, s, "a rumour", "", Flags{}, 2)
	got, err := s.Get(recordID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Category != CategoryNormal || got.Heat != 100 || got.CreatedTurn != 2 {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestRetrieveOnEmptyStore(t *testing.T) {
	s := newTestStore()
	hits := s.Retrieve("the tavern", 5, DefaultFloor)
	if hits == nil || len(hits) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", hits)
	}
}

func TestDecayOrderingAndCriticalExemption(t *testing.T) {
	s := newTestStore()
	fast := mustAdd(t, s, "The innkeeper sneezed loudly", CategoryFast, Flags{}, 0)
	slow := mustAdd(t, s, "The duke owes the party a favour", CategorySlow, Flags{}, 0)
	permanent := mustAdd(t, s, "The kingdom is called Aldmere", CategoryPermanent, Flags{}, 0)
	pinned := mustAdd(t, s, "Mira is the lost heir", CategoryFast, Flags{}, 0)
	if err := s.MarkCritical(pinned, "heir reveal"); err != nil {
		t.Fatalf("mark critical: %v", err)
	}

	for turn := 1; turn <= 10; turn++ {
		s.DecaySweep(turn)
	}

	heat := func(recordID string) float64 {
		r, err := s.Get(recordID)
		if err != nil {
			t.Fatalf("get %s: %v", recordID, err)
		}
		return r.Heat
	}
	if got := heat(fast); got != 10 {
		t.Fatalf("fast heat = %v, want 10", got)
	}
	if !(heat(fast) < heat(slow) && heat(slow) < heat(permanent)) {
		t.Fatalf("expected fast < slow < permanent, got %v %v %v", heat(fast), heat(slow), heat(permanent))
	}
	if got := heat(pinned); got != 100 {
		t.Fatalf("pinned heat = %v, want 100", got)
	}

	hits := s.Retrieve("innkeeper heir", 0, DefaultFloor)
	ids := make(map[string]bool)
	for _, h := range hits {
		ids[h.Record.ID] = true
	}
	if ids[fast] {
		t.Fatal("cold fast record should be excluded from default retrieval")
	}
	if !ids[pinned] {
		t.Fatal("critical record should be retrievable")
	}
}

func TestDecaySweepIsIdempotentPerTurn(t *testing.T) {
	s := newTestStore()
	recordID := mustAdd(t, s, "A crow watches from the gate", CategoryNormal, Flags{}, 0)
	s.DecaySweep(3)
	if n := s.DecaySweep(3); n != 0 {
		t.Fatalf("expected no changes on repeated sweep, got %d", n)
	}
	r, _ := s.Get(recordID)
	if r.Heat != 88 {
		t.Fatalf("heat = %v, want 88", r.Heat)
	}
}

func TestProtectedRecordsDecaySlower(t *testing.T) {
	s := newTestStore()
	plain := mustAdd(t, s, "The bridge creaks", CategoryNormal, Flags{}, 0)
	seeded := mustAdd(t, s, "A locked chest in the cellar", CategoryNormal, Flags{UnresolvedSeed: true}, 0)
	s.DecaySweep(5)

	p, _ := s.Get(plain)
	q, _ := s.Get(seeded)
	if p.Heat != 80 {
		t.Fatalf("plain heat = %v, want 80", p.Heat)
	}
	if math.Abs(q.Heat-98) > 1e-9 {
		t.Fatalf("seed-linked heat = %v, want 98", q.Heat)
	}
}

func TestHeatMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	categories := []Category{CategoryPermanent, CategorySlow, CategoryNormal, CategoryFast}
	s := newTestStore()
	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, mustAdd(t, s, fmt.Sprintf("fact %d", i), categories[rng.Intn(len(categories))], Flags{PlotCritical: rng.Intn(4) == 0}, 0))
	}

	turn := 0
	for step := 0; step < 200; step++ {
		before := make(map[string]float64, len(ids))
		for _, recordID := range ids {
			r, _ := s.Get(recordID)
			before[recordID] = r.Heat
		}

		if rng.Intn(3) == 0 {
			target := ids[rng.Intn(len(ids))]
			if err := s.Boost(target, float64(1+rng.Intn(40)), turn); err != nil {
				t.Fatalf("boost: %v", err)
			}
			r, _ := s.Get(target)
			if r.Heat < before[target] || r.Heat > s.Config().MaxHeat {
				t.Fatalf("boost moved heat from %v to %v", before[target], r.Heat)
			}
			continue
		}

		turn += 1 + rng.Intn(3)
		s.DecaySweep(turn)
		for _, recordID := range ids {
			r, _ := s.Get(recordID)
			if r.Heat > before[recordID] {
				t.Fatalf("sweep raised heat of %s from %v to %v", recordID, before[recordID], r.Heat)
			}
			if r.Heat < 0 {
				t.Fatalf("heat of %s went negative: %v", recordID, r.Heat)
			}
		}
	}
}

func TestBoostCapsAndValidates(t *testing.T) {
	s := newTestStore()
	recordID := mustAdd(t, s, "The well is poisoned", CategoryNormal, Flags{}, 0)
	if err := s.Boost(recordID, 0, 1); !errors.Is(err, ErrInvalidBoost) {
		t.Fatalf("expected ErrInvalidBoost, got %v", err)
	}
	if err := s.Boost("missing", 5, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Boost(recordID, 500, 4); err != nil {
		t.Fatalf("boost: %v", err)
	}
	r, _ := s.Get(recordID)
	if r.Heat != 150 || r.LastAccessTurn != 4 {
		t.Fatalf("unexpected record after boost %+v", r)
	}
}

func TestRetrieveRanksRelevanceAboveHeat(t *testing.T) {
	s := newTestStore()
	hot := mustAdd(t, s, "The weather turned grey", CategoryNormal, Flags{}, 0)
	relevant := mustAdd(t, s, "The blacksmith forged a silver key", CategoryNormal, Flags{}, 0)
	if err := s.Boost(hot, 50, 0); err != nil {
		t.Fatalf("boost: %v", err)
	}

	hits := s.Retrieve("silver key", 2, DefaultFloor)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Record.ID != relevant {
		t.Fatalf("expected relevant record first, got %s", hits[0].Record.ID)
	}
	if hits[0].Relevance != 1 {
		t.Fatalf("expected full query coverage, got %v", hits[0].Relevance)
	}
}

type recordingSummarizer struct {
	calls [][]Record
	err   error
}

func (r *recordingSummarizer) Summarize(_ context.Context, records []Record) (string, error) {
	r.calls = append(r.calls, records)
	if r.err != nil {
		return "", r.err
	}
	parts := make([]string, 0, len(records))
	for _, rec := range records {
		parts = append(parts, rec.Content)
	}
	return "Summary: " + strings.Join(parts, "; "), nil
}

func TestCompressRetainsOriginals(t *testing.T) {
	s := newTestStore()
	a := mustAdd(t, s, "Goblins raided the mill", CategoryFast, Flags{}, 0)
	b := mustAdd(t, s, "goblins  raided the MILL", CategoryFast, Flags{}, 0)
	c := mustAdd(t, s, "The miller fled north", CategoryFast, Flags{}, 0)
	critical := mustAdd(t, s, "The miller carries the map", CategoryFast, Flags{PlotCritical: true}, 0)
	s.DecaySweep(11)

	summarizer := &recordingSummarizer{}
	created, err := s.Compress(context.Background(), CategoryFast, summarizer, 11)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected one summary, got %d", len(created))
	}
	if len(summarizer.calls) != 1 || len(summarizer.calls[0]) != 2 {
		t.Fatalf("expected duplicates collapsed before summarizing, got %+v", summarizer.calls)
	}

	for _, recordID := range []string{a, b, c} {
		r, err := s.Get(recordID)
		if err != nil {
			t.Fatalf("original %s should be retained: %v", recordID, err)
		}
		if r.ReplacedBy != created[0] {
			t.Fatalf("original %s ReplacedBy = %q", recordID, r.ReplacedBy)
		}
	}
	if r, _ := s.Get(critical); r.Replaced() {
		t.Fatal("plot-critical record must not be compressed")
	}
	summary, _ := s.Get(created[0])
	if len(summary.SourceIDs) != 3 {
		t.Fatalf("expected 3 sources, got %v", summary.SourceIDs)
	}
	for _, h := range s.Retrieve("goblins mill", 0, 0) {
		if h.Record.Replaced() {
			t.Fatalf("retired record %s returned by retrieval", h.Record.ID)
		}
	}
}

func TestCompressSummarizerFailureLeavesStore(t *testing.T) {
	s := newTestStore()
	mustAdd(t, s, "Rain", CategoryFast, Flags{}, 0)
	mustAdd(t, s, "More rain", CategoryFast, Flags{}, 0)
	s.DecaySweep(12)
	before := s.Len()

	_, err := s.Compress(context.Background(), CategoryFast, &recordingSummarizer{err: errors.New("agent down")}, 12)
	if err == nil {
		t.Fatal("expected summarizer error")
	}
	if s.Len() != before {
		t.Fatalf("store changed after failed compression: %d -> %d", before, s.Len())
	}
}

func TestTakeDirtyAndRequeue(t *testing.T) {
	s := newTestStore()
	recordID := mustAdd(t, s, "A stranger arrives", CategoryNormal, Flags{}, 0)
	dirty := s.TakeDirty()
	if len(dirty) != 1 || dirty[0].ID != recordID {
		t.Fatalf("unexpected dirty set %+v", dirty)
	}
	if len(s.TakeDirty()) != 0 {
		t.Fatal("expected dirty set cleared")
	}
	s.Requeue(dirty)
	if len(s.TakeDirty()) != 1 {
		t.Fatal("expected requeued record")
	}

	s.Load([]Record{{ID: "loaded", Content: "Old news", Category: CategoryNormal, Heat: 40}})
	if len(s.TakeDirty()) != 0 {
		t.Fatal("loaded records should start clean")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 record after load, got %d", s.Len())
	}
}
