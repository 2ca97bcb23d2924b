package foreshadow

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/coregx/ahocorasick"
)

// keywordIndex maps every open seed's payoff keywords onto one automaton.
type keywordIndex struct {
	automaton *ahocorasick.Automaton
	// owners[patternID] lists (seed, keyword) pairs sharing the pattern.
	owners [][]keywordOwner
}

type keywordOwner struct {
	seedID  string
	keyword int
}

func buildKeywordIndex(seeds []*Seed) (*keywordIndex, error) {
	var patterns []string
	patternIndex := make(map[string]int)
	var owners [][]keywordOwner
	for _, seed := range seeds {
		for k, keyword := range seed.PayoffKeywords {
			if keyword == "" {
				continue
			}
			idx, ok := patternIndex[keyword]
			if !ok {
				idx = len(patterns)
				patternIndex[keyword] = idx
				patterns = append(patterns, keyword)
				owners = append(owners, nil)
			}
			owners[idx] = append(owners[idx], keywordOwner{seedID: seed.ID, keyword: k})
		}
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	automaton, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	return &keywordIndex{automaton: automaton, owners: owners}, nil
}

// confidences returns, per seed, the share of its keywords found in text
// as whole words.
func (k *keywordIndex) confidences(text string, seeds map[string]*Seed) map[string]float64 {
	haystack := []byte(strings.ToLower(text))
	found := make(map[string]map[int]struct{})
	for _, m := range k.automaton.FindAllOverlapping(haystack) {
		if !wordBoundary(haystack, m.Start, m.End) {
			continue
		}
		for _, owner := range k.owners[m.PatternID] {
			if found[owner.seedID] == nil {
				found[owner.seedID] = make(map[int]struct{})
			}
			found[owner.seedID][owner.keyword] = struct{}{}
		}
	}
	out := make(map[string]float64, len(found))
	for seedID, hits := range found {
		total := len(seeds[seedID].PayoffKeywords)
		if total > 0 {
			out[seedID] = float64(len(hits)) / float64(total)
		}
	}
	return out
}

func wordBoundary(text []byte, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRune(text[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRune(text[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// CheckRipeness evaluates planted seeds against the current turn and the
// recent narrative text and returns the seeds that became ripe.
//
// Criteria are applied in order: every dependency resolved, the settle
// period elapsed, payoff keywords matched at the configured confidence, or
// else dormancy reached.
func (l *Ledger) CheckRipeness(turn int, recentText string) ([]Seed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var candidates []*Seed
	for _, seedID := range l.order {
		seed := l.seeds[seedID]
		if seed.Status != StatusPlanted || !l.dependenciesResolvedLocked(seed) {
			continue
		}
		minElapsed := l.cfg.MinElapsedTurns
		if seed.MinElapsedTurns > 0 {
			minElapsed = seed.MinElapsedTurns
		}
		if turn-seed.PlantedTurn < minElapsed {
			continue
		}
		candidates = append(candidates, seed)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var confidence map[string]float64
	if strings.TrimSpace(recentText) != "" {
		index, err := buildKeywordIndex(candidates)
		if err != nil {
			return nil, err
		}
		if index != nil {
			confidence = index.confidences(recentText, l.seeds)
		}
	}

	var ripened []Seed
	for _, seed := range candidates {
		if c := confidence[seed.ID]; c >= l.cfg.KeywordConfidence {
			l.ripenLocked(seed, turn, RipenedByKeyword, c)
			ripened = append(ripened, seed.clone())
			continue
		}
		dormancy := l.cfg.DormancyTurns
		if seed.DormancyTurns > 0 {
			dormancy = seed.DormancyTurns
		}
		if turn-seed.PlantedTurn >= dormancy {
			l.ripenLocked(seed, turn, RipenedByDormancy, 0)
			ripened = append(ripened, seed.clone())
		}
	}
	return ripened, nil
}
