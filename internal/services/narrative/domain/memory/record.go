package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// Category controls how fast a record loses heat.
type Category string

const (
	CategoryPermanent Category = "permanent"
	CategorySlow      Category = "slow"
	CategoryNormal    Category = "normal"
	CategoryFast      Category = "fast"
)

// ParseCategory normalizes a category label.
func ParseCategory(value string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(value)))
	switch c {
	case CategoryPermanent, CategorySlow, CategoryNormal, CategoryFast:
		return c, nil
	case "":
		return CategoryNormal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, value)
	}
}

// Record is a single remembered fact.
type Record struct {
	ID             string
	Content        string
	Category       Category
	Heat           float64
	CreatedTurn    int
	LastAccessTurn int
	// LastDecayTurn is the turn the last sweep settled; sweeps only charge
	// the turns elapsed since then.
	LastDecayTurn  int
	PlotCritical   bool
	UnresolvedSeed bool
	Pinned         bool
	CriticalReason string
	EntityRefs     []string
	// SourceIDs lists the records a compression summary replaced.
	SourceIDs []string
	// ReplacedBy is set once compression folds this record into a summary.
	ReplacedBy  string
	ContentHash string
}

// Protected reports whether the record decays at the reduced rate and is
// exempt from compression.
func (r Record) Protected() bool {
	return r.PlotCritical || r.UnresolvedSeed || r.Pinned
}

// Replaced reports whether compression retired the record.
func (r Record) Replaced() bool {
	return r.ReplacedBy != ""
}

func (r Record) clone() Record {
	r.EntityRefs = append([]string(nil), r.EntityRefs...)
	r.SourceIDs = append([]string(nil), r.SourceIDs...)
	return r
}

// Flags carries optional attributes for Add.
type Flags struct {
	PlotCritical   bool
	UnresolvedSeed bool
	EntityRefs     []string
}

func hashContent(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
