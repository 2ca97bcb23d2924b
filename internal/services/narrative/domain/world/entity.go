package world

import (
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an entity.
type Kind string

const (
	KindWorld     Kind = "world"
	KindCharacter Kind = "character"
	KindNPC       Kind = "npc"
	KindFaction   Kind = "faction"
	KindQuest     Kind = "quest"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindWorld, KindCharacter, KindNPC, KindFaction, KindQuest:
		return true
	}
	return false
}

// Key addresses an entity.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID
}

// ParseKey parses "kind/id".
func ParseKey(value string) (Key, error) {
	kind, entityID, ok := strings.Cut(strings.TrimSpace(value), "/")
	key := Key{Kind: Kind(strings.ToLower(kind)), ID: entityID}
	if !ok || !key.Kind.Valid() || strings.TrimSpace(entityID) == "" {
		return Key{}, fmt.Errorf("%w: entity key %q", ErrInvalidMutation, value)
	}
	return key, nil
}

// Entity is one piece of authoritative world state.
type Entity struct {
	Kind       Kind
	ID         string
	Name       string
	Stats      map[string]int
	Affinity   int
	Flags      map[string]bool
	Objectives map[string]bool
	Attributes map[string]string
	// Version increments on every committed change.
	Version int64
}

// Key returns the entity's address.
func (e Entity) Key() Key {
	return Key{Kind: e.Kind, ID: e.ID}
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	e.Stats = cloneMap(e.Stats)
	e.Flags = cloneMap(e.Flags)
	e.Objectives = cloneMap(e.Objectives)
	e.Attributes = cloneMap(e.Attributes)
	return e
}

func cloneMap[V any](in map[string]V) map[string]V {
	if in == nil {
		return nil
	}
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

const (
	affinityMin   = -100
	affinityMax   = 100
	maxSuffix     = "_max"
	affinityField = "affinity"
)

// Violation is one broken bound on an entity.
type Violation struct {
	Key    Key
	Field  string
	Detail string
	// Overridden is set when a mutation that touched the field was flagged
	// for override.
	Overridden bool
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrConstraintViolation, v.Key, v.Detail)
}

func (v Violation) Unwrap() error {
	return ErrConstraintViolation
}

// covers reports whether mut changed a value the violated bound reads.
func (v Violation) covers(mut Mutation) bool {
	if mut.Key != v.Key {
		return false
	}
	switch mut.Op {
	case OpCreate:
		return true
	case OpAffinityAdjust:
		return v.Field == affinityField
	case OpStatAdjust, OpStatSet:
		return mut.Field == v.Field || mut.Field == v.Field+maxSuffix
	}
	return false
}

// violations returns every bound the entity breaks, ordered by field.
func violations(e Entity) []Violation {
	var out []Violation
	if e.Affinity < affinityMin || e.Affinity > affinityMax {
		out = append(out, Violation{Key: e.Key(), Field: affinityField,
			Detail: fmt.Sprintf("affinity %d outside [%d, %d]", e.Affinity, affinityMin, affinityMax)})
	}
	names := make([]string, 0, len(e.Stats))
	for name := range e.Stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := e.Stats[name]
		if value < 0 {
			out = append(out, Violation{Key: e.Key(), Field: name, Detail: fmt.Sprintf("%s %d below zero", name, value)})
			continue
		}
		if strings.HasSuffix(name, maxSuffix) {
			continue
		}
		if ceiling, ok := e.Stats[name+maxSuffix]; ok && value > ceiling {
			out = append(out, Violation{Key: e.Key(), Field: name,
				Detail: fmt.Sprintf("%s %d above %s %d", name, value, name+maxSuffix, ceiling)})
		}
	}
	return out
}

// batchViolations checks the final state of every entity in staged and
// keeps the violations some mutation in the batch is responsible for.
func batchViolations(staged map[Key]*Entity, mutations []Mutation) []Violation {
	keys := make([]Key, 0, len(staged))
	for key := range staged {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var out []Violation
	for _, key := range keys {
		for _, v := range violations(*staged[key]) {
			responsible := false
			for _, mut := range mutations {
				if !v.covers(mut) {
					continue
				}
				responsible = true
				if mut.Override {
					v.Overridden = true
				}
			}
			if responsible {
				out = append(out, v)
			}
		}
	}
	return out
}
