package world

import (
	"fmt"
	"strconv"
	"strings"
)

// Op names a mutation.
type Op string

const (
	OpCreate            Op = "entity.create"
	OpStatAdjust        Op = "stat.adjust"
	OpStatSet           Op = "stat.set"
	OpAffinityAdjust    Op = "affinity.adjust"
	OpFlagSet           Op = "flag.set"
	OpAttributeSet      Op = "attribute.set"
	OpObjectiveComplete Op = "objective.complete"
)

// Mutation is one queued change. Which payload fields apply depends on Op.
type Mutation struct {
	Key   Key
	Op    Op
	Field string
	Delta int
	Value int
	Bool  bool
	Text  string
	// Seed carries the initial state for OpCreate.
	Seed *Entity
	// Override marks a bound this mutation breaks as sanctioned by the
	// transaction's override token. Violations from unflagged mutations
	// still fail the commit.
	Override bool
}

func (m Mutation) validate() error {
	if !m.Key.Kind.Valid() || strings.TrimSpace(m.Key.ID) == "" {
		return fmt.Errorf("%w: bad key %q", ErrInvalidMutation, m.Key)
	}
	switch m.Op {
	case OpCreate, OpAffinityAdjust:
		return nil
	case OpStatAdjust, OpStatSet, OpFlagSet, OpAttributeSet, OpObjectiveComplete:
		if strings.TrimSpace(m.Field) == "" {
			return fmt.Errorf("%w: %s on %s requires a field", ErrInvalidMutation, m.Op, m.Key)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, m.Op)
	}
}

// apply returns the entity after m and the rendered before/after values.
func (m Mutation) apply(current *Entity) (Entity, string, string, error) {
	if m.Op == OpCreate {
		if current != nil {
			return Entity{}, "", "", fmt.Errorf("%w: %s", ErrEntityExists, m.Key)
		}
		next := Entity{}
		if m.Seed != nil {
			next = m.Seed.Clone()
		}
		next.Kind, next.ID, next.Version = m.Key.Kind, m.Key.ID, 0
		if next.Name == "" {
			next.Name = m.Text
		}
		return next, "", next.Name, nil
	}
	if current == nil {
		return Entity{}, "", "", fmt.Errorf("%w: %s", ErrUnknownEntity, m.Key)
	}

	next := current.Clone()
	var before, after string
	switch m.Op {
	case OpStatAdjust, OpStatSet:
		if next.Stats == nil {
			next.Stats = map[string]int{}
		}
		old := next.Stats[m.Field]
		value := m.Value
		if m.Op == OpStatAdjust {
			value = old + m.Delta
		}
		next.Stats[m.Field] = value
		before, after = strconv.Itoa(old), strconv.Itoa(value)
	case OpAffinityAdjust:
		before = strconv.Itoa(next.Affinity)
		next.Affinity += m.Delta
		after = strconv.Itoa(next.Affinity)
	case OpFlagSet:
		if next.Flags == nil {
			next.Flags = map[string]bool{}
		}
		before = strconv.FormatBool(next.Flags[m.Field])
		next.Flags[m.Field] = m.Bool
		after = strconv.FormatBool(m.Bool)
	case OpAttributeSet:
		if next.Attributes == nil {
			next.Attributes = map[string]string{}
		}
		before = next.Attributes[m.Field]
		next.Attributes[m.Field] = m.Text
		after = m.Text
	case OpObjectiveComplete:
		if next.Objectives == nil {
			next.Objectives = map[string]bool{}
		}
		before = strconv.FormatBool(next.Objectives[m.Field])
		next.Objectives[m.Field] = true
		after = "true"
	}
	return next, before, after, nil
}

// Change is a committed mutation as recorded in the turn change log.
type Change struct {
	Key      string `json:"key"`
	Op       Op     `json:"op"`
	Field    string `json:"field,omitempty"`
	Before   string `json:"before,omitempty"`
	After    string `json:"after,omitempty"`
	Override bool   `json:"override,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
