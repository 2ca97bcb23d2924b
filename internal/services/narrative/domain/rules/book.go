// Package rules loads the campaign rulebook, written as a small Lua DSL, and
// retrieves the rules relevant to a classified intent.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Shopify/go-lua"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
)

//go:embed default.lua
var defaultBook string

// Rule is one retrievable guideline.
type Rule struct {
	ID         string
	Categories []turn.Category
	Keywords   []string
	Priority   int
	Text       string
}

// general rules apply to every intent.
func (r Rule) general() bool {
	return len(r.Categories) == 0 && len(r.Keywords) == 0
}

// Book is an immutable, concurrency-safe rule set.
type Book struct {
	rules []Rule
}

// Default returns the embedded stock rulebook.
func Default() (*Book, error) {
	return Parse("default.lua", defaultBook)
}

// LoadFile parses a rulebook file.
func LoadFile(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rulebook: %w", err)
	}
	return Parse(path, string(data))
}

// Parse runs a rulebook script. Scripts declare rules by calling
// rule{...}; only the base, string, table and math libraries are exposed.
func Parse(name, source string) (*Book, error) {
	book := &Book{}
	seen := make(map[string]bool)

	state := lua.NewState()
	for _, lib := range []lua.RegistryFunction{
		{Name: "_G", Function: lua.BaseOpen},
		{Name: "string", Function: lua.StringOpen},
		{Name: "table", Function: lua.TableOpen},
		{Name: "math", Function: lua.MathOpen},
	} {
		lua.Require(state, lib.Name, lib.Function, true)
		state.Pop(1)
	}
	state.PushGoFunction(func(state *lua.State) int {
		lua.CheckType(state, 1, lua.TypeTable)
		r, err := ruleFromTable(state, 1)
		if err != nil {
			lua.Errorf(state, "%s", err.Error())
			return 0
		}
		if seen[r.ID] {
			lua.Errorf(state, "duplicate rule id %q", r.ID)
			return 0
		}
		seen[r.ID] = true
		book.rules = append(book.rules, r)
		return 0
	})
	state.SetGlobal("rule")

	if err := lua.LoadString(state, source); err != nil {
		return nil, fmt.Errorf("load rulebook %s: %w", name, err)
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		return nil, fmt.Errorf("run rulebook %s: %w", name, err)
	}
	return book, nil
}

func ruleFromTable(state *lua.State, index int) (Rule, error) {
	fields := tableToMap(state, index)
	r := Rule{
		ID:   strings.TrimSpace(stringField(fields, "id")),
		Text: strings.TrimSpace(stringField(fields, "text")),
	}
	if r.ID == "" {
		return Rule{}, fmt.Errorf("rule id is required")
	}
	if r.Text == "" {
		return Rule{}, fmt.Errorf("rule %s: text is required", r.ID)
	}
	if p, ok := fields["priority"].(float64); ok {
		r.Priority = int(p)
	}
	for _, c := range stringList(fields["categories"]) {
		r.Categories = append(r.Categories, turn.Category(strings.ToLower(c)))
	}
	for _, k := range stringList(fields["keywords"]) {
		r.Keywords = append(r.Keywords, strings.ToLower(k))
	}
	return r, nil
}

func tableToMap(state *lua.State, index int) map[string]any {
	output := map[string]any{}
	if state.TypeOf(index) != lua.TypeTable {
		return output
	}
	index = state.AbsIndex(index)
	state.PushNil()
	for state.Next(index) {
		if state.TypeOf(-2) == lua.TypeString {
			key, _ := state.ToString(-2)
			output[key] = luaToGo(state, -1)
		}
		state.Pop(1)
	}
	return output
}

func luaToGo(state *lua.State, index int) any {
	switch state.TypeOf(index) {
	case lua.TypeString:
		value, _ := state.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := state.ToNumber(index)
		return value
	case lua.TypeBoolean:
		return state.ToBoolean(index)
	case lua.TypeTable:
		return tableToList(state, index)
	default:
		return nil
	}
}

// tableToList reads the array part of a table.
func tableToList(state *lua.State, index int) []any {
	index = state.AbsIndex(index)
	var out []any
	for i := 1; ; i++ {
		state.RawGetInt(index, i)
		if state.IsNil(-1) {
			state.Pop(1)
			return out
		}
		out = append(out, luaToGo(state, -1))
		state.Pop(1)
	}
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func stringList(value any) []string {
	items, _ := value.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// Len returns the number of rules.
func (b *Book) Len() int {
	return len(b.rules)
}

// Retrieve returns up to limit rules relevant to intent, best first.
// General rules always qualify; others need a category or keyword match.
func (b *Book) Retrieve(intent turn.Intent, input string, limit int) []Rule {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		words[w] = true
	}
	for _, k := range intent.Keywords {
		words[strings.ToLower(k)] = true
	}

	type scored struct {
		rule  Rule
		score int
	}
	var hits []scored
	for _, r := range b.rules {
		score := 0
		matched := r.general()
		for _, c := range r.Categories {
			if c == intent.Category {
				score += 3
				matched = true
			}
		}
		for _, k := range r.Keywords {
			if words[k] {
				score += 2
				matched = true
			}
		}
		if !matched {
			continue
		}
		hits = append(hits, scored{rule: r, score: score + r.Priority})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].rule.ID < hits[j].rule.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Rule, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.rule)
	}
	return out
}
