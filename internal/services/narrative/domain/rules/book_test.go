package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
)

func TestDefaultBookLoads(t *testing.T) {
	book, err := Default()
	if err != nil {
		t.Fatalf("default book: %v", err)
	}
	if book.Len() != 6 {
		t.Fatalf("expected 6 rules, got %d", book.Len())
	}
}

func TestRetrieveRanksCategoryAndKeywords(t *testing.T) {
	book, err := Default()
	if err != nil {
		t.Fatalf("default book: %v", err)
	}
	got := book.Retrieve(turn.Intent{Category: turn.CategoryDialogue}, "I try to bribe the captain", 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(got))
	}
	if got[0].ID != "social-standing" {
		t.Fatalf("expected social-standing first, got %s", got[0].ID)
	}
	for _, r := range got {
		if r.ID == "combat-harm" {
			t.Fatal("combat rule should not match a dialogue bribe")
		}
	}
}

func TestParseRejectsBadRules(t *testing.T) {
	tests := map[string]string{
		"missing id":   `rule { text = "x" }`,
		"missing text": `rule { id = "a" }`,
		"duplicate":    `rule { id = "a", text = "x" } rule { id = "a", text = "y" }`,
		"syntax":       `rule {`,
		"no io":        `io.write("x")`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(name, src); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadFileSupportsScripting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "house.lua")
	src := `
for i, weapon in ipairs({ "sword", "axe" }) do
  rule { id = "weapon-" .. weapon, categories = { "combat" }, keywords = { weapon }, priority = i, text = string.upper(weapon) .. " rules" }
end
`
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatalf("write rulebook: %v", err)
	}
	book, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	got := book.Retrieve(turn.Intent{Category: turn.CategoryCombat, Keywords: []string{"Axe"}}, "", 0)
	if len(got) != 2 || got[0].ID != "weapon-axe" || !strings.HasPrefix(got[0].Text, "AXE") {
		t.Fatalf("unexpected retrieval %+v", got)
	}
}
