package voice

import (
	"strings"
	"testing"
	"testing/fstest"

	platformerrors "github.com/louisbranch/taleloom/internal/platform/errors"
)

func TestSayLocalizesAndFallsBack(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("new voice: %v", err)
	}
	if got := v.Say("pt-BR", InputEmpty); !strings.HasPrefix(got, "A história aguarda") {
		t.Fatalf("unexpected pt-BR message %q", got)
	}
	if got := v.Say("fr-FR", InputEmpty); got != "The story waits. What do you do?" {
		t.Fatalf("expected base fallback, got %q", got)
	}
	if got := v.Say("en-US", RefusalWorldAltering, "you are not the king"); !strings.HasSuffix(got, "you are not the king") {
		t.Fatalf("expected argument substitution, got %q", got)
	}
}

func TestLoadRequiresCompleteLocales(t *testing.T) {
	fsys := fstest.MapFS{
		"l/en-US.yaml": {Data: []byte("locale: en-US\nmessages:\n  a: A\n  b: B\n")},
		"l/de-DE.yaml": {Data: []byte("locale: de-DE\nmessages:\n  a: Ä\n")},
	}
	if _, err := Load(fsys, "l"); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := Load(fstest.MapFS{"l/de-DE.yaml": {Data: []byte("locale: de-DE\nmessages: {}\n")}}, "l"); err == nil {
		t.Fatal("expected missing base locale error")
	}
}

func TestForError(t *testing.T) {
	tests := map[platformerrors.Code]Key{
		platformerrors.CodeCausalConflict:   CausalConflict,
		platformerrors.CodeValidationFailed: ValidationFailed,
		platformerrors.CodeAgentTimeout:     DegradedAgent,
	}
	for code, want := range tests {
		if got := ForError(platformerrors.New(code, "x")); got != want {
			t.Fatalf("ForError(%s) = %s, want %s", code, got, want)
		}
	}
}
