package logging

import "testing"

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("narrative", Options{Level: "chatty"}); err == nil {
		t.Fatal("expected level parse error")
	}
}

func TestNewHonoursLevel(t *testing.T) {
	logger, err := New("narrative", Options{Level: "WARN", Development: true})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Fatal("debug should be disabled at warn level")
	}
	if !logger.Core().Enabled(1) {
		t.Fatal("warn should be enabled")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected a no-op logger")
	}
}
