package config

import (
	"strings"
	"testing"
)

type envTestConfig struct {
	Port int `env:"TALELOOM_TEST_PORT" envDefault:"123"`
}

type prefixedTestConfig struct {
	Turns int `env:"TEST_DIRECTOR_TURNS" envDefault:"5"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("TALELOOM_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestParseEnvPrefixedReadsPrefixedName(t *testing.T) {
	t.Setenv("TALELOOM_TEST_DIRECTOR_TURNS", "9")

	var cfg prefixedTestConfig
	if err := ParseEnvPrefixed(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Turns != 9 {
		t.Fatalf("expected 9 turns, got %d", cfg.Turns)
	}
}
