package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"

	"github.com/louisbranch/taleloom/internal/platform/logging"
	"go.uber.org/zap"
)

type testConfig struct {
	Address string `env:"CMD_TEST_ADDRESS" envDefault:"127.0.0.1:8080"`
	Mode    string `env:"CMD_TEST_MODE" envDefault:"stdio"`
}

func TestFlagsOverrideEnvDefaults(t *testing.T) {
	t.Setenv("CMD_TEST_ADDRESS", "env:9000")
	t.Setenv("CMD_TEST_MODE", "http")

	var cfg testConfig
	if err := ParseConfig(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	fs := flag.NewFlagSet("narrative", flag.ContinueOnError)
	fs.StringVar(&cfg.Address, "address", cfg.Address, "address")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "mode")
	if err := ParseArgs(fs, []string{"-address", "flag:9002"}); err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if cfg.Address != "flag:9002" {
		t.Fatalf("address = %q, want flag:9002", cfg.Address)
	}
	if cfg.Mode != "http" {
		t.Fatalf("mode = %q, want http", cfg.Mode)
	}
}

func TestParseInputsAreRequired(t *testing.T) {
	if err := ParseArgs(nil, nil); err == nil {
		t.Fatal("expected nil parser error")
	}
	if err := ParseConfig[testConfig](nil); err == nil {
		t.Fatal("expected nil target error")
	}
}

func TestRunRejectsMissingInputs(t *testing.T) {
	noop := func(context.Context, *zap.Logger) error { return nil }
	if err := Run(context.Background(), " ", Options{}, noop); err == nil {
		t.Fatal("expected missing service error")
	}
	if err := Run(context.Background(), ServiceNarrative, Options{}, nil); err == nil {
		t.Fatal("expected missing run function error")
	}
	if err := Run(context.Background(), ServiceNarrative, Options{Log: logging.Options{Level: "loud"}}, noop); err == nil {
		t.Fatal("expected bad log level error")
	}
}

func TestRunPassesLoggerAndReturnsRunError(t *testing.T) {
	t.Setenv("TALELOOM_OTEL_ENDPOINT", "")
	want := errors.New("boom")
	var got *zap.Logger
	err := Run(context.Background(), ServiceNarrative, Options{}, func(_ context.Context, logger *zap.Logger) error {
		got = logger
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if got == nil {
		t.Fatal("expected run to receive a logger")
	}
}
