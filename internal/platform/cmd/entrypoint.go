// Package cmd holds the startup plumbing shared by taleloom binaries:
// env-then-flags config parsing, logger construction and tracing setup.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/taleloom/internal/platform/config"
	"github.com/louisbranch/taleloom/internal/platform/logging"
	"github.com/louisbranch/taleloom/internal/platform/otel"
	"go.uber.org/zap"
)

const defaultOTelShutdownTimeout = 5 * time.Second

// ServiceNarrative names the narrative engine in logs and traces.
const ServiceNarrative = "narrative"

// Options controls how a service is started.
type Options struct {
	Log logging.Options
	// ShutdownTimeout bounds the trace exporter flush on exit.
	ShutdownTimeout time.Duration
}

// ParseConfig loads environment defaults into cfg. Flags registered
// afterwards start from those values, so flags win over the environment.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// Run builds the service logger, configures tracing and executes run.
func Run(ctx context.Context, service string, opts Options, run func(context.Context, *zap.Logger) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := logging.New(service, opts.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		timeout := opts.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultOTelShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting")
	err = run(ctx, logger)
	if err != nil {
		logger.Error("stopped", zap.Error(err))
		return err
	}
	logger.Info("stopped")
	return nil
}
