// Package narrative parses narrative command flags and launches the engine.
package narrative

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/taleloom/internal/platform/cmd"
	"github.com/louisbranch/taleloom/internal/platform/logging"
	narrativeapp "github.com/louisbranch/taleloom/internal/services/narrative/app"
	"go.uber.org/zap"
)

// Version is stamped at build time.
var Version = "dev"

// Config holds narrative command configuration.
type Config struct {
	Transport      string            `env:"TALELOOM_NARRATIVE_TRANSPORT" envDefault:"stdio"`
	HealthAddr     string            `env:"TALELOOM_NARRATIVE_HEALTH_ADDR" envDefault:":8095"`
	HTTPAddr       string            `env:"TALELOOM_NARRATIVE_HTTP_ADDR"`
	DBPath         string            `env:"TALELOOM_NARRATIVE_DB_PATH" envDefault:"data/narrative.db"`
	TuningPath     string            `env:"TALELOOM_NARRATIVE_TUNING_PATH"`
	RulesPath      string            `env:"TALELOOM_NARRATIVE_RULES_PATH"`
	OpenAIKey      string            `env:"TALELOOM_OPENAI_API_KEY"`
	OpenAIBaseURL  string            `env:"TALELOOM_OPENAI_BASE_URL"`
	Model          string            `env:"TALELOOM_NARRATIVE_MODEL" envDefault:"gpt-4o-mini"`
	RoleModels     map[string]string `env:"TALELOOM_NARRATIVE_ROLE_MODELS"`
	Temperature    float64           `env:"TALELOOM_NARRATIVE_TEMPERATURE" envDefault:"0.7"`
	FlushEvery     time.Duration     `env:"TALELOOM_NARRATIVE_FLUSH_EVERY" envDefault:"1m"`
	LogLevel       string            `env:"TALELOOM_LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool              `env:"TALELOOM_LOG_DEVELOPMENT"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "MCP transport: stdio or http")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "The gRPC health server address")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The HTTP address for /metrics and the http MCP transport")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The narrative SQLite database path")
	fs.StringVar(&cfg.TuningPath, "tuning", cfg.TuningPath, "Optional YAML tuning file")
	fs.StringVar(&cfg.RulesPath, "rules", cfg.RulesPath, "Optional Lua rulebook replacing the bundled one")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "Default reasoning model")
	fs.Float64Var(&cfg.Temperature, "temperature", cfg.Temperature, "Sampling temperature")
	fs.DurationVar(&cfg.FlushEvery, "flush-every", cfg.FlushEvery, "Interval for retrying unsaved session state")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.BoolVar(&cfg.LogDevelopment, "log-dev", cfg.LogDevelopment, "Human-readable console logs")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the narrative runtime.
func Run(ctx context.Context, cfg Config) error {
	opts := entrypoint.Options{Log: logging.Options{Level: cfg.LogLevel, Development: cfg.LogDevelopment}}
	return entrypoint.Run(ctx, entrypoint.ServiceNarrative, opts, func(ctx context.Context, logger *zap.Logger) error {
		return narrativeapp.Run(ctx, narrativeapp.RuntimeConfig{
			Transport:      cfg.Transport,
			HealthAddr:     cfg.HealthAddr,
			HTTPAddr:       cfg.HTTPAddr,
			DBPath:         cfg.DBPath,
			TuningPath:     cfg.TuningPath,
			RulesPath:      cfg.RulesPath,
			OpenAIKey:      cfg.OpenAIKey,
			OpenAIBaseURL:  cfg.OpenAIBaseURL,
			Model:          cfg.Model,
			RoleModels:     cfg.RoleModels,
			Temperature:    cfg.Temperature,
			FlushEvery:     cfg.FlushEvery,
			LogLevel:       cfg.LogLevel,
			LogDevelopment: cfg.LogDevelopment,
			Version:        Version,
		}, narrativeapp.WithLogger(logger))
	})
}
