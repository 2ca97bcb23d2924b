// Package app wires the narrative runtime: storage, agents, the session
// service, background maintenance and the MCP, health and metrics listeners.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/louisbranch/taleloom/internal/platform/logging"
	"github.com/louisbranch/taleloom/internal/platform/timeouts"
	"github.com/louisbranch/taleloom/internal/services/narrative/agent"
	"github.com/louisbranch/taleloom/internal/services/narrative/agent/openai"
	"github.com/louisbranch/taleloom/internal/services/narrative/api/mcptools"
	"github.com/louisbranch/taleloom/internal/services/narrative/director"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/rules"
	"github.com/louisbranch/taleloom/internal/services/narrative/observability/metrics"
	"github.com/louisbranch/taleloom/internal/services/narrative/orchestrator"
	"github.com/louisbranch/taleloom/internal/services/narrative/session"
	narrativesqlite "github.com/louisbranch/taleloom/internal/services/narrative/storage/sqlite"
	"github.com/louisbranch/taleloom/internal/services/narrative/tuning"
	"github.com/louisbranch/taleloom/internal/services/narrative/voice"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls narrative startup and dependencies.
type RuntimeConfig struct {
	// Transport selects how MCP clients reach the engine: stdio or http.
	Transport string
	// HealthAddr is the gRPC health listener address.
	HealthAddr string
	// HTTPAddr serves /metrics, and /mcp for the http transport. Empty
	// disables the listener unless the transport needs it.
	HTTPAddr   string
	DBPath     string
	TuningPath string
	// RulesPath overrides the bundled Lua rulebook.
	RulesPath string

	OpenAIKey     string
	OpenAIBaseURL string
	Model         string
	RoleModels    map[string]string
	Temperature   float64

	// FlushEvery is how often unsaved memory and ledger state is retried.
	FlushEvery time.Duration

	LogLevel       string
	LogDevelopment bool
	Version        string
}

const (
	defaultHealthAddr = ":8095"
	defaultDBPath     = "data/narrative.db"
	defaultFlushEvery = time.Minute

	healthService = "taleloom.narrative"
	mcpPath       = "/mcp"
	metricsPath   = "/metrics"
)

// Option customises a Runtime.
type Option func(*options)

type options struct {
	agent  agent.Agent
	logger *zap.Logger
}

// WithAgent replaces the OpenAI-backed reasoning agent.
func WithAgent(a agent.Agent) Option {
	return func(o *options) {
		o.agent = a
	}
}

// WithLogger replaces the logger built from the runtime config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Runtime owns every long-lived narrative dependency.
type Runtime struct {
	cfg      RuntimeConfig
	logger   *zap.Logger
	store    *narrativesqlite.Store
	sessions *session.Service
	mcp      *mcp.Server
	summary  summarizer
	tuning   tuning.Tuning

	scheduler gocron.Scheduler
	jobCtx    context.Context
	jobCancel context.CancelFunc

	healthListener net.Listener
	grpcServer     *grpc.Server
	health         *health.Server

	httpListener net.Listener
	httpServer   *http.Server

	closeOnce sync.Once
}

// Run builds a runtime and serves it until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig, opts ...Option) error {
	rt, err := New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	return rt.Serve(ctx)
}

// New opens storage, builds the engine and binds the listeners.
func New(ctx context.Context, cfg RuntimeConfig, opts ...Option) (_ *Runtime, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg, err = normalize(cfg)
	if err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger, err = logging.New("narrative", logging.Options{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
		if err != nil {
			return nil, err
		}
	}

	tun, err := tuning.Load(cfg.TuningPath)
	if err != nil {
		return nil, err
	}
	book, err := loadRules(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	messages, err := voice.New()
	if err != nil {
		return nil, fmt.Errorf("load voice catalog: %w", err)
	}

	reasoner := o.agent
	if reasoner == nil {
		reasoner, err = openai.New(openai.Config{
			APIKey:      cfg.OpenAIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.Model,
			RoleModels:  cfg.RoleModels,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("configure reasoning agent: %w", err)
		}
	}

	r := &Runtime{cfg: cfg, logger: logger, tuning: tun}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	r.store, err = narrativesqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open narrative sqlite store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	caller := agent.NewCaller(reasoner, agent.CallerConfig{Timeout: tun.Orchestrator.CallTimeout}, logger.Named("agent"), m)
	orch := orchestrator.New(caller, book, messages, orchestrator.ConfigFromTuning(tun),
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithMetrics(m),
	)
	planner := director.New(caller, r.store.SaveEntities, director.ConfigFromTuning(tun), logger.Named("director"), m)
	r.sessions = session.NewService(r.store, orch, session.Config{
		Memory:       tun.MemoryConfig(),
		Ledger:       tun.LedgerConfig(),
		RecentTurns:  tun.Orchestrator.RecentTurns,
		IdleEviction: tun.Maintenance.IdleEviction,
	},
		session.WithLogger(logger.Named("session")),
		session.WithMetrics(m),
		session.WithPlanner(planner),
		session.WithVoice(messages),
	)
	r.summary = summarizer{caller: caller, maxRepairs: tun.Orchestrator.MaxRepairs}

	r.mcp, err = mcptools.NewServer(r.sessions, cfg.Version)
	if err != nil {
		return nil, err
	}

	r.jobCtx, r.jobCancel = context.WithCancel(context.WithoutCancel(ctx))
	if err = r.schedule(); err != nil {
		return nil, err
	}

	r.healthListener, err = net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HealthAddr, err)
	}
	r.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	r.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(r.grpcServer, r.health)
	r.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	r.health.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)

	if cfg.HTTPAddr != "" {
		r.httpListener, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle(metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if cfg.Transport == mcptools.TransportHTTP {
			mux.Handle(mcpPath, mcptools.HTTPHandler(r.mcp))
		}
		r.httpServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: timeouts.ReadHeader,
		}
	}
	return r, nil
}

func normalize(cfg RuntimeConfig) (RuntimeConfig, error) {
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = mcptools.TransportStdio
	}
	switch cfg.Transport {
	case mcptools.TransportStdio:
	case mcptools.TransportHTTP:
		if strings.TrimSpace(cfg.HTTPAddr) == "" {
			return RuntimeConfig{}, fmt.Errorf("http address is required for the http transport")
		}
	default:
		return RuntimeConfig{}, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if strings.TrimSpace(cfg.HealthAddr) == "" {
		cfg.HealthAddr = defaultHealthAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	return cfg, nil
}

func loadRules(path string) (*rules.Book, error) {
	if strings.TrimSpace(path) == "" {
		return rules.Default()
	}
	return rules.LoadFile(path)
}

// HealthAddr returns the bound gRPC health address.
func (r *Runtime) HealthAddr() string {
	if r == nil || r.healthListener == nil {
		return ""
	}
	return r.healthListener.Addr().String()
}

// HTTPAddr returns the bound HTTP address, or empty when disabled.
func (r *Runtime) HTTPAddr() string {
	if r == nil || r.httpListener == nil {
		return ""
	}
	return r.httpListener.Addr().String()
}

// Serve runs the listeners and maintenance jobs until ctx ends. With the
// stdio transport it also returns once the MCP client disconnects.
func (r *Runtime) Serve(ctx context.Context) error {
	if r == nil {
		return errors.New("runtime is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer r.Close()

	r.scheduler.Start()

	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- r.grpcServer.Serve(r.healthListener)
	}()
	r.logger.Info("health server listening", zap.String("addr", r.HealthAddr()))

	httpErr := make(chan error, 1)
	if r.httpServer != nil {
		go func() {
			httpErr <- r.httpServer.Serve(r.httpListener)
		}()
		r.logger.Info("http server listening", zap.String("addr", r.HTTPAddr()), zap.String("transport", r.cfg.Transport))
	}

	mcpDone := make(chan error, 1)
	if r.cfg.Transport == mcptools.TransportStdio {
		go func() {
			mcpDone <- mcptools.Serve(ctx, r.mcp, &mcp.StdioTransport{})
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-mcpDone:
		return err
	case err := <-grpcErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-httpErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// Close stops listeners and jobs, flushes loaded sessions and closes
// storage. It is safe to call more than once.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(r.close)
}

func (r *Runtime) close() {
	if r.health != nil {
		r.health.Shutdown()
	}
	if r.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.logger.Warn("shutdown http server", zap.Error(err))
		}
		cancel()
	}
	if r.httpListener != nil {
		_ = r.httpListener.Close()
	}
	if r.grpcServer != nil {
		r.grpcServer.GracefulStop()
	}
	if r.healthListener != nil {
		_ = r.healthListener.Close()
	}
	if r.jobCancel != nil {
		r.jobCancel()
	}
	if r.scheduler != nil {
		if err := r.scheduler.Shutdown(); err != nil {
			r.logger.Warn("shutdown scheduler", zap.Error(err))
		}
	}
	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("close narrative store", zap.Error(err))
		}
	}
	_ = r.logger.Sync()
}
