// Package orchestrator runs one turn of play: classify the input, gather
// memory, rules and a judged outcome concurrently, route, narrate, validate,
// and commit every effect in a single world transaction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/taleloom/internal/platform/errors"
	"github.com/louisbranch/taleloom/internal/services/narrative/agent"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/foreshadow"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/memory"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/rules"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
	"github.com/louisbranch/taleloom/internal/services/narrative/observability/metrics"
	"github.com/louisbranch/taleloom/internal/services/narrative/tuning"
	"github.com/louisbranch/taleloom/internal/services/narrative/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/louisbranch/taleloom/internal/services/narrative/orchestrator"

// Persist writes a committed turn and the entities it touched. It runs
// inside the world commit; an error rolls the turn back.
type Persist func(ctx context.Context, t turn.Turn, entities []world.Entity) error

// Scope is the per-session state a turn reads and advances. Callers must
// serialize ProcessTurn calls on one Scope.
type Scope struct {
	CampaignID string
	SessionID  string
	Locale     string
	// LastTurn is the sequence of the latest committed turn.
	LastTurn int
	Memory   *memory.Store
	Ledger   *foreshadow.Ledger
	World    *world.Manager
	// Recent holds the latest committed turns, oldest first.
	Recent  []turn.Turn
	Persist Persist
}

// Config tunes the pipeline.
type Config struct {
	ConfidenceFloor float64
	MaxRepairs      int
	RuleLimit       int
	RecentTurns     int
	RetrieveTopK    int
	BoostOnUse      float64
	AllowOverride   bool
}

// ConfigFromTuning extracts the pipeline knobs.
func ConfigFromTuning(t tuning.Tuning) Config {
	return Config{
		ConfidenceFloor: t.Orchestrator.ConfidenceFloor,
		MaxRepairs:      t.Orchestrator.MaxRepairs,
		RuleLimit:       t.Orchestrator.RuleLimit,
		RecentTurns:     t.Orchestrator.RecentTurns,
		RetrieveTopK:    t.Memory.RetrieveTopK,
		BoostOnUse:      t.Memory.BoostOnUse,
		AllowOverride:   t.Orchestrator.AllowOverride,
	}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithClock sets the clock used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator is stateless across turns; all per-session state lives in
// the Scope passed to ProcessTurn.
type Orchestrator struct {
	caller  *agent.Caller
	book    *rules.Book
	voice   *voice.Voice
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New builds an orchestrator.
func New(caller *agent.Caller, book *rules.Book, v *voice.Voice, cfg Config, opts ...Option) *Orchestrator {
	if cfg.RetrieveTopK <= 0 {
		cfg.RetrieveTopK = 8
	}
	if cfg.RuleLimit <= 0 {
		cfg.RuleLimit = 5
	}
	if cfg.MaxRepairs < 0 {
		cfg.MaxRepairs = 0
	}
	o := &Orchestrator{
		caller: caller,
		book:   book,
		voice:  v,
		cfg:    cfg,
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessTurn runs one turn against scope.
//
// Refusals and degraded turns return a Result with in-voice text and a nil
// error. Validation and commit failures return the in-voice Result together
// with a typed error. In every non-committed case the scope is unchanged.
func (o *Orchestrator) ProcessTurn(ctx context.Context, scope *Scope, input string) (turn.Result, error) {
	if scope == nil || scope.Memory == nil || scope.Ledger == nil || scope.World == nil {
		return turn.Result{}, fmt.Errorf("turn scope is incomplete")
	}
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "turn.process", trace.WithAttributes(
		attribute.String("campaign.id", scope.CampaignID),
		attribute.String("session.id", scope.SessionID),
		attribute.Int("turn.seq", scope.LastTurn+1),
	))
	defer span.End()

	run := &turnRun{
		o:     o,
		scope: scope,
		input: strings.TrimSpace(input),
		seq:   scope.LastTurn + 1,
		logger: o.logger.With(
			zap.String("campaign_id", scope.CampaignID),
			zap.String("session_id", scope.SessionID),
			zap.Int("seq", scope.LastTurn+1),
		),
	}
	res, outcome, err := run.execute(ctx)
	o.metrics.ObserveTurn(outcome, time.Since(started))
	span.SetAttributes(attribute.String("turn.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// step runs fn as a traced pipeline stage and records it in rec.
func (o *Orchestrator) step(ctx context.Context, rec *turn.Trace, name string, fn func(context.Context) (int, error)) error {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "turn."+name)
	defer span.End()
	attempts, err := fn(ctx)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	rec.Record(name, attempts, started, err)
	return err
}

// invalidTurn marks a validation failure no repair could fix.
type invalidTurn struct {
	cause error
}

func (e *invalidTurn) Error() string {
	return "turn failed validation: " + e.cause.Error()
}

func (e *invalidTurn) Unwrap() error {
	return e.cause
}

func checkIntent(in turn.Intent) error {
	if !in.Category.Valid() {
		return fmt.Errorf("unknown category %q", in.Category)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]", in.Confidence)
	}
	return nil
}

func checkOutcome(out turn.Outcome) error {
	switch out.Result {
	case turn.ResultSuccess, turn.ResultPartial, turn.ResultFailure, turn.ResultNone:
	default:
		return fmt.Errorf("unknown result %q", out.Result)
	}
	for i, p := range out.PlantSeeds {
		if err := p.Check(); err != nil {
			return fmt.Errorf("plant_seeds %d: %w", i, err)
		}
	}
	_, err := turn.Mutations(out.Effects)
	return err
}

func commitError(err error) error {
	if errors.Is(err, world.ErrConstraintViolation) {
		return apperrors.Wrap(apperrors.CodeConstraintViolate, "turn violates a state bound", err)
	}
	return apperrors.Wrap(apperrors.CodeCommitFailed, "turn commit failed", err)
}
