package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/taleloom/internal/platform/errors"
	"github.com/louisbranch/taleloom/internal/services/narrative/agent"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/foreshadow"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/memory"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/rules"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
	"github.com/louisbranch/taleloom/internal/services/narrative/observability/metrics"
	"github.com/louisbranch/taleloom/internal/services/narrative/voice"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// turnRun carries the working state of one ProcessTurn call.
type turnRun struct {
	o      *Orchestrator
	scope  *Scope
	input  string
	seq    int
	logger *zap.Logger

	trace     turn.Trace
	intent    turn.Intent
	memories  []memory.Scored
	rules     []rules.Rule
	ripe      []foreshadow.Seed
	outcome   turn.Outcome
	path      turn.Path
	narrative string
	override  bool
	committed turn.Turn
}

func (r *turnRun) execute(ctx context.Context) (turn.Result, string, error) {
	if r.input == "" {
		return r.refuse(voice.InputEmpty), metrics.TurnRefused,
			apperrors.New(apperrors.CodeTurnInputEmpty, "turn input is empty")
	}

	accepted, reason, err := r.classify(ctx)
	if err != nil {
		return r.degrade(ctx, "classify", err)
	}
	if !accepted {
		r.logger.Info("intent rejected",
			zap.String("category", string(r.intent.Category)),
			zap.Float64("confidence", r.intent.Confidence),
			zap.Strings("flags", r.intent.Flags),
			zap.String("reason", reason),
		)
		if r.intent.HasFlag(turn.FlagWorldAltering) {
			if reason == "" {
				reason = r.intent.Summary
			}
			return r.refuse(voice.RefusalWorldAltering, reason), metrics.TurnRefused, nil
		}
		return r.refuse(voice.RefusalDoubtful), metrics.TurnRefused, nil
	}

	if err := r.gather(ctx); err != nil {
		return r.degrade(ctx, "gather", err)
	}
	r.route()
	if err := r.narrate(ctx, ""); err != nil {
		return r.degrade(ctx, "narrate", err)
	}

	mutations, err := r.validate(ctx)
	if err != nil {
		var invalid *invalidTurn
		if errors.As(err, &invalid) {
			r.logger.Warn("turn rejected by validation", zap.Error(invalid.cause))
			return r.refuse(voice.ValidationFailed), metrics.TurnFailed,
				apperrors.Wrap(apperrors.CodeValidationFailed, "turn failed validation", invalid.cause)
		}
		return r.degrade(ctx, "validate", err)
	}

	changes, err := r.commit(ctx, mutations)
	if err != nil {
		r.o.metrics.ObserveRollback()
		wrapped := commitError(err)
		r.logger.Error("turn commit rolled back", zap.Error(err))
		return r.refuse(voice.ForError(wrapped)), metrics.TurnFailed, wrapped
	}
	r.settle()

	return turn.Result{
		TurnSeq:        r.seq,
		NarrativeText:  r.narrative,
		OutcomeSummary: r.outcome.Summary,
		ChangeLog:      changes,
		Path:           r.path,
		Committed:      true,
		Debug:          r.trace,
	}, metrics.TurnCommitted, nil
}

func (r *turnRun) refuse(key voice.Key, args ...any) turn.Result {
	return turn.Result{
		NarrativeText: r.o.voice.Say(r.scope.Locale, key, args...),
		Path:          r.path,
		Debug:         r.trace,
	}
}

// degrade turns an agent failure into a no-mutation fallback. Caller
// cancellation is returned as is.
func (r *turnRun) degrade(ctx context.Context, stage string, err error) (turn.Result, string, error) {
	if ctx.Err() != nil {
		return turn.Result{Debug: r.trace}, metrics.TurnFailed, ctx.Err()
	}
	r.logger.Warn("turn degraded", zap.String("stage", stage), zap.Error(err))
	r.trace.Note("degraded at %s: %v", stage, err)
	res := r.refuse(voice.DegradedAgent)
	res.Degraded = true
	return res, metrics.TurnDegraded, nil
}

func (r *turnRun) classify(ctx context.Context) (bool, string, error) {
	err := r.o.step(ctx, &r.trace, "intent", func(ctx context.Context) (int, error) {
		in, attempts, err := agent.Structured(ctx, r.o.caller, agent.Request{
			Role:    agent.RoleIntent,
			Task:    intentTask,
			Schema:  intentSchema,
			Context: intentContext{Input: r.input, Recent: recentLines(r.scope.Recent)},
		}, checkIntent, r.o.cfg.MaxRepairs)
		if err == nil {
			r.intent = in
		}
		return attempts, err
	})
	if err != nil {
		return false, "", err
	}
	if r.intent.Confidence >= r.o.cfg.ConfidenceFloor && !r.intent.HasFlag(turn.FlagWorldAltering) {
		return true, "", nil
	}

	var verdict turn.IntentCheck
	err = r.o.step(ctx, &r.trace, "intent_check", func(ctx context.Context) (int, error) {
		facts := r.scope.Memory.Retrieve(r.input, r.o.cfg.RetrieveTopK, memory.DefaultFloor)
		v, attempts, err := agent.Structured[turn.IntentCheck](ctx, r.o.caller, agent.Request{
			Role:    agent.RoleIntentCheck,
			Task:    intentCheckTask,
			Schema:  intentCheckSchema,
			Context: intentCheckContext{Input: r.input, Intent: r.intent, Facts: memoryLines(facts)},
		}, nil, r.o.cfg.MaxRepairs)
		if err == nil {
			verdict = v
		}
		return attempts, err
	})
	if err != nil {
		return false, "", err
	}
	if verdict.Accepted && verdict.Intent != nil && checkIntent(*verdict.Intent) == nil {
		r.intent = *verdict.Intent
	}
	r.trace.Note("intent check accepted=%t", verdict.Accepted)
	return verdict.Accepted, strings.TrimSpace(verdict.Reason), nil
}

// gather runs memory ranking, rule retrieval and outcome judgment
// concurrently. Each branch records into its own trace and the steps are
// merged after the join.
func (r *turnRun) gather(ctx context.Context) error {
	var memTrace, ruleTrace, outcomeTrace turn.Trace
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.o.step(gctx, &memTrace, "memory", func(context.Context) (int, error) {
			query := r.input + " " + strings.Join(r.intent.Keywords, " ")
			r.memories = r.scope.Memory.Retrieve(query, r.o.cfg.RetrieveTopK, memory.DefaultFloor)
			r.ripe = r.scope.Ledger.Ripe()
			return 0, nil
		})
	})
	g.Go(func() error {
		return r.o.step(gctx, &ruleTrace, "rules", func(context.Context) (int, error) {
			if r.o.book != nil {
				r.rules = r.o.book.Retrieve(r.intent, r.input, r.o.cfg.RuleLimit)
			}
			return 0, nil
		})
	})
	g.Go(func() error {
		return r.judge(gctx, &outcomeTrace, "")
	})
	err := g.Wait()
	for _, t := range []turn.Trace{memTrace, ruleTrace, outcomeTrace} {
		r.trace.Steps = append(r.trace.Steps, t.Steps...)
	}
	return err
}

func (r *turnRun) judge(ctx context.Context, rec *turn.Trace, hint string) error {
	req := agent.Request{
		Role:   agent.RoleOutcome,
		Task:   outcomeTask,
		Schema: outcomeSchema,
		Context: outcomeContext{
			Input:     r.input,
			Intent:    r.intent,
			World:     r.scope.World.Snapshot(),
			RipeSeeds: briefSeeds(r.scope.Ledger.Ripe()),
		},
		RepairHint: hint,
	}
	return r.o.step(ctx, rec, "outcome", func(ctx context.Context) (int, error) {
		out, attempts, err := agent.Structured(ctx, r.o.caller, req, checkOutcome, r.o.cfg.MaxRepairs)
		if err == nil {
			r.outcome = out
		}
		return attempts, err
	})
}

func (r *turnRun) route() {
	r.path, r.trace.RouteReason = Route(r.intent, r.outcome, r.ripe)
	r.trace.Route = r.path
	if r.path == turn.PathRecap && (len(r.outcome.Effects) > 0 || len(r.outcome.ResolveSeeds) > 0 || len(r.outcome.PlantSeeds) > 0) {
		r.trace.Note("recap dropped %d effect(s), %d seed resolution(s) and %d plant(s)",
			len(r.outcome.Effects), len(r.outcome.ResolveSeeds), len(r.outcome.PlantSeeds))
		r.outcome.Effects = nil
		r.outcome.ResolveSeeds = nil
		r.outcome.PlantSeeds = nil
	}
	r.trace.MemoryIDs = r.trace.MemoryIDs[:0]
	for _, m := range r.memories {
		r.trace.MemoryIDs = append(r.trace.MemoryIDs, m.Record.ID)
	}
	r.trace.RuleIDs = r.trace.RuleIDs[:0]
	for _, rule := range r.rules {
		r.trace.RuleIDs = append(r.trace.RuleIDs, rule.ID)
	}
	r.trace.RipeSeeds = r.trace.RipeSeeds[:0]
	for _, s := range r.ripe {
		r.trace.RipeSeeds = append(r.trace.RipeSeeds, s.ID)
	}
}

func (r *turnRun) narrate(ctx context.Context, hint string) error {
	req := agent.Request{
		Role:  agent.RoleNarrator,
		Shape: agent.ShapeText,
		Task:  narratorTask(r.path),
		Context: narrationContext{
			Input:     r.input,
			Intent:    r.intent,
			Outcome:   r.outcome,
			Path:      r.path,
			Memories:  memoryLines(r.memories),
			Rules:     ruleLines(r.rules),
			RipeSeeds: briefSeeds(r.ripe),
			Recent:    recentLines(r.scope.Recent),
		},
		RepairHint: hint,
	}
	return r.o.step(ctx, &r.trace, "narrate", func(ctx context.Context) (int, error) {
		res, attempts, err := r.o.caller.Call(ctx, req)
		if err == nil {
			r.narrative = strings.TrimSpace(res.Text)
		}
		return attempts, err
	})
}

// validate checks the outcome's effects against live state and the prose
// against the outcome. Bounds failures re-judge the outcome; coherence
// failures regenerate the prose. MaxRepairs bounds both kinds together.
func (r *turnRun) validate(ctx context.Context) ([]world.Mutation, error) {
	for repair := 0; ; repair++ {
		mutations, err := r.checkEffects()
		if err != nil {
			if repair >= r.o.cfg.MaxRepairs {
				return nil, &invalidTurn{cause: err}
			}
			r.o.metrics.ObserveRepair("outcome")
			r.trace.Note("repair %d: outcome rejected: %v", repair+1, err)
			if err := r.judge(ctx, &r.trace, err.Error()); err != nil {
				return nil, err
			}
			r.route()
			if err := r.narrate(ctx, ""); err != nil {
				return nil, err
			}
			continue
		}

		var verdict turn.Coherence
		err = r.o.step(ctx, &r.trace, "coherence", func(ctx context.Context) (int, error) {
			v, attempts, err := agent.Structured[turn.Coherence](ctx, r.o.caller, agent.Request{
				Role:   agent.RoleCoherence,
				Task:   coherenceTask,
				Schema: coherenceSchema,
				Context: coherenceContext{
					Narrative: r.narrative,
					Outcome:   r.outcome,
					Memories:  memoryLines(r.memories),
				},
			}, nil, r.o.cfg.MaxRepairs)
			if err == nil {
				verdict = v
			}
			return attempts, err
		})
		if err != nil {
			return nil, err
		}
		if verdict.Coherent {
			return mutations, nil
		}
		problem := errors.New("narration incoherent")
		if len(verdict.Problems) > 0 {
			problem = fmt.Errorf("narration incoherent: %s", strings.Join(verdict.Problems, "; "))
		}
		if repair >= r.o.cfg.MaxRepairs {
			return nil, &invalidTurn{cause: problem}
		}
		r.o.metrics.ObserveRepair("narrative")
		r.trace.Note("repair %d: %v", repair+1, problem)
		if err := r.narrate(ctx, problem.Error()); err != nil {
			return nil, err
		}
	}
}

// checkEffects previews every effect of the outcome. A bound violation
// passes only when an effect flagged for override caused it and overrides
// are allowed; every other failure goes back for repair.
func (r *turnRun) checkEffects() ([]world.Mutation, error) {
	r.override = false
	mutations, err := turn.Mutations(r.outcome.Effects)
	if err != nil {
		return nil, err
	}
	violations, err := r.scope.World.Preview(mutations)
	if err != nil {
		return nil, err
	}
	var blocking []error
	sanctioned := 0
	for _, v := range violations {
		if v.Overridden && r.overrideAllowed() {
			sanctioned++
			continue
		}
		blocking = append(blocking, v)
	}
	if len(blocking) > 0 {
		return nil, errors.Join(blocking...)
	}
	if sanctioned > 0 {
		r.override = true
		r.trace.Note("override requested for %d violation(s): %s", sanctioned, r.outcome.Override)
	}
	return mutations, nil
}

func (r *turnRun) overrideAllowed() bool {
	return r.o.cfg.AllowOverride && strings.TrimSpace(r.outcome.Override) != ""
}

func (r *turnRun) commit(ctx context.Context, mutations []world.Mutation) ([]world.Change, error) {
	tx := r.scope.World.Begin()
	for _, mut := range mutations {
		if err := tx.Queue(mut); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if r.override {
		token, err := r.scope.World.IssueOverride(r.outcome.Override)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.UseOverride(token); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	record := turn.Turn{
		CampaignID: r.scope.CampaignID,
		SessionID:  r.scope.SessionID,
		Seq:        r.seq,
		Input:      r.input,
		Intent:     r.intent,
		Outcome:    r.outcome,
		Path:       r.path,
		Narrative:  r.narrative,
		CreatedAt:  r.o.now().UTC(),
	}
	tx.OnCommit(func(ctx context.Context, set world.CommitSet) error {
		if r.scope.Persist == nil {
			return nil
		}
		persisted := record
		persisted.Changes = set.Changes
		return r.scope.Persist(ctx, persisted, set.Entities)
	})

	var changes []world.Change
	err := r.o.step(ctx, &r.trace, "commit", func(ctx context.Context) (int, error) {
		var err error
		changes, err = tx.Commit(ctx)
		return 1, err
	})
	if err != nil {
		return nil, err
	}
	record.Changes = changes
	r.committed = record
	return changes, nil
}

// settle updates memory and the ledger after a commit. The turn is already
// durable, so failures here are logged and noted, never returned.
func (r *turnRun) settle() {
	sc := r.scope
	if r.path != turn.PathRecap {
		content := r.outcome.Summary
		if content == "" {
			content = r.narrative
		}
		flags := memory.Flags{PlotCritical: r.outcome.Critical, EntityRefs: r.intent.Targets}
		memID, err := sc.Memory.Add(fmt.Sprintf("Turn %d: %s", r.seq, content), memory.CategoryNormal, flags, r.seq)
		switch {
		case err != nil:
			r.logger.Warn("turn memory not recorded", zap.Error(err))
		case r.outcome.Critical:
			if err := sc.Memory.MarkCritical(memID, "outcome marked critical"); err != nil {
				r.logger.Warn("mark memory critical", zap.String("memory_id", memID), zap.Error(err))
			}
		}
	}
	for _, m := range r.memories {
		if err := sc.Memory.Boost(m.Record.ID, r.o.cfg.BoostOnUse, r.seq); err != nil {
			r.logger.Debug("boost memory", zap.String("memory_id", m.Record.ID), zap.Error(err))
		}
	}

	for _, seedID := range r.outcome.ResolveSeeds {
		res, err := sc.Ledger.Resolve(seedID, r.seq)
		if err != nil {
			r.logger.Warn("seed resolution rejected", zap.String("seed_id", seedID), zap.Error(err))
			r.trace.Note("seed %s not resolved: %v", seedID, err)
			continue
		}
		r.o.metrics.ObserveSeed(string(foreshadow.StatusResolved), 1)
		r.o.metrics.ObserveSeed(string(foreshadow.StatusRipe), len(res.Ripened))
		if res.Seed.MemoryID != "" {
			if err := sc.Memory.SetUnresolvedSeed(res.Seed.MemoryID, false); err != nil {
				r.logger.Warn("clear seed memory flag", zap.String("seed_id", seedID), zap.String("memory_id", res.Seed.MemoryID), zap.Error(err))
			}
		}
		r.trace.Note("seed %s resolved", seedID)
	}

	ripened, err := sc.Ledger.CheckRipeness(r.seq, r.input+"\n"+r.narrative)
	if err != nil {
		r.logger.Warn("ripeness check failed", zap.Error(err))
	}
	r.o.metrics.ObserveSeed(string(foreshadow.StatusRipe), len(ripened))
	for _, s := range ripened {
		r.trace.Note("seed %s ripened by %s", s.ID, s.RipenedBy)
	}

	planted := 0
	for _, p := range r.outcome.PlantSeeds {
		ok, err := PlantSeed(sc, p, r.seq)
		if err != nil {
			r.logger.Warn("seed plant rejected", zap.String("seed_id", p.ID), zap.Error(err))
			r.trace.Note("seed %s not planted: %v", p.ID, err)
			continue
		}
		if ok {
			planted++
			r.trace.Note("seed %s planted", p.ID)
		}
	}
	r.o.metrics.ObserveSeed(string(foreshadow.StatusPlanted), planted)

	cooled := sc.Memory.DecaySweep(r.seq)
	r.logger.Debug("turn settled", zap.Int("cooled", cooled), zap.Int("ripened", len(ripened)))

	sc.LastTurn = r.seq
	sc.Recent = append(sc.Recent, r.committed)
	if keep := r.o.cfg.RecentTurns; keep > 0 && len(sc.Recent) > keep {
		sc.Recent = append([]turn.Turn(nil), sc.Recent[len(sc.Recent)-keep:]...)
	}
}
