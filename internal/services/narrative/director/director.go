// Package director plans the campaign arc at session boundaries and on a
// turn cadence. Plans are computed without holding the session lock and
// applied under it; the arc itself is a world entity committed through a
// transaction, so an interrupted pass leaves the previous arc intact.
package director

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/taleloom/internal/platform/logging"
	"github.com/louisbranch/taleloom/internal/platform/timeouts"
	"github.com/louisbranch/taleloom/internal/services/narrative/agent"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/foreshadow"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/memory"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
	"github.com/louisbranch/taleloom/internal/services/narrative/observability/metrics"
	"github.com/louisbranch/taleloom/internal/services/narrative/orchestrator"
	"github.com/louisbranch/taleloom/internal/services/narrative/tuning"
	"go.uber.org/zap"
)

// Trigger names what started a pass.
type Trigger string

const (
	TriggerStart   Trigger = "session_start"
	TriggerResume  Trigger = "session_resume"
	TriggerEnd     Trigger = "session_end"
	TriggerCadence Trigger = "cadence"
)

// ArcKey addresses the arc entity.
var ArcKey = world.Key{Kind: world.KindWorld, ID: "arc"}

// Arc phases.
const (
	PhaseSetup      = "setup"
	PhaseRising     = "rising"
	PhaseClimax     = "climax"
	PhaseResolution = "resolution"
)

const (
	attrPhase     = "phase"
	attrSpotlight = "spotlight"
	flagPending   = "pending_retry"
	statTension   = "tension"
	statLastPass  = "last_pass_turn"
	maxTension    = 10
)

// Arc is the decoded arc entity.
type Arc struct {
	Phase        string `json:"phase"`
	Tension      int    `json:"tension"`
	Spotlight    string `json:"spotlight,omitempty"`
	PendingRetry bool   `json:"pending_retry,omitempty"`
	LastPassTurn int    `json:"last_pass_turn"`
}

// CurrentArc reads the arc from m. A campaign without a pass yet reports
// the setup phase and false.
func CurrentArc(m *world.Manager) (Arc, bool) {
	e, ok := m.Get(ArcKey)
	if !ok {
		return Arc{Phase: PhaseSetup}, false
	}
	return Arc{
		Phase:        e.Attributes[attrPhase],
		Tension:      e.Stats[statTension],
		Spotlight:    e.Attributes[attrSpotlight],
		PendingRetry: e.Flags[flagPending],
		LastPassTurn: e.Stats[statLastPass],
	}, true
}

// Plan is the director agent's answer.
type Plan struct {
	Phase     string           `json:"phase"`
	Tension   int              `json:"tension"`
	Spotlight string           `json:"spotlight,omitempty"`
	Plant     []turn.PlantSeed `json:"plant,omitempty"`
	Ripen     []string         `json:"ripen,omitempty"`
	Abandon   []AbandonSeed    `json:"abandon,omitempty"`
}

// AbandonSeed asks to retire a seed.
type AbandonSeed struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func checkPlan(p Plan) error {
	switch p.Phase {
	case PhaseSetup, PhaseRising, PhaseClimax, PhaseResolution:
	default:
		return fmt.Errorf("unknown phase %q", p.Phase)
	}
	if p.Tension < 0 || p.Tension > maxTension {
		return fmt.Errorf("tension %d outside [0, %d]", p.Tension, maxTension)
	}
	for i, s := range p.Plant {
		if err := s.Check(); err != nil {
			return fmt.Errorf("plant %d: %w", i, err)
		}
	}
	return nil
}

// Report summarizes an applied pass.
type Report struct {
	Trigger   Trigger
	Arc       Arc
	Planted   []string
	Ripened   []string
	Abandoned []string
	// Forced lists overdue seeds the plan ignored and the pass ripened.
	Forced []string
	// Rejected maps seed ids to the reason an operation on them failed.
	Rejected map[string]string
}

// SaveEntities persists entities changed outside a turn.
type SaveEntities func(ctx context.Context, campaignID string, entities []world.Entity) error

// Config tunes the director.
type Config struct {
	EveryTurns   int
	Timeout      time.Duration
	MaxRepairs   int
	OverdueTurns int
}

// ConfigFromTuning extracts the director knobs.
func ConfigFromTuning(t tuning.Tuning) Config {
	return Config{
		EveryTurns:   t.Director.EveryTurns,
		Timeout:      t.Director.Timeout,
		MaxRepairs:   t.Orchestrator.MaxRepairs,
		OverdueTurns: t.Ledger.OverdueTurns,
	}
}

// Director runs planning passes.
type Director struct {
	caller  *agent.Caller
	save    SaveEntities
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds a director. save may be nil when nothing is persisted.
func New(caller *agent.Caller, save SaveEntities, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Director {
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeouts.DirectorPass
	}
	logger = logging.OrNop(logger)
	return &Director{caller: caller, save: save, cfg: cfg, logger: logger, metrics: m}
}

// Due reports whether a cadence pass should follow turn seq: every
// EveryTurns turns, or on the next turn after a failed pass.
func (d *Director) Due(m *world.Manager, seq int) bool {
	if seq <= 0 {
		return false
	}
	if arc, _ := CurrentArc(m); arc.PendingRetry {
		return true
	}
	return d.cfg.EveryTurns > 0 && seq%d.cfg.EveryTurns == 0
}

// Pass plans and applies one director pass. lock is the session's turn
// lock: it is held while reading the scope and while applying the plan, but
// not during the agent call. A failed pass keeps the previous arc and sets
// pending_retry so the next boundary tries again.
func (d *Director) Pass(ctx context.Context, scope *orchestrator.Scope, trigger Trigger, lock sync.Locker) (Report, error) {
	if scope == nil || scope.World == nil || scope.Ledger == nil || scope.Memory == nil {
		return Report{}, ErrNoScope
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	lock.Lock()
	input := d.snapshot(scope, trigger)
	lock.Unlock()

	plan, _, err := agent.Structured(ctx, d.caller, agent.Request{
		Role:    agent.RoleDirector,
		Task:    directorTask,
		Schema:  directorSchema,
		Context: input,
	}, checkPlan, d.cfg.MaxRepairs)

	lock.Lock()
	defer lock.Unlock()
	if err == nil {
		var report Report
		report, err = d.apply(ctx, scope, input, plan)
		if err == nil {
			d.metrics.ObserveDirector(nil)
			d.logger.Info("director pass applied",
				zap.String("campaign_id", scope.CampaignID),
				zap.String("trigger", string(trigger)),
				zap.String("phase", report.Arc.Phase),
				zap.Int("tension", report.Arc.Tension),
				zap.Strings("planted", report.Planted),
				zap.Strings("forced", report.Forced),
			)
			return report, nil
		}
	}

	d.metrics.ObserveDirector(err)
	d.logger.Warn("director pass failed",
		zap.String("campaign_id", scope.CampaignID),
		zap.String("trigger", string(trigger)),
		zap.Error(err),
	)
	if markErr := d.markPending(context.WithoutCancel(ctx), scope); markErr != nil {
		d.logger.Error("record pending director retry", zap.Error(markErr))
	}
	return Report{}, err
}

type planContext struct {
	Trigger  Trigger    `json:"trigger"`
	Turn     int        `json:"turn"`
	Arc      Arc        `json:"arc"`
	Open     []seedView `json:"open_seeds"`
	Overdue  []string   `json:"overdue_seeds,omitempty"`
	Memories []string   `json:"memories,omitempty"`
	Recent   []string   `json:"recent,omitempty"`
}

type seedView struct {
	ID          string            `json:"id"`
	Content     string            `json:"content"`
	Status      foreshadow.Status `json:"status"`
	PlantedTurn int               `json:"planted_turn"`
	DependsOn   []string          `json:"depends_on,omitempty"`
}

func (d *Director) snapshot(scope *orchestrator.Scope, trigger Trigger) planContext {
	arc, _ := CurrentArc(scope.World)
	in := planContext{Trigger: trigger, Turn: scope.LastTurn, Arc: arc}
	for _, s := range scope.Ledger.Open() {
		in.Open = append(in.Open, seedView{ID: s.ID, Content: s.Content, Status: s.Status, PlantedTurn: s.PlantedTurn, DependsOn: s.DependsOn})
	}
	for _, s := range scope.Ledger.Overdue(scope.LastTurn, d.cfg.OverdueTurns) {
		in.Overdue = append(in.Overdue, s.ID)
	}
	for _, m := range scope.Memory.Retrieve("", 8, memory.DefaultFloor) {
		in.Memories = append(in.Memories, m.Record.Content)
	}
	for _, t := range scope.Recent {
		in.Recent = append(in.Recent, strconv.Itoa(t.Seq)+". "+t.Outcome.Summary)
	}
	return in
}

// apply commits the arc, then applies seed operations. Seed operations are
// idempotent, so replaying a plan changes nothing.
func (d *Director) apply(ctx context.Context, scope *orchestrator.Scope, input planContext, plan Plan) (Report, error) {
	arc := Arc{Phase: plan.Phase, Tension: plan.Tension, Spotlight: strings.TrimSpace(plan.Spotlight), LastPassTurn: scope.LastTurn}
	if err := d.commitArc(ctx, scope, func(tx *world.Transaction) error {
		for _, mut := range []world.Mutation{
			{Key: ArcKey, Op: world.OpAttributeSet, Field: attrPhase, Text: arc.Phase},
			{Key: ArcKey, Op: world.OpAttributeSet, Field: attrSpotlight, Text: arc.Spotlight},
			{Key: ArcKey, Op: world.OpFlagSet, Field: flagPending, Bool: false},
			{Key: ArcKey, Op: world.OpStatSet, Field: statTension, Value: arc.Tension},
			{Key: ArcKey, Op: world.OpStatSet, Field: statLastPass, Value: arc.LastPassTurn},
		} {
			if err := tx.Queue(mut); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return Report{}, err
	}

	report := Report{Trigger: input.Trigger, Arc: arc, Rejected: make(map[string]string)}
	turnSeq := scope.LastTurn
	reject := func(seedID string, err error) {
		report.Rejected[seedID] = err.Error()
		d.logger.Warn("director seed operation rejected", zap.String("seed_id", seedID), zap.Error(err))
	}

	for _, p := range plan.Plant {
		planted, err := orchestrator.PlantSeed(scope, p, turnSeq)
		if err != nil {
			reject(p.ID, err)
			continue
		}
		if planted {
			report.Planted = append(report.Planted, p.ID)
		}
	}

	addressed := make(map[string]bool)
	for _, seedID := range plan.Ripen {
		addressed[seedID] = true
		if _, err := scope.Ledger.Ripen(seedID, turnSeq, foreshadow.RipenedByDirector); err != nil {
			reject(seedID, err)
			continue
		}
		report.Ripened = append(report.Ripened, seedID)
	}
	for _, a := range plan.Abandon {
		addressed[a.ID] = true
		seed, err := scope.Ledger.Abandon(a.ID, a.Reason)
		if err != nil {
			reject(a.ID, err)
			continue
		}
		if seed.MemoryID != "" {
			if err := scope.Memory.SetUnresolvedSeed(seed.MemoryID, false); err != nil {
				d.logger.Warn("clear seed memory flag", zap.String("seed_id", a.ID), zap.String("memory_id", seed.MemoryID), zap.Error(err))
			}
		}
		report.Abandoned = append(report.Abandoned, a.ID)
	}
	for _, seedID := range input.Overdue {
		if addressed[seedID] {
			continue
		}
		seed, err := scope.Ledger.Get(seedID)
		if err != nil || seed.Status != foreshadow.StatusPlanted {
			continue
		}
		if _, err := scope.Ledger.Ripen(seedID, turnSeq, foreshadow.RipenedByDirector); err != nil {
			reject(seedID, err)
			continue
		}
		report.Forced = append(report.Forced, seedID)
	}

	d.metrics.ObserveSeed(string(foreshadow.StatusPlanted), len(report.Planted))
	d.metrics.ObserveSeed(string(foreshadow.StatusRipe), len(report.Ripened)+len(report.Forced))
	d.metrics.ObserveSeed(string(foreshadow.StatusAbandoned), len(report.Abandoned))
	return report, nil
}

func (d *Director) markPending(ctx context.Context, scope *orchestrator.Scope) error {
	return d.commitArc(ctx, scope, func(tx *world.Transaction) error {
		return tx.Queue(world.Mutation{Key: ArcKey, Op: world.OpFlagSet, Field: flagPending, Bool: true})
	})
}

// commitArc creates the arc entity on first use, queues the caller's
// mutations and commits them with the entity save as commit hook.
func (d *Director) commitArc(ctx context.Context, scope *orchestrator.Scope, queue func(*world.Transaction) error) error {
	tx := scope.World.Begin()
	if _, ok := scope.World.Get(ArcKey); !ok {
		if err := tx.Queue(world.Mutation{
			Key:  ArcKey,
			Op:   world.OpCreate,
			Seed: &world.Entity{Name: "Story arc", Attributes: map[string]string{attrPhase: PhaseSetup}},
		}); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := queue(tx); err != nil {
		tx.Rollback()
		return err
	}
	if d.save != nil {
		tx.OnCommit(func(ctx context.Context, set world.CommitSet) error {
			return d.save(ctx, scope.CampaignID, set.Entities)
		})
	}
	if _, err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit arc: %w", err)
	}
	return nil
}

// ErrNoScope is returned when a pass is requested without a loaded scope.
var ErrNoScope = errors.New("director pass needs a loaded scope")

const (
	directorTask = "You direct the long arc of this campaign. Choose the arc phase and a tension target from 0 to 10, " +
		"pick an entity to spotlight, and manage foreshadowing: plant new seeds with stable ids, ripen seeds that should " +
		"pay off soon, abandon seeds the story has outgrown. Overdue seeds need attention now."
	directorSchema = `{"phase":"setup|rising|climax|resolution","tension":4,"spotlight":"npc/ferryman","plant":[{"id":"ferry-debt","content":"...","keywords":["debt"]}],"ripen":[],"abandon":[{"id":"...","reason":"..."}]}`
)
