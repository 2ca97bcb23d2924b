// Package session owns the lifecycle of play sessions: start, resume, end,
// and serialized turns. Each active session has a runtime holding its
// campaign state in memory; runtimes share nothing, so sessions run in
// parallel while turns within one session never overlap.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/taleloom/internal/platform/errors"
	"github.com/louisbranch/taleloom/internal/platform/id"
	"github.com/louisbranch/taleloom/internal/platform/timeouts"
	"github.com/louisbranch/taleloom/internal/services/narrative/director"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/foreshadow"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/memory"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
	"github.com/louisbranch/taleloom/internal/services/narrative/observability/metrics"
	"github.com/louisbranch/taleloom/internal/services/narrative/orchestrator"
	"github.com/louisbranch/taleloom/internal/services/narrative/storage"
	"github.com/louisbranch/taleloom/internal/services/narrative/voice"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// TurnRunner processes one turn against a scope.
type TurnRunner interface {
	ProcessTurn(ctx context.Context, scope *orchestrator.Scope, input string) (turn.Result, error)
}

// Planner runs director passes.
type Planner interface {
	Due(m *world.Manager, seq int) bool
	Pass(ctx context.Context, scope *orchestrator.Scope, trigger director.Trigger, lock sync.Locker) (director.Report, error)
}

// Config tunes the service.
type Config struct {
	Memory memory.Config
	Ledger foreshadow.Config
	// RecentTurns is how many committed turns a loaded runtime keeps.
	RecentTurns int
	// IdleEviction is how long an untouched runtime stays loaded.
	IdleEviction time.Duration
}

// StartInput opens a session over a campaign.
type StartInput struct {
	CampaignID string
	Name       string
	Locale     string
	// Entities and Lore seed a campaign that does not exist yet. They are
	// ignored for existing campaigns.
	Entities []world.Entity
	Lore     []string
}

// Info describes a session.
type Info struct {
	SessionID  string
	CampaignID string
	Status     storage.SessionStatus
	LastTurn   int
	Arc        director.Arc
	OpenSeeds  int
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPlanner enables director passes.
func WithPlanner(p Planner) Option {
	return func(s *Service) { s.planner = p }
}

// WithClock overrides the session clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithVoice lets ProcessTurn answer in voice when the session is busy.
func WithVoice(v *voice.Voice) Option {
	return func(s *Service) {
		s.voice = v
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.idGenerator = fn
		}
	}
}

// Service manages session runtimes.
type Service struct {
	store       storage.Store
	runner      TurnRunner
	planner     Planner
	cfg         Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	voice       *voice.Voice
	clock       func() time.Time
	idGenerator func() (string, error)

	// loadMu serializes registry lookups, loads and evictions so a session
	// is never loaded while a stale runtime of it is still flushing.
	loadMu   sync.Mutex
	registry *cache.Cache
}

// NewService builds a session service. Idle runtimes are evicted only by
// EvictIdle; the registry runs no janitor of its own.
func NewService(store storage.Store, runner TurnRunner, cfg Config, opts ...Option) *Service {
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = cache.NoExpiration
	}
	s := &Service{
		store:       store,
		runner:      runner,
		cfg:         cfg,
		logger:      zap.NewNop(),
		clock:       time.Now,
		idGenerator: id.NewID,
		registry:    cache.New(cfg.IdleEviction, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry.OnEvicted(s.onEvicted)
	return s
}

// Start opens a new session. A campaign that does not exist yet is created
// from the input. Only one session per campaign may be active.
func (s *Service) Start(ctx context.Context, in StartInput) (Info, error) {
	campaignID := strings.TrimSpace(in.CampaignID)
	if campaignID == "" {
		return Info{}, apperrors.New(apperrors.CodeSessionEmptyCampaignID, "campaign id is required")
	}
	campaign, created, err := s.ensureCampaign(ctx, campaignID, in)
	if err != nil {
		return Info{}, err
	}

	sessionID, err := s.idGenerator()
	if err != nil {
		return Info{}, fmt.Errorf("generate session id: %w", err)
	}
	record := storage.SessionRecord{
		ID:         sessionID,
		CampaignID: campaignID,
		Status:     storage.SessionActive,
		StartedAt:  s.clock().UTC(),
		FirstTurn:  campaign.LastTurn,
	}
	if err := s.store.StartSession(ctx, record); err != nil {
		return Info{}, err
	}

	rt, err := s.open(ctx, record)
	if err != nil {
		if endErr := s.store.EndSession(context.WithoutCancel(ctx), record.ID, s.clock().UTC()); endErr != nil {
			s.logger.Error("close unusable session", zap.String("session_id", record.ID), zap.Error(endErr))
		}
		return Info{}, err
	}
	if created && len(in.Lore) > 0 {
		rt.mu.Lock()
		for _, fact := range in.Lore {
			if _, err := rt.scope.Memory.Add(fact, memory.CategoryPermanent, memory.Flags{PlotCritical: true}, campaign.LastTurn); err != nil {
				s.logger.Warn("skip lore", zap.String("campaign_id", campaignID), zap.Error(err))
			}
		}
		s.flush(ctx, rt)
		rt.mu.Unlock()
	}

	s.logger.Info("session started",
		zap.String("session_id", record.ID),
		zap.String("campaign_id", campaignID),
		zap.Bool("new_campaign", created),
	)
	s.boundaryPass(ctx, rt, director.TriggerStart)
	return s.describe(rt), nil
}

func (s *Service) ensureCampaign(ctx context.Context, campaignID string, in StartInput) (storage.CampaignRecord, bool, error) {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err == nil {
		return campaign, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.CampaignRecord{}, false, fmt.Errorf("get campaign: %w", err)
	}
	now := s.clock().UTC()
	campaign = storage.CampaignRecord{
		ID:        campaignID,
		Name:      strings.TrimSpace(in.Name),
		Locale:    strings.TrimSpace(in.Locale),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.PutCampaign(ctx, campaign); err != nil {
		return storage.CampaignRecord{}, false, err
	}
	if len(in.Entities) > 0 {
		// Validate through a manager so malformed seeds never reach storage.
		m := world.NewManager(s.logger)
		tx := m.Begin()
		for _, e := range in.Entities {
			seed := e
			if err := tx.Queue(world.Mutation{Key: e.Key(), Op: world.OpCreate, Seed: &seed}); err != nil {
				tx.Rollback()
				return storage.CampaignRecord{}, false, fmt.Errorf("seed entity %s: %w", e.Key(), err)
			}
		}
		if _, err := tx.Commit(ctx); err != nil {
			return storage.CampaignRecord{}, false, fmt.Errorf("seed entities: %w", err)
		}
		if err := s.store.SaveEntities(ctx, campaignID, m.Snapshot()); err != nil {
			return storage.CampaignRecord{}, false, err
		}
	}
	return campaign, true, nil
}

// Resume reattaches to an active session, loading it if it was evicted.
func (s *Service) Resume(ctx context.Context, sessionID string) (Info, error) {
	rt, err := s.runtime(ctx, sessionID)
	if err != nil {
		return Info{}, err
	}
	s.logger.Info("session resumed", zap.String("session_id", sessionID))
	s.boundaryPass(ctx, rt, director.TriggerResume)
	return s.describe(rt), nil
}

// End closes a session after a final director pass and flush. Ending an
// ended session returns its info unchanged.
func (s *Service) End(ctx context.Context, sessionID string) (Info, error) {
	record, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Info{}, err
	}
	if record.Status == storage.SessionEnded {
		return Info{SessionID: record.ID, CampaignID: record.CampaignID, Status: record.Status}, nil
	}
	rt, err := s.runtime(ctx, sessionID)
	if err != nil {
		return Info{}, err
	}
	rt.stopBackground()
	s.boundaryPass(ctx, rt, director.TriggerEnd)

	rt.mu.Lock()
	rt.closed.Store(true)
	s.flush(ctx, rt)
	endErr := s.store.EndSession(ctx, sessionID, s.clock().UTC())
	info := s.describeLocked(rt)
	rt.mu.Unlock()

	s.loadMu.Lock()
	s.registry.Delete(sessionID)
	s.loadMu.Unlock()
	if endErr != nil {
		return Info{}, endErr
	}
	info.Status = storage.SessionEnded
	s.logger.Info("session ended", zap.String("session_id", sessionID), zap.Int("last_turn", info.LastTurn))
	return info, nil
}

// ProcessTurn runs one turn in the session. Turns in one session are
// serialized; a committed turn flushes memory and ledger state and may
// schedule a background director pass.
func (s *Service) ProcessTurn(ctx context.Context, sessionID, input string) (turn.Result, error) {
	rt, err := s.acquire(ctx, sessionID)
	if err != nil {
		if rt != nil && s.voice != nil {
			return turn.Result{NarrativeText: s.voice.Say(rt.scope.Locale, voice.ForError(err))}, err
		}
		return turn.Result{}, err
	}
	defer rt.mu.Unlock()

	res, err := s.runner.ProcessTurn(ctx, rt.scope, input)
	if res.Committed {
		s.flush(ctx, rt)
		if s.planner != nil && s.planner.Due(rt.scope.World, res.TurnSeq) {
			s.schedulePass(rt)
		}
	}
	s.registry.Set(sessionID, rt, cache.DefaultExpiration)
	return res, err
}

// ListTurns returns the session campaign's turns matching an AIP-160
// filter.
func (s *Service) ListTurns(ctx context.Context, sessionID, filter string, limit int) ([]turn.Turn, error) {
	record, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.store.ListTurns(ctx, record.CampaignID, filter, limit)
}

// Active returns the number of loaded runtimes.
func (s *Service) Active() int {
	return s.registry.ItemCount()
}

// EvictIdle unloads runtimes untouched for the idle period. Their state is
// flushed; the sessions stay active and resume on next use.
func (s *Service) EvictIdle() {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	s.registry.DeleteExpired()
}

// FlushAll retries persisting pending state of every loaded runtime.
func (s *Service) FlushAll(ctx context.Context) {
	for _, rt := range s.runtimes() {
		rt.mu.Lock()
		if !rt.closed.Load() {
			s.flush(ctx, rt)
		}
		rt.mu.Unlock()
	}
}

// Compact compresses cold memory of every loaded runtime.
func (s *Service) Compact(ctx context.Context, summarizer memory.Summarizer) error {
	var errs []error
	for _, rt := range s.runtimes() {
		rt.mu.Lock()
		if rt.closed.Load() {
			rt.mu.Unlock()
			continue
		}
		for _, category := range []memory.Category{memory.CategoryFast, memory.CategoryNormal} {
			created, err := rt.scope.Memory.Compress(ctx, category, summarizer, rt.scope.LastTurn)
			if err != nil {
				errs = append(errs, fmt.Errorf("compact %s %s memory: %w", rt.scope.CampaignID, category, err))
			}
			for _, summaryID := range created {
				if summary, err := rt.scope.Memory.Get(summaryID); err == nil {
					s.metrics.ObserveArchived(len(summary.SourceIDs))
				}
			}
			if len(created) > 0 {
				s.logger.Info("memory compacted",
					zap.String("campaign_id", rt.scope.CampaignID),
					zap.String("category", string(category)),
					zap.Int("summaries", len(created)),
				)
			}
		}
		s.flush(ctx, rt)
		rt.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Close unloads every runtime, waiting for background passes and flushing
// state. Sessions stay active in storage.
func (s *Service) Close() {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	s.registry.DeleteExpired()
	for sessionID := range s.registry.Items() {
		s.registry.Delete(sessionID)
	}
}

func (s *Service) runtimes() []*runtime {
	items := s.registry.Items()
	out := make([]*runtime, 0, len(items))
	for _, item := range items {
		if rt, ok := item.Object.(*runtime); ok {
			out = append(out, rt)
		}
	}
	return out
}

// acquire returns the session runtime with its turn lock held. When ctx
// ends while another turn holds the lock, the runtime is returned with a
// TURN_IN_PROGRESS error and the lock is not held.
func (s *Service) acquire(ctx context.Context, sessionID string) (*runtime, error) {
	for {
		rt, err := s.runtime(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := rt.mu.LockContext(ctx); err != nil {
			return rt, apperrors.Wrap(apperrors.CodeTurnInProgress, "previous turn is still running", err)
		}
		if !rt.closed.Load() {
			return rt, nil
		}
		// Evicted or ended while waiting; look it up again.
		rt.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// runtime returns the loaded runtime of an active session.
func (s *Service) runtime(ctx context.Context, sessionID string) (*runtime, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if item, ok := s.registry.Get(sessionID); ok {
		if rt := item.(*runtime); !rt.closed.Load() {
			s.registry.Set(sessionID, rt, cache.DefaultExpiration)
			return rt, nil
		}
	}
	// An expired runtime of this session may still hold unflushed state.
	s.registry.DeleteExpired()
	record, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if record.Status != storage.SessionActive {
		return nil, apperrors.WithMetadata(apperrors.CodeSessionNotActive, "session is not active", map[string]string{"session_id": sessionID})
	}
	return s.loadLocked(ctx, record)
}

func (s *Service) open(ctx context.Context, record storage.SessionRecord) (*runtime, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.loadLocked(ctx, record)
}

func (s *Service) loadLocked(ctx context.Context, record storage.SessionRecord) (*runtime, error) {
	snapshot, err := s.store.LoadSnapshot(ctx, record.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", record.CampaignID, err)
	}
	recent, err := s.store.RecentTurns(ctx, record.CampaignID, s.cfg.RecentTurns)
	if err != nil {
		return nil, fmt.Errorf("load recent turns: %w", err)
	}
	rt := newRuntime(record, snapshot, recent, s.cfg, s.logger)
	rt.scope.Persist = s.store.CommitTurn
	s.registry.Set(record.ID, rt, cache.DefaultExpiration)
	s.metrics.SetActiveSessions(s.registry.ItemCount())
	return rt, nil
}

func (s *Service) onEvicted(sessionID string, value any) {
	rt, ok := value.(*runtime)
	if !ok {
		return
	}
	rt.stopBackground()
	rt.mu.Lock()
	if !rt.closed.Load() {
		rt.closed.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.Flush)
		s.flush(ctx, rt)
		cancel()
		s.logger.Info("session runtime unloaded", zap.String("session_id", sessionID))
	}
	rt.mu.Unlock()
	s.metrics.SetActiveSessions(s.registry.ItemCount())
}

// flush persists dirty memory records and seeds. Failed batches are
// requeued for the next flush. Callers hold rt.mu.
func (s *Service) flush(ctx context.Context, rt *runtime) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Flush)
	defer cancel()
	campaignID := rt.scope.CampaignID
	if records := rt.scope.Memory.TakeDirty(); len(records) > 0 {
		if err := s.store.SaveMemory(ctx, campaignID, records); err != nil {
			rt.scope.Memory.Requeue(records)
			s.logger.Warn("flush memory", zap.String("campaign_id", campaignID), zap.Int("records", len(records)), zap.Error(err))
		}
	}
	if seeds := rt.scope.Ledger.TakeDirty(); len(seeds) > 0 {
		if err := s.store.SaveSeeds(ctx, campaignID, seeds); err != nil {
			rt.scope.Ledger.Requeue(seeds)
			s.logger.Warn("flush seeds", zap.String("campaign_id", campaignID), zap.Int("seeds", len(seeds)), zap.Error(err))
		}
	}
}

// boundaryPass runs a director pass in the foreground. Failures are logged;
// the director schedules its own retry.
func (s *Service) boundaryPass(ctx context.Context, rt *runtime, trigger director.Trigger) {
	if s.planner == nil {
		return
	}
	if _, err := s.planner.Pass(ctx, rt.scope, trigger, &rt.mu); err != nil {
		s.logger.Warn("director pass failed", zap.String("session_id", rt.session.ID), zap.String("trigger", string(trigger)), zap.Error(err))
	}
	rt.mu.Lock()
	s.flush(ctx, rt)
	rt.mu.Unlock()
}

// schedulePass starts a cadence pass in the background unless one is
// already running. Callers hold rt.mu.
func (s *Service) schedulePass(rt *runtime) {
	rt.bgMu.Lock()
	defer rt.bgMu.Unlock()
	if rt.stopped || rt.passing {
		return
	}
	rt.passing = true
	rt.passes.Add(1)
	go func() {
		defer rt.passes.Done()
		defer func() {
			rt.bgMu.Lock()
			rt.passing = false
			rt.bgMu.Unlock()
		}()
		s.boundaryPass(rt.bgCtx, rt, director.TriggerCadence)
	}()
}

func (s *Service) describe(rt *runtime) Info {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return s.describeLocked(rt)
}

func (s *Service) describeLocked(rt *runtime) Info {
	arc, _ := director.CurrentArc(rt.scope.World)
	return Info{
		SessionID:  rt.session.ID,
		CampaignID: rt.session.CampaignID,
		Status:     rt.session.Status,
		LastTurn:   rt.scope.LastTurn,
		Arc:        arc,
		OpenSeeds:  len(rt.scope.Ledger.Open()),
	}
}
