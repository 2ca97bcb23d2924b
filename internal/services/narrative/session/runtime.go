package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/louisbranch/taleloom/internal/services/narrative/domain/foreshadow"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/memory"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
	"github.com/louisbranch/taleloom/internal/services/narrative/orchestrator"
	"github.com/louisbranch/taleloom/internal/services/narrative/storage"
	"go.uber.org/zap"
)

// runtime is the loaded state of one active session.
type runtime struct {
	// mu is the turn lock. Every mutation of scope happens under it.
	mu      turnLock
	scope   *orchestrator.Scope
	session storage.SessionRecord
	// closed is set under mu once the runtime is ended or evicted.
	closed atomic.Bool

	bgMu     sync.Mutex
	bgCtx    context.Context
	bgCancel context.CancelFunc
	stopped  bool
	passing  bool
	passes   sync.WaitGroup
}

func newRuntime(record storage.SessionRecord, snapshot storage.Snapshot, recent []turn.Turn, cfg Config, logger *zap.Logger) *runtime {
	mem := memory.NewStore(cfg.Memory)
	mem.Load(snapshot.Memory)
	ledger := foreshadow.NewLedger(cfg.Ledger)
	ledger.Load(snapshot.Seeds)
	manager := world.NewManager(logger.With(zap.String("campaign_id", record.CampaignID)))
	manager.Load(snapshot.Entities)

	bgCtx, cancel := context.WithCancel(context.Background())
	return &runtime{
		mu:      newTurnLock(),
		session: record,
		scope: &orchestrator.Scope{
			CampaignID: record.CampaignID,
			SessionID:  record.ID,
			Locale:     snapshot.Campaign.Locale,
			LastTurn:   snapshot.Campaign.LastTurn,
			Memory:     mem,
			Ledger:     ledger,
			World:      manager,
			Recent:     recent,
		},
		bgCtx:    bgCtx,
		bgCancel: cancel,
	}
}

// stopBackground cancels running director passes and waits for them. It
// must be called without holding mu.
func (rt *runtime) stopBackground() {
	rt.bgMu.Lock()
	rt.stopped = true
	rt.bgCancel()
	rt.bgMu.Unlock()
	rt.passes.Wait()
}

// turnLock is a mutex whose acquisition can be abandoned when the
// caller's context ends.
type turnLock chan struct{}

func newTurnLock() turnLock {
	return make(turnLock, 1)
}

func (l turnLock) Lock() {
	l <- struct{}{}
}

func (l turnLock) Unlock() {
	<-l
}

// LockContext takes the lock or returns ctx's error.
func (l turnLock) LockContext(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
