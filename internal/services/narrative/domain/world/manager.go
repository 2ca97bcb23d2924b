// Package world owns authoritative campaign state. All writes go through a
// Transaction that either commits every queued mutation or none of them.
package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/louisbranch/taleloom/internal/platform/id"
	"github.com/louisbranch/taleloom/internal/platform/logging"
	"go.uber.org/zap"
)

var (
	ErrUnknownEntity       = errors.New("unknown entity")
	ErrEntityExists        = errors.New("entity already exists")
	ErrInvalidMutation     = errors.New("invalid mutation")
	ErrConstraintViolation = errors.New("state constraint violated")
	ErrStaleState          = errors.New("entity changed since mutation was queued")
	ErrTxClosed            = errors.New("transaction already closed")
	ErrInvalidOverride     = errors.New("override token invalid or used")
)

// OverrideToken authorizes the override-flagged mutations of one
// transaction to break a state bound.
type OverrideToken struct {
	ID     string
	Reason string
}

// Manager holds the live entity set of one campaign.
type Manager struct {
	mu        sync.RWMutex
	entities  map[Key]*Entity
	overrides map[string]OverrideToken
	logger    *zap.Logger
	newID     func() (string, error)
	// fault, when set, runs after each applied mutation and can abort the commit.
	fault func(step int) error
}

// NewManager builds an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	logger = logging.OrNop(logger)
	return &Manager{
		entities:  make(map[Key]*Entity),
		overrides: make(map[string]OverrideToken),
		logger:    logger,
		newID:     id.NewID,
	}
}

// Load replaces live state with persisted entities.
func (m *Manager) Load(entities []Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = make(map[Key]*Entity, len(entities))
	for _, e := range entities {
		clone := e.Clone()
		m.entities[clone.Key()] = &clone
	}
}

// Get returns a copy of an entity.
func (m *Manager) Get(key Key) (Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[key]
	if !ok {
		return Entity{}, false
	}
	return e.Clone(), true
}

// Snapshot returns copies of every entity ordered by key.
func (m *Manager) Snapshot() []Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e.Clone())
	}
	sortEntities(out)
	return out
}

func sortEntities(entities []Entity) {
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].Key().String() < entities[j].Key().String()
	})
}

// IssueOverride mints a single-use token for an exceptional commit.
func (m *Manager) IssueOverride(reason string) (OverrideToken, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return OverrideToken{}, fmt.Errorf("%w: reason is required", ErrInvalidOverride)
	}
	tokenID, err := m.newID()
	if err != nil {
		return OverrideToken{}, err
	}
	token := OverrideToken{ID: tokenID, Reason: reason}
	m.mu.Lock()
	m.overrides[tokenID] = token
	m.mu.Unlock()
	m.logger.Info("override issued", zap.String("token", tokenID), zap.String("reason", reason))
	return token, nil
}

// Preview applies mutations to copies of live state without changing
// anything. Every mutation is checked: structural failures are joined into
// the error, and bounds are checked once on the final staged state.
func (m *Manager) Preview(mutations []Mutation) ([]Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	staged := make(map[Key]*Entity)
	var errs []error
	for i, mut := range mutations {
		if err := mut.validate(); err != nil {
			errs = append(errs, fmt.Errorf("mutation %d: %w", i, err))
			continue
		}
		current, ok := staged[mut.Key]
		if !ok {
			if live, exists := m.entities[mut.Key]; exists {
				clone := live.Clone()
				current = &clone
			}
		}
		next, _, _, err := mut.apply(current)
		if err != nil {
			errs = append(errs, fmt.Errorf("mutation %d: %w", i, err))
			continue
		}
		staged[mut.Key] = &next
	}
	return batchViolations(staged, mutations), errors.Join(errs...)
}

// CommitSet is handed to commit hooks.
type CommitSet struct {
	Changes []Change
	// Entities holds the post-commit state of every touched entity.
	Entities []Entity
}

// CommitHook runs inside the commit, after all mutations are applied and
// before the write lock is released. A hook error rolls the commit back.
type CommitHook func(ctx context.Context, set CommitSet) error

// Begin opens a transaction.
func (m *Manager) Begin() *Transaction {
	return &Transaction{manager: m, seen: make(map[Key]int64)}
}

type txState int

const (
	txOpen txState = iota
	txCommitted
	txRolledBack
)

// Transaction queues mutations for an all-or-nothing commit.
type Transaction struct {
	manager   *Manager
	mutations []Mutation
	// seen records the live version of each entity when first queued;
	// -1 means the entity did not exist.
	seen     map[Key]int64
	created  map[Key]bool
	hooks    []CommitHook
	override *OverrideToken
	state    txState
}

// Queue adds a mutation. The target must exist or be created earlier in
// the same transaction.
func (tx *Transaction) Queue(mut Mutation) error {
	if tx.state != txOpen {
		return ErrTxClosed
	}
	if err := mut.validate(); err != nil {
		return err
	}
	if _, tracked := tx.seen[mut.Key]; !tracked {
		live, ok := tx.manager.Get(mut.Key)
		if ok {
			tx.seen[mut.Key] = live.Version
		} else {
			tx.seen[mut.Key] = -1
		}
	}
	exists := tx.seen[mut.Key] >= 0 || tx.created[mut.Key]
	switch {
	case mut.Op == OpCreate && exists:
		return fmt.Errorf("%w: %s", ErrEntityExists, mut.Key)
	case mut.Op != OpCreate && !exists:
		return fmt.Errorf("%w: %s", ErrUnknownEntity, mut.Key)
	}
	if mut.Op == OpCreate {
		if tx.created == nil {
			tx.created = make(map[Key]bool)
		}
		tx.created[mut.Key] = true
	}
	tx.mutations = append(tx.mutations, mut)
	return nil
}

// Len returns the number of queued mutations.
func (tx *Transaction) Len() int {
	return len(tx.mutations)
}

// OnCommit registers a hook run inside the commit.
func (tx *Transaction) OnCommit(hook CommitHook) {
	if hook != nil {
		tx.hooks = append(tx.hooks, hook)
	}
}

// UseOverride attaches an issued override token.
func (tx *Transaction) UseOverride(token OverrideToken) error {
	if tx.state != txOpen {
		return ErrTxClosed
	}
	tx.manager.mu.RLock()
	_, ok := tx.manager.overrides[token.ID]
	tx.manager.mu.RUnlock()
	if !ok {
		return ErrInvalidOverride
	}
	tx.override = &token
	return nil
}

// Rollback discards the transaction. Nothing was applied, so this only
// closes it.
func (tx *Transaction) Rollback() {
	if tx.state == txOpen {
		tx.state = txRolledBack
	}
}

type inverse struct {
	key    Key
	before *Entity
}

// Commit applies every queued mutation under the manager's write lock,
// then checks bounds on the final state of each touched entity. Pre-images
// are captured from live state at apply time. Any failure replays them in
// reverse so readers never see a partial turn.
func (tx *Transaction) Commit(ctx context.Context) ([]Change, error) {
	if tx.state != txOpen {
		return nil, ErrTxClosed
	}
	tx.state = txRolledBack
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := tx.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.override != nil {
		if _, ok := m.overrides[tx.override.ID]; !ok {
			return nil, ErrInvalidOverride
		}
	}

	undo := make([]inverse, 0, len(tx.mutations))
	changes := make([]Change, 0, len(tx.mutations))
	touched := make(map[Key]struct{})

	fail := func(err error) ([]Change, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			if undo[i].before == nil {
				delete(m.entities, undo[i].key)
			} else {
				m.entities[undo[i].key] = undo[i].before
			}
		}
		m.logger.Warn("transaction rolled back", zap.Int("applied", len(undo)), zap.Error(err))
		return nil, err
	}

	for step, mut := range tx.mutations {
		live := m.entities[mut.Key]
		if expected := tx.seen[mut.Key]; expected >= 0 {
			if _, again := touched[mut.Key]; !again && (live == nil || live.Version != expected) {
				return fail(fmt.Errorf("%w: %s", ErrStaleState, mut.Key))
			}
		}
		var before *Entity
		if live != nil {
			clone := live.Clone()
			before = &clone
		}

		next, beforeValue, afterValue, err := mut.apply(live)
		if err != nil {
			return fail(err)
		}
		if live != nil {
			next.Version = live.Version + 1
		} else {
			next.Version = 1
		}
		undo = append(undo, inverse{key: mut.Key, before: before})
		m.entities[mut.Key] = &next
		touched[mut.Key] = struct{}{}
		changes = append(changes, Change{Key: mut.Key.String(), Op: mut.Op, Field: mut.Field, Before: beforeValue, After: afterValue})

		if m.fault != nil {
			if err := m.fault(step); err != nil {
				return fail(err)
			}
		}
	}

	final := make(map[Key]*Entity, len(touched))
	for key := range touched {
		final[key] = m.entities[key]
	}
	for _, v := range batchViolations(final, tx.mutations) {
		if !v.Overridden || tx.override == nil {
			return fail(v)
		}
		for i, mut := range tx.mutations {
			if mut.Override && v.covers(mut) {
				changes[i].Override = true
				changes[i].Reason = tx.override.Reason
			}
		}
		m.logger.Warn("state bound overridden",
			zap.String("token", tx.override.ID),
			zap.String("reason", tx.override.Reason),
			zap.String("entity", v.Key.String()),
			zap.String("field", v.Field),
			zap.NamedError("violation", v),
		)
	}

	if len(tx.hooks) > 0 {
		set := CommitSet{Changes: append([]Change(nil), changes...)}
		for key := range touched {
			set.Entities = append(set.Entities, m.entities[key].Clone())
		}
		sortEntities(set.Entities)
		for _, hook := range tx.hooks {
			if err := hook(ctx, set); err != nil {
				return fail(err)
			}
		}
	}

	if tx.override != nil {
		delete(m.overrides, tx.override.ID)
	}
	tx.state = txCommitted
	return changes, nil
}
