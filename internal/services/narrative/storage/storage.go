// Package storage defines the persistence contracts of the narrative service.
package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/taleloom/internal/platform/errors"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/foreshadow"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/memory"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrActiveSessionExists indicates a second active session was requested
// for a campaign. Sessions own their campaign's state exclusively.
var ErrActiveSessionExists = apperrors.New(apperrors.CodeActiveSessionExists, "active session already exists for campaign")

// CampaignRecord is the persisted campaign header.
type CampaignRecord struct {
	ID     string
	Name   string
	Locale string
	// LastTurn is the sequence number of the latest committed turn.
	LastTurn  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// SessionRecord is one play session over a campaign.
type SessionRecord struct {
	ID         string
	CampaignID string
	Status     SessionStatus
	StartedAt  time.Time
	EndedAt    *time.Time
	// FirstTurn is the campaign turn the session started after.
	FirstTurn int
}

// Snapshot is the complete mutable state of a campaign.
type Snapshot struct {
	Campaign CampaignRecord
	Entities []world.Entity
	Memory   []memory.Record
	Seeds    []foreshadow.Seed
}

// CampaignStore persists campaign headers.
type CampaignStore interface {
	PutCampaign(ctx context.Context, record CampaignRecord) error
	// GetCampaign returns ErrNotFound when the campaign does not exist.
	GetCampaign(ctx context.Context, campaignID string) (CampaignRecord, error)
}

// SessionStore persists session lifecycle.
type SessionStore interface {
	// StartSession returns ErrActiveSessionExists if the campaign already has
	// an active session.
	StartSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
}

// TurnStore persists committed turns.
type TurnStore interface {
	// CommitTurn appends the turn and writes the touched entities in one
	// database transaction.
	CommitTurn(ctx context.Context, t turn.Turn, entities []world.Entity) error
	// ListTurns returns turns of a campaign in ascending sequence order,
	// narrowed by an AIP-160 filter expression.
	ListTurns(ctx context.Context, campaignID, filter string, limit int) ([]turn.Turn, error)
	// RecentTurns returns up to limit of the latest turns in ascending order.
	RecentTurns(ctx context.Context, campaignID string, limit int) ([]turn.Turn, error)
}

// StateStore persists the slower-moving campaign state.
type StateStore interface {
	LoadSnapshot(ctx context.Context, campaignID string) (Snapshot, error)
	SaveEntities(ctx context.Context, campaignID string, entities []world.Entity) error
	SaveMemory(ctx context.Context, campaignID string, records []memory.Record) error
	SaveSeeds(ctx context.Context, campaignID string, seeds []foreshadow.Seed) error
}

// Store is the full persistence surface.
type Store interface {
	CampaignStore
	SessionStore
	TurnStore
	StateStore
	Close() error
}
