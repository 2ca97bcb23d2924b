// Package sqlite is the SQLite-backed narrative store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/taleloom/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/taleloom/internal/services/narrative/storage"
	"github.com/louisbranch/taleloom/internal/services/narrative/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

var _ storage.Store = (*Store)(nil)

// Store persists campaigns, sessions, turns and campaign state.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a narrative SQLite store and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// withTx runs fn in a database transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// PutCampaign inserts a campaign or updates its name and locale.
func (s *Store) PutCampaign(ctx context.Context, record storage.CampaignRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		return fmt.Errorf("campaign id is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO campaigns (id, name, locale, last_turn, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name,
	locale = excluded.locale,
	updated_at = excluded.updated_at
`,
		record.ID,
		record.Name,
		record.Locale,
		record.LastTurn,
		record.CreatedAt.UTC().UnixMilli(),
		record.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put campaign: %w", err)
	}
	return nil
}

// GetCampaign loads a campaign header.
func (s *Store) GetCampaign(ctx context.Context, campaignID string) (storage.CampaignRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.CampaignRecord{}, err
	}
	return getCampaign(ctx, s.sqlDB, campaignID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCampaign(ctx context.Context, q queryRower, campaignID string) (storage.CampaignRecord, error) {
	var (
		record             storage.CampaignRecord
		createdAt, updated int64
	)
	err := q.QueryRowContext(ctx, `
SELECT id, name, locale, last_turn, created_at, updated_at
FROM campaigns WHERE id = ?
`, campaignID).Scan(&record.ID, &record.Name, &record.Locale, &record.LastTurn, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CampaignRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.CampaignRecord{}, fmt.Errorf("get campaign: %w", err)
	}
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	record.UpdatedAt = time.UnixMilli(updated).UTC()
	return record, nil
}

// StartSession records a new active session for an existing campaign.
func (s *Store) StartSession(ctx context.Context, record storage.SessionRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getCampaign(ctx, tx, record.CampaignID); err != nil {
			return err
		}
		var active int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sessions WHERE campaign_id = ? AND status = ?",
			record.CampaignID, string(storage.SessionActive),
		).Scan(&active); err != nil {
			return fmt.Errorf("count active sessions: %w", err)
		}
		if active > 0 {
			return storage.ErrActiveSessionExists
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO sessions (id, campaign_id, status, started_at, ended_at, first_turn)
VALUES (?, ?, ?, ?, NULL, ?)
`,
			record.ID,
			record.CampaignID,
			string(storage.SessionActive),
			record.StartedAt.UTC().UnixMilli(),
			record.FirstTurn,
		)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return storage.ErrActiveSessionExists
			}
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession loads a session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.SessionRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.SessionRecord{}, err
	}
	var (
		record    storage.SessionRecord
		status    string
		startedAt int64
		endedAt   sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, campaign_id, status, started_at, ended_at, first_turn
FROM sessions WHERE id = ?
`, sessionID).Scan(&record.ID, &record.CampaignID, &status, &startedAt, &endedAt, &record.FirstTurn)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	record.Status = storage.SessionStatus(status)
	record.StartedAt = time.UnixMilli(startedAt).UTC()
	if endedAt.Valid {
		ended := time.UnixMilli(endedAt.Int64).UTC()
		record.EndedAt = &ended
	}
	return record, nil
}

// EndSession marks a session ended. Ending an ended session is a no-op.
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions SET status = ?, ended_at = ?
WHERE id = ? AND status = ?
`, string(storage.SessionEnded), endedAt.UTC().UnixMilli(), sessionID, string(storage.SessionActive))
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}
