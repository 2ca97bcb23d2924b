package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/taleloom/internal/platform/errors"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
	"github.com/louisbranch/taleloom/internal/services/narrative/storage/filter"
)

// CommitTurn appends a turn, writes the entities it touched, and advances the
// campaign's turn counter in one database transaction. The turn sequence must
// directly follow the stored counter.
func (s *Store) CommitTurn(ctx context.Context, t turn.Turn, entities []world.Entity) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	intentJSON, err := json.Marshal(t.Intent)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	outcomeJSON, err := json.Marshal(t.Outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	changes := t.Changes
	if changes == nil {
		changes = []world.Change{}
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("encode changes: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		campaign, err := getCampaign(ctx, tx, t.CampaignID)
		if err != nil {
			return err
		}
		if t.Seq != campaign.LastTurn+1 {
			return apperrors.WithMetadata(apperrors.CodeCommitFailed, "turn sequence out of order", map[string]string{
				"campaign_id": t.CampaignID,
				"expected":    fmt.Sprint(campaign.LastTurn + 1),
				"got":         fmt.Sprint(t.Seq),
			})
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO turns (
	campaign_id, seq, session_id, input,
	intent_category, intent_json, outcome_result, outcome_json,
	path, narrative, changes_json, change_count, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			t.CampaignID,
			t.Seq,
			t.SessionID,
			t.Input,
			string(t.Intent.Category),
			string(intentJSON),
			t.Outcome.Result,
			string(outcomeJSON),
			string(t.Path),
			t.Narrative,
			string(changesJSON),
			len(t.Changes),
			t.CreatedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		for _, e := range entities {
			if err := putEntity(ctx, tx, t.CampaignID, e); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE campaigns SET last_turn = ?, updated_at = ? WHERE id = ?",
			t.Seq, t.CreatedAt.UTC().UnixMilli(), t.CampaignID,
		); err != nil {
			return fmt.Errorf("advance campaign turn: %w", err)
		}
		return nil
	})
}

const turnColumns = `campaign_id, seq, session_id, input, intent_json, outcome_json, path, narrative, changes_json, created_at`

// ListTurns lists turns in ascending order, narrowed by an AIP-160 filter.
func (s *Store) ListTurns(ctx context.Context, campaignID, filterStr string, limit int) ([]turn.Turn, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	cond, err := filter.Parse(filterStr)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + turnColumns + " FROM turns WHERE campaign_id = ?"
	args := []any{campaignID}
	if strings.TrimSpace(cond.Clause) != "" {
		query += " AND " + cond.Clause
		args = append(args, cond.Params...)
	}
	query += " ORDER BY seq ASC LIMIT ?"
	args = append(args, limit)
	return s.queryTurns(ctx, query, args...)
}

// RecentTurns returns the latest turns in ascending order.
func (s *Store) RecentTurns(ctx context.Context, campaignID string, limit int) ([]turn.Turn, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []turn.Turn{}, nil
	}
	turns, err := s.queryTurns(ctx,
		"SELECT "+turnColumns+" FROM turns WHERE campaign_id = ? ORDER BY seq DESC LIMIT ?",
		campaignID, limit,
	)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *Store) queryTurns(ctx context.Context, query string, args ...any) ([]turn.Turn, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := make([]turn.Turn, 0)
	for rows.Next() {
		var (
			t         turn.Turn
			path      string
			createdAt int64

			intentJSON, outcomeJSON, changesJSON string
		)
		if err := rows.Scan(&t.CampaignID, &t.Seq, &t.SessionID, &t.Input,
			&intentJSON, &outcomeJSON, &path, &t.Narrative, &changesJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(intentJSON), &t.Intent); err != nil {
			return nil, fmt.Errorf("decode intent of turn %d: %w", t.Seq, err)
		}
		if err := json.Unmarshal([]byte(outcomeJSON), &t.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome of turn %d: %w", t.Seq, err)
		}
		if err := json.Unmarshal([]byte(changesJSON), &t.Changes); err != nil {
			return nil, fmt.Errorf("decode changes of turn %d: %w", t.Seq, err)
		}
		t.Path = turn.Path(path)
		t.CreatedAt = time.UnixMilli(createdAt).UTC()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}
