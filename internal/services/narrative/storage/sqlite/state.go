package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/taleloom/internal/services/narrative/domain/foreshadow"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/memory"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
	"github.com/louisbranch/taleloom/internal/services/narrative/storage"
)

const (
	linkDependsOn     = "depends_on"
	linkTriggers      = "triggers"
	linkConflictsWith = "conflicts_with"
)

// LoadSnapshot reads everything needed to rebuild a campaign runtime.
func (s *Store) LoadSnapshot(ctx context.Context, campaignID string) (storage.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Snapshot{}, err
	}
	campaign, err := getCampaign(ctx, s.sqlDB, campaignID)
	if err != nil {
		return storage.Snapshot{}, err
	}
	snap := storage.Snapshot{Campaign: campaign}
	if snap.Entities, err = s.loadEntities(ctx, campaignID); err != nil {
		return storage.Snapshot{}, err
	}
	if snap.Memory, err = s.loadMemory(ctx, campaignID); err != nil {
		return storage.Snapshot{}, err
	}
	if snap.Seeds, err = s.loadSeeds(ctx, campaignID); err != nil {
		return storage.Snapshot{}, err
	}
	return snap, nil
}

// SaveEntities upserts entities outside of a turn, for setup and the Director.
func (s *Store) SaveEntities(ctx context.Context, campaignID string, entities []world.Entity) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entities {
			if err := putEntity(ctx, tx, campaignID, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func putEntity(ctx context.Context, db execer, campaignID string, e world.Entity) error {
	stats, err := json.Marshal(e.Stats)
	if err != nil {
		return fmt.Errorf("encode stats of %s: %w", e.Key(), err)
	}
	flags, err := json.Marshal(e.Flags)
	if err != nil {
		return fmt.Errorf("encode flags of %s: %w", e.Key(), err)
	}
	objectives, err := json.Marshal(e.Objectives)
	if err != nil {
		return fmt.Errorf("encode objectives of %s: %w", e.Key(), err)
	}
	attributes, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes of %s: %w", e.Key(), err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO entities (
	campaign_id, kind, entity_id, name, stats_json, affinity,
	flags_json, objectives_json, attributes_json, version
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (campaign_id, kind, entity_id) DO UPDATE SET
	name = excluded.name,
	stats_json = excluded.stats_json,
	affinity = excluded.affinity,
	flags_json = excluded.flags_json,
	objectives_json = excluded.objectives_json,
	attributes_json = excluded.attributes_json,
	version = excluded.version
`,
		campaignID,
		string(e.Kind),
		e.ID,
		e.Name,
		string(stats),
		e.Affinity,
		string(flags),
		string(objectives),
		string(attributes),
		e.Version,
	)
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.Key(), err)
	}
	return nil
}

func (s *Store) loadEntities(ctx context.Context, campaignID string) ([]world.Entity, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT kind, entity_id, name, stats_json, affinity, flags_json, objectives_json, attributes_json, version
FROM entities WHERE campaign_id = ? ORDER BY kind, entity_id
`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []world.Entity
	for rows.Next() {
		var (
			e    world.Entity
			kind string

			stats, flags, objectives, attributes string
		)
		if err := rows.Scan(&kind, &e.ID, &e.Name, &stats, &e.Affinity, &flags, &objectives, &attributes, &e.Version); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Kind = world.Kind(kind)
		for _, field := range []struct {
			raw  string
			into any
		}{
			{stats, &e.Stats},
			{flags, &e.Flags},
			{objectives, &e.Objectives},
			{attributes, &e.Attributes},
		} {
			if err := json.Unmarshal([]byte(field.raw), field.into); err != nil {
				return nil, fmt.Errorf("decode entity %s: %w", e.Key(), err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

// SaveMemory upserts memory records. Records are never deleted.
func (s *Store) SaveMemory(ctx context.Context, campaignID string, records []memory.Record) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range records {
			refs, err := json.Marshal(r.EntityRefs)
			if err != nil {
				return fmt.Errorf("encode entity refs of %s: %w", r.ID, err)
			}
			sources, err := json.Marshal(r.SourceIDs)
			if err != nil {
				return fmt.Errorf("encode source ids of %s: %w", r.ID, err)
			}
			_, err = tx.ExecContext(ctx, `
INSERT INTO memory_records (
	campaign_id, id, content, category, heat, created_turn, last_access_turn,
	last_decay_turn, plot_critical, unresolved_seed, pinned, critical_reason,
	entity_refs_json, source_ids_json, replaced_by, content_hash
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (campaign_id, id) DO UPDATE SET
	content = excluded.content,
	category = excluded.category,
	heat = excluded.heat,
	last_access_turn = excluded.last_access_turn,
	last_decay_turn = excluded.last_decay_turn,
	plot_critical = excluded.plot_critical,
	unresolved_seed = excluded.unresolved_seed,
	pinned = excluded.pinned,
	critical_reason = excluded.critical_reason,
	entity_refs_json = excluded.entity_refs_json,
	source_ids_json = excluded.source_ids_json,
	replaced_by = excluded.replaced_by,
	content_hash = excluded.content_hash
`,
				campaignID, r.ID, r.Content, string(r.Category), r.Heat, r.CreatedTurn, r.LastAccessTurn,
				r.LastDecayTurn, r.PlotCritical, r.UnresolvedSeed, r.Pinned, r.CriticalReason,
				string(refs), string(sources), r.ReplacedBy, r.ContentHash,
			)
			if err != nil {
				return fmt.Errorf("put memory record %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) loadMemory(ctx context.Context, campaignID string) ([]memory.Record, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, content, category, heat, created_turn, last_access_turn, last_decay_turn,
	plot_critical, unresolved_seed, pinned, critical_reason,
	entity_refs_json, source_ids_json, replaced_by, content_hash
FROM memory_records WHERE campaign_id = ? ORDER BY created_turn, rowid
`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		var (
			r             memory.Record
			category      string
			refs, sources string
		)
		if err := rows.Scan(&r.ID, &r.Content, &category, &r.Heat, &r.CreatedTurn, &r.LastAccessTurn, &r.LastDecayTurn,
			&r.PlotCritical, &r.UnresolvedSeed, &r.Pinned, &r.CriticalReason,
			&refs, &sources, &r.ReplacedBy, &r.ContentHash); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		r.Category = memory.Category(category)
		if err := json.Unmarshal([]byte(refs), &r.EntityRefs); err != nil {
			return nil, fmt.Errorf("decode entity refs of %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(sources), &r.SourceIDs); err != nil {
			return nil, fmt.Errorf("decode source ids of %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory: %w", err)
	}
	return out, nil
}

// SaveSeeds upserts seeds and rewrites their links so order and membership
// match the in-memory ledger exactly.
func (s *Store) SaveSeeds(ctx context.Context, campaignID string, seeds []foreshadow.Seed) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, seed := range seeds {
			keywords, err := json.Marshal(seed.PayoffKeywords)
			if err != nil {
				return fmt.Errorf("encode keywords of %s: %w", seed.ID, err)
			}
			_, err = tx.ExecContext(ctx, `
INSERT INTO seeds (
	campaign_id, id, content, planted_turn, status, payoff_keywords_json,
	min_elapsed_turns, dormancy_turns, ripened_turn, ripened_by, confidence,
	resolved_turn, abandon_reason, memory_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (campaign_id, id) DO UPDATE SET
	content = excluded.content,
	status = excluded.status,
	payoff_keywords_json = excluded.payoff_keywords_json,
	min_elapsed_turns = excluded.min_elapsed_turns,
	dormancy_turns = excluded.dormancy_turns,
	ripened_turn = excluded.ripened_turn,
	ripened_by = excluded.ripened_by,
	confidence = excluded.confidence,
	resolved_turn = excluded.resolved_turn,
	abandon_reason = excluded.abandon_reason,
	memory_id = excluded.memory_id
`,
				campaignID, seed.ID, seed.Content, seed.PlantedTurn, string(seed.Status), string(keywords),
				seed.MinElapsedTurns, seed.DormancyTurns, seed.RipenedTurn, string(seed.RipenedBy), seed.Confidence,
				seed.ResolvedTurn, seed.AbandonReason, seed.MemoryID,
			)
			if err != nil {
				return fmt.Errorf("put seed %s: %w", seed.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM seed_links WHERE campaign_id = ? AND seed_id = ?", campaignID, seed.ID,
			); err != nil {
				return fmt.Errorf("clear links of %s: %w", seed.ID, err)
			}
			for kind, targets := range map[string][]string{
				linkDependsOn:     seed.DependsOn,
				linkTriggers:      seed.Triggers,
				linkConflictsWith: seed.ConflictsWith,
			} {
				for position, target := range targets {
					if _, err := tx.ExecContext(ctx, `
INSERT INTO seed_links (campaign_id, seed_id, kind, position, target_id)
VALUES (?, ?, ?, ?, ?)
`, campaignID, seed.ID, kind, position, target); err != nil {
						return fmt.Errorf("put %s link of %s: %w", kind, seed.ID, err)
					}
				}
			}
		}
		return nil
	})
}

func (s *Store) loadSeeds(ctx context.Context, campaignID string) ([]foreshadow.Seed, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, content, planted_turn, status, payoff_keywords_json, min_elapsed_turns,
	dormancy_turns, ripened_turn, ripened_by, confidence, resolved_turn,
	abandon_reason, memory_id
FROM seeds WHERE campaign_id = ? ORDER BY planted_turn, rowid
`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query seeds: %w", err)
	}
	var (
		out   []foreshadow.Seed
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			seed              foreshadow.Seed
			status, ripenedBy string
			keywords          string
		)
		if err := rows.Scan(&seed.ID, &seed.Content, &seed.PlantedTurn, &status, &keywords, &seed.MinElapsedTurns,
			&seed.DormancyTurns, &seed.RipenedTurn, &ripenedBy, &seed.Confidence, &seed.ResolvedTurn,
			&seed.AbandonReason, &seed.MemoryID); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan seed: %w", err)
		}
		seed.Status = foreshadow.Status(status)
		seed.RipenedBy = foreshadow.RipenCause(ripenedBy)
		if err := json.Unmarshal([]byte(keywords), &seed.PayoffKeywords); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("decode keywords of %s: %w", seed.ID, err)
		}
		index[seed.ID] = len(out)
		out = append(out, seed)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate seeds: %w", err)
	}
	_ = rows.Close()

	links, err := s.sqlDB.QueryContext(ctx, `
SELECT seed_id, kind, target_id FROM seed_links
WHERE campaign_id = ? ORDER BY seed_id, kind, position
`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query seed links: %w", err)
	}
	defer links.Close()
	for links.Next() {
		var seedID, kind, target string
		if err := links.Scan(&seedID, &kind, &target); err != nil {
			return nil, fmt.Errorf("scan seed link: %w", err)
		}
		i, ok := index[seedID]
		if !ok {
			continue
		}
		switch kind {
		case linkDependsOn:
			out[i].DependsOn = append(out[i].DependsOn, target)
		case linkTriggers:
			out[i].Triggers = append(out[i].Triggers, target)
		case linkConflictsWith:
			out[i].ConflictsWith = append(out[i].ConflictsWith, target)
		default:
			return nil, fmt.Errorf("unknown link kind %q on seed %s", kind, seedID)
		}
	}
	if err := links.Err(); err != nil {
		return nil, fmt.Errorf("iterate seed links: %w", err)
	}
	return out, nil
}
