package orchestrator

import (
	"errors"
	"fmt"

	"github.com/louisbranch/taleloom/internal/services/narrative/domain/foreshadow"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/memory"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
)

// PlantSeed plants p in the scope's ledger backed by a slow-decaying memory
// flagged as an unresolved seed. An id already in the ledger is left alone
// and reports false.
func PlantSeed(scope *Scope, p turn.PlantSeed, seq int) (bool, error) {
	if err := p.Check(); err != nil {
		return false, err
	}
	if _, err := scope.Ledger.Get(p.ID); err == nil {
		return false, nil
	}
	memID, err := scope.Memory.Add("Foreshadowed: "+p.Content, memory.CategorySlow, memory.Flags{UnresolvedSeed: true}, seq)
	if err != nil {
		return false, err
	}
	if _, err := scope.Ledger.Plant(foreshadow.PlantInput{
		ID:              p.ID,
		Content:         p.Content,
		PayoffKeywords:  p.Keywords,
		DependsOn:       p.DependsOn,
		Triggers:        p.Triggers,
		ConflictsWith:   p.ConflictsWith,
		MinElapsedTurns: p.MinElapsedTurns,
		MemoryID:        memID,
	}, seq); err != nil {
		if clearErr := scope.Memory.SetUnresolvedSeed(memID, false); clearErr != nil {
			err = errors.Join(err, fmt.Errorf("clear seed memory %s: %w", memID, clearErr))
		}
		return false, err
	}
	return true, nil
}
