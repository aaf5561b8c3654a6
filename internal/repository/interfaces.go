package repository

import (
	"context"
	"errors"

	"github.com/freeeve/reinforce/internal/model"
	"github.com/freeeve/reinforce/internal/stats"
)

// ErrDerivedKind is returned when a store is asked to read or write a kind
// that is synthesized from other kinds.
var ErrDerivedKind = errors.New("repository: derived statistic kinds are not stored")

// SampleStore reads historical sample corpora and records new observations.
type SampleStore interface {
	stats.Feed
	// Record stores one value per territory for kind in the given game and
	// turn. Recording the same (game, turn, territory) again replaces it.
	Record(ctx context.Context, gc model.GameContext, kind model.Kind, values map[model.TerritoryID]float64) error
}

// CheckKind rejects kinds that cannot be stored.
func CheckKind(kind model.Kind) error {
	if !kind.Valid() {
		return stats.ErrInvalidKind
	}
	if kind.Derived() {
		return ErrDerivedKind
	}
	return nil
}
