package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/freeeve/reinforce/internal/model"
	"github.com/freeeve/reinforce/internal/repository"
)

// SampleRepo handles observation database operations. The queries use only
// $n placeholders and ON CONFLICT, so the repo also runs on SQLite.
type SampleRepo struct {
	db *sql.DB
}

// NewSampleRepo creates a SampleRepo.
func NewSampleRepo(db *sql.DB) *SampleRepo {
	return &SampleRepo{db: db}
}

// Samples returns every observation of kind on mapID as a turn-indexed corpus.
func (r *SampleRepo) Samples(ctx context.Context, mapID model.MapID, kind model.Kind) (model.Corpus, error) {
	if err := repository.CheckKind(kind); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT game_id, turn, territory_id, value
		 FROM observations
		 WHERE map_id = $1 AND kind = $2
		 ORDER BY turn, territory_id, game_id`,
		int(mapID), kind.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var corpus model.Corpus
	for rows.Next() {
		var (
			gameID     string
			turn, terr int
			value      float64
		)
		if err := rows.Scan(&gameID, &turn, &terr, &value); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		corpus.Add(turn, model.TerritoryID(terr), model.Observation{Game: gameID, Value: value})
	}
	return corpus, rows.Err()
}

// Record upserts one observation per territory in a single transaction.
func (r *SampleRepo) Record(ctx context.Context, gc model.GameContext, kind model.Kind, values map[model.TerritoryID]float64) error {
	if err := gc.Validate(); err != nil {
		return err
	}
	if err := repository.CheckKind(kind); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO observations (map_id, kind, game_id, turn, territory_id, value)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (map_id, kind, game_id, turn, territory_id) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("prepare record: %w", err)
	}
	defer stmt.Close()

	ids := make([]model.TerritoryID, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	for _, id := range model.SortTerritories(ids) {
		if _, err := stmt.ExecContext(ctx, int(gc.MapID), kind.String(), gc.GameID, gc.Turn, int(id), values[id]); err != nil {
			return fmt.Errorf("record territory %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Games returns the number of distinct games recorded for mapID.
func (r *SampleRepo) Games(ctx context.Context, mapID model.MapID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT game_id) FROM observations WHERE map_id = $1`, int(mapID),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count games: %w", err)
	}
	return n, nil
}

// DeleteGame removes every observation of one game, so it can be re-imported.
func (r *SampleRepo) DeleteGame(ctx context.Context, mapID model.MapID, gameID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM observations WHERE map_id = $1 AND game_id = $2`, int(mapID), gameID)
	if err != nil {
		return fmt.Errorf("delete game: %w", err)
	}
	return nil
}
