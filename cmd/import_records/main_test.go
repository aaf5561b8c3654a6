package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/freeeve/reinforce/internal/model"
	"github.com/freeeve/reinforce/internal/repository/records"
	"github.com/freeeve/reinforce/internal/repository/sqlite"
)

func writeRecords(t *testing.T, dir string) *records.Store {
	t.Helper()
	src := records.NewStore(dir)
	ctx := context.Background()
	add := func(mapID model.MapID, game string, turn int, kind model.Kind, values map[model.TerritoryID]float64) {
		t.Helper()
		gc := model.GameContext{MapID: mapID, GameID: game, Turn: turn}
		if err := src.Record(ctx, gc, kind, values); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	add(1, "g1", 0, model.StandingArmy, map[model.TerritoryID]float64{1: 5, 2: 3})
	add(1, "g1", 0, model.AttackDeployment, map[model.TerritoryID]float64{1: 2})
	add(1, "g2", 0, model.StandingArmy, map[model.TerritoryID]float64{1: 7, 2: 3})
	add(2, "g9", 1, model.StandingArmy, map[model.TerritoryID]float64{4: 1})
	return src
}

func TestImportAll(t *testing.T) {
	dir := t.TempDir()
	src := writeRecords(t, filepath.Join(dir, "records"))
	ctx := context.Background()

	repo, db, err := sqlite.OpenStore(ctx, filepath.Join(dir, "samples.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	st, err := newImporter(repo, repo, false).importAll(ctx, src)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if st.Games != 3 || st.Entries != 4 || st.Skipped != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	corpus, err := repo.Samples(ctx, 1, model.StandingArmy)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(corpus[0][1]) != 2 {
		t.Fatalf("expected 2 samples for territory 1, got %+v", corpus[0][1])
	}
	n, err := repo.Games(ctx, 2)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 game on map 2, got %d (%v)", n, err)
	}
}

func TestImportReplace(t *testing.T) {
	dir := t.TempDir()
	src := writeRecords(t, filepath.Join(dir, "records"))
	ctx := context.Background()

	repo, db, err := sqlite.OpenStore(ctx, filepath.Join(dir, "samples.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	// A stale observation from an earlier import of g1.
	stale := model.GameContext{MapID: 1, GameID: "g1", Turn: 3}
	if err := repo.Record(ctx, stale, model.StandingArmy, map[model.TerritoryID]float64{1: 99}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if _, err := newImporter(repo, repo, true).importAll(ctx, src); err != nil {
		t.Fatalf("import: %v", err)
	}
	corpus, err := repo.Samples(ctx, 1, model.StandingArmy)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(corpus) != 1 {
		t.Fatalf("expected stale turn 3 to be removed, got %d turns", len(corpus))
	}
}

func TestImporterMaps(t *testing.T) {
	im := newImporter(nil, nil, false)
	im.seen[gameKey{10, "a"}] = true
	im.seen[gameKey{2, "b"}] = true
	im.seen[gameKey{10, "c"}] = true
	got := im.maps()
	if len(got) != 2 || got[0] != 2 || got[1] != 10 {
		t.Fatalf("expected [2 10], got %v", got)
	}
}
