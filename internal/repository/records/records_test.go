package records

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/freeeve/reinforce/internal/model"
	"github.com/freeeve/reinforce/internal/repository"
	"github.com/freeeve/reinforce/internal/stats"
)

var _ repository.SampleStore = (*Store)(nil)

func record(t *testing.T, s *Store, mapID model.MapID, game string, turn int, kind model.Kind, values map[model.TerritoryID]float64) {
	t.Helper()
	gc := model.GameContext{MapID: mapID, GameID: game, Turn: turn}
	if err := s.Record(context.Background(), gc, kind, values); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestRecordAppendsFrames(t *testing.T) {
	s := NewStore(t.TempDir())
	record(t, s, 1, "g1", 0, model.StandingArmy, map[model.TerritoryID]float64{1: 5, 2: 3})
	record(t, s, 1, "g1", 1, model.StandingArmy, map[model.TerritoryID]float64{1: 6})
	record(t, s, 1, "g1", 0, model.AttackDeployment, map[model.TerritoryID]float64{1: 2})

	var entries []Entry
	path := filepath.Join(s.Dir(), "1", "g1.jsonl.zst")
	if err := ReadFile(context.Background(), path, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[2].Kind != model.AttackDeployment || entries[2].Values[1] != 2 {
		t.Fatalf("unexpected last entry: %+v", entries[2])
	}
}

func TestSamplesAcrossGames(t *testing.T) {
	s := NewStore(t.TempDir())
	record(t, s, 1, "g1", 0, model.StandingArmy, map[model.TerritoryID]float64{1: 5, 2: 3, 3: 10})
	record(t, s, 1, "g2", 0, model.StandingArmy, map[model.TerritoryID]float64{1: 7, 2: 3, 3: 12})
	record(t, s, 2, "g3", 0, model.StandingArmy, map[model.TerritoryID]float64{1: 100})

	corpus, err := s.Samples(context.Background(), 1, model.StandingArmy)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	got := corpus[0][1]
	if len(got) != 2 || got[0] != (model.Observation{Game: "g1", Value: 5}) || got[1] != (model.Observation{Game: "g2", Value: 7}) {
		t.Fatalf("unexpected samples: %+v", got)
	}

	m := stats.New(1, s)
	vars, err := m.GetVariance(context.Background(), model.StandingArmy, []model.TerritoryID{1, 2, 3}, 0)
	if err != nil {
		t.Fatalf("variance: %v", err)
	}
	if vars[1] != 2 || vars[2] != 0 || vars[3] != 2 {
		t.Fatalf("unexpected variances: %v", vars)
	}
}

func TestMissingMapIsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent"))
	corpus, err := s.Samples(context.Background(), 7, model.StandingArmy)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(corpus) != 0 {
		t.Fatalf("expected empty corpus, got %+v", corpus)
	}
}

func TestScanOrdersMapsAndGames(t *testing.T) {
	s := NewStore(t.TempDir())
	record(t, s, 10, "b", 0, model.StandingArmy, map[model.TerritoryID]float64{1: 1})
	record(t, s, 2, "z", 0, model.StandingArmy, map[model.TerritoryID]float64{1: 1})
	record(t, s, 10, "a", 0, model.StandingArmy, map[model.TerritoryID]float64{1: 1})
	// Stray files are ignored.
	if err := os.WriteFile(filepath.Join(s.Dir(), "README"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	var got []string
	err := s.Scan(context.Background(), func(e Entry) error {
		got = append(got, e.GameID)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{"z", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRecordRejectsBadInput(t *testing.T) {
	s := NewStore(t.TempDir())
	ctx := context.Background()
	values := map[model.TerritoryID]float64{1: 1}

	for _, id := range []string{"../escape", "a/b", ".hidden"} {
		err := s.Record(ctx, model.GameContext{MapID: 1, GameID: id}, model.StandingArmy, values)
		if !errors.Is(err, ErrBadGameID) {
			t.Errorf("game id %q: expected ErrBadGameID, got %v", id, err)
		}
	}
	err := s.Record(ctx, model.GameContext{MapID: 1, GameID: "g"}, model.DefensePower, values)
	if !errors.Is(err, repository.ErrDerivedKind) {
		t.Errorf("expected ErrDerivedKind, got %v", err)
	}
}

func TestCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "1", "bad.jsonl.zst"), []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(dir)
	if _, err := s.Samples(context.Background(), 1, model.StandingArmy); err == nil {
		t.Fatal("expected error for corrupt file")
	}
}
