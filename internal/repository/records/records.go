// Package records keeps observations as per-game zstd-compressed JSONL files
// under <dir>/<map>/<game>.jsonl.zst. Each Record call appends one frame.
package records

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/freeeve/reinforce/internal/model"
	"github.com/freeeve/reinforce/internal/repository"
)

const ext = ".jsonl.zst"

var ErrBadGameID = errors.New("records: game id is not a valid file name")

// Entry is one line of a game record file.
type Entry struct {
	MapID  model.MapID                   `json:"map_id"`
	GameID string                        `json:"game_id"`
	Turn   int                           `json:"turn"`
	Kind   model.Kind                    `json:"kind"`
	Values map[model.TerritoryID]float64 `json:"values"`
}

// Store reads and appends game record files. Safe for concurrent use within
// one process.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// Record appends an entry to the game's record file.
func (s *Store) Record(ctx context.Context, gc model.GameContext, kind model.Kind, values map[model.TerritoryID]float64) error {
	if err := gc.Validate(); err != nil {
		return err
	}
	if err := repository.CheckKind(kind); err != nil {
		return err
	}
	if err := checkGameID(gc.GameID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(Entry{MapID: gc.MapID, GameID: gc.GameID, Turn: gc.Turn, Kind: kind, Values: values})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(gc.MapID, gc.GameID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	if _, err := enc.Write(append(b, '\n')); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush record: %w", err)
	}
	return f.Close()
}

// Samples reads every game file of mapID and returns the corpus for kind.
// A map without files has an empty corpus.
func (s *Store) Samples(ctx context.Context, mapID model.MapID, kind model.Kind) (model.Corpus, error) {
	if err := repository.CheckKind(kind); err != nil {
		return nil, err
	}
	files, err := s.gameFiles(mapID)
	if err != nil {
		return nil, err
	}
	var corpus model.Corpus
	for _, path := range files {
		err := ReadFile(ctx, path, func(e Entry) error {
			if e.Kind != kind || e.MapID != mapID {
				return nil
			}
			ids := make([]model.TerritoryID, 0, len(e.Values))
			for id := range e.Values {
				ids = append(ids, id)
			}
			for _, id := range model.SortTerritories(ids) {
				corpus.Add(e.Turn, id, model.Observation{Game: e.GameID, Value: e.Values[id]})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return corpus, nil
}

// Scan calls fn for every entry of every map, maps and games in name order.
func (s *Store) Scan(ctx context.Context, fn func(Entry) error) error {
	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var maps []model.MapID
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		id, err := strconv.Atoi(d.Name())
		if err != nil {
			continue
		}
		maps = append(maps, model.MapID(id))
	}
	sort.Slice(maps, func(a, b int) bool { return maps[a] < maps[b] })

	for _, mapID := range maps {
		files, err := s.gameFiles(mapID)
		if err != nil {
			return err
		}
		for _, path := range files {
			if err := ReadFile(ctx, path, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadFile decodes one record file, calling fn per entry.
func ReadFile(ctx context.Context, path string, fn func(Entry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s:%d: unmarshal: %w", filepath.Base(path), line, err)
		}
		if e.Turn < 0 {
			return fmt.Errorf("%s:%d: negative turn %d", filepath.Base(path), line, e.Turn)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) path(mapID model.MapID, gameID string) string {
	return filepath.Join(s.dir, strconv.Itoa(int(mapID)), gameID+ext)
}

func (s *Store) gameFiles(mapID model.MapID) ([]string, error) {
	dir := filepath.Join(s.dir, strconv.Itoa(int(mapID)))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func checkGameID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrBadGameID, id)
	}
	return nil
}
