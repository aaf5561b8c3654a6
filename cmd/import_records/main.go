// Command import_records reads zstd JSONL game-record files and imports their
// observations into Postgres or SQLite.
//
// Usage:
//
//	go run ./cmd/import_records/ -input ./records -target sqlite -replace
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freeeve/reinforce/internal/config"
	"github.com/freeeve/reinforce/internal/logger"
	"github.com/freeeve/reinforce/internal/model"
	"github.com/freeeve/reinforce/internal/repository"
	"github.com/freeeve/reinforce/internal/repository/postgres"
	"github.com/freeeve/reinforce/internal/repository/records"
	"github.com/freeeve/reinforce/internal/repository/store"
)

func main() {
	input := flag.String("input", "", "record directory (default RECORDS_DIR)")
	target := flag.String("target", "", "destination store: postgres or sqlite (default SAMPLE_SOURCE)")
	migrate := flag.Bool("migrate", false, "apply the schema to Postgres first")
	replace := flag.Bool("replace", false, "delete each game's existing observations before importing it")
	noCache := flag.Bool("no-cache", false, "skip Redis cache invalidation")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger.Init()
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *input == "" {
		*input = cfg.RecordsDir
	}
	if *target == "" {
		*target = cfg.Source
		if *target == config.SourceRecords {
			*target = config.SourceSQLite
		}
	}
	if *target != config.SourcePostgres && *target != config.SourceSQLite {
		log.Fatal().Str("target", *target).Msg("Target must be postgres or sqlite")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("Received shutdown signal")
		cancel()
	}()

	h, err := store.Open(ctx, cfg, store.Options{Source: *target, Cache: !*noCache, Migrate: *migrate})
	if err != nil {
		log.Fatal().Err(err).Msg("Open target store failed")
	}

	im := newImporter(h.Store, h.SQL, *replace)
	stats, err := im.importAll(ctx, records.NewStore(*input))
	if h.Cached != nil && *replace {
		// Deletes bypass the cache, so drop every touched map.
		for _, mapID := range im.maps() {
			if ierr := h.Cached.Invalidate(ctx, mapID); ierr != nil {
				log.Warn().Err(ierr).Int("mapId", int(mapID)).Msg("Cache invalidation failed")
			}
		}
	}
	if cerr := h.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("Close target store failed")
	}
	if err != nil {
		log.Fatal().Err(err).Int("entries", stats.Entries).Msg("Import failed")
	}
	log.Info().
		Str("input", *input).
		Str("target", *target).
		Int("games", stats.Games).
		Int("entries", stats.Entries).
		Int("skipped", stats.Skipped).
		Msg("Import complete")
}

type importStats struct {
	Games   int
	Entries int
	Skipped int
}

type gameKey struct {
	mapID  model.MapID
	gameID string
}

type importer struct {
	dst     repository.SampleStore
	sql     *postgres.SampleRepo
	replace bool
	seen    map[gameKey]bool
}

func newImporter(dst repository.SampleStore, sql *postgres.SampleRepo, replace bool) *importer {
	return &importer{dst: dst, sql: sql, replace: replace, seen: make(map[gameKey]bool)}
}

// maps returns the distinct maps seen so far in ascending order.
func (im *importer) maps() []model.MapID {
	set := make(map[model.MapID]bool)
	for k := range im.seen {
		set[k.mapID] = true
	}
	out := make([]model.MapID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// importAll copies every entry of src into the destination store. Entries
// the destination rejects as invalid are skipped and logged.
func (im *importer) importAll(ctx context.Context, src *records.Store) (importStats, error) {
	var st importStats
	err := src.Scan(ctx, func(e records.Entry) error {
		key := gameKey{e.MapID, e.GameID}
		if !im.seen[key] {
			im.seen[key] = true
			st.Games++
			if im.replace && im.sql != nil {
				if err := im.sql.DeleteGame(ctx, e.MapID, e.GameID); err != nil {
					return err
				}
			}
		}

		gc := model.GameContext{MapID: e.MapID, GameID: e.GameID, Turn: e.Turn}
		err := im.dst.Record(ctx, gc, e.Kind, e.Values)
		switch {
		case err == nil:
			st.Entries++
			return nil
		case errors.Is(err, repository.ErrDerivedKind), gc.Validate() != nil:
			st.Skipped++
			log.Warn().Err(err).Str("gameId", e.GameID).Int("turn", e.Turn).Msg("Skipping record entry")
			return nil
		default:
			return err
		}
	})
	return st, err
}
