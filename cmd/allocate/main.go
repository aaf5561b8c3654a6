// Command allocate computes a reinforcement allocation for a set of
// territories from the configured sample store.
//
// Usage:
//
//	go run ./cmd/allocate/ -map 1 -territories 12,14,15 -turn 3 -kind attack_power -armies 7
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freeeve/reinforce/internal/allocator"
	"github.com/freeeve/reinforce/internal/config"
	"github.com/freeeve/reinforce/internal/logger"
	"github.com/freeeve/reinforce/internal/model"
	"github.com/freeeve/reinforce/internal/repository/store"
)

func main() {
	mapID := flag.Int("map", 0, "map ID")
	territories := flag.String("territories", "", "comma-separated territory IDs")
	turn := flag.Int("turn", 0, "turn number (clamped to the available history)")
	kindName := flag.String("kind", model.StandingArmy.String(), "statistic kind")
	risk := flag.Float64("risk", 0, "risk aversion (0 uses the configured default)")
	bonus := flag.String("bonus", "", "per-territory bonus, e.g. 12=0.5,14=1")
	floor := flag.String("floor", "", "per-territory minimum fraction, e.g. 12=0.1")
	source := flag.String("source", "", "sample source override (postgres, sqlite, records)")
	noCache := flag.Bool("no-cache", false, "skip the Redis sample cache")
	armies := flag.Int("armies", 0, "also split this many armies by largest remainder")
	asJSON := flag.Bool("json", false, "print JSON instead of a table")
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

	kind, err := model.ParseKind(*kindName)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -kind")
	}
	ids, err := parseTerritories(*territories)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -territories")
	}
	bonuses, err := parseWeights(*bonus)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -bonus")
	}
	floors, err := parseWeights(*floor)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -floor")
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

	h, err := store.Open(ctx, cfg, store.Options{Source: *source, Cache: !*noCache})
	if err != nil {
		log.Fatal().Err(err).Msg("Open sample store failed")
	}

	ctx = logger.WithDecisionID(ctx, logger.NewDecisionID())
	alloc := allocator.New(h.Store, cfg.Optimizer).AllocateWithFallback(ctx, allocator.Request{
		MapID:        model.MapID(*mapID),
		Territories:  ids,
		Turn:         *turn,
		Kind:         kind,
		RiskAversion: *risk,
		Bonus:        bonuses,
		Floor:        floors,
	})

	var counts map[model.TerritoryID]int
	if *armies > 0 {
		counts = allocator.Armies(alloc.Fractions, *armies)
	}
	err = printAllocation(os.Stdout, alloc, counts, *asJSON)
	if cerr := h.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("Close sample store failed")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Write output failed")
	}
	if alloc.Degraded {
		os.Exit(2)
	}
}

type output struct {
	*allocator.Allocation
	Armies map[model.TerritoryID]int `json:"armies,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

func printAllocation(w io.Writer, alloc *allocator.Allocation, armies map[model.TerritoryID]int, asJSON bool) error {
	if asJSON {
		out := output{Allocation: alloc, Armies: armies}
		if alloc.Err != nil {
			out.Error = alloc.Err.Error()
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	ids := make([]model.TerritoryID, 0, len(alloc.Fractions))
	for id := range alloc.Fractions {
		ids = append(ids, id)
	}
	fmt.Fprintf(w, "source=%s turn=%d iterations=%d degraded=%v\n", alloc.Source, alloc.Turn, alloc.Iterations, alloc.Degraded)
	for _, id := range model.SortTerritories(ids) {
		if armies != nil {
			fmt.Fprintf(w, "%6d  %.6f  %d\n", id, alloc.Fractions[id], armies[id])
		} else {
			fmt.Fprintf(w, "%6d  %.6f\n", id, alloc.Fractions[id])
		}
	}
	if alloc.Err != nil {
		fmt.Fprintf(w, "error: %v\n", alloc.Err)
	}
	return nil
}
