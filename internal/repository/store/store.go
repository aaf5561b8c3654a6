// Package store opens the configured sample store and wraps it in the Redis
// cache when one is reachable.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/freeeve/reinforce/internal/config"
	"github.com/freeeve/reinforce/internal/repository"
	"github.com/freeeve/reinforce/internal/repository/postgres"
	"github.com/freeeve/reinforce/internal/repository/records"
	"github.com/freeeve/reinforce/internal/repository/redis"
	"github.com/freeeve/reinforce/internal/repository/sqlite"
)

const redisConnectTimeout = 2 * time.Second

// Handle is an open sample store. SQL is nil for the record-file source.
type Handle struct {
	Store  repository.SampleStore
	SQL    *postgres.SampleRepo
	Cached *redis.CachedFeed

	closers []func() error
}

// Close releases every connection the handle holds.
func (h *Handle) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i]())
	}
	return errors.Join(errs...)
}

// Options selects what Open wires.
type Options struct {
	// Source overrides cfg.Source when set.
	Source string
	// Cache wraps the store in the Redis cache if REDIS_URL answers.
	Cache bool
	// Migrate applies the schema to Postgres before use.
	Migrate bool
}

// Open opens the sample store cfg selects.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Handle, error) {
	source := cfg.Source
	if opts.Source != "" {
		source = opts.Source
	}

	h := &Handle{}
	switch source {
	case config.SourcePostgres:
		db, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, db.Close)
		if opts.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				h.Close()
				return nil, err
			}
		}
		h.SQL = postgres.NewSampleRepo(db)
		h.Store = h.SQL
	case config.SourceSQLite:
		repo, db, err := sqlite.OpenStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, db.Close)
		h.SQL = repo
		h.Store = repo
	case config.SourceRecords:
		h.Store = records.NewStore(cfg.RecordsDir)
	default:
		return nil, fmt.Errorf("unknown sample source %q", source)
	}

	log.Debug().Str("source", source).Msg("Sample store opened")

	if opts.Cache && cfg.RedisURL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
		client, err := redis.NewClient(pingCtx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, reading samples uncached")
			return h, nil
		}
		h.closers = append(h.closers, client.Close)
		h.Cached = redis.NewCachedFeed(client, h.Store, cfg.CacheTTL)
		h.Store = h.Cached
	}
	return h, nil
}
