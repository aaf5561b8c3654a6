package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/freeeve/reinforce/internal/model"
	"github.com/freeeve/reinforce/internal/repository"
)

// Key pattern for cached corpora.
func samplesKey(mapID model.MapID, kind model.Kind) string {
	return fmt.Sprintf("samples:%d:%s", mapID, kind)
}

// CachedFeed serves sample corpora from Redis, falling back to the wrapped
// store on a miss. Redis failures degrade to uncached reads. Record writes
// through to the store and invalidates the cached corpus.
type CachedFeed struct {
	client *Client
	store  repository.SampleStore
	ttl    time.Duration
}

// NewCachedFeed wraps store. A zero ttl caches until invalidated.
func NewCachedFeed(client *Client, store repository.SampleStore, ttl time.Duration) *CachedFeed {
	return &CachedFeed{client: client, store: store, ttl: ttl}
}

// Samples returns the corpus for mapID and kind.
func (f *CachedFeed) Samples(ctx context.Context, mapID model.MapID, kind model.Kind) (model.Corpus, error) {
	if err := repository.CheckKind(kind); err != nil {
		return nil, err
	}
	key := samplesKey(mapID, kind)

	data, err := f.client.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var corpus model.Corpus
		if err := json.Unmarshal(data, &corpus); err == nil {
			return corpus, nil
		}
		log.Warn().Str("key", key).Msg("Dropping undecodable cached corpus")
	case errors.Is(err, redis.Nil):
	default:
		log.Warn().Err(err).Str("key", key).Msg("Sample cache read failed")
	}

	corpus, err := f.store.Samples(ctx, mapID, kind)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(corpus); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Encode corpus for cache failed")
	} else if err := f.client.rdb.Set(ctx, key, data, f.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Sample cache write failed")
	}
	return corpus, nil
}

// Record writes through to the store, then drops the cached corpus.
func (f *CachedFeed) Record(ctx context.Context, gc model.GameContext, kind model.Kind, values map[model.TerritoryID]float64) error {
	if err := f.store.Record(ctx, gc, kind, values); err != nil {
		return err
	}
	if err := f.client.rdb.Del(ctx, samplesKey(gc.MapID, kind)).Err(); err != nil {
		return fmt.Errorf("invalidate sample cache: %w", err)
	}
	return nil
}

// Invalidate drops every cached corpus for mapID.
func (f *CachedFeed) Invalidate(ctx context.Context, mapID model.MapID) error {
	kinds := model.ObservedKinds()
	keys := make([]string, len(kinds))
	for i, k := range kinds {
		keys[i] = samplesKey(mapID, k)
	}
	if err := f.client.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate sample cache: %w", err)
	}
	return nil
}
