package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hwco/farecast/internal/pipeline"
)

const (
	latestRunKey = "farecast:latest_run"
	latestRunTTL = 24 * time.Hour
)

// Cache is the optional Redis latest-run cache. A nil Cache (or one built
// from an empty address) degrades to no-ops; the store is the source of
// truth either way.
type Cache struct {
	rdb *redis.Client
}

// NewCache connects to Redis. An empty addr returns a disabled cache.
func NewCache(addr string, db int) *Cache {
	if addr == "" {
		return &Cache{}
	}
	return &Cache{rdb: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

func (c *Cache) enabled() bool { return c != nil && c.rdb != nil }

// SetLatestRun caches the run record. Failures are logged, never fatal.
func (c *Cache) SetLatestRun(ctx context.Context, rec *pipeline.RunRecord) {
	if !c.enabled() {
		return
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		log.Warn().Err(err).Msg("Latest-run cache encode failed")
		return
	}
	if err := c.rdb.Set(ctx, latestRunKey, doc, latestRunTTL).Err(); err != nil {
		log.Warn().Err(err).Msg("Latest-run cache write failed")
	}
}

// LatestRun returns the cached record, or nil on miss or any cache error.
func (c *Cache) LatestRun(ctx context.Context) *pipeline.RunRecord {
	if !c.enabled() {
		return nil
	}
	doc, err := c.rdb.Get(ctx, latestRunKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("Latest-run cache read failed")
		return nil
	}
	var rec pipeline.RunRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		log.Warn().Err(err).Msg("Latest-run cache decode failed")
		return nil
	}
	return &rec
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if !c.enabled() {
		return nil
	}
	return c.rdb.Close()
}

// CachedRuns decorates a RunStore with the latest-run cache: writes go
// through to the store and refresh the cache, latest-run reads prefer it.
type CachedRuns struct {
	Inner pipeline.RunStore
	Cache *Cache
}

// SaveRun persists through the inner store, then refreshes the cache.
func (c *CachedRuns) SaveRun(ctx context.Context, rec *pipeline.RunRecord) error {
	if err := c.Inner.SaveRun(ctx, rec); err != nil {
		return err
	}
	c.Cache.SetLatestRun(ctx, rec)
	return nil
}

// LatestRun serves from the cache when possible.
func (c *CachedRuns) LatestRun(ctx context.Context) (*pipeline.RunRecord, error) {
	if rec := c.Cache.LatestRun(ctx); rec != nil {
		return rec, nil
	}
	return c.Inner.LatestRun(ctx)
}

// Runs always reads the store; history is not cached.
func (c *CachedRuns) Runs(ctx context.Context, limit, offset int) ([]pipeline.RunRecord, error) {
	return c.Inner.Runs(ctx, limit, offset)
}

var _ pipeline.RunStore = (*CachedRuns)(nil)
