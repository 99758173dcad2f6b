// Package cache memoises query results in Redis. Keys carry the index view
// stamp, so any write, flush or refresh makes older entries unreachable
// and they age out by TTL.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/redis"
)

const keyPrefix = "search:"

// Backend stores cache entries. *pkgredis.Client implements it.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type QueryCache struct {
	backend Backend
	ttl     time.Duration
	metrics *metrics.Metrics
	group   singleflight.Group
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func New(backend Backend, ttl time.Duration, m *metrics.Metrics) *QueryCache {
	return &QueryCache{
		backend: backend,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

func (c *QueryCache) get(ctx context.Context, key string) (*executor.Result, bool) {
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var result executor.Result
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	return &result, true
}

func (c *QueryCache) set(ctx context.Context, key string, result *executor.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

func (c *QueryCache) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.metrics.CacheLookup(hit)
}

// GetOrCompute returns the cached result of q at view stamp, computing and
// storing it on a miss. Concurrent misses for one key compute once.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	q executor.Query,
	limit int,
	stamp int64,
	compute func() (*executor.Result, error),
) (*executor.Result, bool, error) {
	key := BuildKey(q, limit, stamp)
	if result, ok := c.get(ctx, key); ok {
		c.record(true)
		return result, true, nil
	}
	c.record(false)
	val, err, _ := c.group.Do(key, func() (any, error) {
		if result, ok := c.get(ctx, key); ok {
			return result, nil
		}
		result, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*executor.Result), false, nil
}

// Invalidate drops every cached result.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	deleted, err := c.backend.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// BuildKey names the cache entry of q at stamp.
func BuildKey(q executor.Query, limit int, stamp int64) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|limit=%d", q.Key(), limit)))
	return fmt.Sprintf("%s%d:%x", keyPrefix, stamp, hash[:16])
}
