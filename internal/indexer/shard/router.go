// Package shard provides hash-based shard routing for index engines. Each
// shard owns an independent indexer.Engine instance backed by its own home
// directory, and the Router dispatches records by UID.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/manager"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/reader"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/health"
)

// Router maps shard IDs to dedicated indexer.Engine instances.
type Router struct {
	engines     []*indexer.Engine
	generations int
	logger      *slog.Logger
}

// Home returns the index home of a shard under dataDir.
func Home(dataDir string, shard int) string {
	return filepath.Join(dataDir, fmt.Sprintf("shard-%d", shard))
}

// NewRouter opens cfg.NumShards engines in parallel, each in its own
// sub-directory under cfg.DataDir.
func NewRouter(cfg config.IndexerConfig, opts ...indexer.Option) (*Router, error) {
	if cfg.NumShards < 1 {
		return nil, fmt.Errorf("numShards must be positive, got %d: %w", cfg.NumShards, apperrors.ErrInvalidInput)
	}
	r := &Router{
		engines:     make([]*indexer.Engine, cfg.NumShards),
		generations: cfg.ReaderGenerations,
		logger:      slog.Default().With("component", "shard-router"),
	}
	var g errgroup.Group
	g.SetLimit(4)
	for i := range r.engines {
		g.Go(func() error {
			engine, err := indexer.NewEngine(i, Home(cfg.DataDir, i), cfg, opts...)
			if err != nil {
				return fmt.Errorf("creating engine for shard %d: %w", i, err)
			}
			r.engines[i] = engine
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.closeAll()
		return nil, err
	}
	r.logger.Info("shard router ready", "num_shards", cfg.NumShards)
	return r, nil
}

// NumShards returns the number of shards managed by this router.
func (r *Router) NumShards() int { return len(r.engines) }

// ShardFor returns the shard owning uid.
func (r *Router) ShardFor(uid int64) int {
	n := int64(len(r.engines))
	s := uid % n
	if s < 0 {
		s += n
	}
	return int(s)
}

// Route returns the Engine responsible for the given shard ID.
func (r *Router) Route(shardID int) (*indexer.Engine, error) {
	if shardID < 0 || shardID >= len(r.engines) {
		return nil, fmt.Errorf("shard %d (valid range: 0-%d): %w", shardID, len(r.engines)-1, apperrors.ErrShardUnavailable)
	}
	return r.engines[shardID], nil
}

// Engines returns every shard engine in shard order.
func (r *Router) Engines() []*indexer.Engine {
	return append([]*indexer.Engine(nil), r.engines...)
}

// Index splits records by owning shard and indexes each part. Record
// order is kept within a shard.
func (r *Router) Index(records []manager.Record) error {
	parts := make(map[int][]manager.Record)
	for _, rec := range records {
		s := r.ShardFor(rec.UID)
		parts[s] = append(parts[s], rec)
	}
	var g errgroup.Group
	for s, part := range parts {
		g.Go(func() error {
			if err := r.engines[s].Index(part); err != nil {
				return fmt.Errorf("indexing %d records in shard %d: %w", len(part), s, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// GetIndexReaders borrows the views of every shard, keyed by shard ID.
// Either every shard's views are returned or none are.
func (r *Router) GetIndexReaders() (map[int][]*reader.View, error) {
	out := make(map[int][]*reader.View, len(r.engines))
	for i, e := range r.engines {
		views, err := e.Manager().GetIndexReaders()
		if err != nil {
			ReturnReaders(out)
			return nil, fmt.Errorf("shard %d: %w: %w", i, apperrors.ErrShardUnavailable, err)
		}
		out[i] = views
	}
	return out, nil
}

// ReturnReaders releases views borrowed through GetIndexReaders.
func ReturnReaders(views map[int][]*reader.View) {
	for _, vs := range views {
		manager.ReturnReaders(vs)
	}
}

// ViewStamp combines the shards' view stamps. It changes whenever any
// shard's visible docs may have changed.
func (r *Router) ViewStamp() int64 {
	var sum int64
	for _, e := range r.engines {
		sum += e.Manager().ViewStamp()
	}
	return sum
}

// Run drives every shard's flush loop until ctx ends.
func (r *Router) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range r.engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Run(ctx)
		}()
	}
	wg.Wait()
}

// FlushAll flushes every shard concurrently.
func (r *Router) FlushAll(ctx context.Context) ([]indexer.FlushEvent, error) {
	events := make([]indexer.FlushEvent, len(r.engines))
	g, ctx := errgroup.WithContext(ctx)
	for i, e := range r.engines {
		g.Go(func() error {
			ev, err := e.Flush(ctx)
			if err != nil {
				r.logger.Error("flush failed", "shard_id", i, "error", err)
				return err
			}
			events[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return events, nil
}

// RefreshAll reopens every shard's disk reader.
func (r *Router) RefreshAll() error {
	var errs []error
	for i, e := range r.engines {
		if err := e.Refresh(); err != nil {
			r.logger.Error("refresh failed", "shard_id", i, "error", err)
			errs = append(errs, fmt.Errorf("shard %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// PurgeAll empties every shard.
func (r *Router) PurgeAll() error {
	var errs []error
	for i, e := range r.engines {
		if err := e.Purge(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns each shard's stats in shard order.
func (r *Router) Stats() []manager.Stats {
	out := make([]manager.Stats, len(r.engines))
	for i, e := range r.engines {
		out[i] = e.Stats()
	}
	return out
}

// HealthCheck reports down when any shard cannot lend a disk view, and
// degraded when retired reader generations pile up beyond the configured
// count.
func (r *Router) HealthCheck(ctx context.Context) health.ComponentHealth {
	status := health.StatusUp
	var backlog []string
	for i, e := range r.engines {
		if err := ctx.Err(); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		v, err := e.Manager().Store().Acquire()
		if err != nil {
			return health.ComponentHealth{
				Status:  health.StatusDown,
				Message: fmt.Sprintf("shard %d: %v", i, err),
			}
		}
		v.Release()
		if pending := e.Stats().Disk.Pending; r.generations > 0 && pending > r.generations {
			status = health.StatusDegraded
			backlog = append(backlog, fmt.Sprintf("shard %d: %d readers pending", i, pending))
		}
	}
	if len(backlog) > 0 {
		return health.ComponentHealth{Status: status, Message: strings.Join(backlog, "; ")}
	}
	return health.ComponentHealth{
		Status:  status,
		Message: fmt.Sprintf("%d shards", len(r.engines)),
	}
}

// Close closes every shard engine.
func (r *Router) Close() error {
	return r.closeAll()
}

func (r *Router) closeAll() error {
	var errs []error
	for id, engine := range r.engines {
		if engine == nil {
			continue
		}
		if err := engine.Close(); err != nil {
			r.logger.Error("close failed", "shard_id", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
