// Package indexer runs one shard's index: it opens the durable store, puts a
// lifecycle manager over it and drives flushes from buffer size and time.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/disk"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/manager"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/metrics"
)

// FlushEvent is announced after every successful flush.
type FlushEvent struct {
	Shard      int       `json:"shard"`
	Version    int64     `json:"version"`
	Generation int64     `json:"generation"`
	Docs       int       `json:"docs"`
	Deletes    int       `json:"deletes"`
	FlushedAt  time.Time `json:"flushedAt"`
}

// Notifier announces completed flushes.
type Notifier interface {
	NotifyFlush(ctx context.Context, ev FlushEvent) error
}

// Checkpointer records the durable version of a shard outside the index.
type Checkpointer interface {
	Checkpoint(ctx context.Context, shard int, version int64) error
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithCheckpointer(c Checkpointer) Option {
	return func(e *Engine) { e.checkpointer = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine owns one shard's index.
type Engine struct {
	shard        int
	cfg          config.IndexerConfig
	mgr          *manager.Manager
	notifier     Notifier
	checkpointer Checkpointer
	metrics      *metrics.Metrics
	logger       *slog.Logger

	flushMu sync.Mutex
	dirty   atomic.Bool
	kick    chan struct{}
}

// IndexName labels a shard in logs and metrics.
func IndexName(shard int) string { return fmt.Sprintf("shard-%d", shard) }

// NewEngine opens the index stored under home.
func NewEngine(shard int, home string, cfg config.IndexerConfig, opts ...Option) (*Engine, error) {
	e := &Engine{
		shard: shard,
		cfg:   cfg,
		kick:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	name := IndexName(shard)
	e.logger = slog.Default().With("component", "indexer", "shard_id", shard)

	store, err := disk.Open(home,
		disk.WithMergePolicy(MergePolicy(cfg.Merge)),
		disk.WithGenerations(cfg.ReaderGenerations),
		disk.WithRetry(cfg.OpenRetries, cfg.RetryDelay),
		disk.WithDocCache(cfg.StoredCacheSize),
		disk.WithLogger(e.logger),
		disk.WithMetrics(e.metrics, name),
	)
	if err != nil {
		return nil, fmt.Errorf("opening shard %d index at %s: %w", shard, home, err)
	}
	e.mgr = manager.New(store, manager.WithLogger(e.logger), manager.WithMetrics(e.metrics, name))

	st := store.Stats()
	e.logger.Info("shard index opened",
		"home", home,
		"dir", st.Dir,
		"version", st.Version,
		"docs", st.Docs,
		"segments", st.Segments,
	)
	return e, nil
}

// MergePolicy converts the configured merge settings.
func MergePolicy(c config.MergeConfig) disk.MergePolicyParams {
	return disk.MergePolicyParams{
		MergeFactor:      c.MergeFactor,
		NumLargeSegments: c.NumLargeSegments,
		MaxSmallSegments: c.MaxSmallSegments,
		PartialExpunge:   c.PartialExpunge,
		MaxMergeDocs:     c.MaxMergeDocs,
		UseCompoundFile:  c.UseCompoundFile,
	}
}

func (e *Engine) Shard() int { return e.shard }

func (e *Engine) Manager() *manager.Manager { return e.mgr }

// Index writes records to the writable buffer and wakes the flush loop
// when the buffer is over its doc or byte budget.
func (e *Engine) Index(records []manager.Record) error {
	if err := e.mgr.Index(records); err != nil {
		return err
	}
	e.dirty.Store(true)
	docs, bytes := e.mgr.WritableBuffer()
	if docs >= e.cfg.BatchSize || (e.cfg.MaxBufferBytes > 0 && bytes >= e.cfg.MaxBufferBytes) {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run flushes whenever Index reports a full buffer and every BatchDelay
// while there are unflushed writes. It flushes once more when ctx ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.BatchDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("flush loop stopping, performing final flush")
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			if _, err := e.Flush(fctx); err != nil {
				e.logger.Error("final flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if !e.dirty.Load() && e.mgr.Status() == manager.Sleep {
				continue
			}
			if _, err := e.Flush(ctx); err != nil {
				e.logger.Error("periodic flush failed", "error", err)
			}
		case <-e.kick:
			if _, err := e.Flush(ctx); err != nil {
				e.logger.Error("buffer flush failed", "error", err)
			}
		}
	}
}

// Flush moves the writable buffer to disk, then announces and checkpoints
// the new durable version. Announce and checkpoint failures are logged
// only; the flush itself has succeeded.
func (e *Engine) Flush(ctx context.Context) (FlushEvent, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	wasDirty := e.dirty.Swap(false)
	res, err := e.mgr.Flush()
	if err != nil {
		if wasDirty {
			e.dirty.Store(true)
		}
		return FlushEvent{}, fmt.Errorf("flushing shard %d: %w", e.shard, err)
	}
	ev := FlushEvent{
		Shard:      e.shard,
		Version:    res.Version,
		Generation: res.Generation,
		Docs:       res.Docs,
		Deletes:    res.Deletes,
		FlushedAt:  time.Now().UTC(),
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyFlush(ctx, ev); err != nil {
			e.logger.Warn("flush notification failed", "version", ev.Version, "error", err)
		}
	}
	if e.checkpointer != nil {
		if err := e.checkpointer.Checkpoint(ctx, e.shard, ev.Version); err != nil {
			e.logger.Warn("version checkpoint failed", "version", ev.Version, "error", err)
		}
	}
	return ev, nil
}

// Refresh reopens the disk reader, picking up an index replaced on disk.
func (e *Engine) Refresh() error {
	return e.mgr.RefreshDiskReader()
}

// Purge empties the shard.
func (e *Engine) Purge() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	if err := e.mgr.PurgeIndex(); err != nil {
		return err
	}
	e.dirty.Store(false)
	return nil
}

func (e *Engine) Stats() manager.Stats { return e.mgr.Stats() }

// Version is the highest version the shard has seen, durable or not.
func (e *Engine) Version() int64 { return e.mgr.Version() }

// Close releases the shard's index. Callers wanting buffered writes on disk
// flush first; Run does so when its context ends.
func (e *Engine) Close() error {
	return e.mgr.Close()
}
