// Package handler serves the engine's HTTP API: search over live views,
// direct writes, and the flush, refresh and purge controls.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/manager"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/metrics"
)

// maxIndexBody caps POST /api/v1/index bodies.
const maxIndexBody = 8 << 20

type SearchExecutor interface {
	Execute(ctx context.Context, q executor.Query, limit int) (*executor.Result, error)
}

// Index is the write and control side of the engine. *shard.Router
// implements it.
type Index interface {
	Index(records []manager.Record) error
	ViewStamp() int64
	FlushAll(ctx context.Context) ([]indexer.FlushEvent, error)
	RefreshAll() error
	PurgeAll() error
	Stats() []manager.Stats
}

type Handler struct {
	executor     SearchExecutor
	index        Index
	cache        *cache.QueryCache
	metrics      *metrics.Metrics
	defaultLimit int
	maxResults   int
	logger       *slog.Logger
}

// New builds a Handler. queryCache and m may be nil.
func New(exec SearchExecutor, index Index, queryCache *cache.QueryCache, m *metrics.Metrics, cfg config.SearchConfig) *Handler {
	return &Handler{
		executor:     exec,
		index:        index,
		cache:        queryCache,
		metrics:      m,
		defaultLimit: cfg.DefaultLimit,
		maxResults:   cfg.MaxResults,
		logger:       slog.Default().With("component", "search-handler"),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("POST /api/v1/index", h.IndexDocs)
	mux.HandleFunc("POST /api/v1/flush", h.Flush)
	mux.HandleFunc("POST /api/v1/refresh", h.Refresh)
	mux.HandleFunc("POST /api/v1/purge", h.Purge)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	text := r.URL.Query().Get("q")
	if text == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	limit := h.defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if h.maxResults > 0 && limit > h.maxResults {
		limit = h.maxResults
	}

	q := executor.ParseQuery(text)
	cacheStatus := "disabled"
	var (
		result *executor.Result
		err    error
	)
	if h.cache != nil && !q.Empty() {
		var hit bool
		result, hit, err = h.cache.GetOrCompute(ctx, q, limit, h.index.ViewStamp(), func() (*executor.Result, error) {
			return h.executor.Execute(ctx, q, limit)
		})
		cacheStatus = "miss"
		if hit {
			cacheStatus = "hit"
		}
	} else {
		result, err = h.executor.Execute(ctx, q, limit)
	}
	elapsed := time.Since(start)
	if err != nil {
		h.metrics.Searched("error", cacheStatus, elapsed)
		log.Error("search failed", "query", text, "error", err)
		h.writeErr(w, err)
		return
	}

	resultType := "hit"
	if result.TotalHits == 0 {
		resultType = "zero_result"
	}
	h.metrics.Searched(resultType, cacheStatus, elapsed)
	log.Info("search completed",
		"query", text,
		"total_hits", result.TotalHits,
		"returned", len(result.Hits),
		"cache", cacheStatus,
		"latency_ms", elapsed.Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, result)
}

// IndexDocs accepts a JSON array of events and writes them straight to
// the writable buffers.
func (h *Handler) IndexDocs(w http.ResponseWriter, r *http.Request) {
	var events []consumer.Event
	body := http.MaxBytesReader(w, r.Body, maxIndexBody)
	if err := json.NewDecoder(body).Decode(&events); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	records := make([]manager.Record, 0, len(events))
	for _, ev := range events {
		rec, err := ev.Record(0)
		if err != nil {
			h.writeErr(w, err)
			return
		}
		records = append(records, rec)
	}
	if err := h.index.Index(records); err != nil {
		logger.FromContext(r.Context()).Error("index write failed", "records", len(records), "error", err)
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]int{"indexed": len(records)})
}

func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	events, err := h.index.FlushAll(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"flushed": events})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.index.RefreshAll(); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// Purge empties every shard and drops cached results.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	if err := h.index.PurgeAll(); err != nil {
		h.writeErr(w, err)
		return
	}
	if h.cache != nil {
		if err := h.cache.Invalidate(r.Context()); err != nil {
			h.logger.Warn("cache invalidation after purge failed", "error", err)
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"shards": h.index.Stats()})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	h.writeError(w, status, msg)
}
