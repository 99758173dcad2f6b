// Package metrics defines the Prometheus collectors for the index lifecycle
// and the HTTP surface, and exposes a handler for scraping. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter

	DocsIndexedTotal     *prometheus.CounterVec
	DeletesMarkedTotal   *prometheus.CounterVec
	IndexFlushesTotal    *prometheus.CounterVec
	FlushDuration        *prometheus.HistogramVec
	IndexVersion         *prometheus.GaugeVec
	ReaderGeneration     *prometheus.GaugeVec
	PendingReaders       *prometheus.GaugeVec
	RefCountViolations   *prometheus.CounterVec
	BufferDocs           *prometheus.GaugeVec
	DiskDocs             *prometheus.GaugeVec
	SegmentCount         *prometheus.GaugeVec
	SnapshotBytesTotal   *prometheus.CounterVec
	ActiveShards         prometheus.Gauge
}

// New creates the collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates the collectors and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, zero_result, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of query cache misses.",
			},
		),
		DocsIndexedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_docs_indexed_total",
				Help: "Documents written to the writable buffer.",
			},
			[]string{"index"},
		),
		DeletesMarkedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_deletes_marked_total",
				Help: "Docs logically deleted in older layers by newer writes.",
			},
			[]string{"index", "layer"},
		),
		IndexFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_flushes_total",
				Help: "Total buffer flushes into durable storage by status.",
			},
			[]string{"index", "status"},
		),
		FlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "index_flush_duration_seconds",
				Help:    "Duration of a full Sleep-Working-Sleep flush cycle.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"index"},
		),
		IndexVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_durable_version",
				Help: "Version recorded in the durable signature.",
			},
			[]string{"index"},
		),
		ReaderGeneration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_reader_generation",
				Help: "Generation number of the current durable reader.",
			},
			[]string{"index"},
		),
		PendingReaders: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_pending_destroy_readers",
				Help: "Retired reader generations not yet closed.",
			},
			[]string{"index"},
		),
		RefCountViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_refcount_violations_total",
				Help: "Readers returned more often than acquired.",
			},
			[]string{"index"},
		),
		BufferDocs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_buffer_docs",
				Help: "Documents held by in-memory buffers by role.",
			},
			[]string{"index", "role"},
		),
		DiskDocs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_disk_docs",
				Help: "Live documents in durable storage.",
			},
			[]string{"index"},
		),
		SegmentCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_segments",
				Help: "Segments in the latest durable commit.",
			},
			[]string{"index"},
		),
		SnapshotBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_snapshot_bytes_total",
				Help: "Snapshot bytes transferred by direction.",
			},
			[]string{"direction"},
		),
		ActiveShards: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_shards",
				Help: "Number of active index shards.",
			},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DocsIndexedTotal,
		m.DeletesMarkedTotal,
		m.IndexFlushesTotal,
		m.FlushDuration,
		m.IndexVersion,
		m.ReaderGeneration,
		m.PendingReaders,
		m.RefCountViolations,
		m.BufferDocs,
		m.DiskDocs,
		m.SegmentCount,
		m.SnapshotBytesTotal,
		m.ActiveShards,
	)

	return m
}

func (m *Metrics) DocsIndexed(index string, n int) {
	if m == nil {
		return
	}
	m.DocsIndexedTotal.WithLabelValues(index).Add(float64(n))
}

func (m *Metrics) DeletesMarked(index, layer string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DeletesMarkedTotal.WithLabelValues(index, layer).Add(float64(n))
}

func (m *Metrics) Flushed(index, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.IndexFlushesTotal.WithLabelValues(index, status).Inc()
	if status == "success" {
		m.FlushDuration.WithLabelValues(index).Observe(d.Seconds())
	}
}

func (m *Metrics) Version(index string, v int64) {
	if m == nil {
		return
	}
	m.IndexVersion.WithLabelValues(index).Set(float64(v))
}

func (m *Metrics) Generation(index string, gen int64, pending int) {
	if m == nil {
		return
	}
	m.ReaderGeneration.WithLabelValues(index).Set(float64(gen))
	m.PendingReaders.WithLabelValues(index).Set(float64(pending))
}

func (m *Metrics) RefCountViolation(index string) {
	if m == nil {
		return
	}
	m.RefCountViolations.WithLabelValues(index).Inc()
}

func (m *Metrics) Buffers(index string, writable, readOnly int) {
	if m == nil {
		return
	}
	m.BufferDocs.WithLabelValues(index, "writable").Set(float64(writable))
	m.BufferDocs.WithLabelValues(index, "read_only").Set(float64(readOnly))
}

func (m *Metrics) Disk(index string, docs, segments int) {
	if m == nil {
		return
	}
	m.DiskDocs.WithLabelValues(index).Set(float64(docs))
	m.SegmentCount.WithLabelValues(index).Set(float64(segments))
}

func (m *Metrics) SnapshotBytes(direction string, n int64) {
	if m == nil {
		return
	}
	m.SnapshotBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) Shards(n int) {
	if m == nil {
		return
	}
	m.ActiveShards.Set(float64(n))
}

// Searched records one query. resultType is hit, zero_result or error;
// cacheStatus is hit, miss or disabled.
func (m *Metrics) Searched(resultType, cacheStatus string, d time.Duration) {
	if m == nil {
		return
	}
	m.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	m.SearchLatency.WithLabelValues(cacheStatus).Observe(d.Seconds())
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
	} else {
		m.CacheMissesTotal.Inc()
	}
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
