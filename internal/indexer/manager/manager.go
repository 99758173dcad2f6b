// Package manager coordinates the two in-memory buffers and the durable
// store of one index. It owns buffer roles, routes writes to the writable
// buffer, propagates deletes to older layers, and runs the flush cycle that
// moves the read-only buffer to disk.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/disk"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/dispenser"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/memory"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/reader"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/metrics"
)

// View sources reported by GetIndexReaders.
const (
	SourceReadOnly = "read-only"
	SourceWritable = "writable"
	SourceDisk     = disk.SourceName
)

// Status is the flush state of a manager.
type Status int32

const (
	// Sleep means one writable buffer and no flush in progress.
	Sleep Status = iota
	// Working means a read-only buffer is being flushed.
	Working
)

func (s Status) String() string {
	if s == Working {
		return "working"
	}
	return "sleep"
}

// Record is one write. Delete removes UID; otherwise the record replaces
// any earlier doc with the same UID.
type Record struct {
	UID     int64
	Delete  bool
	Text    string
	Payload []byte
	Version int64
}

// mem is the immutable role assignment. It is replaced, never modified.
type mem struct {
	writable *memory.Index
	readOnly *memory.Index
	disk     *dispenser.Generation
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mt *metrics.Metrics, index string) Option {
	return func(m *Manager) {
		m.metrics = mt
		m.index = index
	}
}

func WithAnalyzer(a tokenizer.Analyzer) Option {
	return func(m *Manager) { m.analyzer = a }
}

// Manager is the index lifecycle manager of one index.
type Manager struct {
	disk     *disk.Store
	analyzer tokenizer.Analyzer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	index    string

	// publishMu makes a write and its delete marks one step for readers.
	// Writers and role changes that retire a layer hold it exclusively;
	// GetIndexReaders holds it shared while it acquires views. Only
	// in-memory work happens under it.
	publishMu sync.RWMutex
	// swapMu serializes role changes.
	swapMu sync.Mutex
	state  atomic.Pointer[mem]
	status atomic.Int32

	flushMu sync.Mutex
	refresh singleflight.Group
	buffers atomic.Int64
	stamp   atomic.Int64
	closed  atomic.Bool
}

// New creates a manager over an open store. The manager starts in Sleep
// with an empty writable buffer.
func New(store *disk.Store, opts ...Option) *Manager {
	m := &Manager{disk: store, analyzer: tokenizer.Default}
	for _, opt := range opts {
		opt(m)
	}
	if m.index == "" {
		m.index = store.Home()
	}
	m.logger = logger.OrDefault(m.logger, "manager").With("index", m.index)
	m.state.Store(&mem{writable: m.newBuffer(), disk: m.pinDisk()})
	return m
}

func (m *Manager) newBuffer() *memory.Index {
	return memory.New("ram-"+strconv.FormatInt(m.buffers.Add(1), 10), m.logger)
}

// pinDisk takes a reference on the store's current generation.
func (m *Manager) pinDisk() *dispenser.Generation {
	g := m.disk.Dispenser().Current()
	if g == nil || !g.IncRef() {
		return nil
	}
	return g
}

func (m *Manager) Store() *disk.Store { return m.disk }

func (m *Manager) Status() Status { return Status(m.status.Load()) }

// ViewStamp changes whenever the set of visible docs may have changed.
func (m *Manager) ViewStamp() int64 { return m.stamp.Load() }

// SetStatus moves between Sleep and Working. Requesting the current status
// does nothing.
//
// Sleep to Working closes the writable buffer's writer, installs a fresh
// writable buffer and keeps the old one read-only. Working to Sleep drops
// the read-only buffer once its last view is returned and records the
// store's current reader generation.
//
// Sleep to Working does not wait for writers: a write that lands on the
// closed buffer retries on the new one.
func (m *Manager) SetStatus(s Status) error {
	if m.closed.Load() {
		return apperrors.ErrIndexClosed
	}
	m.swapMu.Lock()
	defer m.swapMu.Unlock()
	if Status(m.status.Load()) == s {
		return nil
	}
	st := m.state.Load()
	switch s {
	case Working:
		// The new roles go in before the writer closes, so a write refused
		// by the old buffer always finds its replacement.
		m.state.Store(&mem{writable: m.newBuffer(), readOnly: st.writable, disk: st.disk})
		st.writable.CloseWriter()
	case Sleep:
		m.publishMu.Lock()
		m.state.Store(&mem{writable: st.writable, disk: m.pinDisk()})
		m.publishMu.Unlock()
		if st.readOnly != nil {
			st.readOnly.Retire()
		}
		if st.disk != nil {
			st.disk.DecRef()
		}
	default:
		return fmt.Errorf("unknown status %d: %w", s, apperrors.ErrInvalidInput)
	}
	m.status.Store(int32(s))
	m.stamp.Add(1)
	m.logger.Debug("status changed", "status", s.String())
	return nil
}

// Index writes batch to the writable buffer and then marks the touched
// UIDs deleted in the read-only buffer and on disk. Within a batch the
// last record for a UID wins.
func (m *Manager) Index(batch []Record) error {
	if m.closed.Load() {
		return apperrors.ErrIndexClosed
	}
	if len(batch) == 0 {
		return nil
	}
	last := make(map[int64]int, len(batch))
	uids := reader.NewUIDSet()
	var version int64
	for i, r := range batch {
		last[r.UID] = i
		uids.Add(r.UID)
		version = max(version, r.Version)
	}
	dels := reader.NewUIDSet()
	docs := make([]memory.Document, 0, len(last))
	for i, r := range batch {
		if last[r.UID] != i {
			continue
		}
		if r.Delete {
			dels.Add(r.UID)
			continue
		}
		docs = append(docs, memory.Document{
			UID:     r.UID,
			Terms:   m.analyzer.Terms(r.Text),
			Payload: r.Payload,
		})
	}

	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	st := m.state.Load()
	for {
		err := st.writable.UpdateIndex(dels, docs, version)
		if err == nil {
			break
		}
		next := m.state.Load()
		if !errors.Is(err, apperrors.ErrWriterClosed) || next == st {
			return fmt.Errorf("writing to %s: %w", st.writable.Name(), err)
		}
		st = next
	}

	if ro := st.readOnly; ro != nil {
		n := ro.MarkDeletes(uids)
		ro.CommitDeletes()
		m.metrics.DeletesMarked(m.index, SourceReadOnly, n)
	}
	m.disk.MarkDeletes(uids)
	m.disk.CommitDeletes()
	if st.disk != nil {
		if r := st.disk.Reader(); r != m.disk.CurrentReader() {
			r.MarkDeletes(uids, nil)
			r.CommitDeletes()
		}
	}

	m.stamp.Add(1)
	m.metrics.DocsIndexed(m.index, len(docs))
	return nil
}

// GetIndexReaders borrows views on every layer, newest first after the
// read-only buffer: [read-only?, writable, disk?]. Every view must be
// returned through ReturnReaders. The views never observe a write
// without the delete marks it made on older layers.
func (m *Manager) GetIndexReaders() ([]*reader.View, error) {
	if m.closed.Load() {
		return nil, apperrors.ErrIndexClosed
	}
	m.publishMu.RLock()
	defer m.publishMu.RUnlock()
	st := m.state.Load()
	views := make([]*reader.View, 0, 3)
	fail := func(err error) ([]*reader.View, error) {
		ReturnReaders(views)
		return nil, err
	}
	if st.readOnly != nil {
		v, err := st.readOnly.Acquire(SourceReadOnly)
		if err != nil {
			return fail(err)
		}
		views = append(views, v)
	}
	v, err := st.writable.Acquire(SourceWritable)
	if err != nil {
		return fail(err)
	}
	views = append(views, v)
	if g := st.disk; g != nil {
		if !g.IncRef() {
			return fail(fmt.Errorf("disk generation %d closed: %w", g.Number(), apperrors.ErrIndexIO))
		}
		var once sync.Once
		views = append(views, g.Reader().Acquire(SourceDisk, func() { once.Do(func() { g.DecRef() }) }))
	}
	return views, nil
}

// ReturnReaders releases views borrowed from GetIndexReaders.
func (m *Manager) ReturnReaders(views []*reader.View) {
	for _, v := range views {
		if err := v.Release(); err != nil {
			m.logger.Warn("view returned twice", "source", v.Source())
		}
	}
}

// ReturnReaders releases views, ignoring ones already released.
func ReturnReaders(views []*reader.View) {
	for _, v := range views {
		v.Release()
	}
}

// RefreshDiskReader opens a new disk generation and records it. While a
// flush is in progress the new generation is recorded when the flush ends.
func (m *Manager) RefreshDiskReader() error {
	if m.closed.Load() {
		return apperrors.ErrIndexClosed
	}
	_, err, _ := m.refresh.Do("refresh", func() (any, error) {
		return m.disk.NewReader()
	})
	if err != nil {
		return err
	}
	m.swapMu.Lock()
	defer m.swapMu.Unlock()
	if m.Status() == Working {
		return nil
	}
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	st := m.state.Load()
	g := m.pinDisk()
	if g == st.disk {
		if g != nil {
			g.DecRef()
		}
		return nil
	}
	m.state.Store(&mem{writable: st.writable, readOnly: st.readOnly, disk: g})
	if st.disk != nil {
		st.disk.DecRef()
	}
	m.stamp.Add(1)
	return nil
}

// FlushResult describes a completed flush.
type FlushResult struct {
	Version    int64
	Generation int64
	Docs       int
	Deletes    int
	Duration   time.Duration
}

// Flush drains the current writable buffer to disk: Sleep to Working, add
// the read-only buffer's docs, record its version, refresh the disk reader,
// Working to Sleep. A failed flush leaves the manager Working so the next
// call retries the same buffer.
func (m *Manager) Flush() (FlushResult, error) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.flushLocked()
}

func (m *Manager) flushLocked() (FlushResult, error) {
	start := time.Now()
	if err := m.SetStatus(Working); err != nil {
		return FlushResult{}, err
	}
	ro := m.state.Load().readOnly
	res, err := m.drain(ro)
	if err != nil {
		m.metrics.Flushed(m.index, "error", time.Since(start))
		m.logger.Error("flush failed", "buffer", ro.Name(), "error", err)
		return FlushResult{}, err
	}
	if err := m.SetStatus(Sleep); err != nil {
		return FlushResult{}, err
	}
	res.Duration = time.Since(start)
	res.Generation = m.disk.Dispenser().Generation()
	m.metrics.Flushed(m.index, "success", res.Duration)
	m.reportBuffers()
	m.logger.Info("flush complete",
		"buffer", ro.Name(),
		"docs", res.Docs,
		"deletes", res.Deletes,
		"version", res.Version,
		"generation", res.Generation,
		"duration", res.Duration,
	)
	return res, nil
}

func (m *Manager) drain(ro *memory.Index) (FlushResult, error) {
	in, dels := ro.Drain()
	res := FlushResult{Docs: in.Len(), Deletes: dels.Len()}
	if in.Len() > 0 || !dels.IsEmpty() {
		w, err := m.disk.OpenWriter()
		if err != nil {
			return res, err
		}
		if err := w.AddIndex(dels, in); err != nil {
			return res, err
		}
	}

	diskVersion, err := m.disk.Version()
	if err != nil {
		return res, err
	}
	res.Version = diskVersion
	if v := ro.Version(); v > diskVersion {
		if err := m.disk.SetVersion(v); err != nil {
			return res, err
		}
		res.Version = v
	}

	m.pruneDiskDeletes()
	if _, err := m.disk.NewReader(); err != nil {
		return res, err
	}
	return res, nil
}

// pruneDiskDeletes keeps only the held disk deletes still shadowed by the
// writable buffer. Deletes for the flushed buffer are now physical.
func (m *Manager) pruneDiskDeletes() {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	m.disk.RetainDeletes(m.state.Load().writable.UIDs())
}

// PurgeIndex resets the index to an empty writable buffer and an empty
// store at version 0. It fails while a flush is in progress.
func (m *Manager) PurgeIndex() error {
	if m.closed.Load() {
		return apperrors.ErrIndexClosed
	}
	if !m.flushMu.TryLock() {
		return apperrors.ErrFlushInProgress
	}
	defer m.flushMu.Unlock()
	m.swapMu.Lock()
	defer m.swapMu.Unlock()
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	if m.Status() == Working {
		return apperrors.ErrFlushInProgress
	}
	if err := m.disk.Purge(); err != nil {
		return fmt.Errorf("purging disk index: %w", err)
	}
	old := m.state.Load()
	m.state.Store(&mem{writable: m.newBuffer(), disk: m.pinDisk()})
	old.writable.CloseWriter()
	old.writable.Retire()
	if old.disk != nil {
		old.disk.DecRef()
	}
	m.stamp.Add(1)
	m.logger.Info("index purged")
	return nil
}

// BufferStats describes one in-memory buffer.
type BufferStats struct {
	Name    string `json:"name"`
	Docs    int    `json:"docs"`
	MaxDoc  int    `json:"maxDoc"`
	Version int64  `json:"version"`
	Bytes   int64  `json:"bytes"`
	Borrows int64  `json:"borrows"`
}

func bufferStats(b *memory.Index) BufferStats {
	return BufferStats{
		Name:    b.Name(),
		Docs:    b.NumDocs(),
		MaxDoc:  b.MaxDoc(),
		Version: b.Version(),
		Bytes:   b.Size(),
		Borrows: b.Refs(),
	}
}

// Stats is a point-in-time summary of an index.
type Stats struct {
	Status         string       `json:"status"`
	Writable       BufferStats  `json:"writable"`
	ReadOnly       *BufferStats `json:"readOnly,omitempty"`
	Disk           disk.Stats   `json:"disk"`
	DiskGeneration int64        `json:"diskGeneration"`
	ViewStamp      int64        `json:"viewStamp"`
}

func (m *Manager) Stats() Stats {
	m.publishMu.RLock()
	st := m.state.Load()
	s := Stats{
		Status:    m.Status().String(),
		Writable:  bufferStats(st.writable),
		Disk:      m.disk.Stats(),
		ViewStamp: m.stamp.Load(),
	}
	if st.readOnly != nil {
		ro := bufferStats(st.readOnly)
		s.ReadOnly = &ro
	}
	if st.disk != nil {
		s.DiskGeneration = st.disk.Number()
	}
	m.publishMu.RUnlock()
	return s
}

// WritableBuffer reports the writable buffer's live doc count and size.
func (m *Manager) WritableBuffer() (docs int, bytes int64) {
	w := m.state.Load().writable
	return w.NumDocs(), w.Size()
}

// Version is the highest version seen by any layer.
func (m *Manager) Version() int64 {
	st := m.state.Load()
	v := st.writable.Version()
	if st.readOnly != nil {
		v = max(v, st.readOnly.Version())
	}
	return max(v, m.disk.Dispenser().Version())
}

func (m *Manager) reportBuffers() {
	st := m.state.Load()
	ro := 0
	if st.readOnly != nil {
		ro = st.readOnly.NumDocs()
	}
	m.metrics.Buffers(m.index, st.writable.NumDocs(), ro)
}

// Close releases the recorded disk generation and closes the store.
// Unflushed buffer contents are dropped.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	m.swapMu.Lock()
	m.publishMu.Lock()
	st := m.state.Load()
	if st.disk != nil {
		st.disk.DecRef()
	}
	m.state.Store(&mem{writable: st.writable, readOnly: st.readOnly})
	m.publishMu.Unlock()
	m.swapMu.Unlock()
	if err := m.disk.Close(); err != nil && !errors.Is(err, apperrors.ErrIndexClosed) {
		return err
	}
	return nil
}
