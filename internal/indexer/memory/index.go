// Package memory implements the volatile index buffers that take writes
// between flushes. A buffer accepts writes until its writer is closed, then
// serves reads only until it is drained to disk and retired.
package memory

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/reader"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/logger"
)

// Document is one analyzed record ready for a buffer.
type Document struct {
	UID     int64
	Terms   []string
	Payload []byte
}

const freedRefs = math.MinInt64 / 2

// Index is an append-only in-memory segment. Writing a UID again
// supersedes its older doc; superseded docs count as deleted in storage.
type Index struct {
	name   string
	logger *slog.Logger

	mu           sync.RWMutex
	uids         []int64
	payloads     [][]byte
	postings     map[string][]int32
	latest       map[int64]int32
	superseded   *roaring.Bitmap
	touched      *reader.UIDSet
	version      int64
	size         int64
	writerClosed bool
	freed        bool

	snapMu sync.Mutex
	snap   *reader.MultiReader
	snapN  int
	snapD  uint64

	refs    atomic.Int64
	retired atomic.Bool
}

// New creates an empty buffer. name distinguishes buffers in logs and
// reader identities.
func New(name string, l *slog.Logger) *Index {
	return &Index{
		name:       name,
		logger:     logger.OrDefault(l, "memory").With("buffer", name),
		postings:   make(map[string][]int32),
		latest:     make(map[int64]int32),
		superseded: roaring.New(),
		touched:    reader.NewUIDSet(),
	}
}

func (m *Index) Name() string { return m.name }

// UpdateIndex removes dels, then appends docs. A doc whose UID is already
// present supersedes the older doc. version only moves forward.
func (m *Index) UpdateIndex(dels *reader.UIDSet, docs []Document, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writerClosed {
		return apperrors.ErrWriterClosed
	}
	if m.freed {
		return apperrors.ErrIndexClosed
	}
	dels.ForEach(func(uid int64) bool {
		if doc, ok := m.latest[uid]; ok {
			m.superseded.Add(uint32(doc))
			delete(m.latest, uid)
		}
		m.touched.Add(uid)
		return true
	})
	for _, d := range docs {
		if len(m.uids) >= math.MaxInt32 {
			return fmt.Errorf("buffer %s is full: %w", m.name, apperrors.ErrInternal)
		}
		id := int32(len(m.uids))
		if old, ok := m.latest[d.UID]; ok {
			m.superseded.Add(uint32(old))
		}
		m.uids = append(m.uids, d.UID)
		m.payloads = append(m.payloads, d.Payload)
		m.latest[d.UID] = id
		m.touched.Add(d.UID)
		m.size += int64(len(d.Payload)) + 48
		for _, term := range uniqueTerms(d.Terms) {
			m.postings[term] = append(m.postings[term], id)
			m.size += int64(len(term)) + 4
		}
	}
	if version > m.version {
		m.version = version
	}
	return nil
}

func uniqueTerms(terms []string) []string {
	if len(terms) < 2 {
		return terms
	}
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// CloseWriter makes the buffer read-only. Further writes fail with
// ErrWriterClosed.
func (m *Index) CloseWriter() {
	m.mu.Lock()
	m.writerClosed = true
	m.mu.Unlock()
}

func (m *Index) WriterClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writerClosed
}

func (m *Index) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// MaxDoc counts every doc ever appended, superseded or not.
func (m *Index) MaxDoc() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uids)
}

// NumDocs counts docs not superseded within the buffer.
func (m *Index) NumDocs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uids) - int(m.superseded.GetCardinality())
}

// Size is an estimate of the buffer's heap footprint in bytes.
func (m *Index) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// UIDs returns every UID written or deleted through this buffer.
func (m *Index) UIDs() *reader.UIDSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.touched.Clone()
}

// OpenReader returns a reader over the buffer's current contents. The
// reader is cached until the buffer changes, so marks on it persist while
// the buffer is read-only.
func (m *Index) OpenReader() *reader.MultiReader {
	m.mu.RLock()
	n, d := len(m.uids), m.superseded.GetCardinality()
	m.mu.RUnlock()

	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	if m.snap != nil && m.snapN == n && m.snapD == d {
		return m.snap
	}

	m.mu.RLock()
	n, d = len(m.uids), m.superseded.GetCardinality()
	v := m.version
	seg := &snapshot{
		idx:      m,
		name:     m.name,
		uids:     m.uids[:n:n],
		payloads: m.payloads[:n:n],
		deleted:  m.superseded.Clone(),
	}
	m.mu.RUnlock()

	m.snap = reader.NewMultiReader([]reader.Segment{seg}, reader.WithVersion(v))
	m.snapN, m.snapD = n, d
	return m.snap
}

// MarkDeletes marks uids as deleted on the cached reader. Marks become
// visible with CommitDeletes.
func (m *Index) MarkDeletes(uids *reader.UIDSet) int {
	return m.OpenReader().MarkDeletes(uids, nil)
}

func (m *Index) CommitDeletes() {
	m.OpenReader().CommitDeletes()
}

// Acquire borrows a view on the buffer. The buffer's data is kept until the
// view is released, even after Retire.
func (m *Index) Acquire(source string) (*reader.View, error) {
	for {
		n := m.refs.Load()
		if n < 0 {
			return nil, fmt.Errorf("buffer %s: %w", m.name, apperrors.ErrIndexClosed)
		}
		if m.refs.CompareAndSwap(n, n+1) {
			break
		}
	}
	var once sync.Once
	return m.OpenReader().Acquire(source, func() { once.Do(m.release) }), nil
}

func (m *Index) release() {
	for {
		n := m.refs.Load()
		if n <= 0 {
			m.logger.Warn("buffer released more times than acquired")
			return
		}
		if m.refs.CompareAndSwap(n, n-1) {
			if n == 1 && m.retired.Load() {
				m.tryFree()
			}
			return
		}
	}
}

// Refs returns the number of views currently borrowed.
func (m *Index) Refs() int64 {
	if n := m.refs.Load(); n > 0 {
		return n
	}
	return 0
}

// Retire discards the buffer once the last borrowed view is released.
func (m *Index) Retire() {
	m.retired.Store(true)
	m.tryFree()
}

func (m *Index) tryFree() {
	if !m.refs.CompareAndSwap(0, freedRefs) {
		return
	}
	m.mu.Lock()
	m.freed = true
	m.uids, m.payloads, m.postings, m.latest = nil, nil, nil, nil
	m.mu.Unlock()
	m.snapMu.Lock()
	if m.snap != nil {
		m.snap.Close()
		m.snap = nil
	}
	m.snapMu.Unlock()
	m.logger.Debug("buffer discarded")
}

// Freed reports whether the buffer's data has been discarded.
func (m *Index) Freed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.freed
}

// Drain returns the live docs as a segment input together with every UID
// the buffer touched. Older copies of those UIDs must be deleted from
// durable storage when the input is added.
func (m *Index) Drain() (*segment.Input, *reader.UIDSet) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.uids)
	remap := make([]int32, n)
	in := &segment.Input{Postings: make(map[string][]int32, len(m.postings))}
	for doc := 0; doc < n; doc++ {
		if m.superseded.Contains(uint32(doc)) {
			remap[doc] = -1
			continue
		}
		remap[doc] = int32(len(in.UIDs))
		in.UIDs = append(in.UIDs, m.uids[doc])
		in.Payloads = append(in.Payloads, m.payloads[doc])
	}
	for term, docs := range m.postings {
		var out []int32
		for _, d := range docs {
			if nd := remap[d]; nd >= 0 {
				out = append(out, nd)
			}
		}
		if len(out) > 0 {
			in.Postings[term] = out
		}
	}
	return in, m.touched.Clone()
}

// postingsBefore returns the docs of term below n.
func (m *Index) postingsBefore(term string, n int) []int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := m.postings[term]
	cut := sort.Search(len(docs), func(i int) bool { return int(docs[i]) >= n })
	return append([]int32(nil), docs[:cut]...)
}
