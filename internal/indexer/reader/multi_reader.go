// Package reader presents one or more immutable segments as a single
// sequence of doc ids, resolves UIDs to doc ids, and keeps the per-generation
// overlay of logically deleted docs.
//
// A MultiReader is owned by whoever opened it (a dispenser generation or an
// in-memory buffer). Queries never touch it directly; they Acquire a View,
// which freezes the committed overlays for its lifetime.
package reader

import (
	"sync"
)

// MultiReader is an ordered composite of segment readers. starts[i] is the
// global doc id of the first doc of sub-reader i; starts[len(subs)] is
// MaxDoc.
type MultiReader struct {
	subs      []*SegmentReader
	starts    []int
	version   int64
	closer    func() error
	closeOnce sync.Once
	closeErr  error
}

type Option func(*MultiReader)

// WithCloser sets the function that releases the underlying segments.
func WithCloser(fn func() error) Option {
	return func(m *MultiReader) { m.closer = fn }
}

// WithVersion tags the reader with the storage version it was built from.
func WithVersion(v int64) Option {
	return func(m *MultiReader) { m.version = v }
}

func NewMultiReader(segs []Segment, opts ...Option) *MultiReader {
	subs := make([]*SegmentReader, len(segs))
	for i, seg := range segs {
		subs[i] = newSegmentReader(seg, nil)
	}
	return build(subs, opts)
}

// Reopen builds the reader for a new segment list. Segments whose name
// appears in old share old's DocIDMapper; every sub-reader starts with an
// empty overlay.
func Reopen(old *MultiReader, segs []Segment, opts ...Option) *MultiReader {
	if old == nil {
		return NewMultiReader(segs, opts...)
	}
	byName := make(map[string]*SegmentReader, len(old.subs))
	for _, sub := range old.subs {
		byName[sub.seg.Name()] = sub
	}
	subs := make([]*SegmentReader, len(segs))
	for i, seg := range segs {
		var mapper *DocIDMapper
		if prev, ok := byName[seg.Name()]; ok {
			mapper = prev.mapper
		}
		subs[i] = newSegmentReader(seg, mapper)
	}
	return build(subs, opts)
}

func build(subs []*SegmentReader, opts []Option) *MultiReader {
	starts := make([]int, len(subs)+1)
	maxDoc := 0
	for i, sub := range subs {
		starts[i] = maxDoc
		maxDoc += sub.MaxDoc()
	}
	starts[len(subs)] = maxDoc
	m := &MultiReader{subs: subs, starts: starts}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ReaderIndex returns the index of the sub-reader holding global doc n.
// When several empty sub-readers share a start, the last one wins.
func ReaderIndex(n int, starts []int, numSubReaders int) int {
	lo, hi := 0, numSubReaders-1
	for hi >= lo {
		mid := int(uint(lo+hi) >> 1)
		midValue := starts[mid]
		switch {
		case n < midValue:
			hi = mid - 1
		case n > midValue:
			lo = mid + 1
		default:
			for mid+1 < numSubReaders && starts[mid+1] == midValue {
				mid++
			}
			return mid
		}
	}
	return hi
}

// Resolve maps a global doc id to (sub-reader index, local doc id). ok is
// false when doc is out of range.
func (m *MultiReader) Resolve(doc int) (sub int, local int, ok bool) {
	if doc < 0 || doc >= m.MaxDoc() {
		return 0, 0, false
	}
	sub = ReaderIndex(doc, m.starts, len(m.subs))
	return sub, doc - m.starts[sub], true
}

func (m *MultiReader) MaxDoc() int { return m.starts[len(m.subs)] }

func (m *MultiReader) NumDocs() int {
	n := 0
	for _, sub := range m.subs {
		n += sub.NumDocs()
	}
	return n
}

func (m *MultiReader) Version() int64 { return m.version }

func (m *MultiReader) SubReaders() []*SegmentReader { return m.subs }

// Starts returns the prefix-sum boundary array. Callers must not modify it.
func (m *MultiReader) Starts() []int { return m.starts }

// UID returns the UID of global doc, or DeletedUID when out of range.
func (m *MultiReader) UID(doc int) int64 {
	sub, local, ok := m.Resolve(doc)
	if !ok {
		return DeletedUID
	}
	return m.subs[sub].seg.UID(local)
}

func (m *MultiReader) IsDeleted(doc int) bool {
	sub, local, ok := m.Resolve(doc)
	if !ok {
		return true
	}
	return m.subs[sub].IsDeleted(local)
}

// MarkDeletes fans uids out to every sub-reader. Resolved UIDs are added to
// deleted when it is non-nil.
func (m *MultiReader) MarkDeletes(uids *UIDSet, deleted *UIDSet) int {
	n := 0
	for _, sub := range m.subs {
		n += sub.MarkDeletes(uids, deleted)
	}
	return n
}

func (m *MultiReader) CommitDeletes() {
	for _, sub := range m.subs {
		sub.CommitDeletes()
	}
}

// DocID returns the global doc id currently valid for uid, or NotFound.
func (m *MultiReader) DocID(uid int64) int {
	for i := len(m.subs) - 1; i >= 0; i-- {
		if local := m.subs[i].DocID(uid); local != NotFound {
			return m.starts[i] + local
		}
	}
	return NotFound
}

// Close releases the underlying segments once.
func (m *MultiReader) Close() error {
	m.closeOnce.Do(func() {
		if m.closer != nil {
			m.closeErr = m.closer()
		}
	})
	return m.closeErr
}
