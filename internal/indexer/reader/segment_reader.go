package reader

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
)

const (
	// DeletedUID is returned for docs that no longer carry a UID.
	DeletedUID int64 = math.MinInt64
	// NotFound is returned when a UID has no valid doc.
	NotFound = -1
)

// Segment is an immutable unit of searchable documents. Disk segments and
// in-memory buffer snapshots both implement it.
type Segment interface {
	// Name is stable for the lifetime of the underlying data.
	Name() string
	// Identity changes whenever the visible content changes.
	Identity() string
	MaxDoc() int
	UID(doc int) int64
	// IsDeleted reports deletions recorded in storage, not overlay marks.
	IsDeleted(doc int) bool
	NumDeleted() int
	Postings(term string) ([]int32, error)
	Document(doc int) ([]byte, error)
}

// DocIDMapper resolves UIDs to local doc ids within one segment. When a UID
// occurs more than once, the highest doc id wins. It depends only on the
// segment's UID column, so generations share it by segment name.
type DocIDMapper struct {
	docs     map[int64]int32
	min, max int64
}

func NewDocIDMapper(seg Segment) *DocIDMapper {
	n := seg.MaxDoc()
	m := &DocIDMapper{docs: make(map[int64]int32, n), min: math.MaxInt64, max: math.MinInt64}
	for doc := 0; doc < n; doc++ {
		uid := seg.UID(doc)
		if uid == DeletedUID {
			continue
		}
		m.docs[uid] = int32(doc)
		if uid < m.min {
			m.min = uid
		}
		if uid > m.max {
			m.max = uid
		}
	}
	return m
}

// DocID returns the local doc id of uid, or NotFound.
func (m *DocIDMapper) DocID(uid int64) int {
	if uid < m.min || uid > m.max {
		return NotFound
	}
	if doc, ok := m.docs[uid]; ok {
		return int(doc)
	}
	return NotFound
}

// Overlay is an immutable set of locally invalidated doc ids.
type Overlay struct {
	docs *roaring.Bitmap
}

var emptyOverlay = &Overlay{docs: roaring.New()}

func (o *Overlay) Contains(doc int) bool {
	return doc >= 0 && o.docs.Contains(uint32(doc))
}

func (o *Overlay) Len() int { return int(o.docs.GetCardinality()) }

// Docs returns the invalidated doc ids in ascending order.
func (o *Overlay) Docs() []uint32 { return o.docs.ToArray() }

// SegmentReader wraps one Segment for one reader generation. Marks collect
// under mu; CommitDeletes publishes them as a new immutable Overlay.
type SegmentReader struct {
	seg     Segment
	mapper  *DocIDMapper
	mu      sync.Mutex
	marked  *roaring.Bitmap
	overlay atomic.Pointer[Overlay]
}

func newSegmentReader(seg Segment, mapper *DocIDMapper) *SegmentReader {
	if mapper == nil {
		mapper = NewDocIDMapper(seg)
	}
	r := &SegmentReader{seg: seg, mapper: mapper, marked: roaring.New()}
	r.overlay.Store(emptyOverlay)
	return r
}

func (r *SegmentReader) Segment() Segment { return r.seg }

func (r *SegmentReader) Mapper() *DocIDMapper { return r.mapper }

func (r *SegmentReader) MaxDoc() int { return r.seg.MaxDoc() }

// MarkDeletes records the local docs of every uid in uids as candidates for
// deletion and adds the uids it resolved to deleted. Unknown UIDs and the
// DeletedUID sentinel are ignored. It returns the number of docs marked.
func (r *SegmentReader) MarkDeletes(uids *UIDSet, deleted *UIDSet) int {
	if uids.IsEmpty() {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	uids.ForEach(func(uid int64) bool {
		if uid == DeletedUID {
			return true
		}
		doc := r.mapper.DocID(uid)
		if doc == NotFound || r.seg.IsDeleted(doc) {
			return true
		}
		if r.marked.CheckedAdd(uint32(doc)) {
			n++
		}
		if deleted != nil {
			deleted.Add(uid)
		}
		return true
	})
	return n
}

// CommitDeletes publishes the marks as the reader's overlay. Calling it
// again without new marks leaves the overlay unchanged.
func (r *SegmentReader) CommitDeletes() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.marked.GetCardinality() == uint64(r.overlay.Load().Len()) {
		return
	}
	r.overlay.Store(&Overlay{docs: r.marked.Clone()})
}

// Overlay returns the committed overlay. The result never changes.
func (r *SegmentReader) Overlay() *Overlay { return r.overlay.Load() }

func (r *SegmentReader) IsDeleted(doc int) bool {
	return r.seg.IsDeleted(doc) || r.overlay.Load().Contains(doc)
}

// DocID returns the local doc of uid if it is currently valid.
func (r *SegmentReader) DocID(uid int64) int {
	return r.docID(uid, r.overlay.Load())
}

func (r *SegmentReader) docID(uid int64, ov *Overlay) int {
	doc := r.mapper.DocID(uid)
	if doc == NotFound || r.seg.IsDeleted(doc) || ov.Contains(doc) {
		return NotFound
	}
	return doc
}

// NumDocs counts docs that are neither deleted in storage nor overlaid.
func (r *SegmentReader) NumDocs() int {
	return r.seg.MaxDoc() - r.seg.NumDeleted() - r.overlay.Load().Len()
}
