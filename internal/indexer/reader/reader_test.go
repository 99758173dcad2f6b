package reader

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSegment struct {
	name     string
	uids     []int64
	deleted  *roaring.Bitmap
	postings map[string][]int32
}

func newFake(name string, uids ...int64) *fakeSegment {
	f := &fakeSegment{name: name, uids: uids, deleted: roaring.New(), postings: map[string][]int32{}}
	for i := range uids {
		f.postings["all"] = append(f.postings["all"], int32(i))
	}
	return f
}

func (f *fakeSegment) Name() string { return f.name }
func (f *fakeSegment) Identity() string { return fmt.Sprintf("%s#%d", f.name, f.deleted.GetCardinality()) }
func (f *fakeSegment) MaxDoc() int { return len(f.uids) }
func (f *fakeSegment) UID(doc int) int64 { return f.uids[doc] }
func (f *fakeSegment) IsDeleted(doc int) bool { return f.deleted.Contains(uint32(doc)) }
func (f *fakeSegment) NumDeleted() int { return int(f.deleted.GetCardinality()) }
func (f *fakeSegment) Postings(t string) ([]int32, error) { return f.postings[t], nil }
func (f *fakeSegment) Document(doc int) ([]byte, error) {
	return []byte(fmt.Sprintf("%s/%d", f.name, doc)), nil
}

func segmentsOfSizes(sizes []int) []Segment {
	segs := make([]Segment, len(sizes))
	uid := int64(0)
	for i, n := range sizes {
		uids := make([]int64, n)
		for j := range uids {
			uids[j] = uid
			uid++
		}
		segs[i] = newFake(fmt.Sprintf("seg_%d", i), uids...)
	}
	return segs
}

func TestReaderIndexResolvesEveryDoc(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cases := [][]int{
		{1},
		{3, 0, 0, 2},
		{0, 0, 5},
		{4, 0},
		{0, 1, 0, 1, 0},
	}
	for i := 0; i < 50; i++ {
		sizes := make([]int, 1+rng.Intn(8))
		for j := range sizes {
			sizes[j] = rng.Intn(4)
		}
		cases = append(cases, sizes)
	}
	for _, sizes := range cases {
		m := NewMultiReader(segmentsOfSizes(sizes))
		prefix := 0
		for seg, n := range sizes {
			for local := 0; local < n; local++ {
				d := prefix + local
				gotSeg, gotLocal, ok := m.Resolve(d)
				require.True(t, ok)
				require.Equal(t, seg, gotSeg, "sizes=%v doc=%d", sizes, d)
				require.Equal(t, local, gotLocal, "sizes=%v doc=%d", sizes, d)
				require.Less(t, gotLocal, sizes[gotSeg])
				require.EqualValues(t, d, m.UID(d))
			}
			prefix += n
		}
		assert.Equal(t, prefix, m.MaxDoc())
		_, _, ok := m.Resolve(prefix)
		assert.False(t, ok)
		assert.Equal(t, DeletedUID, m.UID(prefix))
	}
}

func TestReaderIndexTieScansToLast(t *testing.T) {
	starts := []int{0, 3, 3, 3, 5}
	assert.Equal(t, 3, ReaderIndex(3, starts, 4))
	assert.Equal(t, 0, ReaderIndex(2, starts, 4))
	assert.Equal(t, 3, ReaderIndex(4, starts, 4))
}

func TestMarkDeletesIsIdempotent(t *testing.T) {
	m := NewMultiReader([]Segment{newFake("a", 1, 2, 3), newFake("b", 4, 5)})
	deleted := NewUIDSet()
	assert.Equal(t, 2, m.MarkDeletes(NewUIDSet(2, 5, 99, DeletedUID), deleted))
	m.CommitDeletes()
	first := []*Overlay{m.subs[0].Overlay(), m.subs[1].Overlay()}

	assert.Equal(t, 0, m.MarkDeletes(NewUIDSet(2, 5), deleted))
	m.CommitDeletes()
	m.CommitDeletes()
	assert.Same(t, first[0], m.subs[0].Overlay())
	assert.Same(t, first[1], m.subs[1].Overlay())
	assert.Equal(t, []uint32{1}, first[0].Docs())
	assert.Equal(t, []uint32{1}, first[1].Docs())
	assert.Equal(t, []int64{2, 5}, deleted.Slice())

	assert.True(t, m.IsDeleted(1))
	assert.True(t, m.IsDeleted(4))
	assert.False(t, m.IsDeleted(0))
	assert.Equal(t, 3, m.NumDocs())
}

func TestMarksInvisibleUntilCommit(t *testing.T) {
	m := NewMultiReader([]Segment{newFake("a", 1, 2, 3)})
	m.MarkDeletes(NewUIDSet(1), nil)
	assert.False(t, m.IsDeleted(0))
	assert.Equal(t, 0, m.DocID(1))
	m.CommitDeletes()
	assert.True(t, m.IsDeleted(0))
	assert.Equal(t, NotFound, m.DocID(1))
}

func TestViewOverlayIsFrozen(t *testing.T) {
	m := NewMultiReader([]Segment{newFake("a", 1, 2, 3)})
	released := 0
	v := m.Acquire("disk", func() { released++ })

	m.MarkDeletes(NewUIDSet(2), nil)
	m.CommitDeletes()

	assert.False(t, v.IsDeleted(1), "borrowed view keeps its overlay")
	assert.Equal(t, 1, v.DocID(2))
	docs, err := v.Search("all")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, docs)

	fresh := m.Acquire("disk", nil)
	assert.True(t, fresh.IsDeleted(1))
	assert.Equal(t, NotFound, fresh.DocID(2))
	docs, err = fresh.Search("all")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, docs)

	require.NoError(t, v.Release())
	assert.ErrorIs(t, v.Release(), ErrReleased)
	assert.Equal(t, 1, released)
}

func TestPhysicalDeletesAreNotRemarked(t *testing.T) {
	seg := newFake("a", 1, 2)
	seg.deleted.Add(0)
	m := NewMultiReader([]Segment{seg})
	assert.Equal(t, 0, m.MarkDeletes(NewUIDSet(1), nil))
	m.CommitDeletes()
	assert.Equal(t, 1, m.NumDocs())
	assert.Equal(t, NotFound, m.DocID(1))
}

func TestDocIDPrefersValidDoc(t *testing.T) {
	older := newFake("old", 7, 8)
	older.deleted.Add(0)
	m := NewMultiReader([]Segment{older, newFake("new", 7)})
	assert.Equal(t, 2, m.DocID(7))
	assert.Equal(t, NotFound, m.DocID(42))
}

func TestDuplicateUIDInOneSegmentMapsToNewest(t *testing.T) {
	seg := newFake("ram", 5, 6, 5)
	mapper := NewDocIDMapper(seg)
	assert.Equal(t, 2, mapper.DocID(5))
	assert.Equal(t, 1, mapper.DocID(6))
	assert.Equal(t, NotFound, mapper.DocID(4))
}

func TestReopenSharesMappersByName(t *testing.T) {
	a, b := newFake("a", 1, 2), newFake("b", 3)
	old := NewMultiReader([]Segment{a, b}, WithVersion(1))
	old.MarkDeletes(NewUIDSet(1), nil)
	old.CommitDeletes()

	c := newFake("c", 4)
	next := Reopen(old, []Segment{a, c}, WithVersion(2))
	assert.Same(t, old.subs[0].Mapper(), next.subs[0].Mapper())
	assert.NotSame(t, old.subs[0], next.subs[0])
	assert.Equal(t, 0, next.subs[0].Overlay().Len(), "new generation starts without marks")
	assert.EqualValues(t, 2, next.Version())
	assert.Equal(t, 3, next.MaxDoc())
}

func TestCloseRunsOnce(t *testing.T) {
	calls := 0
	m := NewMultiReader(nil, WithCloser(func() error { calls++; return nil }))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, m.MaxDoc())
	assert.Equal(t, NotFound, m.DocID(1))
}

func TestClassify(t *testing.T) {
	disk := NewMultiReader([]Segment{newFake("disk", 1, 2)})
	ram := NewMultiReader([]Segment{newFake("ram", 1)})
	disk.MarkDeletes(NewUIDSet(1, 2), nil)
	disk.CommitDeletes()

	views := []*View{ram.Acquire("ram", nil), disk.Acquire("disk", nil)}
	assert.Equal(t, Duplicate, Classify(1, views...))
	assert.Equal(t, Deleted, Classify(2, views...))
	assert.Equal(t, "deleted", Deleted.String())
}

func TestUIDSet(t *testing.T) {
	s := NewUIDSet(3, -1, DeletedUID)
	assert.True(t, s.Contains(-1))
	assert.True(t, s.Contains(DeletedUID))
	assert.Equal(t, 3, s.Len())

	other := NewUIDSet(3, 4)
	s.AddSet(other)
	assert.Equal(t, 4, s.Len())
	s.Retain(NewUIDSet(4, -1))
	assert.ElementsMatch(t, []int64{4, -1}, s.Slice())

	var zero UIDSet
	assert.True(t, zero.IsEmpty())
	zero.Add(9)
	assert.True(t, zero.Contains(9))
	var nilSet *UIDSet
	assert.Equal(t, 0, nilSet.Len())
	assert.False(t, nilSet.Contains(1))
}

func BenchmarkMarkDeletes(b *testing.B) {
	uids := make([]int64, 100000)
	for i := range uids {
		uids[i] = int64(i)
	}
	seg := newFake("big", uids...)
	mapper := NewDocIDMapper(seg)
	victims := NewUIDSet()
	for i := 0; i < 1000; i++ {
		victims.Add(int64(i * 97))
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r := newSegmentReader(seg, mapper)
		r.MarkDeletes(victims, nil)
		r.CommitDeletes()
	}
}
