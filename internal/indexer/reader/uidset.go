package reader

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// UIDSet is a set of UIDs. It is not safe for concurrent mutation; the zero
// value and nil are both usable as an empty set for reads.
type UIDSet struct {
	bm *roaring64.Bitmap
}

func NewUIDSet(uids ...int64) *UIDSet {
	s := &UIDSet{bm: roaring64.New()}
	for _, uid := range uids {
		s.bm.Add(uint64(uid))
	}
	return s
}

func (s *UIDSet) Add(uid int64) {
	if s.bm == nil {
		s.bm = roaring64.New()
	}
	s.bm.Add(uint64(uid))
}

func (s *UIDSet) Remove(uid int64) {
	if s.bm != nil {
		s.bm.Remove(uint64(uid))
	}
}

// AddSet adds every member of o.
func (s *UIDSet) AddSet(o *UIDSet) {
	if o == nil || o.bm == nil {
		return
	}
	if s.bm == nil {
		s.bm = roaring64.New()
	}
	s.bm.Or(o.bm)
}

// Retain drops every member not in keep.
func (s *UIDSet) Retain(keep *UIDSet) {
	if s.bm == nil {
		return
	}
	if keep == nil || keep.bm == nil {
		s.bm.Clear()
		return
	}
	s.bm.And(keep.bm)
}

func (s *UIDSet) Contains(uid int64) bool {
	return s != nil && s.bm != nil && s.bm.Contains(uint64(uid))
}

func (s *UIDSet) Len() int {
	if s == nil || s.bm == nil {
		return 0
	}
	return int(s.bm.GetCardinality())
}

func (s *UIDSet) IsEmpty() bool { return s.Len() == 0 }

func (s *UIDSet) Clone() *UIDSet {
	if s == nil || s.bm == nil {
		return NewUIDSet()
	}
	return &UIDSet{bm: s.bm.Clone()}
}

// ForEach calls fn for every member until fn returns false.
func (s *UIDSet) ForEach(fn func(uid int64) bool) {
	if s == nil || s.bm == nil {
		return
	}
	it := s.bm.Iterator()
	for it.HasNext() {
		if !fn(int64(it.Next())) {
			return
		}
	}
}

// Slice returns the members in unsigned order.
func (s *UIDSet) Slice() []int64 {
	out := make([]int64, 0, s.Len())
	s.ForEach(func(uid int64) bool {
		out = append(out, uid)
		return true
	})
	return out
}
