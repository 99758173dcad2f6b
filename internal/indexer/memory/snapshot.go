package memory

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// snapshot is a frozen prefix of a buffer exposed as a reader segment.
type snapshot struct {
	idx      *Index
	name     string
	uids     []int64
	payloads [][]byte
	deleted  *roaring.Bitmap
}

func (s *snapshot) Name() string { return s.name }

func (s *snapshot) Identity() string {
	return fmt.Sprintf("%s@%d/%d", s.name, len(s.uids), s.deleted.GetCardinality())
}

func (s *snapshot) MaxDoc() int { return len(s.uids) }

func (s *snapshot) UID(doc int) int64 { return s.uids[doc] }

func (s *snapshot) IsDeleted(doc int) bool {
	return doc >= 0 && s.deleted.Contains(uint32(doc))
}

func (s *snapshot) NumDeleted() int { return int(s.deleted.GetCardinality()) }

func (s *snapshot) Postings(term string) ([]int32, error) {
	return s.idx.postingsBefore(term, len(s.uids)), nil
}

func (s *snapshot) Document(doc int) ([]byte, error) {
	if doc < 0 || doc >= len(s.payloads) {
		return nil, fmt.Errorf("doc %d out of range in %s", doc, s.name)
	}
	return s.payloads[doc], nil
}
