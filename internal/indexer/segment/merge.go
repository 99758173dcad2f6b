package segment

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

func SegmentName(n int64) string {
	return fmt.Sprintf("seg_%d", n)
}

// Merge rewrites the live documents of readers into a single Input, dropping
// every doc set in the matching deletion bitmap. Doc order is preserved.
func Merge(readers []*Reader, deleted []*roaring.Bitmap) (*Input, error) {
	if len(readers) != len(deleted) {
		return nil, fmt.Errorf("merge: %d readers, %d deletion sets", len(readers), len(deleted))
	}
	out := &Input{Postings: make(map[string][]int32)}
	remaps := make([][]int32, len(readers))
	for i, r := range readers {
		remap := make([]int32, r.DocCount())
		for doc := 0; doc < r.DocCount(); doc++ {
			if deleted[i] != nil && deleted[i].Contains(uint32(doc)) {
				remap[doc] = -1
				continue
			}
			payload, err := r.Document(doc)
			if err != nil {
				return nil, fmt.Errorf("merge %s: %w", r.Name(), err)
			}
			remap[doc] = int32(len(out.UIDs))
			out.UIDs = append(out.UIDs, r.UID(doc))
			out.Payloads = append(out.Payloads, payload)
		}
		remaps[i] = remap
	}
	for i, r := range readers {
		for _, term := range r.TermList() {
			docs, err := r.Postings(term)
			if err != nil {
				return nil, fmt.Errorf("merge %s: %w", r.Name(), err)
			}
			for _, d := range docs {
				if nd := remaps[i][d]; nd >= 0 {
					out.Postings[term] = append(out.Postings[term], nd)
				}
			}
		}
	}
	return out, nil
}
