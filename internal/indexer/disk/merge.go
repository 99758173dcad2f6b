package disk

import (
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/segment"
)

// MergePolicyParams tunes segment merging. Changes take effect at the next
// AddIndex.
type MergePolicyParams struct {
	// MergeFactor is the most small segments merged in one pass.
	MergeFactor int `yaml:"mergeFactor"`
	// NumLargeSegments is how many of the biggest segments are never merged
	// with small ones.
	NumLargeSegments int `yaml:"numLargeSegments"`
	// MaxSmallSegments is the number of small segments tolerated before a
	// merge runs.
	MaxSmallSegments int `yaml:"maxSmallSegments"`
	// PartialExpunge rewrites the large segment with the highest deleted
	// ratio on every AddIndex.
	PartialExpunge bool `yaml:"partialExpunge"`
	// MaxMergeDocs caps the live docs of a merged segment.
	MaxMergeDocs int `yaml:"maxMergeDocs"`
	// UseCompoundFile keeps stored payloads inside the segment file.
	UseCompoundFile bool `yaml:"useCompoundFile"`
}

func DefaultMergePolicy() MergePolicyParams {
	return MergePolicyParams{
		MergeFactor:      10,
		NumLargeSegments: 6,
		MaxSmallSegments: 20,
		MaxMergeDocs:     math.MaxInt32,
		UseCompoundFile:  true,
	}
}

func (p MergePolicyParams) normalized() MergePolicyParams {
	d := DefaultMergePolicy()
	if p.MergeFactor < 2 {
		p.MergeFactor = d.MergeFactor
	}
	if p.NumLargeSegments < 0 {
		p.NumLargeSegments = 0
	}
	if p.MaxSmallSegments <= 0 {
		p.MaxSmallSegments = d.MaxSmallSegments
	}
	if p.MaxMergeDocs <= 0 {
		p.MaxMergeDocs = d.MaxMergeDocs
	}
	return p
}

// mergePlan lists segment names by action.
type mergePlan struct {
	Drop    []string
	Merge   []string
	Expunge string
}

func (mp mergePlan) empty() bool {
	return len(mp.Drop) == 0 && len(mp.Merge) == 0 && mp.Expunge == ""
}

// planMerge decides what to do with the segments of a commit.
//
// Segments with no live docs are dropped. The NumLargeSegments segments
// with the most live docs are large; the rest are small. Once the small
// segments outnumber MaxSmallSegments, up to MergeFactor of the smallest
// are merged into one, as long as the result stays within MaxMergeDocs.
// With PartialExpunge the large segment with the highest deleted ratio is
// rewritten without its deleted docs.
func planMerge(segs []segment.SegmentInfo, p MergePolicyParams) mergePlan {
	p = p.normalized()
	var plan mergePlan
	live := make([]segment.SegmentInfo, 0, len(segs))
	for _, s := range segs {
		if s.LiveDocs() <= 0 {
			plan.Drop = append(plan.Drop, s.Name)
			continue
		}
		live = append(live, s)
	}

	bySize := append([]segment.SegmentInfo(nil), live...)
	sort.SliceStable(bySize, func(i, j int) bool { return bySize[i].LiveDocs() > bySize[j].LiveDocs() })
	nLarge := min(p.NumLargeSegments, len(bySize))
	large, small := bySize[:nLarge], bySize[nLarge:]

	if len(small) > p.MaxSmallSegments {
		sort.SliceStable(small, func(i, j int) bool { return small[i].LiveDocs() < small[j].LiveDocs() })
		docs := 0
		for _, s := range small {
			if len(plan.Merge) == p.MergeFactor || docs+s.LiveDocs() > p.MaxMergeDocs {
				break
			}
			docs += s.LiveDocs()
			plan.Merge = append(plan.Merge, s.Name)
		}
		if len(plan.Merge) < 2 {
			plan.Merge = nil
		}
	}

	if p.PartialExpunge {
		worst, ratio := "", 0.0
		for _, s := range large {
			if s.DelCount == 0 {
				continue
			}
			if r := float64(s.DelCount) / float64(s.DocCount); r > ratio {
				worst, ratio = s.Name, r
			}
		}
		plan.Expunge = worst
	}
	return plan
}

// applyMerge executes plan against next, writing merged segments into dir.
func (w *Writer) applyMerge(next *segment.Commit, plan mergePlan, compound bool) error {
	drop := make(map[string]bool, len(plan.Drop))
	for _, name := range plan.Drop {
		drop[name] = true
	}
	groups := make([][]string, 0, 2)
	if len(plan.Merge) > 0 {
		groups = append(groups, plan.Merge)
	}
	if plan.Expunge != "" {
		groups = append(groups, []string{plan.Expunge})
	}

	for _, group := range groups {
		info, err := w.mergeGroup(next, group, compound)
		if err != nil {
			return err
		}
		for _, name := range group {
			drop[name] = true
		}
		next.Segments = append(next.Segments, info)
		w.logger.Info("merged segments", "sources", group, "segment", info.Name, "docs", info.DocCount)
	}

	kept := next.Segments[:0]
	for _, s := range next.Segments {
		if !drop[s.Name] {
			kept = append(kept, s)
		}
	}
	next.Segments = kept
	return nil
}

func (w *Writer) mergeGroup(next *segment.Commit, group []string, compound bool) (segment.SegmentInfo, error) {
	infos := make(map[string]segment.SegmentInfo, len(next.Segments))
	for _, s := range next.Segments {
		infos[s.Name] = s
	}
	readers := make([]*segment.Reader, 0, len(group))
	deleted := make([]*roaring.Bitmap, 0, len(group))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, name := range group {
		info, ok := infos[name]
		if !ok {
			return segment.SegmentInfo{}, fmt.Errorf("merge: segment %s not in commit", name)
		}
		r, err := segment.Open(w.dir, name)
		if err != nil {
			return segment.SegmentInfo{}, fmt.Errorf("merge: opening %s: %w", name, err)
		}
		readers = append(readers, r)
		bm, err := segment.ReadDeletes(w.dir, info)
		if err != nil {
			return segment.SegmentInfo{}, fmt.Errorf("merge: %w", err)
		}
		deleted = append(deleted, bm)
	}
	in, err := segment.Merge(readers, deleted)
	if err != nil {
		return segment.SegmentInfo{}, err
	}
	name := segment.SegmentName(next.NextSegment)
	next.NextSegment++
	written, err := segment.NewWriter(w.dir, compound).Write(name, in)
	if err != nil {
		return segment.SegmentInfo{}, fmt.Errorf("merge: writing %s: %w", name, err)
	}
	return segment.SegmentInfo{Name: name, DocCount: written.DocCount, Compound: written.Compound}, nil
}
