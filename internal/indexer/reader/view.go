package reader

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrReleased is returned when a View is released more than once.
var ErrReleased = errors.New("reader view already released")

// View is a borrowed, read-only handle on a MultiReader. The overlays are
// captured at acquisition and never change, so concurrent marking on the
// owner is invisible to an in-flight query.
type View struct {
	reader   *MultiReader
	overlays []*Overlay
	source   string
	release  func()
	released atomic.Bool
}

// Acquire snapshots the committed overlays of m. release runs exactly once
// when the view is released.
func (m *MultiReader) Acquire(source string, release func()) *View {
	overlays := make([]*Overlay, len(m.subs))
	for i, sub := range m.subs {
		overlays[i] = sub.Overlay()
	}
	return &View{reader: m, overlays: overlays, source: source, release: release}
}

// Release returns the view to its owner. A second call is a no-op that
// returns ErrReleased.
func (v *View) Release() error {
	if !v.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	if v.release != nil {
		v.release()
	}
	return nil
}

func (v *View) Released() bool { return v.released.Load() }

// Source names the layer the view was taken from.
func (v *View) Source() string { return v.source }

func (v *View) Reader() *MultiReader { return v.reader }

func (v *View) MaxDoc() int { return v.reader.MaxDoc() }

func (v *View) NumDocs() int {
	n := 0
	for i, sub := range v.reader.subs {
		n += sub.seg.MaxDoc() - sub.seg.NumDeleted() - v.overlays[i].Len()
	}
	return n
}

func (v *View) UID(doc int) int64 { return v.reader.UID(doc) }

// IsDeleted reports storage deletions plus the overlay captured at
// acquisition.
func (v *View) IsDeleted(doc int) bool {
	sub, local, ok := v.reader.Resolve(doc)
	if !ok {
		return true
	}
	return v.reader.subs[sub].seg.IsDeleted(local) || v.overlays[sub].Contains(local)
}

// DocID returns the global doc valid for uid in this view, or NotFound.
func (v *View) DocID(uid int64) int {
	subs := v.reader.subs
	for i := len(subs) - 1; i >= 0; i-- {
		if local := subs[i].docID(uid, v.overlays[i]); local != NotFound {
			return v.reader.starts[i] + local
		}
	}
	return NotFound
}

func (v *View) Document(doc int) ([]byte, error) {
	sub, local, ok := v.reader.Resolve(doc)
	if !ok {
		return nil, fmt.Errorf("doc %d out of range", doc)
	}
	return v.reader.subs[sub].seg.Document(local)
}

// Search returns the live global doc ids containing term, ascending.
func (v *View) Search(term string) ([]int, error) {
	var out []int
	for i, sub := range v.reader.subs {
		docs, err := sub.seg.Postings(term)
		if err != nil {
			return nil, fmt.Errorf("searching %s: %w", sub.seg.Name(), err)
		}
		for _, d := range docs {
			local := int(d)
			if sub.seg.IsDeleted(local) || v.overlays[i].Contains(local) {
				continue
			}
			out = append(out, v.reader.starts[i]+local)
		}
	}
	return out, nil
}

// ForEachLive calls fn for every live doc until fn returns false.
func (v *View) ForEachLive(fn func(doc int, uid int64) bool) {
	for i, sub := range v.reader.subs {
		for local := 0; local < sub.seg.MaxDoc(); local++ {
			if sub.seg.IsDeleted(local) || v.overlays[i].Contains(local) {
				continue
			}
			if !fn(v.reader.starts[i]+local, sub.seg.UID(local)) {
				return
			}
		}
	}
}

// Suppression tells why a doc is hidden from queries.
type Suppression int

const (
	// Duplicate means a newer doc for the same UID is visible elsewhere.
	Duplicate Suppression = iota
	// Deleted means no visible doc carries the UID.
	Deleted
)

func (s Suppression) String() string {
	if s == Duplicate {
		return "duplicate"
	}
	return "deleted"
}

// Classify reports whether a suppressed doc for uid was superseded or
// tombstoned, given the full set of views making up a query.
func Classify(uid int64, views ...*View) Suppression {
	for _, v := range views {
		if v.DocID(uid) != NotFound {
			return Duplicate
		}
	}
	return Deleted
}
