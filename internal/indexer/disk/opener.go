package disk

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/reader"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/signature"
)

const openParallelism = 4

type docKey struct {
	dir string
	seg string
	doc int
}

// diskSegment is one segment of one commit as seen by a reader generation.
type diskSegment struct {
	dir     string
	epoch   int64
	handle  *segment.Reader
	info    segment.SegmentInfo
	deleted *roaring.Bitmap
	docs    *lru.Cache[docKey, []byte]
}

func (s *diskSegment) Name() string { return s.info.Name }

func (s *diskSegment) Identity() string { return s.info.Identity() }

func (s *diskSegment) MaxDoc() int { return s.handle.DocCount() }

func (s *diskSegment) UID(doc int) int64 { return s.handle.UID(doc) }

func (s *diskSegment) NumDeleted() int { return int(s.deleted.GetCardinality()) }

func (s *diskSegment) IsDeleted(doc int) bool {
	return doc >= 0 && s.deleted.Contains(uint32(doc))
}

func (s *diskSegment) Postings(term string) ([]int32, error) {
	return s.handle.Postings(term)
}

func (s *diskSegment) Document(doc int) ([]byte, error) {
	if s.docs == nil {
		return s.handle.Document(doc)
	}
	key := docKey{dir: s.dir, seg: s.info.Name, doc: doc}
	if data, ok := s.docs.Get(key); ok {
		return data, nil
	}
	data, err := s.handle.Document(doc)
	if err != nil {
		return nil, err
	}
	s.docs.Add(key, data)
	return data, nil
}

// dirOpener builds reader generations from the latest commit of the
// storage directory named by the signature. Segment handles are shared
// between generations and released by each generation's closer.
type dirOpener struct {
	home   string
	docs   *lru.Cache[docKey, []byte]
	logger *slog.Logger

	mu         sync.Mutex
	last       *reader.MultiReader
	lastDir    string
	lastCommit int64
	segs       map[*reader.MultiReader][]*diskSegment
	// epoch changes when a directory is replaced in place; handles from an
	// earlier epoch are never reused.
	epoch int64
}

func newDirOpener(home string, docs *lru.Cache[docKey, []byte], logger *slog.Logger) *dirOpener {
	return &dirOpener{
		home:   home,
		docs:   docs,
		logger: logger,
		segs:   make(map[*reader.MultiReader][]*diskSegment),
	}
}

// forget stops reuse of any handle opened so far.
func (o *dirOpener) forget() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.epoch++
	o.last, o.lastDir, o.lastCommit = nil, "", 0
}

func (o *dirOpener) OpenReader(sig signature.Signature) (*reader.MultiReader, error) {
	return o.ReopenReader(sig, nil)
}

func (o *dirOpener) ReopenReader(sig signature.Signature, current *reader.MultiReader) (*reader.MultiReader, error) {
	dir := filepath.Join(o.home, sig.Path)
	commit, err := segment.LatestCommit(dir)
	if err != nil {
		return nil, fmt.Errorf("loading commit: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if current != nil && current == o.last && dir == o.lastDir &&
		commit.Generation == o.lastCommit && current.Version() == sig.Version {
		return current, nil
	}

	prev := make(map[string]*diskSegment)
	if current != nil {
		for _, s := range o.segs[current] {
			if s.dir == dir && s.epoch == o.epoch {
				prev[s.info.Name] = s
			}
		}
	}

	segs := make([]*diskSegment, len(commit.Segments))
	var g errgroup.Group
	g.SetLimit(openParallelism)
	for i, info := range commit.Segments {
		old := prev[info.Name]
		g.Go(func() error {
			s, err := o.openSegment(dir, info, old)
			if err != nil {
				return err
			}
			segs[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range segs {
			if s != nil {
				s.handle.DecRef()
			}
		}
		return nil, err
	}

	list := make([]reader.Segment, len(segs))
	for i, s := range segs {
		list[i] = s
	}
	var mr *reader.MultiReader
	closer := func() error {
		o.mu.Lock()
		delete(o.segs, mr)
		o.mu.Unlock()
		var errs []error
		for _, s := range segs {
			if err := s.handle.DecRef(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	base := current
	if len(prev) == 0 {
		base = nil
	}
	mr = reader.Reopen(base, list, reader.WithVersion(sig.Version), reader.WithCloser(closer))

	o.segs[mr] = segs
	o.last, o.lastDir, o.lastCommit = mr, dir, commit.Generation
	o.logger.Debug("opened disk reader",
		"dir", sig.Path,
		"commit", commit.Generation,
		"segments", len(segs),
		"docs", mr.NumDocs(),
	)
	return mr, nil
}

// openSegment reuses the handle of old when it is the same segment, and
// its deletion bitmap when the deletion generation is unchanged.
func (o *dirOpener) openSegment(dir string, info segment.SegmentInfo, old *diskSegment) (*diskSegment, error) {
	var handle *segment.Reader
	if old != nil {
		handle = old.handle
		handle.IncRef()
	} else {
		h, err := segment.Open(dir, info.Name)
		if err != nil {
			return nil, fmt.Errorf("opening segment %s: %w", info.Name, err)
		}
		handle = h
	}
	var deleted *roaring.Bitmap
	if old != nil && old.info.DelGen == info.DelGen {
		deleted = old.deleted
	} else {
		bm, err := segment.ReadDeletes(dir, info)
		if err != nil {
			handle.DecRef()
			return nil, err
		}
		deleted = bm
	}
	return &diskSegment{dir: dir, epoch: o.epoch, handle: handle, info: info, deleted: deleted, docs: o.docs}, nil
}
