package disk

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/reader"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
)

// LockFile is the writer lock inside a storage directory.
const LockFile = "write.lock"

// Writer appends segments to one storage directory. Only one Writer may
// hold a directory at a time, across processes.
type Writer struct {
	store  *Store
	dir    string
	lock   *flock.Flock
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	uids   map[string][]int64
}

// OpenWriter returns the store's writer, opening it if needed.
func (s *Store) OpenWriter() (*Writer, error) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	if s.writer != nil && !s.writer.Closed() {
		return s.writer, nil
	}
	dir := s.Dir()
	lock := flock.New(filepath.Join(dir, LockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w: %w", dir, apperrors.ErrIndexIO, err)
	}
	if !ok {
		return nil, fmt.Errorf("storage %s is locked by another writer: %w", dir, apperrors.ErrIndexIO)
	}
	s.writer = &Writer{
		store:  s,
		dir:    dir,
		lock:   lock,
		logger: s.logger.With("dir", filepath.Base(dir)),
		uids:   make(map[string][]int64),
	}
	return s.writer, nil
}

// CloseWriter releases the writer lock. It is a no-op without a writer.
func (s *Store) CloseWriter() error {
	s.writerMu.Lock()
	w := s.writer
	s.writer = nil
	s.writerMu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.lock.Unlock(); err != nil {
		return fmt.Errorf("releasing writer lock: %w", err)
	}
	return nil
}

// AddIndex physically deletes every older doc whose UID is in deletes,
// writes in as a new segment, merges, commits and removes files no longer
// referenced. An empty in with an empty deletes set still produces a
// commit so that version bookkeeping stays simple.
func (w *Writer) AddIndex(deletes *reader.UIDSet, in *segment.Input) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return apperrors.ErrWriterClosed
	}
	s := w.store
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	start := time.Now()
	latest, err := segment.LatestCommit(w.dir)
	if err != nil {
		return fmt.Errorf("adding index: %w: %w", apperrors.ErrIndexIO, err)
	}
	next := latest.Clone()
	next.Generation++
	next.CreatedAt = time.Now().UTC()

	deleted, err := w.applyDeletes(next, deletes)
	if err != nil {
		return fmt.Errorf("applying deletes: %w: %w", apperrors.ErrIndexIO, err)
	}

	params := s.MergePolicy()
	if in.Len() > 0 {
		name := segment.SegmentName(next.NextSegment)
		next.NextSegment++
		info, err := segment.NewWriter(w.dir, params.UseCompoundFile).Write(name, in)
		if err != nil {
			return fmt.Errorf("writing segment: %w: %w", apperrors.ErrIndexIO, err)
		}
		next.Segments = append(next.Segments, segment.SegmentInfo{
			Name:     info.Name,
			DocCount: info.DocCount,
			Compound: info.Compound,
		})
		w.uids[name] = append([]int64(nil), in.UIDs...)
	}

	if plan := planMerge(next.Segments, params); !plan.empty() {
		if err := w.applyMerge(next, plan, params.UseCompoundFile); err != nil {
			return fmt.Errorf("merging: %w: %w", apperrors.ErrIndexIO, err)
		}
	}

	if err := segment.WriteCommit(w.dir, next); err != nil {
		return fmt.Errorf("committing: %w: %w", apperrors.ErrIndexIO, err)
	}

	removed, err := s.policy.Apply(w.dir, next)
	if err != nil {
		w.logger.Warn("deletion policy failed", "commit", next.Generation, "error", err)
	}
	w.forget(next)

	w.logger.Info("index added",
		"commit", next.Generation,
		"docs", in.Len(),
		"deleted", deleted,
		"segments", len(next.Segments),
		"removed_files", len(removed),
		"duration", time.Since(start),
	)
	s.metrics.Disk(s.index, next.NumDocs(), len(next.Segments))
	return nil
}

// applyDeletes marks docs of next's segments whose UID is in deletes and
// writes a new deletion generation for every segment that changed.
func (w *Writer) applyDeletes(next *segment.Commit, deletes *reader.UIDSet) (int, error) {
	if deletes.IsEmpty() {
		return 0, nil
	}
	total := 0
	for i, info := range next.Segments {
		uids, err := w.segmentUIDs(info.Name)
		if err != nil {
			return total, err
		}
		bm, err := segment.ReadDeletes(w.dir, info)
		if err != nil {
			return total, err
		}
		added := 0
		for doc, uid := range uids {
			if deletes.Contains(uid) && bm.CheckedAdd(uint32(doc)) {
				added++
			}
		}
		if added == 0 {
			continue
		}
		gen := info.DelGen + 1
		if err := segment.WriteDeletes(w.dir, info.Name, gen, bm); err != nil {
			return total, err
		}
		next.Segments[i].DelGen = gen
		next.Segments[i].DelCount = int(bm.GetCardinality())
		total += added
	}
	return total, nil
}

func (w *Writer) segmentUIDs(name string) ([]int64, error) {
	if uids, ok := w.uids[name]; ok {
		return uids, nil
	}
	r, err := segment.Open(w.dir, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	uids := append([]int64(nil), r.UIDs()...)
	w.uids[name] = uids
	return uids, nil
}

func (w *Writer) forget(c *segment.Commit) {
	live := make(map[string]bool, len(c.Segments))
	for _, s := range c.Segments {
		live[s.Name] = true
	}
	for name := range w.uids {
		if !live[name] {
			delete(w.uids, name)
		}
	}
}
