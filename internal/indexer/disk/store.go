// Package disk is the durable half of an index: a home directory holding a
// signature file and one storage directory of immutable segments and commit
// points. Readers come from a generational dispenser; deletes from newer
// in-memory writes are held here and re-applied to every new generation
// until a flush makes them physical.
package disk

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/dispenser"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/reader"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/signature"
	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/metrics"
)

// SourceName labels views borrowed from a disk store.
const SourceName = "disk"

type options struct {
	merge       MergePolicyParams
	generations int
	openRetries int
	retryDelay  time.Duration
	cacheSize   int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	index       string
}

type Option func(*options)

func WithMergePolicy(p MergePolicyParams) Option {
	return func(o *options) { o.merge = p }
}

// WithGenerations sets the reader generation distance N for retirement.
func WithGenerations(n int) Option {
	return func(o *options) { o.generations = n }
}

func WithRetry(attempts int, delay time.Duration) Option {
	return func(o *options) {
		o.openRetries = attempts
		o.retryDelay = delay
	}
}

// WithDocCache sets how many decoded stored payloads are cached. Zero
// disables the cache.
func WithDocCache(size int) Option {
	return func(o *options) { o.cacheSize = size }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics, index string) Option {
	return func(o *options) {
		o.metrics = m
		o.index = index
	}
}

// Store is the durable index of one home directory.
type Store struct {
	home    string
	logger  *slog.Logger
	metrics *metrics.Metrics
	index   string

	dir    atomic.Pointer[string]
	merge  atomic.Pointer[MergePolicyParams]
	policy *DeletionPolicy
	disp   *dispenser.Dispenser
	opener *dirOpener
	docs   *lru.Cache[docKey, []byte]

	writerMu sync.Mutex
	writer   *Writer

	// commitMu orders commits, snapshot pins and directory replacement.
	commitMu sync.Mutex
	// versionMu serialises signature updates.
	versionMu sync.Mutex

	delMu sync.Mutex
	held  *reader.UIDSet
}

// Open bootstraps home and opens the first reader generation. A fresh home
// gets the signature beef@0 and an empty commit.
func Open(home string, opts ...Option) (*Store, error) {
	o := options{
		merge:       DefaultMergePolicy(),
		generations: dispenser.DefaultGenerations,
		openRetries: dispenser.DefaultOpenRetries,
		retryDelay:  dispenser.DefaultRetryDelay,
		cacheSize:   1024,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.index == "" {
		o.index = filepath.Base(home)
	}

	sig, err := signature.Bootstrap(home)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(home, sig.Path)
	if err := ensureStorage(dir); err != nil {
		return nil, err
	}

	s := &Store{
		home:    home,
		logger:  logger.OrDefault(o.logger, "disk").With("home", home),
		metrics: o.metrics,
		index:   o.index,
		policy:  NewDeletionPolicy(),
		held:    reader.NewUIDSet(),
	}
	s.dir.Store(&dir)
	merge := o.merge
	s.merge.Store(&merge)
	if o.cacheSize > 0 {
		cache, err := lru.New[docKey, []byte](o.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating document cache: %w", err)
		}
		s.docs = cache
	}
	s.opener = newDirOpener(home, s.docs, s.logger)
	s.disp = dispenser.New(home, s.opener,
		dispenser.WithGenerations(o.generations),
		dispenser.WithRetry(o.openRetries, o.retryDelay),
		dispenser.WithLogger(s.logger),
		dispenser.WithMetrics(o.metrics, o.index),
	)
	if _, err := s.NewReader(); err != nil {
		return nil, err
	}
	s.metrics.Version(s.index, sig.Version)
	s.logger.Info("disk index opened", "dir", sig.Path, "version", sig.Version)
	return s, nil
}

// ensureStorage creates dir with an empty commit when it has none.
func ensureStorage(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating storage directory: %w: %w", apperrors.ErrIndexIO, err)
	}
	ok, err := segment.Exists(dir)
	if err != nil {
		return fmt.Errorf("inspecting storage directory: %w: %w", apperrors.ErrIndexIO, err)
	}
	if ok {
		return nil
	}
	if err := segment.WriteCommit(dir, &segment.Commit{CreatedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("writing initial commit: %w: %w", apperrors.ErrIndexIO, err)
	}
	return nil
}

func (s *Store) Home() string { return s.home }

// Dir is the current storage directory.
func (s *Store) Dir() string { return *s.dir.Load() }

func (s *Store) MergePolicy() MergePolicyParams { return *s.merge.Load() }

// SetMergePolicy replaces the merge knobs. The next AddIndex uses them.
func (s *Store) SetMergePolicy(p MergePolicyParams) {
	s.merge.Store(&p)
}

func (s *Store) Dispenser() *dispenser.Dispenser { return s.disp }

// NewReader refreshes the reader generation and re-applies the held
// deletes to it.
func (s *Store) NewReader() (*reader.MultiReader, error) {
	s.delMu.Lock()
	held := s.held
	s.held = reader.NewUIDSet()
	s.delMu.Unlock()

	g, err := s.disp.NewReader()

	s.delMu.Lock()
	defer s.delMu.Unlock()
	held.AddSet(s.held)
	s.held = held
	if err != nil {
		return nil, err
	}
	r := g.Reader()
	n := r.MarkDeletes(held, nil)
	r.CommitDeletes()
	s.metrics.DeletesMarked(s.index, SourceName, n)
	return r, nil
}

// CurrentReader returns the reader of the current generation without
// taking a reference.
func (s *Store) CurrentReader() *reader.MultiReader {
	if g := s.disp.Current(); g != nil {
		return g.Reader()
	}
	return nil
}

// Acquire borrows a view on the current generation. Releasing the view
// returns the generation reference.
func (s *Store) Acquire() (*reader.View, error) {
	lease, err := s.disp.Acquire()
	if err != nil {
		return nil, err
	}
	return lease.Reader().Acquire(SourceName, lease.Release), nil
}

// Version returns the persisted signature version.
func (s *Store) Version() (int64, error) {
	return signature.Version(s.home)
}

// SetVersion records v as the durable version. Lowering the version is
// rejected; setting the current version is a no-op.
func (s *Store) SetVersion(v int64) error {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	sig, ok, err := signature.Read(s.home)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("setting version: %w: signature missing", apperrors.ErrIndexIO)
	}
	if v < sig.Version {
		return fmt.Errorf("setting version %d below %d: %w", v, sig.Version, apperrors.ErrVersionRegression)
	}
	if v == sig.Version {
		return nil
	}
	sig.Version = v
	if err := signature.Write(s.home, sig); err != nil {
		return err
	}
	s.metrics.Version(s.index, v)
	return nil
}

// MarkDeletes holds uids and marks them on the current generation. The
// marks stay invisible until CommitDeletes.
func (s *Store) MarkDeletes(uids *reader.UIDSet) int {
	if uids.IsEmpty() {
		return 0
	}
	s.delMu.Lock()
	defer s.delMu.Unlock()
	s.held.AddSet(uids)
	r := s.CurrentReader()
	if r == nil {
		return 0
	}
	n := r.MarkDeletes(uids, nil)
	s.metrics.DeletesMarked(s.index, SourceName, n)
	return n
}

func (s *Store) CommitDeletes() {
	s.delMu.Lock()
	defer s.delMu.Unlock()
	if r := s.CurrentReader(); r != nil {
		r.CommitDeletes()
	}
}

// ClearDeletes drops the held delete set. Marks already committed on the
// current generation remain until the next refresh.
func (s *Store) ClearDeletes() {
	s.delMu.Lock()
	s.held = reader.NewUIDSet()
	s.delMu.Unlock()
}

// RetainDeletes keeps only the held UIDs also present in keep.
func (s *Store) RetainDeletes(keep *reader.UIDSet) {
	s.delMu.Lock()
	s.held.Retain(keep)
	s.delMu.Unlock()
}

// HeldDeletes returns a copy of the held delete set.
func (s *Store) HeldDeletes() *reader.UIDSet {
	s.delMu.Lock()
	defer s.delMu.Unlock()
	return s.held.Clone()
}

// Purge replaces the storage directory with an empty one at version 0 and
// drops the held deletes.
func (s *Store) Purge() error {
	if err := s.CloseWriter(); err != nil {
		return err
	}
	s.commitMu.Lock()
	old := s.Dir()
	name := freshDirName(s.home, signature.DefaultPath)
	dir := filepath.Join(s.home, name)
	if err := ensureStorage(dir); err != nil {
		s.commitMu.Unlock()
		return err
	}
	if err := s.install(name, 0); err != nil {
		s.commitMu.Unlock()
		os.RemoveAll(dir)
		return err
	}
	s.commitMu.Unlock()

	s.ClearDeletes()
	if _, err := s.NewReader(); err != nil {
		return err
	}
	s.removeStale(old)
	s.logger.Info("disk index purged", "dir", name)
	return nil
}

// install points the signature at name and makes it the current storage
// directory. The caller holds commitMu.
func (s *Store) install(name string, version int64) error {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	if err := signature.Write(s.home, signature.Signature{Path: name, Version: version}); err != nil {
		return err
	}
	dir := filepath.Join(s.home, name)
	s.dir.Store(&dir)
	s.opener.forget()
	s.policy.Reset()
	if s.docs != nil {
		s.docs.Purge()
	}
	s.metrics.Version(s.index, version)
	return nil
}

func (s *Store) removeStale(dir string) {
	if dir == s.Dir() {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("removing replaced storage directory", "dir", dir, "error", err)
	}
}

// freshDirName returns base when home has no such entry, and a suffixed
// variant otherwise.
func freshDirName(home, base string) string {
	if _, err := os.Stat(filepath.Join(home, base)); errors.Is(err, os.ErrNotExist) {
		return base
	}
	return base + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// Stats describes the durable side of an index.
type Stats struct {
	Dir        string `json:"dir"`
	Version    int64  `json:"version"`
	Docs       int    `json:"docs"`
	Segments   int    `json:"segments"`
	Generation int64  `json:"generation"`
	Pending    int    `json:"pendingDestroy"`
	HeldDels   int    `json:"heldDeletes"`
}

func (s *Store) Stats() Stats {
	st := Stats{
		Dir:        filepath.Base(s.Dir()),
		Version:    s.disp.Version(),
		Generation: s.disp.Generation(),
		Pending:    s.disp.Pending(),
	}
	if r := s.CurrentReader(); r != nil {
		st.Docs = r.NumDocs()
		st.Segments = len(r.SubReaders())
	}
	s.delMu.Lock()
	st.HeldDels = s.held.Len()
	s.delMu.Unlock()
	return st
}

// Close releases the writer lock and every unused reader generation.
func (s *Store) Close() error {
	err := s.CloseWriter()
	return errors.Join(err, s.disp.Close())
}
