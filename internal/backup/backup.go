// Package backup pushes index snapshots to an object store and restores
// them. Objects hold the snapshot stream compressed with lz4; transfers
// are throttled to a byte rate.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/disk"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/signature"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/resilience"
)

const objectSuffix = ".snap.lz4"

// Info describes one pushed backup.
type Info struct {
	Name    string `json:"name"`
	Index   string `json:"index"`
	Version int64  `json:"version"`
	Bytes   int64  `json:"bytes"`
}

type Option func(*Service)

// WithRate throttles transfers to bytesPerSecond. Zero or less disables
// throttling.
func WithRate(bytesPerSecond int) Option {
	return func(s *Service) {
		if bytesPerSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

type Service struct {
	store   ObjectStore
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(store ObjectStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		retry:  resilience.RetryConfig{MaxAttempts: 3, Backoff: time.Second},
		logger: slog.Default().With("component", "backup"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ObjectName names the backup of index at version. Zero padding keeps
// names in version order.
func ObjectName(index string, version int64) string {
	return fmt.Sprintf("%s/v%020d%s", index, version, objectSuffix)
}

// Push snapshots st and uploads it as index's backup at the snapshot's
// version. A failed upload is retried from a fresh stream.
func (s *Service) Push(ctx context.Context, index string, st *disk.Store) (Info, error) {
	snap, err := st.Snapshot()
	if err != nil {
		return Info{}, fmt.Errorf("snapshotting %s: %w", index, err)
	}
	defer snap.Close()

	info := Info{
		Name:    ObjectName(index, snap.Signature().Version),
		Index:   index,
		Version: snap.Signature().Version,
	}
	err = resilience.Retry("backup-push", s.retry, func(int) error {
		n, err := s.upload(ctx, info.Name, snap)
		info.Bytes = n
		return err
	})
	if err != nil {
		return Info{}, err
	}
	s.metrics.SnapshotBytes("backup_push", info.Bytes)
	s.logger.Info("backup pushed", "index", index, "object", info.Name, "version", info.Version, "bytes", info.Bytes)
	return info, nil
}

func (s *Service) upload(ctx context.Context, name string, snap *disk.Snapshot) (int64, error) {
	pr, pw := io.Pipe()
	counter := &countingWriter{w: pw}
	go func() {
		zw := lz4.NewWriter(&throttledWriter{ctx: ctx, w: counter, limiter: s.limiter})
		_, err := snap.WriteTo(zw)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	err := s.store.Put(ctx, name, pr)
	pr.CloseWithError(err)
	if err != nil {
		return 0, err
	}
	return counter.n, nil
}

// Latest returns the newest backup of index.
func (s *Service) Latest(ctx context.Context, index string) (string, error) {
	names, err := s.List(ctx, index)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%s: %w", index, ErrNotFound)
	}
	return names[len(names)-1], nil
}

// List returns index's backups, oldest first.
func (s *Service) List(ctx context.Context, index string) ([]string, error) {
	all, err := s.store.List(ctx, index+"/")
	if err != nil {
		return nil, err
	}
	names := all[:0]
	for _, n := range all {
		if strings.HasSuffix(n, objectSuffix) {
			names = append(names, n)
		}
	}
	return names, nil
}

// Pull restores the backup object name into st, or index's latest backup
// when name is empty. The store keeps its contents if the object is bad.
func (s *Service) Pull(ctx context.Context, index, name string, st *disk.Store) (signature.Signature, error) {
	if name == "" {
		var err error
		if name, err = s.Latest(ctx, index); err != nil {
			return signature.Signature{}, err
		}
	}
	rc, err := s.store.Get(ctx, name)
	if err != nil {
		return signature.Signature{}, err
	}
	defer rc.Close()

	cr := &countingReader{r: &throttledReader{ctx: ctx, r: rc, limiter: s.limiter}}
	sig, err := st.ImportSnapshot(lz4.NewReader(cr))
	if err != nil {
		return signature.Signature{}, fmt.Errorf("restoring %s: %w", name, err)
	}
	s.metrics.SnapshotBytes("backup_pull", cr.n)
	s.logger.Info("backup restored", "index", index, "object", name, "version", sig.Version, "bytes", cr.n)
	return sig, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// throttledWriter waits on limiter before passing each chunk through. A
// nil limiter passes everything.
type throttledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	if t.limiter == nil {
		return t.w.Write(p)
	}
	var written int
	for len(p) > 0 {
		chunk := min(len(p), t.limiter.Burst())
		if err := t.limiter.WaitN(t.ctx, chunk); err != nil {
			return written, err
		}
		n, err := t.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}

type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if t.limiter == nil {
		return t.r.Read(p)
	}
	if len(p) > t.limiter.Burst() {
		p = p[:t.limiter.Burst()]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
