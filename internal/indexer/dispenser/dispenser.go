// Package dispenser hands out reference-counted readers over the durable
// storage of one index home and retires old reader generations once no
// query holds them.
//
// Each successful refresh produces a new Generation. The previous current
// generation moves to a retired queue and is closed only when it is at least
// N generations old and its reference count is zero.
package dispenser

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/reader"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/signature"
	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/resilience"
)

const (
	DefaultGenerations = 3
	DefaultOpenRetries = 5
	DefaultRetryDelay  = 100 * time.Millisecond
)

// ErrNoReader is returned by Acquire before the first successful refresh.
var ErrNoReader = errors.New("no index reader available")

// State is the lifecycle state of a dispenser.
type State int32

const (
	StateEmpty State = iota
	StateReady
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateReady:
		return "ready"
	case StateRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Opener builds readers for a signature. ReopenReader may return current
// unchanged when nothing on disk moved.
type Opener interface {
	OpenReader(sig signature.Signature) (*reader.MultiReader, error)
	ReopenReader(sig signature.Signature, current *reader.MultiReader) (*reader.MultiReader, error)
}

// closedRefs marks a generation whose reader has been closed. Any negative
// count rejects new references.
const closedRefs = math.MinInt64 / 2

// Generation is one reader produced by a refresh.
type Generation struct {
	reader   *reader.MultiReader
	gen      int64
	refs     atomic.Int64
	orphaned atomic.Bool
	d        *Dispenser
}

func (g *Generation) Reader() *reader.MultiReader { return g.reader }

func (g *Generation) Number() int64 { return g.gen }

// Refs returns the number of outstanding references.
func (g *Generation) Refs() int64 {
	if n := g.refs.Load(); n > 0 {
		return n
	}
	return 0
}

// Closed reports whether the generation's reader has been closed.
func (g *Generation) Closed() bool { return g.refs.Load() < 0 }

// IncRef takes a reference. It fails once the reader has been closed.
func (g *Generation) IncRef() bool {
	for {
		n := g.refs.Load()
		if n < 0 {
			return false
		}
		if g.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// DecRef drops a reference. The count never goes below zero; an extra
// release is recorded as a violation and otherwise ignored.
func (g *Generation) DecRef() int64 {
	for {
		n := g.refs.Load()
		if n <= 0 {
			g.d.violation(g)
			return 0
		}
		if g.refs.CompareAndSwap(n, n-1) {
			if n == 1 && g.orphaned.Load() && g.retire() {
				g.d.closeReader(g)
			}
			return n - 1
		}
	}
}

func (g *Generation) retire() bool {
	return g.refs.CompareAndSwap(0, closedRefs)
}

// Lease is one borrowed reference on a generation.
type Lease struct {
	gen      *Generation
	released atomic.Bool
}

func (l *Lease) Generation() *Generation { return l.gen }

func (l *Lease) Reader() *reader.MultiReader { return l.gen.reader }

// Release returns the reference. Releasing twice counts as a violation.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		l.gen.d.violation(l.gen)
		return
	}
	l.gen.DecRef()
}

type Option func(*Dispenser)

// WithGenerations sets how many generations a retired reader must age
// before it can be closed.
func WithGenerations(n int) Option {
	return func(d *Dispenser) {
		if n > 0 {
			d.keep = int64(n)
		}
	}
}

// WithRetry sets the open retry budget.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(d *Dispenser) {
		d.retry.MaxAttempts = attempts
		d.retry.Backoff = delay
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispenser) { d.logger = l }
}

// WithMetrics reports generations and violations under the given index
// label.
func WithMetrics(m *metrics.Metrics, index string) Option {
	return func(d *Dispenser) {
		d.metrics = m
		d.index = index
	}
}

// Dispenser owns the reader generations of one index home.
type Dispenser struct {
	home    string
	opener  Opener
	keep    int64
	retry   resilience.RetryConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	index   string

	mu         sync.Mutex
	generation int64
	retired    []*Generation
	closed     bool

	current    atomic.Pointer[Generation]
	state      atomic.Int32
	version    atomic.Int64
	violations atomic.Int64
}

// New creates an empty dispenser. Call NewReader to open the first
// generation.
func New(home string, opener Opener, opts ...Option) *Dispenser {
	d := &Dispenser{
		home:   home,
		opener: opener,
		keep:   DefaultGenerations,
		retry: resilience.RetryConfig{
			MaxAttempts: DefaultOpenRetries,
			Backoff:     DefaultRetryDelay,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logger.OrDefault(d.logger, "dispenser").With("home", home)
	d.retry.Retryable = func(err error) bool {
		return !errors.Is(err, apperrors.ErrCorruptSignature)
	}
	return d
}

// NewReader opens or reopens the reader for the current signature. A
// reopen that finds nothing new returns the current generation without
// consuming a generation number. When every attempt fails the current
// reader stays in place.
func (d *Dispenser) NewReader() (*Generation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, apperrors.ErrIndexClosed
	}

	cur := d.current.Load()
	d.state.Store(int32(StateRefreshing))
	defer func() {
		if d.current.Load() == nil {
			d.state.Store(int32(StateEmpty))
		} else {
			d.state.Store(int32(StateReady))
		}
	}()

	var (
		next *reader.MultiReader
		sig  signature.Signature
	)
	err := resilience.Retry("open index reader", d.retry, func(attempt int) error {
		s, ok, err := signature.Read(d.home)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no signature in %s: %w", d.home, fs.ErrNotExist)
		}
		if cur == nil {
			next, err = d.opener.OpenReader(s)
		} else {
			next, err = d.opener.ReopenReader(s, cur.reader)
		}
		if err != nil {
			return err
		}
		sig = s
		return nil
	})
	if err != nil {
		d.logger.Error("failed to open reader, keeping current", "error", err)
		if errors.Is(err, apperrors.ErrIndexIO) {
			return nil, err
		}
		return nil, fmt.Errorf("opening reader: %w: %w", apperrors.ErrIndexIO, err)
	}

	d.version.Store(sig.Version)
	if cur != nil && next == cur.reader {
		return cur, nil
	}

	d.generation++
	g := &Generation{reader: next, gen: d.generation, d: d}
	d.current.Store(g)
	if cur != nil {
		d.retired = append(d.retired, cur)
	}
	closed := d.sweepLocked()
	d.logger.Debug("reader generation opened",
		"generation", g.gen,
		"version", sig.Version,
		"docs", next.NumDocs(),
		"closed", closed,
	)
	d.metrics.Generation(d.index, g.gen, len(d.retired))
	return g, nil
}

// Acquire borrows the current generation.
func (d *Dispenser) Acquire() (*Lease, error) {
	for {
		g := d.current.Load()
		if g == nil {
			return nil, ErrNoReader
		}
		if g.IncRef() {
			return &Lease{gen: g}, nil
		}
	}
}

// Sweep closes every retired generation that is old enough and unused. It
// returns the number of readers closed.
func (d *Dispenser) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.sweepLocked()
	d.metrics.Generation(d.index, d.generation, len(d.retired))
	return n
}

func (d *Dispenser) sweepLocked() int {
	kept := d.retired[:0]
	closed := 0
	for _, g := range d.retired {
		if g.gen <= d.generation-d.keep && g.retire() {
			d.closeReader(g)
			closed++
			continue
		}
		kept = append(kept, g)
	}
	for i := len(kept); i < len(d.retired); i++ {
		d.retired[i] = nil
	}
	d.retired = kept
	return closed
}

func (d *Dispenser) closeReader(g *Generation) {
	if err := g.reader.Close(); err != nil {
		d.logger.Warn("closing retired reader", "generation", g.gen, "error", err)
	}
}

func (d *Dispenser) violation(g *Generation) {
	d.violations.Add(1)
	d.logger.Warn("reader released more times than acquired", "generation", g.gen)
	d.metrics.RefCountViolation(d.index)
}

// Current returns the current generation without taking a reference.
func (d *Dispenser) Current() *Generation { return d.current.Load() }

func (d *Dispenser) State() State { return State(d.state.Load()) }

// Version is the signature version the current reader was opened at.
func (d *Dispenser) Version() int64 { return d.version.Load() }

// Generation is the number of the newest generation, 0 before the first.
func (d *Dispenser) Generation() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

// Pending returns the number of retired generations not yet closed.
func (d *Dispenser) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retired)
}

// Violations counts releases that found no outstanding reference.
func (d *Dispenser) Violations() int64 { return d.violations.Load() }

// Close closes every unused generation. Generations still borrowed are
// closed by their last release.
func (d *Dispenser) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	all := d.retired
	if cur := d.current.Load(); cur != nil {
		all = append(all, cur)
	}
	d.retired = nil
	inUse := 0
	for _, g := range all {
		g.orphaned.Store(true)
		if g.retire() {
			d.closeReader(g)
			continue
		}
		if !g.Closed() {
			inUse++
		}
	}
	if inUse > 0 {
		d.logger.Warn("closing dispenser with borrowed readers", "borrowed", inUse)
	}
	return nil
}
