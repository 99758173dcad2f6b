package disk

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf16"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/signature"
	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
)

const (
	// SnapshotFormatVersion is the first field of every snapshot stream.
	SnapshotFormatVersion int32 = 1

	maxSignatureLen = 4096
	maxFileNameLen  = 1024
	maxSnapshotFile = 1 << 20
)

// Snapshot pins one commit so its files survive later commits until Close.
type Snapshot struct {
	store  *Store
	dir    string
	sig    signature.Signature
	commit *segment.Commit
	closed atomic.Bool
}

// Snapshot pins the latest commit of the current storage directory.
func (s *Store) Snapshot() (*Snapshot, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	sig, ok, err := signature.Read(s.home)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("snapshot: %w: signature missing", apperrors.ErrIndexIO)
	}
	dir := s.Dir()
	commit, err := segment.LatestCommit(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w: %w", apperrors.ErrIndexIO, err)
	}
	s.policy.Pin(commit.Generation)
	return &Snapshot{store: s, dir: dir, sig: sig, commit: commit}, nil
}

func (sn *Snapshot) Signature() signature.Signature { return sn.sig }

// Files lists the pinned files in stream order.
func (sn *Snapshot) Files() []string { return sn.commit.Files() }

// Close unpins the commit. Calling it again has no effect.
func (sn *Snapshot) Close() error {
	if sn.closed.CompareAndSwap(false, true) {
		sn.store.policy.Unpin(sn.commit.Generation)
	}
	return nil
}

// WriteTo streams the snapshot. All integers are big-endian:
//
//	int32 format version
//	int64 signature length, signature bytes
//	int32 file count
//	per file: int32 name length in UTF-16 units, UTF-16BE name,
//	          int64 file length, file bytes
func (sn *Snapshot) WriteTo(w io.Writer) (int64, error) {
	if sn.closed.Load() {
		return 0, fmt.Errorf("snapshot: %w", apperrors.ErrIndexClosed)
	}
	cw := &countingWriter{w: w}
	bw := bufio.NewWriterSize(cw, 64<<10)
	files := sn.Files()
	sig := sn.sig.Encode()

	if err := writeBE(bw, SnapshotFormatVersion, int64(len(sig))); err != nil {
		return cw.n, err
	}
	if _, err := bw.Write(sig); err != nil {
		return cw.n, err
	}
	if err := writeBE(bw, int32(len(files))); err != nil {
		return cw.n, err
	}
	for _, name := range files {
		if err := sn.writeFile(bw, name); err != nil {
			return cw.n, err
		}
	}
	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	sn.store.metrics.SnapshotBytes("export", cw.n)
	return cw.n, nil
}

func (sn *Snapshot) writeFile(bw *bufio.Writer, name string) error {
	f, err := os.Open(filepath.Join(sn.dir, name))
	if err != nil {
		return fmt.Errorf("snapshot: %w: %w", apperrors.ErrIndexIO, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("snapshot: %w: %w", apperrors.ErrIndexIO, err)
	}
	units := utf16.Encode([]rune(name))
	if err := writeBE(bw, int32(len(units)), units, fi.Size()); err != nil {
		return err
	}
	n, err := io.Copy(bw, f)
	if err != nil {
		return fmt.Errorf("snapshot: copying %s: %w", name, err)
	}
	if n != fi.Size() {
		return fmt.Errorf("snapshot: %s changed size while streaming: %w", name, apperrors.ErrIndexIO)
	}
	return nil
}

func writeBE(w io.Writer, values ...any) error {
	for _, v := range values {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	return nil
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

func badSnapshot(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrBadSnapshot, fmt.Sprintf(format, args...))
}

// ImportSnapshot replaces the store's contents with a snapshot stream. Files
// are staged in a temporary directory under home, validated, moved into
// place under the snapshot's own storage path, and the signature is written
// last. An existing directory with that name is moved aside first. On
// failure the store is left unchanged. The imported version may be lower
// than the current one.
func (s *Store) ImportSnapshot(r io.Reader) (signature.Signature, error) {
	staging, err := os.MkdirTemp(s.home, ".import-*")
	if err != nil {
		return signature.Signature{}, fmt.Errorf("import: %w: %w", apperrors.ErrIndexIO, err)
	}
	installed := false
	defer func() {
		if !installed {
			os.RemoveAll(staging)
		}
	}()

	cr := &countingReader{r: bufio.NewReaderSize(r, 64<<10)}
	sig, err := readSnapshot(cr, staging)
	if err != nil {
		return signature.Signature{}, err
	}

	if err := s.CloseWriter(); err != nil {
		return signature.Signature{}, err
	}
	s.commitMu.Lock()
	old := s.Dir()
	target := filepath.Join(s.home, sig.Path)
	var aside string
	if _, err := os.Lstat(target); err == nil {
		aside = filepath.Join(s.home, ".replaced-"+strconv.FormatInt(time.Now().UnixNano(), 36))
		if err := os.Rename(target, aside); err != nil {
			s.commitMu.Unlock()
			return signature.Signature{}, fmt.Errorf("import: moving %s aside: %w: %w", sig.Path, apperrors.ErrIndexIO, err)
		}
		if old == target {
			old = aside
		}
	}
	restore := func() {
		if aside != "" {
			os.Rename(aside, target)
		}
	}
	if err := os.Rename(staging, target); err != nil {
		restore()
		s.commitMu.Unlock()
		return signature.Signature{}, fmt.Errorf("import: installing: %w: %w", apperrors.ErrIndexIO, err)
	}
	installed = true
	if err := s.install(sig.Path, sig.Version); err != nil {
		os.RemoveAll(target)
		restore()
		s.commitMu.Unlock()
		return signature.Signature{}, err
	}
	s.commitMu.Unlock()

	s.ClearDeletes()
	if _, err := s.NewReader(); err != nil {
		return signature.Signature{}, err
	}
	s.removeStale(old)
	if aside != "" && aside != old {
		s.removeStale(aside)
	}
	s.metrics.SnapshotBytes("import", cr.n)
	s.logger.Info("snapshot imported", "dir", sig.Path, "version", sig.Version, "bytes", cr.n)
	return sig, nil
}

func readSnapshot(r io.Reader, dir string) (signature.Signature, error) {
	var version int32
	if err := readBE(r, &version); err != nil {
		return signature.Signature{}, err
	}
	if version != SnapshotFormatVersion {
		return signature.Signature{}, badSnapshot("unsupported format version %d", version)
	}
	var sigLen int64
	if err := readBE(r, &sigLen); err != nil {
		return signature.Signature{}, err
	}
	if sigLen <= 0 || sigLen > maxSignatureLen {
		return signature.Signature{}, badSnapshot("signature length %d", sigLen)
	}
	raw := make([]byte, sigLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return signature.Signature{}, badSnapshot("reading signature: %v", err)
	}
	sig, err := signature.Parse(raw)
	if err != nil {
		return signature.Signature{}, badSnapshot("%v", err)
	}
	if !validBaseName(sig.Path) {
		return signature.Signature{}, badSnapshot("storage path %q", sig.Path)
	}

	var count int32
	if err := readBE(r, &count); err != nil {
		return signature.Signature{}, err
	}
	if count < 0 || count > maxSnapshotFile {
		return signature.Signature{}, badSnapshot("file count %d", count)
	}
	for i := int32(0); i < count; i++ {
		if err := readFile(r, dir); err != nil {
			return signature.Signature{}, err
		}
	}

	commit, err := segment.LatestCommit(dir)
	if err != nil {
		return signature.Signature{}, badSnapshot("no commit in snapshot: %v", err)
	}
	for _, name := range commit.Files() {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return signature.Signature{}, badSnapshot("missing file %s", name)
		}
	}
	return sig, nil
}

func readFile(r io.Reader, dir string) error {
	var nameLen int32
	if err := readBE(r, &nameLen); err != nil {
		return err
	}
	if nameLen <= 0 || nameLen > maxFileNameLen {
		return badSnapshot("file name length %d", nameLen)
	}
	units := make([]uint16, nameLen)
	if err := readBE(r, units); err != nil {
		return err
	}
	name := string(utf16.Decode(units))
	if !validBaseName(name) || !segment.IsIndexFile(name) {
		return badSnapshot("unexpected file %q", name)
	}
	var size int64
	if err := readBE(r, &size); err != nil {
		return err
	}
	if size < 0 {
		return badSnapshot("file %s length %d", name, size)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return badSnapshot("duplicate file %s", name)
		}
		return fmt.Errorf("import: %w: %w", apperrors.ErrIndexIO, err)
	}
	n, err := io.CopyN(f, r, size)
	if cerr := f.Close(); err == nil && cerr != nil {
		return fmt.Errorf("import: %w: %w", apperrors.ErrIndexIO, cerr)
	}
	if err != nil {
		return badSnapshot("file %s truncated at %d of %d bytes", name, n, size)
	}
	return nil
}

func readBE(r io.Reader, v any) error {
	if err := binary.Read(r, binary.BigEndian, v); err != nil {
		return badSnapshot("short read: %v", err)
	}
	return nil
}

func validBaseName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && !strings.HasPrefix(name, ".")
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
