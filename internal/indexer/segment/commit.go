package segment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/renameio"
)

const (
	commitPrefix = "commit_"
	commitExt    = ".json"
	DeletesExt   = ".del"
)

// ErrNoCommit is returned when a storage directory holds no commit point.
var ErrNoCommit = errors.New("no commit point")

// SegmentInfo is a segment's entry in a commit point.
type SegmentInfo struct {
	Name     string `json:"name"`
	DocCount int    `json:"docCount"`
	DelGen   int64  `json:"delGen"`
	DelCount int    `json:"delCount"`
	Compound bool   `json:"compound"`
}

func (s SegmentInfo) LiveDocs() int { return s.DocCount - s.DelCount }

// Identity changes whenever the segment's visible content changes.
func (s SegmentInfo) Identity() string {
	return s.Name + "#" + strconv.FormatInt(s.DelGen, 10)
}

func (s SegmentInfo) Files() []string {
	files := []string{s.Name + Ext}
	if !s.Compound {
		files = append(files, s.Name+StoredExt)
	}
	if s.DelGen > 0 {
		files = append(files, DeletesFileName(s.Name, s.DelGen))
	}
	return files
}

// Commit is a durable point-in-time list of live segments.
type Commit struct {
	Generation  int64         `json:"generation"`
	NextSegment int64         `json:"nextSegment"`
	Segments    []SegmentInfo `json:"segments"`
	CreatedAt   time.Time     `json:"createdAt"`
}

func CommitFileName(gen int64) string {
	return commitPrefix + strconv.FormatInt(gen, 10) + commitExt
}

// Files lists the commit file followed by every segment file it references.
func (c *Commit) Files() []string {
	files := []string{CommitFileName(c.Generation)}
	for _, s := range c.Segments {
		files = append(files, s.Files()...)
	}
	return files
}

func (c *Commit) NumDocs() int {
	n := 0
	for _, s := range c.Segments {
		n += s.LiveDocs()
	}
	return n
}

// Clone returns a deep copy suitable for building the next commit.
func (c *Commit) Clone() *Commit {
	out := *c
	out.Segments = append([]SegmentInfo(nil), c.Segments...)
	return &out
}

// WriteCommit atomically persists c into dir.
func WriteCommit(dir string, c *Commit) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling commit: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, CommitFileName(c.Generation)), data, 0o644); err != nil {
		return fmt.Errorf("writing commit %d: %w", c.Generation, err)
	}
	return nil
}

func ReadCommit(dir string, gen int64) (*Commit, error) {
	data, err := os.ReadFile(filepath.Join(dir, CommitFileName(gen)))
	if err != nil {
		return nil, fmt.Errorf("reading commit %d: %w", gen, err)
	}
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing commit %d: %w", gen, err)
	}
	return &c, nil
}

// ListCommits returns the generations of every commit in dir, ascending.
func ListCommits(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading storage directory: %w", err)
	}
	gens := make([]int64, 0, 2)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, commitPrefix) || !strings.HasSuffix(name, commitExt) {
			continue
		}
		gen, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, commitPrefix), commitExt), 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// LatestCommit reads the newest commit in dir.
func LatestCommit(dir string) (*Commit, error) {
	gens, err := ListCommits(dir)
	if err != nil {
		return nil, err
	}
	if len(gens) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoCommit)
	}
	return ReadCommit(dir, gens[len(gens)-1])
}

func DeletesFileName(name string, gen int64) string {
	return name + "_" + strconv.FormatInt(gen, 10) + DeletesExt
}

// WriteDeletes atomically persists the deleted local doc ids of a segment.
func WriteDeletes(dir, name string, gen int64, deleted *roaring.Bitmap) error {
	var buf bytes.Buffer
	if _, err := deleted.WriteTo(&buf); err != nil {
		return fmt.Errorf("encoding deletes for %s: %w", name, err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, DeletesFileName(name, gen)), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing deletes for %s: %w", name, err)
	}
	return nil
}

// ReadDeletes loads the deletion bitmap of segment s. A segment without
// deletions yields an empty bitmap.
func ReadDeletes(dir string, s SegmentInfo) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if s.DelGen == 0 {
		return bm, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, DeletesFileName(s.Name, s.DelGen)))
	if err != nil {
		return nil, fmt.Errorf("reading deletes for %s: %w", s.Name, err)
	}
	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decoding deletes for %s: %w", s.Name, err)
	}
	return bm, nil
}

// IsIndexFile reports whether name is a file this package manages.
func IsIndexFile(name string) bool {
	switch {
	case strings.HasPrefix(name, commitPrefix) && strings.HasSuffix(name, commitExt):
		return true
	case strings.HasPrefix(name, "seg_") && (strings.HasSuffix(name, Ext) ||
		strings.HasSuffix(name, StoredExt) || strings.HasSuffix(name, DeletesExt)):
		return true
	}
	return false
}

// Exists reports whether dir holds at least one commit.
func Exists(dir string) (bool, error) {
	gens, err := ListCommits(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return len(gens) > 0, nil
}
