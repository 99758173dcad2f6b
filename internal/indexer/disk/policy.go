package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/segment"
)

// DeletionPolicy keeps the files of the newest commit and of every commit
// pinned by an open snapshot. Everything else is removed when Apply runs.
type DeletionPolicy struct {
	mu   sync.Mutex
	pins map[int64]int
}

func NewDeletionPolicy() *DeletionPolicy {
	return &DeletionPolicy{pins: make(map[int64]int)}
}

func (p *DeletionPolicy) Pin(gen int64) {
	p.mu.Lock()
	p.pins[gen]++
	p.mu.Unlock()
}

func (p *DeletionPolicy) Unpin(gen int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pins[gen] <= 1 {
		delete(p.pins, gen)
		return
	}
	p.pins[gen]--
}

// Pinned returns the pinned commit generations, ascending.
func (p *DeletionPolicy) Pinned() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	gens := make([]int64, 0, len(p.pins))
	for g := range p.pins {
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens
}

// Reset forgets every pin. Used when the storage directory is replaced.
func (p *DeletionPolicy) Reset() {
	p.mu.Lock()
	clear(p.pins)
	p.mu.Unlock()
}

// Apply removes index files in dir that latest and the pinned commits do
// not reference. It returns the removed file names.
func (p *DeletionPolicy) Apply(dir string, latest *segment.Commit) ([]string, error) {
	keep := make(map[string]bool)
	for _, f := range latest.Files() {
		keep[f] = true
	}
	for _, gen := range p.Pinned() {
		if gen == latest.Generation {
			continue
		}
		c, err := segment.ReadCommit(dir, gen)
		if err != nil {
			return nil, fmt.Errorf("reading pinned commit: %w", err)
		}
		for _, f := range c.Files() {
			keep[f] = true
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing storage directory: %w", err)
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || keep[name] || !segment.IsIndexFile(name) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}
