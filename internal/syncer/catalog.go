package syncer

import (
	"sort"
	"sync"

	"github.com/beamlab/mapsync/internal/transfer"
)

// Catalog is the local content set: rel path -> (size, digest). It tracks
// the watcher's last stable state; in-flight files never appear in it.
type Catalog struct {
	mu      sync.Mutex
	entries map[string]transfer.Entry
}

// NewCatalog creates an empty content set.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]transfer.Entry)}
}

// Set upserts one entry.
func (c *Catalog) Set(e transfer.Entry) {
	c.mu.Lock()
	c.entries[e.Rel] = e
	c.mu.Unlock()
}

// Remove drops one entry.
func (c *Catalog) Remove(rel string) {
	c.mu.Lock()
	delete(c.entries, rel)
	c.mu.Unlock()
}

// Get looks up one entry.
func (c *Catalog) Get(rel string) (transfer.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[rel]
	return e, ok
}

// Len returns the entry count.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot returns the entries sorted by rel path, so pass order is
// deterministic within a run.
func (c *Catalog) Snapshot() []transfer.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]transfer.Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rel < out[j].Rel })
	return out
}

// Replace swaps in a whole new content set.
func (c *Catalog) Replace(entries []transfer.Entry) {
	next := make(map[string]transfer.Entry, len(entries))
	for _, e := range entries {
		next[e.Rel] = e
	}
	c.mu.Lock()
	c.entries = next
	c.mu.Unlock()
}
