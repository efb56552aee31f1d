// Package syncer keeps the local shared-media directory and every live
// peer's copy convergent.
//
// One dispatcher goroutine waits on a wake signal guarding (pending paths,
// peers changed, stop) with a one-second heartbeat timeout. Each cycle it
// snapshots the invalidation queue and peer set under the state mutex,
// folds the invalidations into the content set, then runs one convergence
// attempt per not-yet-converged peer, sequentially, so at most one sync
// session per peer is ever active.
package syncer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beamlab/mapsync/internal/hashcache"
	"github.com/beamlab/mapsync/internal/presence"
	"github.com/beamlab/mapsync/internal/transfer"
)

// UpdateMe is the invalidation marker requesting a full rescan of the root.
const UpdateMe = "UPDATE_ME"

// Logger is the minimal logging interface accepted by the engine.
type Logger interface {
	Printf(format string, v ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(format string, v ...interface{}) {}

// Status is the node's own transfer state, mirrored into heartbeats.
type Status struct {
	Active   bool
	Progress float32
	Filename string
}

// Config contains sync engine configuration.
type Config struct {
	// Root is the shared-media directory.
	Root string

	// Hashes computes and caches content digests.
	Hashes *hashcache.Cache

	// Client is the bulk-transport client (required).
	Client *transfer.Client

	// Peers snapshots the live foreign peer set (required).
	Peers func() []presence.Peer

	// OnStatus observes transfer-state changes (optional). Called from
	// the dispatcher goroutine; it must not block.
	OnStatus func(Status)

	// MaxPasses bounds upload/delete/relist rounds per cycle. Default 3.
	MaxPasses int

	// ListRetries re-requests an empty listing while the local root is
	// nonempty. Default 3.
	ListRetries int

	// CycleInterval is the dispatcher's heartbeat timeout. Default 1s.
	CycleInterval time.Duration

	// Logger for convergence events (optional).
	Logger Logger
}

// Engine is the per-peer convergence dispatcher.
type Engine struct {
	cfg     Config
	logger  Logger
	catalog *Catalog

	mu           sync.Mutex
	pending      []string
	peersChanged bool
	converged    map[string]bool // peer key -> converged against current set

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates the engine. Call Invalidate(UpdateMe) before Start to seed
// the content set from disk.
func New(cfg Config) *Engine {
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 3
	}
	if cfg.ListRetries <= 0 {
		cfg.ListRetries = 3
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		catalog:   NewCatalog(),
		converged: make(map[string]bool),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// ContentSet returns the current local content set, sorted. It also serves
// peers' LIST requests.
func (e *Engine) ContentSet() []transfer.Entry {
	return e.catalog.Snapshot()
}

// Invalidate enqueues path-level invalidations from the watcher. The
// UpdateMe marker forces a full rescan. Never blocks on IO: it splices
// into the pending queue and signals the dispatcher.
func (e *Engine) Invalidate(paths ...string) {
	if len(paths) == 0 {
		return
	}
	e.mu.Lock()
	e.pending = append(e.pending, paths...)
	e.mu.Unlock()
	e.signal()
}

// PeersChanged notes a membership change so every peer is reconsidered.
func (e *Engine) PeersChanged() {
	e.mu.Lock()
	e.peersChanged = true
	e.mu.Unlock()
	e.signal()
}

// NoteReceived folds a file a peer pushed to us into the content set.
func (e *Engine) NoteReceived(rel string) {
	abs := filepath.Join(e.cfg.Root, filepath.FromSlash(rel))
	e.cfg.Hashes.Invalidate(abs)
	e.Invalidate(rel)
}

// NoteDeleted folds a peer-driven deletion into the content set.
func (e *Engine) NoteDeleted(rel string) {
	abs := filepath.Join(e.cfg.Root, filepath.FromSlash(rel))
	e.cfg.Hashes.Invalidate(abs)
	e.Invalidate(rel)
}

// DigestFor reports the local digest of rel, for file-offer pre-checks.
func (e *Engine) DigestFor(rel string) (string, bool) {
	entry, ok := e.catalog.Get(rel)
	if !ok {
		return "", false
	}
	return entry.Digest, true
}

// Start launches the dispatcher.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Stop halts the dispatcher. The stop flag is observed at every IO
// boundary, so the join is bounded by one transport operation.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
		case <-time.After(e.cfg.CycleInterval):
		}

		e.cycle()
	}
}

// cycle captures a consistent (pending, peer set) snapshot, applies the
// invalidations, and converges every stale peer. Mid-cycle changes queue
// up for the next cycle.
func (e *Engine) cycle() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.peersChanged = false
	e.mu.Unlock()

	if len(pending) > 0 {
		e.applyInvalidations(pending)
		// Local content moved: every peer must reconverge.
		e.mu.Lock()
		e.converged = make(map[string]bool)
		e.mu.Unlock()
	}

	peers := e.cfg.Peers()
	live := make(map[string]bool, len(peers))
	for _, p := range peers {
		live[p.Key()] = true
	}

	// Forget convergence state for departed peers.
	e.mu.Lock()
	for key := range e.converged {
		if !live[key] {
			delete(e.converged, key)
		}
	}
	e.mu.Unlock()

	for _, p := range peers {
		if e.stopped() {
			return
		}
		key := p.Key()

		e.mu.Lock()
		done := e.converged[key]
		e.mu.Unlock()
		if done {
			continue
		}

		if err := e.converge(key); err != nil {
			e.logger.Printf("convergence against %s (%s) failed: %v", p.ID, key, err)
			e.cfg.Client.Drop(key)
			continue
		}

		e.mu.Lock()
		// A mid-cycle invalidation means this convergence ran against a
		// stale snapshot; leave the flag clear so the next cycle retries.
		if len(e.pending) == 0 {
			e.converged[key] = true
		}
		e.mu.Unlock()
	}
}

// applyInvalidations folds queued paths into the content set. Removed
// paths evict entries; new or changed paths are re-hashed.
func (e *Engine) applyInvalidations(paths []string) {
	full := false
	for _, rel := range paths {
		if rel == UpdateMe {
			full = true
			break
		}
	}
	if full {
		e.rescan()
		return
	}

	for _, rel := range paths {
		abs := filepath.Join(e.cfg.Root, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil {
			e.cfg.Hashes.Invalidate(abs)
			e.catalog.Remove(rel)
			continue
		}
		digest, err := e.cfg.Hashes.Digest(abs)
		if err != nil {
			// Unreadable right now; the watcher will re-emit once stable.
			continue
		}
		e.catalog.Set(transfer.Entry{Rel: rel, Size: uint64(info.Size()), Digest: digest})
	}
}

// rescan rebuilds the content set from the root.
func (e *Engine) rescan() {
	var entries []transfer.Entry
	filepath.Walk(e.cfg.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(e.cfg.Root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if filepath.Ext(rel) == ".tmp" {
			return nil
		}
		digest, err := e.cfg.Hashes.Digest(path)
		if err != nil {
			return nil
		}
		entries = append(entries, transfer.Entry{Rel: rel, Size: uint64(info.Size()), Digest: digest})
		return nil
	})
	e.catalog.Replace(entries)
}

// converge runs bounded upload/delete passes against one peer until a full
// pass makes no change.
func (e *Engine) converge(peerKey string) error {
	defer e.status(Status{})

	for pass := 0; pass < e.cfg.MaxPasses; pass++ {
		if e.stopped() {
			return nil
		}

		local := e.catalog.Snapshot()
		remote, err := e.list(peerKey, len(local))
		if err != nil {
			return err
		}

		remoteByRel := make(map[string]transfer.Entry, len(remote))
		for _, r := range remote {
			remoteByRel[r.Rel] = r
		}

		changed := false

		// Upload before delete: a path present on both sides with a
		// different digest is an upload, never a delete.
		for _, l := range local {
			if e.stopped() {
				return nil
			}
			r, ok := remoteByRel[l.Rel]
			if ok && r.Digest == l.Digest {
				continue
			}
			if err := e.upload(peerKey, l); err != nil {
				return err
			}
			changed = true
		}

		localByRel := make(map[string]transfer.Entry, len(local))
		for _, l := range local {
			localByRel[l.Rel] = l
		}
		for _, r := range remote {
			if e.stopped() {
				return nil
			}
			if _, ok := localByRel[r.Rel]; ok {
				continue
			}
			if err := e.cfg.Client.Delete(peerKey, r.Rel); err != nil {
				return err
			}
			changed = true
		}

		if !changed {
			return nil
		}
	}

	// Not converged: the error keeps the flag clear so the next cycle retries.
	return fmt.Errorf("still moving after %d passes; retrying next cycle", e.cfg.MaxPasses)
}

// list fetches the peer's content set, re-requesting an empty listing a
// bounded number of times while the local root is nonempty.
func (e *Engine) list(peerKey string, localCount int) ([]transfer.Entry, error) {
	var remote []transfer.Entry
	var err error
	for attempt := 0; attempt < e.cfg.ListRetries; attempt++ {
		remote, err = e.cfg.Client.List(peerKey)
		if err != nil {
			return nil, err
		}
		if len(remote) > 0 || localCount == 0 {
			break
		}
	}
	return remote, nil
}

func (e *Engine) upload(peerKey string, entry transfer.Entry) error {
	e.status(Status{Active: true, Filename: entry.Rel})

	abs := filepath.Join(e.cfg.Root, filepath.FromSlash(entry.Rel))
	return e.cfg.Client.Put(peerKey, entry.Rel, abs, func(sent, total uint64) {
		var p float32
		if total > 0 {
			p = float32(sent) / float32(total)
		}
		e.status(Status{Active: true, Progress: p, Filename: entry.Rel})
	})
}

func (e *Engine) status(s Status) {
	if e.cfg.OnStatus != nil {
		e.cfg.OnStatus(s)
	}
}
