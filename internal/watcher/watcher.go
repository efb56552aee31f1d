// Package watcher provides a debounced recursive scan of a directory tree.
//
// A background goroutine rescans the root every ScanInterval and emits
// batches of relative paths whose content has reached a stable state
// distinct from the last confirmed state. A file must keep the same mtime
// for a full SettleTime before its digest is computed; only a digest change
// is emitted, so repeated identical writes stay silent.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/beamlab/mapsync/internal/hashcache"
)

// Logger is the minimal logging interface accepted by the watcher.
type Logger interface {
	Printf(format string, v ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(format string, v ...interface{}) {}

// Config contains watcher knobs.
type Config struct {
	// ScanInterval is the pause between recursive scans.
	// Default: 500ms.
	ScanInterval time.Duration

	// SettleTime is how long a candidate mtime must hold before the file
	// is confirmed. Default: 250ms.
	SettleTime time.Duration

	// Logger for scan errors (optional).
	Logger Logger
}

// DefaultConfig returns the default watcher configuration.
func DefaultConfig() Config {
	return Config{
		ScanInterval: 500 * time.Millisecond,
		SettleTime:   250 * time.Millisecond,
	}
}

// tracked is the per-file settling state.
type tracked struct {
	confirmedMtime  int64
	confirmedDigest string
	candidateMtime  int64
	settlingStarted time.Time
	settling        bool
}

// Watcher watches a directory root for stable content changes.
type Watcher struct {
	root   string
	cfg    Config
	logger Logger

	entries map[string]*tracked // rel path -> state
	changes chan []string

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a watcher over root. Start must be called before any events
// are produced.
func New(root string, cfg Config) *Watcher {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig().ScanInterval
	}
	if cfg.SettleTime <= 0 {
		cfg.SettleTime = DefaultConfig().SettleTime
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Watcher{
		root:    root,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*tracked),
		changes: make(chan []string, 16),
		stop:    make(chan struct{}),
	}
}

// Changes returns the channel of change batches. Each batch holds relative
// paths (forward-slash separators) that stabilized since the last batch.
// Replaying a batch has no additional effect on a consumer that re-hashes.
func (w *Watcher) Changes() <-chan []string {
	return w.changes
}

// Start launches the scan loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop halts scanning. The loop drains to a quiescent state within one
// ScanInterval; Stop blocks until it has exited.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	defer close(w.changes)

	for {
		batch := w.scan()
		if len(batch) > 0 {
			select {
			case w.changes <- batch:
			case <-w.stop:
				return
			}
		}

		select {
		case <-time.After(w.cfg.ScanInterval):
		case <-w.stop:
			return
		}
	}
}

// scan performs one recursive pass and returns the paths confirmed stable
// during this pass.
func (w *Watcher) scan() []string {
	now := time.Now()
	seen := make(map[string]int64) // rel path -> mtime

	err := filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable subtree, retry next scan
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasSuffix(rel, ".tmp") {
			return nil // partial atomic writes
		}
		seen[rel] = info.ModTime().UnixNano()
		return nil
	})
	if err != nil {
		w.logger.Printf("scan of %s failed: %v", w.root, err)
		return nil
	}

	var batch []string
	for rel, mtime := range seen {
		e, ok := w.entries[rel]
		if !ok {
			// First observation: start settling immediately.
			w.entries[rel] = &tracked{
				candidateMtime:  mtime,
				settlingStarted: now,
				settling:        true,
			}
			continue
		}

		if mtime == e.confirmedMtime {
			e.settling = false
			continue
		}

		switch {
		case !e.settling:
			e.settling = true
			e.candidateMtime = mtime
			e.settlingStarted = now
		case mtime != e.candidateMtime:
			e.candidateMtime = mtime
			e.settlingStarted = now
		case now.Sub(e.settlingStarted) >= w.cfg.SettleTime:
			digest, err := hashcache.HashFile(filepath.Join(w.root, filepath.FromSlash(rel)))
			if err != nil {
				// Not readable yet; keep settling without emitting.
				continue
			}
			changed := digest != e.confirmedDigest
			e.confirmedMtime = mtime
			e.confirmedDigest = digest
			e.settling = false
			if changed {
				batch = append(batch, rel)
			}
		}
	}

	// Vanished files are dropped silently.
	for rel := range w.entries {
		if _, ok := seen[rel]; !ok {
			delete(w.entries, rel)
		}
	}

	return batch
}
