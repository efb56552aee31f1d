// Package hashcache computes content digests of files by absolute path and
// caches them, in memory and optionally in a small SQLite database so large
// media is not re-hashed across restarts.
//
// Digests are 128-bit BLAKE2b rendered as 32 lowercase hex characters.
// The hash is streamed; file contents are never held in memory.
package hashcache

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"
)

// DigestLength is the hex length of a digest.
const DigestLength = 32

type entry struct {
	size   int64
	mtime  int64 // unix nanos
	digest string
}

// Cache maps absolute paths to content digests. All methods are safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	db      *sql.DB // nil when persistence is disabled
}

// New creates an in-memory cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// NewPersistent creates a cache backed by a SQLite database at dbPath.
// Cached digests are trusted only while the file's size and mtime match.
func NewPersistent(dbPath string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open digest cache: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS digests (
			path   TEXT PRIMARY KEY,
			size   INTEGER NOT NULL,
			mtime  INTEGER NOT NULL,
			digest TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize digest cache schema: %w", err)
	}

	return &Cache{entries: make(map[string]entry), db: db}, nil
}

// Digest returns the content digest of the file at path, computing and
// caching it if the cached value is missing or stale.
func (c *Cache) Digest(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	size, mtime := info.Size(), info.ModTime().UnixNano()

	c.mu.Lock()
	if e, ok := c.entries[path]; ok && e.size == size && e.mtime == mtime {
		c.mu.Unlock()
		return e.digest, nil
	}
	c.mu.Unlock()

	if c.db != nil {
		if d, ok := c.lookupDB(path, size, mtime); ok {
			c.store(path, entry{size: size, mtime: mtime, digest: d}, false)
			return d, nil
		}
	}

	d, err := HashFile(path)
	if err != nil {
		return "", err
	}
	c.store(path, entry{size: size, mtime: mtime, digest: d}, true)
	return d, nil
}

// Invalidate drops the cache entry for path. Call it after any successful
// write or delete of the file.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()

	if c.db != nil {
		c.db.Exec("DELETE FROM digests WHERE path = ?", path)
	}
}

// Close releases the persistent store, if any.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Cache) store(path string, e entry, persist bool) {
	c.mu.Lock()
	c.entries[path] = e
	c.mu.Unlock()

	if persist && c.db != nil {
		c.db.Exec(`
			INSERT INTO digests (path, size, mtime, digest) VALUES (?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				size = excluded.size,
				mtime = excluded.mtime,
				digest = excluded.digest
		`, path, e.size, e.mtime, e.digest)
	}
}

func (c *Cache) lookupDB(path string, size, mtime int64) (string, bool) {
	var gotSize, gotMtime int64
	var digest string
	err := c.db.QueryRow(
		"SELECT size, mtime, digest FROM digests WHERE path = ?", path,
	).Scan(&gotSize, &gotMtime, &digest)
	if err != nil || gotSize != size || gotMtime != mtime {
		return "", false
	}
	return digest, true
}

// HashFile streams the file at path through BLAKE2b-128 and returns the
// 32-character lowercase hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h, err := blake2b.New(DigestLength/2, nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
