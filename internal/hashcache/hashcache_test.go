package hashcache

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHashFileFormat(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.bin", "hello world")

	d, err := HashFile(path)
	if err != nil {
		t.Fatalf("failed to hash: %v", err)
	}
	if len(d) != DigestLength {
		t.Errorf("digest length = %d, want %d", len(d), DigestLength)
	}
	for _, c := range d {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("digest %q is not lowercase hex", d)
		}
	}

	again, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if again != d {
		t.Errorf("digest not stable: %s then %s", d, again)
	}
}

func TestDigestDiffersOnContent(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a", "content one")
	b := writeFile(t, dir, "b", "content two")

	c := New()
	da, err := c.Digest(a)
	if err != nil {
		t.Fatal(err)
	}
	db, err := c.Digest(b)
	if err != nil {
		t.Fatal(err)
	}
	if da == db {
		t.Error("different contents produced the same digest")
	}
}

func TestInvalidate(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a", "before")

	c := New()
	before, err := c.Digest(path)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "a", "after")
	c.Invalidate(path)

	after, err := c.Digest(path)
	if err != nil {
		t.Fatal(err)
	}
	if after == before {
		t.Error("digest unchanged after invalidated rewrite")
	}
}

func TestStaleCacheDetectedWithoutInvalidate(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a", "before")

	c := New()
	before, _ := c.Digest(path)

	// A longer write changes size, which alone must bust the entry.
	writeFile(t, dir, "a", "after, longer content")
	after, err := c.Digest(path)
	if err != nil {
		t.Fatal(err)
	}
	if after == before {
		t.Error("stale cached digest returned for mutated file")
	}
}

func TestPersistentCacheSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cache", "digests.db")
	path := writeFile(t, dir, "a", "persistent content")

	c, err := NewPersistent(dbPath)
	if err != nil {
		t.Fatalf("failed to create persistent cache: %v", err)
	}
	first, err := c.Digest(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c2, err := NewPersistent(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	second, err := c2.Digest(path)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("digest changed after reopen: %s then %s", first, second)
	}
}
