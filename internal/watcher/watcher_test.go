package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w := New(root, Config{
		ScanInterval: 20 * time.Millisecond,
		SettleTime:   50 * time.Millisecond,
	})
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

// collect drains change batches until timeout, returning per-path emission
// counts.
func collect(w *Watcher, timeout time.Duration) map[string]int {
	counts := make(map[string]int)
	deadline := time.After(timeout)
	for {
		select {
		case batch := <-w.Changes():
			for _, rel := range batch {
				counts[rel]++
			}
		case <-deadline:
			return counts
		}
	}
}

func TestNewFileEmitsOnce(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, "foo.mp4"), []byte("media"), 0644); err != nil {
		t.Fatal(err)
	}

	counts := collect(w, 400*time.Millisecond)
	if counts["foo.mp4"] != 1 {
		t.Errorf("foo.mp4 emitted %d times, want exactly 1", counts["foo.mp4"])
	}
}

func TestDebounceCoalescesWrites(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	// Three appends 40ms apart with settle 50ms: the writes land inside
	// successive settle windows, so only the final stable content emits.
	path := filepath.Join(root, "foo.mp4")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.WriteString("chunk\n"); err != nil {
			t.Fatal(err)
		}
		time.Sleep(40 * time.Millisecond)
	}
	f.Close()

	counts := collect(w, 500*time.Millisecond)
	if counts["foo.mp4"] != 1 {
		t.Errorf("foo.mp4 emitted %d times during burst, want 1", counts["foo.mp4"])
	}
}

func TestIdenticalRewriteDoesNotEmit(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.bin")
	if err := os.WriteFile(path, []byte("same"), 0644); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t, root)
	counts := collect(w, 300*time.Millisecond)
	if counts["a.bin"] != 1 {
		t.Fatalf("initial emission count = %d, want 1", counts["a.bin"])
	}

	// Rewrite with identical bytes; mtime changes, digest does not.
	if err := os.WriteFile(path, []byte("same"), 0644); err != nil {
		t.Fatal(err)
	}
	counts = collect(w, 300*time.Millisecond)
	if counts["a.bin"] != 0 {
		t.Errorf("identical rewrite emitted %d times, want 0", counts["a.bin"])
	}
}

func TestTmpFilesIgnored(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, "partial.mp4.tmp"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	counts := collect(w, 300*time.Millisecond)
	if len(counts) != 0 {
		t.Errorf("tmp file produced emissions: %v", counts)
	}
}

func TestVanishedFileSilent(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.bin")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t, root)
	collect(w, 300*time.Millisecond) // absorb the initial emission

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	counts := collect(w, 300*time.Millisecond)
	if len(counts) != 0 {
		t.Errorf("deletion produced emissions: %v", counts)
	}
}

func TestSubdirectoriesScanned(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "videos", "loops"), 0755); err != nil {
		t.Fatal(err)
	}
	w := newTestWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, "videos", "loops", "bg.mp4"), []byte("v"), 0644); err != nil {
		t.Fatal(err)
	}

	counts := collect(w, 400*time.Millisecond)
	if counts["videos/loops/bg.mp4"] != 1 {
		t.Errorf("nested file emissions = %v, want videos/loops/bg.mp4 once", counts)
	}
}
