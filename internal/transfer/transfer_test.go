package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	root    string
	server  *Server
	client  *Client
	peerKey string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	srv, err := NewServer(ServerConfig{
		Root: root,
		List: func() []Entry { return listDir(t, root) },
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Stop)

	client := NewClient(nil)
	t.Cleanup(client.Close)

	return &testEnv{
		root:    root,
		server:  srv,
		client:  client,
		peerKey: fmt.Sprintf("127.0.0.1:%d", srv.Port()),
	}
}

func listDir(t *testing.T, root string) []Entry {
	var entries []Entry
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		entries = append(entries, Entry{
			Rel:    filepath.ToSlash(rel),
			Size:   uint64(info.Size()),
			Digest: fmt.Sprintf("%032x", info.Size()),
		})
		return nil
	})
	return entries
}

func TestPutThenGet(t *testing.T) {
	env := newTestEnv(t)

	src := filepath.Join(t.TempDir(), "src.mp4")
	content := bytes.Repeat([]byte("media!"), 100000)
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatal(err)
	}

	var lastSent, lastTotal uint64
	err := env.client.Put(env.peerKey, "videos/src.mp4", src, func(sent, total uint64) {
		lastSent, lastTotal = sent, total
	})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if lastSent != lastTotal || lastTotal != uint64(len(content)) {
		t.Errorf("progress ended at %d/%d, want %d", lastSent, lastTotal, len(content))
	}

	got, err := os.ReadFile(filepath.Join(env.root, "videos", "src.mp4"))
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("uploaded content mismatch")
	}

	var buf bytes.Buffer
	n, err := env.client.Get(env.peerKey, "videos/src.mp4", &buf)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if n != uint64(len(content)) || !bytes.Equal(buf.Bytes(), content) {
		t.Error("downloaded content mismatch")
	}
}

func TestListAndDelete(t *testing.T) {
	env := newTestEnv(t)

	if err := os.WriteFile(filepath.Join(env.root, "bar.mp4"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	entries, err := env.client.List(env.peerKey)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Rel != "bar.mp4" {
		t.Fatalf("listing = %+v", entries)
	}

	if err := env.client.Delete(env.peerKey, "bar.mp4"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.root, "bar.mp4")); !os.IsNotExist(err) {
		t.Error("file survived delete")
	}

	entries, err = env.client.List(env.peerKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("listing after delete = %+v", entries)
	}
}

func TestSessionReuse(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.client.List(env.peerKey); err != nil {
		t.Fatal(err)
	}
	env.client.mu.Lock()
	first := env.client.sessions[env.peerKey]
	env.client.mu.Unlock()
	if first == nil {
		t.Fatal("no session cached after first request")
	}

	if _, err := env.client.List(env.peerKey); err != nil {
		t.Fatal(err)
	}
	env.client.mu.Lock()
	second := env.client.sessions[env.peerKey]
	env.client.mu.Unlock()

	if second != first || second.ServerPort() != first.ServerPort() {
		t.Error("cached session was not reused after PING")
	}
}

func TestSessionLossRecovers(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.client.List(env.peerKey); err != nil {
		t.Fatal(err)
	}

	// Kill the cached connection under the client; PING must fail and the
	// next request must complete on a fresh session.
	env.client.mu.Lock()
	env.client.sessions[env.peerKey].(*tcpSession).conn.Close()
	env.client.mu.Unlock()

	if _, err := env.client.List(env.peerKey); err != nil {
		t.Fatalf("recovery after session loss failed: %v", err)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	env := newTestEnv(t)

	outside := filepath.Join(t.TempDir(), "evil")
	if err := os.WriteFile(outside, []byte("evil"), 0644); err != nil {
		t.Fatal(err)
	}

	err := env.client.Put(env.peerKey, "../evil", outside, nil)
	if !errors.Is(err, ErrRejected) {
		t.Errorf("escape PUT err = %v, want ErrRejected", err)
	}
	if err := env.client.Delete(env.peerKey, "/etc/passwd"); !errors.Is(err, ErrRejected) {
		t.Error("absolute DELETE accepted")
	}

	// The session must survive a rejection.
	if _, err := env.client.List(env.peerKey); err != nil {
		t.Errorf("session dead after rejection: %v", err)
	}
}

func TestCleanRelPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"videos/foo.mp4", "videos/foo.mp4", true},
		{"/leading/slash", "leading/slash", true},
		{"a/./b", "a/b", true},
		{"a/../b", "b", true},
		{"..", "", false},
		{"../escape", "", false},
		{"a/../../escape", "", false},
		{`windows\sep`, "windows/sep", true},
	}
	for _, tc := range cases {
		got, err := CleanRelPath(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("CleanRelPath(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("CleanRelPath(%q) accepted as %q", tc.in, got)
		}
	}
}

func TestListingRoundTrip(t *testing.T) {
	in := []Entry{
		{Rel: "a/b.mp4", Size: 123, Digest: "00112233445566778899aabbccddeeff"},
		{Rel: "c.png", Size: 0, Digest: "ffeeddccbbaa99887766554433221100"},
	}
	out := DecodeListing(EncodeListing(in))
	if len(out) != len(in) {
		t.Fatalf("decoded %d entries, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("entry %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}
