package transfer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// lossyIO drops a deterministic subset of first-emission data packets so
// the NACK path has work to do. Retransmits (seqs seen before) pass.
type lossyIO struct {
	inner packetIO
	every int // drop every Nth data packet on first sight

	mu   sync.Mutex
	seen map[uint32]bool
	sent int
}

func (l *lossyIO) write(b []byte) error {
	if len(b) >= blastHeaderSize && b[0] == bpData {
		seq := binary.BigEndian.Uint32(b[1:5])
		l.mu.Lock()
		firstSight := !l.seen[seq]
		l.seen[seq] = true
		l.sent++
		drop := firstSight && l.every > 0 && l.sent%l.every == 0
		l.mu.Unlock()
		if drop {
			return nil // swallowed by the network
		}
	}
	return l.inner.write(b)
}

func (l *lossyIO) read(b []byte, deadline time.Time) (int, error) {
	return l.inner.read(b, deadline)
}

// udpPair builds two connected loopback UDP endpoints.
func udpPair(t *testing.T) (packetIO, packetIO) {
	t.Helper()

	c1, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	c2, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})

	a := boundIO{conn: c1, peer: c2.LocalAddr().(*net.UDPAddr)}
	b := boundIO{conn: c2, peer: c1.LocalAddr().(*net.UDPAddr)}
	return a, b
}

func runBlast(t *testing.T, send packetIO, recv packetIO, payload []byte) []byte {
	t.Helper()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := recvBlast(recv)
		done <- result{data, err}
	}()

	if err := sendBlast(send, payload, nil); err != nil {
		t.Fatalf("sendBlast failed: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("recvBlast failed: %v", res.err)
	}
	return res.data
}

func TestBlastRoundTrip(t *testing.T) {
	a, b := udpPair(t)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 40000) // ~625 KiB, many packets

	got := runBlast(t, a, b, payload)
	if !bytes.Equal(got, payload) {
		t.Error("payload corrupted in transit")
	}
}

func TestBlastZeroBytes(t *testing.T) {
	a, b := udpPair(t)
	got := runBlast(t, a, b, nil)
	if len(got) != 0 {
		t.Errorf("got %d bytes for empty transfer", len(got))
	}
}

func TestBlastSinglePacket(t *testing.T) {
	a, b := udpPair(t)
	got := runBlast(t, a, b, []byte("tiny"))
	if string(got) != "tiny" {
		t.Errorf("got %q", got)
	}
}

func TestBlastRecoversFromLoss(t *testing.T) {
	a, b := udpPair(t)
	lossy := &lossyIO{inner: a, every: 7, seen: make(map[uint32]bool)}

	payload := bytes.Repeat([]byte("loss tolerant payload "), 20000) // ~430 KiB

	got := runBlast(t, lossy, b, payload)
	if !bytes.Equal(got, payload) {
		t.Error("payload corrupted under loss")
	}
}

func TestBlastEndToEnd(t *testing.T) {
	root := t.TempDir()
	srv, err := NewServer(ServerConfig{
		Root:    root,
		UDPBulk: true,
		List: func() []Entry {
			return []Entry{{Rel: "a.mp4", Size: 3, Digest: fmt.Sprintf("%032x", 3)}}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	t.Cleanup(srv.Stop)

	client := NewBlastClient(nil)
	t.Cleanup(client.Close)
	peerKey := fmt.Sprintf("127.0.0.1:%d", srv.Port())

	// LIST over blast.
	entries, err := client.List(peerKey)
	if err != nil {
		t.Fatalf("blast list failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Rel != "a.mp4" {
		t.Fatalf("listing = %+v", entries)
	}

	// PUT then GET over blast.
	content := bytes.Repeat([]byte("blast media "), 30000)
	src := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatal(err)
	}
	if err := client.Put(peerKey, "videos/src.bin", src, nil); err != nil {
		t.Fatalf("blast put failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "videos", "src.bin"))
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("uploaded content mismatch")
	}

	var buf bytes.Buffer
	if _, err := client.Get(peerKey, "videos/src.bin", &buf); err != nil {
		t.Fatalf("blast get failed: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), content) {
		t.Error("downloaded content mismatch")
	}

	// Path escapes rejected, session survives.
	if err := client.Put(peerKey, "../evil", src, nil); !errors.Is(err, ErrRejected) {
		t.Errorf("escape PUT err = %v, want ErrRejected", err)
	}
	if err := client.Delete(peerKey, "videos/src.bin"); err != nil {
		t.Fatalf("blast delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "videos", "src.bin")); !os.IsNotExist(err) {
		t.Error("file survived blast delete")
	}
}
