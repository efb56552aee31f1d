package presence

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/beamlab/mapsync/internal/control"
	"github.com/beamlab/mapsync/internal/wire"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func selfPeer(id string) Peer {
	return Peer{ID: id, IP: net.IPv4(127, 0, 0, 1), SyncPort: 40000}
}

func TestUpsertAndSnapshot(t *testing.T) {
	table := NewTable(selfPeer("AAAAAAAA"))

	isNew := table.Upsert("BBBBBBBB", net.IPv4(192, 168, 1, 2), wire.Heartbeat{
		SyncPort: 41000,
		IsMaster: true,
	})
	if !isNew {
		t.Error("first heartbeat should report a new peer")
	}
	if table.Upsert("BBBBBBBB", net.IPv4(192, 168, 1, 2), wire.Heartbeat{SyncPort: 41000}) {
		t.Error("second heartbeat should not report a new peer")
	}

	others := table.Others()
	if len(others) != 1 {
		t.Fatalf("others = %d, want 1", len(others))
	}
	p := others[0]
	if p.IsSelf {
		t.Error("foreign peer marked as self")
	}
	if p.Key() != "192.168.1.2:41000" {
		t.Errorf("key = %s", p.Key())
	}

	all := table.Snapshot()
	if len(all) != 2 || !all[0].IsSelf {
		t.Errorf("snapshot = %+v", all)
	}
}

func TestLivenessEviction(t *testing.T) {
	table := NewTable(selfPeer("AAAAAAAA"))
	table.Upsert("BBBBBBBB", net.IPv4(192, 168, 1, 2), wire.Heartbeat{SyncPort: 41000})

	// Not yet stale.
	if gone := table.Evict(); len(gone) != 0 {
		t.Fatalf("fresh peer evicted: %v", gone)
	}

	// Age the record past the timeout by hand.
	table.mu.Lock()
	table.peers["BBBBBBBB"].LastSeen = time.Now().Add(-LivenessTimeout - time.Second)
	table.mu.Unlock()

	gone := table.Evict()
	if len(gone) != 1 || gone[0] != "BBBBBBBB" {
		t.Fatalf("evicted = %v", gone)
	}
	if len(table.Others()) != 0 {
		t.Error("peer survived eviction")
	}

	// Self is never evicted, however stale.
	table.mu.Lock()
	table.peers["AAAAAAAA"].LastSeen = time.Time{}
	table.mu.Unlock()
	if gone := table.Evict(); len(gone) != 0 {
		t.Errorf("self evicted: %v", gone)
	}
}

func TestHeartbeatStatusCopied(t *testing.T) {
	table := NewTable(selfPeer("AAAAAAAA"))
	table.Upsert("BBBBBBBB", net.IPv4(10, 0, 0, 2), wire.Heartbeat{
		SyncPort:  41000,
		IsSyncing: true,
		Progress:  0.5,
		Filename:  "videos/foo.mp4",
	})

	p := table.Others()[0]
	if !p.IsSyncing || p.Progress != 0.5 || p.Filename != "videos/foo.mp4" {
		t.Errorf("sync status not copied: %+v", p)
	}
}

// TestTwoNodeDiscovery runs two full presence stacks against each other on
// loopback and expects both tables to converge within three seconds.
func TestTwoNodeDiscovery(t *testing.T) {
	type node struct {
		m     *control.Messenger
		table *Table
		svc   *Service
	}

	mk := func(id string) *node {
		m, err := control.New(control.Config{
			NodeID:      id,
			Port:        0,
			BroadcastIP: net.IPv4(127, 0, 0, 1),
			Root:        t.TempDir(),
		})
		if err != nil {
			t.Fatalf("messenger for %s: %v", id, err)
		}
		table := NewTable(Peer{ID: id, IP: net.IPv4(127, 0, 0, 1), SyncPort: 40000})
		svc := NewService(m, table, Config{})
		return &node{m: m, table: table, svc: svc}
	}

	a := mk("AAAAAAAA")
	b := mk("BBBBBBBB")

	// Point each node's broadcast at the other's unicast port.
	a.m.SetBroadcastTarget(net.IPv4(127, 0, 0, 1), b.m.Port())
	b.m.SetBroadcastTarget(net.IPv4(127, 0, 0, 1), a.m.Port())

	a.m.Start()
	b.m.Start()
	a.svc.Start()
	b.svc.Start()
	t.Cleanup(func() {
		a.svc.Stop()
		b.svc.Stop()
		a.m.Stop()
		b.m.Stop()
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.table.Others()) == 1 && len(b.table.Others()) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	aPeers, bPeers := a.table.Others(), b.table.Others()
	if len(aPeers) != 1 || aPeers[0].ID != "BBBBBBBB" {
		t.Fatalf("a.peers = %+v", aPeers)
	}
	if len(bPeers) != 1 || bPeers[0].ID != "AAAAAAAA" {
		t.Fatalf("b.peers = %+v", bPeers)
	}
	if time.Since(aPeers[0].LastSeen) > 3*time.Second {
		t.Error("peer record stale at discovery")
	}
}

func TestOnChangeFires(t *testing.T) {
	table := NewTable(selfPeer("AAAAAAAA"))

	var mu sync.Mutex
	changes := 0
	m, err := control.New(control.Config{
		NodeID:      "AAAAAAAA",
		Port:        0,
		BroadcastIP: net.IPv4(127, 0, 0, 1),
		Root:        t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(m, table, Config{OnChange: func() {
		mu.Lock()
		changes++
		mu.Unlock()
	}})

	svc.onHeartbeat("BBBBBBBB", wire.EncodeHeartbeat(wire.Heartbeat{SyncPort: 41000}),
		&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: wire.PresencePort})
	svc.onHeartbeat("BBBBBBBB", wire.EncodeHeartbeat(wire.Heartbeat{SyncPort: 41000}),
		&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: wire.PresencePort})

	mu.Lock()
	defer mu.Unlock()
	if changes != 1 {
		t.Errorf("changes = %d, want 1 (only on membership change)", changes)
	}
	m.Stop()
}
