// Package node wires the substrate together: identity, discovery,
// presence, the control plane, the sync engine, the bulk transport, and
// the replicated mapping document, behind one Start/Stop lifecycle the
// renderer and CLI drive.
package node

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beamlab/mapsync/internal/control"
	"github.com/beamlab/mapsync/internal/document"
	"github.com/beamlab/mapsync/internal/hashcache"
	"github.com/beamlab/mapsync/internal/identity"
	"github.com/beamlab/mapsync/internal/netutil"
	"github.com/beamlab/mapsync/internal/presence"
	"github.com/beamlab/mapsync/internal/script"
	"github.com/beamlab/mapsync/internal/search"
	"github.com/beamlab/mapsync/internal/syncer"
	"github.com/beamlab/mapsync/internal/transfer"
	"github.com/beamlab/mapsync/internal/watcher"
	"github.com/beamlab/mapsync/internal/wire"
)

// tickInterval drives the main loop: liveness eviction and watcher drain.
const tickInterval = 250 * time.Millisecond

// Logger is the minimal logging interface accepted by the node.
type Logger interface {
	Printf(format string, v ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(format string, v ...interface{}) {}

// Config contains node configuration.
type Config struct {
	// ProjectDir is the project root. Default: the working directory.
	ProjectDir string

	// PresencePort overrides the well-known control port (default 11999).
	// A negative value binds an ephemeral port; callers then retarget the
	// broadcast themselves.
	PresencePort int

	// StartAsMaster asserts mastership at startup.
	StartAsMaster bool

	// ScanInterval and SettleTime tune the filesystem watcher.
	ScanInterval time.Duration
	SettleTime   time.Duration

	// UDPBulk selects the blast+NACK UDP bulk transport instead of TCP.
	// Every node in a cluster must agree.
	UDPBulk bool

	// Logger for node events (optional).
	Logger Logger
}

// Node is one running instance of the program.
type Node struct {
	cfg    Config
	logger Logger

	settings identity.Settings
	ifaces   netutil.Interfaces

	hashes    *hashcache.Cache
	doc       *document.Document
	messenger *control.Messenger
	peers     *presence.Table
	presence  *presence.Service
	server    *transfer.Server
	client    *transfer.Client
	engine    *syncer.Engine
	watch     *watcher.Watcher
	index     *search.Index
	scripts   *script.Registry
	events    *EventBus

	wg   sync.WaitGroup
	once sync.Once
	stop chan struct{}
}

// SharedRoot returns the synced directory under a project root.
func SharedRoot(projectDir string) string {
	return filepath.Join(projectDir, "synced")
}

// New builds a node. Network bind failures are returned (fatal to the
// caller); interface discovery failure degrades to the limited broadcast.
func New(cfg Config) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.ProjectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg.ProjectDir = wd
	}
	if cfg.PresencePort == 0 {
		cfg.PresencePort = wire.PresencePort
	} else if cfg.PresencePort < 0 {
		cfg.PresencePort = 0
	}

	settings, err := identity.LoadOrCreate(cfg.ProjectDir)
	if err != nil {
		return nil, err
	}

	ifaces, err := netutil.Discover()
	if err != nil {
		logger.Printf("interface discovery failed, falling back to limited broadcast: %v", err)
		ifaces = netutil.Interfaces{
			PreferredIP: net.IPv4zero,
			BroadcastIP: netutil.LimitedBroadcast,
		}
	}

	root := SharedRoot(cfg.ProjectDir)
	for _, sub := range []string{"configs", "videos"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create shared root: %w", err)
		}
	}

	hashes, err := hashcache.NewPersistent(filepath.Join(cfg.ProjectDir, "cache", "digests.db"))
	if err != nil {
		logger.Printf("digest cache unavailable, hashing without persistence: %v", err)
		hashes = hashcache.New()
	}

	doc, err := document.Load(cfg.ProjectDir, settings.ID)
	if err != nil {
		logger.Printf("mapping document unreadable, starting empty: %v", err)
		doc = document.New()
	}

	client := transfer.NewClient(logger)
	if cfg.UDPBulk {
		client = transfer.NewBlastClient(logger)
	}

	n := &Node{
		cfg:      cfg,
		logger:   logger,
		settings: settings,
		ifaces:   ifaces,
		hashes:   hashes,
		doc:      doc,
		client:   client,
		scripts:  script.NewRegistry(),
		events:   NewEventBus(),
		stop:     make(chan struct{}),
	}

	n.engine = syncer.New(syncer.Config{
		Root:     root,
		Hashes:   hashes,
		Client:   n.client,
		Peers:    n.syncPeers,
		OnStatus: n.onSyncStatus,
		Logger:   logger,
	})

	n.server, err = transfer.NewServer(transfer.ServerConfig{
		Root:     root,
		List:     n.engine.ContentSet,
		Received: n.onServerReceived,
		Deleted:  n.onServerDeleted,
		UDPBulk:  cfg.UDPBulk,
		Logger:   logger,
	})
	if err != nil {
		n.client.Close()
		hashes.Close()
		return nil, err
	}

	n.messenger, err = control.New(control.Config{
		NodeID:         settings.ID,
		Port:           cfg.PresencePort,
		BroadcastIP:    ifaces.BroadcastIP,
		Root:           root,
		DigestFor:      n.engine.DigestFor,
		OnFileReceived: n.onServerReceived,
		Logger:         logger,
	})
	if err != nil {
		n.server.Stop()
		n.client.Close()
		hashes.Close()
		return nil, err
	}
	if cfg.StartAsMaster {
		n.messenger.SetRole(control.RoleMaster)
	}

	n.peers = presence.NewTable(presence.Peer{
		ID:       settings.ID,
		IP:       ifaces.PreferredIP,
		SyncPort: n.server.Port(),
		IsMaster: cfg.StartAsMaster,
	})
	n.presence = presence.NewService(n.messenger, n.peers, presence.Config{
		OnChange: n.onPeersChanged,
		Logger:   logger,
	})

	n.watch = watcher.New(root, watcher.Config{
		ScanInterval: cfg.ScanInterval,
		SettleTime:   cfg.SettleTime,
		Logger:       logger,
	})

	n.index, err = search.NewIndex()
	if err != nil {
		logger.Printf("catalog search unavailable: %v", err)
	}

	n.messenger.Handle(wire.TypePointEdit, n.onPointEdit)
	n.messenger.Handle(wire.TypeStructureSnapshot, n.onSnapshot)
	n.messenger.Handle(wire.TypeScriptCall, n.onScriptCall)
	n.messenger.Handle(wire.TypeScriptReload, n.onScriptReload)

	return n, nil
}

// Start brings every service up and seeds the content set.
func (n *Node) Start() {
	n.messenger.Start()
	n.server.Start()
	n.presence.Start()
	n.engine.Invalidate(syncer.UpdateMe)
	n.engine.Start()
	n.watch.Start()

	n.wg.Add(2)
	go n.tickLoop()
	go n.watchLoop()

	n.logger.Printf("node %s up: ip=%s broadcast=%s sync=%d role=%s",
		n.settings.ID, n.ifaces.PreferredIP, n.ifaces.BroadcastIP, n.server.Port(), n.Role())
}

// Stop shuts services down in dependency-reverse order: sync, transport,
// presence, watcher, then the control socket.
func (n *Node) Stop() {
	n.once.Do(func() { close(n.stop) })
	n.wg.Wait()

	n.engine.Stop()
	n.client.Close()
	n.server.Stop()
	n.presence.Stop()
	n.watch.Stop()
	n.messenger.Stop()

	if n.Role() == control.RoleMaster {
		if err := n.doc.Save(n.cfg.ProjectDir, n.settings.ID); err != nil {
			n.logger.Printf("failed to save mapping document: %v", err)
		}
	}
	if n.index != nil {
		n.index.Close()
	}
	n.hashes.Close()
	n.events.Close()
}

// ID returns the node's stable identity.
func (n *Node) ID() string {
	return n.settings.ID
}

// Role returns the current role.
func (n *Node) Role() control.Role {
	return n.messenger.Role()
}

// SetRole toggles between master and peer. Becoming master immediately
// broadcasts the full document so peers pick up this node's authority.
func (n *Node) SetRole(r control.Role) {
	if n.messenger.Role() == r {
		return
	}
	n.messenger.SetRole(r)
	n.peers.UpdateSelf(func(p *presence.Peer) { p.IsMaster = r == control.RoleMaster })
	n.events.Publish(Event{Type: EventRoleChanged, Peer: n.settings.ID})

	if r == control.RoleMaster {
		n.CommitStructure()
	}
}

// Document returns the replicated mapping document.
func (n *Node) Document() *document.Document {
	return n.doc
}

// Peers returns a snapshot of the peer table, self included.
func (n *Node) Peers() []presence.Peer {
	return n.peers.Snapshot()
}

// Scripts returns the script hook registry.
func (n *Node) Scripts() *script.Registry {
	return n.scripts
}

// Events returns a new event subscription for the renderer/GUI.
func (n *Node) Events() Subscription {
	return n.events.Subscribe()
}

// ContentSet returns the local media catalog.
func (n *Node) ContentSet() []transfer.Entry {
	return n.engine.ContentSet()
}

// Search queries the media catalog by name.
func (n *Node) Search(query string, limit int) ([]search.Result, error) {
	if n.index == nil {
		return nil, nil
	}
	return n.index.Search(query, limit)
}

// ApplyLocalEdit applies a point edit authored on this node and, when
// master, broadcasts the delta. Peers edit locally without sending.
func (n *Node) ApplyLocalEdit(e wire.PointEdit) {
	n.doc.ApplyPointEdit(e)
	n.events.Publish(Event{Type: EventPointEdited, Peer: e.Owner})
	if err := n.messenger.BroadcastPointEdit(e); err != nil {
		n.logger.Printf("failed to broadcast point edit: %v", err)
	}
}

// CommitStructure broadcasts the full document and persists it. The
// renderer calls this on mouse release; the snapshot supersedes any delta
// lost on the wire.
func (n *Node) CommitStructure() {
	data, err := n.doc.Serialize()
	if err != nil {
		n.logger.Printf("failed to serialize document: %v", err)
		return
	}
	if err := n.messenger.BroadcastSnapshot(data); err != nil {
		n.logger.Printf("failed to broadcast snapshot: %v", err)
	}
	if n.Role() == control.RoleMaster {
		// The saved file lands under synced/configs and rides the content
		// sync to peers as a durable fallback for the live snapshot.
		if err := n.doc.Save(n.cfg.ProjectDir, n.settings.ID); err != nil {
			n.logger.Printf("failed to save mapping document: %v", err)
		}
	}
}

// CallScript dispatches a named hook locally and, when master, broadcasts
// it to peers.
func (n *Node) CallScript(name string, args []byte) {
	n.scripts.Dispatch(script.Call{Name: name, Args: args})
	if err := n.messenger.BroadcastScriptCall(name, args); err != nil {
		n.logger.Printf("failed to broadcast script call: %v", err)
	}
}

// syncPeers provides the engine's peer snapshot: live foreign peers with a
// known sync endpoint.
func (n *Node) syncPeers() []presence.Peer {
	others := n.peers.Others()
	out := others[:0]
	for _, p := range others {
		if p.SyncPort != 0 && p.IP != nil {
			out = append(out, p)
		}
	}
	return out
}

func (n *Node) onSyncStatus(s syncer.Status) {
	n.peers.UpdateSelf(func(p *presence.Peer) {
		p.IsSyncing = s.Active
		p.Progress = s.Progress
		p.Filename = s.Filename
	})
	switch {
	case s.Active && s.Progress == 0:
		n.events.Publish(Event{Type: EventSyncStarted, Path: s.Filename})
	case s.Active:
		n.events.Publish(Event{Type: EventSyncProgress, Path: s.Filename, Progress: s.Progress})
	default:
		n.events.Publish(Event{Type: EventSyncFinished})
	}
}

func (n *Node) onPeersChanged() {
	n.engine.PeersChanged()
	n.events.Publish(Event{Type: EventPeerJoined})
}

func (n *Node) onServerReceived(rel string) {
	n.engine.NoteReceived(rel)
	if n.index != nil {
		n.index.IndexEntry(rel)
	}
	n.events.Publish(Event{Type: EventMediaChanged, Path: rel})
}

func (n *Node) onServerDeleted(rel string) {
	n.engine.NoteDeleted(rel)
	if n.index != nil {
		n.index.RemoveEntry(rel)
	}
	n.events.Publish(Event{Type: EventMediaChanged, Path: rel})
}

func (n *Node) onPointEdit(sender string, body []byte, _ *net.UDPAddr) {
	e, err := wire.DecodePointEdit(body)
	if err != nil {
		return
	}
	n.doc.ApplyPointEdit(e)
	n.events.Publish(Event{Type: EventPointEdited, Peer: e.Owner})
}

func (n *Node) onSnapshot(sender string, body []byte, _ *net.UDPAddr) {
	data, err := wire.DecodeSnapshot(body)
	if err != nil {
		return
	}
	if err := n.doc.ApplySnapshot(data); err != nil {
		// Prior document stays in place.
		n.logger.Printf("rejected snapshot from %s: %v", sender, err)
		return
	}
	n.events.Publish(Event{Type: EventStructureApplied, Peer: sender})
}

func (n *Node) onScriptCall(sender string, body []byte, _ *net.UDPAddr) {
	call, err := wire.DecodeScriptCall(body)
	if err != nil {
		return
	}
	n.scripts.Dispatch(script.Call{Name: call.Name, Args: call.Args, Sender: sender})
}

func (n *Node) onScriptReload(sender string, _ []byte, _ *net.UDPAddr) {
	n.scripts.Reload()
	n.events.Publish(Event{Type: EventScriptReloaded, Peer: sender})
}

// tickLoop evicts stale peers on the main cadence.
func (n *Node) tickLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			if gone := n.peers.Evict(); len(gone) > 0 {
				for _, id := range gone {
					n.logger.Printf("peer %s lost", id)
					n.events.Publish(Event{Type: EventPeerLost, Peer: id})
				}
				n.engine.PeersChanged()
			}
		}
	}
}

// watchLoop feeds stable watcher batches into the sync engine and the
// catalog index.
func (n *Node) watchLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.stop:
			return
		case batch, ok := <-n.watch.Changes():
			if !ok {
				return
			}
			n.engine.Invalidate(batch...)
			for _, rel := range batch {
				if n.index != nil {
					n.index.IndexEntry(rel)
				}
				n.events.Publish(Event{Type: EventMediaChanged, Path: rel})
			}
		}
	}
}
