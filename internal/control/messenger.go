// Package control sends and receives framed control-plane datagrams:
// heartbeats, announces, point-edit deltas, structure snapshots, best-effort
// file pushes, and script triggers.
//
// The messenger owns the broadcast socket. Every outbound frame is stamped
// with the local node ID; every inbound frame whose sender equals the local
// ID is dropped. That is the only defense against broadcast loopback.
package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/beamlab/mapsync/internal/wire"
)

// Role governs who authors edits. Assignment is local and user-toggled.
type Role int32

const (
	RolePeer Role = iota
	RoleMaster
)

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "peer"
}

// maxPushSize bounds the buffer allocated for a broadcast file offer.
const maxPushSize = 16 << 20

// pushChunkSize keeps file-push datagrams under the usual LAN MTU.
const pushChunkSize = 1200

// Logger is the minimal logging interface accepted by the messenger.
type Logger interface {
	Printf(format string, v ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(format string, v ...interface{}) {}

// Handler processes the body of one inbound frame.
type Handler func(sender string, body []byte, src *net.UDPAddr)

// Config contains messenger configuration.
type Config struct {
	// NodeID is the local 8-character node ID stamped on every frame.
	NodeID string

	// Port is the well-known control-plane UDP port.
	Port int

	// BroadcastIP is the destination for broadcast frames.
	BroadcastIP net.IP

	// Root receives files pushed over the control plane.
	Root string

	// DigestFor returns the local digest of a relative path, if known.
	// Used to drop file offers that match local content (optional).
	DigestFor func(rel string) (string, bool)

	// OnFileReceived is invoked after a pushed file commits (optional).
	OnFileReceived func(rel string)

	// Logger for frame errors (optional).
	Logger Logger
}

// inflight is the receive state of one offered file, keyed by sender.
type inflight struct {
	name  string
	total uint64
	buf   []byte
}

// Messenger is the control-plane endpoint.
type Messenger struct {
	cfg    Config
	logger Logger
	conn   *net.UDPConn
	role   atomic.Int32

	targetMu sync.Mutex
	target   *net.UDPAddr

	handlerMu sync.RWMutex
	handlers  map[wire.Type]Handler

	recvMu    sync.Mutex
	receiving map[string]*inflight

	wg   sync.WaitGroup
	once sync.Once
	stop chan struct{}
}

// New binds the control-plane socket with address reuse so several nodes
// can share one machine. Bind failure at startup is fatal to the caller.
func New(cfg Config) (*Messenger, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if serr == nil {
					serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
				}
			})
			if err != nil {
				return err
			}
			return serr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind control port %d: %w", cfg.Port, err)
	}

	m := &Messenger{
		cfg:       cfg,
		logger:    logger,
		conn:      pc.(*net.UDPConn),
		handlers:  make(map[wire.Type]Handler),
		receiving: make(map[string]*inflight),
		stop:      make(chan struct{}),
	}
	m.target = &net.UDPAddr{IP: cfg.BroadcastIP, Port: cfg.Port}
	return m, nil
}

// Port returns the bound control port.
func (m *Messenger) Port() int {
	return m.conn.LocalAddr().(*net.UDPAddr).Port
}

// Role returns the node's current role.
func (m *Messenger) Role() Role {
	return Role(m.role.Load())
}

// SetRole switches the node between master and peer.
func (m *Messenger) SetRole(r Role) {
	m.role.Store(int32(r))
}

// Handle registers the handler for one frame type. Registration must
// finish before Start.
func (m *Messenger) Handle(t wire.Type, h Handler) {
	m.handlerMu.Lock()
	m.handlers[t] = h
	m.handlerMu.Unlock()
}

// Start launches the receive loop.
func (m *Messenger) Start() {
	m.registerFileHandlers()
	m.wg.Add(1)
	go m.recvLoop()
}

// Stop closes the socket and joins the receive loop.
func (m *Messenger) Stop() {
	m.once.Do(func() {
		close(m.stop)
		m.conn.Close()
	})
	m.wg.Wait()
}

// Broadcast sends one frame to the broadcast target on the control port.
func (m *Messenger) Broadcast(t wire.Type, body []byte) error {
	m.targetMu.Lock()
	target := m.target
	m.targetMu.Unlock()
	return m.SendTo(target, t, body)
}

// SetBroadcastTarget overrides the broadcast destination. Used when the
// well-known port is overridden, e.g. several nodes sharing one host.
func (m *Messenger) SetBroadcastTarget(ip net.IP, port int) {
	m.targetMu.Lock()
	m.target = &net.UDPAddr{IP: ip, Port: port}
	m.targetMu.Unlock()
}

// SendTo sends one frame unicast.
func (m *Messenger) SendTo(addr *net.UDPAddr, t wire.Type, body []byte) error {
	frame, err := wire.Encode(t, m.cfg.NodeID, body)
	if err != nil {
		return err
	}
	if _, err := m.conn.WriteToUDP(frame, addr); err != nil {
		return fmt.Errorf("failed to send %d frame: %w", t, err)
	}
	return nil
}

// BroadcastPointEdit sends a delta. Only a master sends deltas; for a peer
// this is a silent no-op so callers need no role check of their own.
func (m *Messenger) BroadcastPointEdit(e wire.PointEdit) error {
	if m.Role() != RoleMaster {
		return nil
	}
	body, err := wire.EncodePointEdit(e)
	if err != nil {
		return err
	}
	return m.Broadcast(wire.TypePointEdit, body)
}

// BroadcastSnapshot sends the full mapping document. Master-only, like
// point edits; a snapshot supersedes any lost delta.
func (m *Messenger) BroadcastSnapshot(doc []byte) error {
	if m.Role() != RoleMaster {
		return nil
	}
	return m.Broadcast(wire.TypeStructureSnapshot, wire.EncodeSnapshot(doc))
}

// BroadcastScriptCall asks peers to run a named script hook. Master-only.
func (m *Messenger) BroadcastScriptCall(name string, args []byte) error {
	if m.Role() != RoleMaster {
		return nil
	}
	return m.Broadcast(wire.TypeScriptCall, wire.EncodeScriptCall(wire.ScriptCall{Name: name, Args: args}))
}

// PushFile broadcasts a small file as offer, chunks, end. Best-effort:
// receivers holding an identical digest ignore the offer, lost chunks are
// healed by the sync engine later.
func (m *Messenger) PushFile(rel, localPath, digest string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	if len(data) > maxPushSize {
		return fmt.Errorf("%s exceeds push limit (%d bytes)", rel, len(data))
	}

	body, err := wire.EncodeFileOffer(wire.FileOffer{
		TotalSize: uint64(len(data)),
		Digest:    digest,
		Name:      rel,
	})
	if err != nil {
		return err
	}
	if err := m.Broadcast(wire.TypeFileOffer, body); err != nil {
		return err
	}

	for off := 0; off < len(data); off += pushChunkSize {
		end := off + pushChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := wire.EncodeFileChunk(wire.FileChunk{Offset: uint64(off), Payload: data[off:end]})
		if err := m.Broadcast(wire.TypeFileChunk, chunk); err != nil {
			return err
		}
	}
	return m.Broadcast(wire.TypeFileEnd, nil)
}

func (m *Messenger) recvLoop() {
	defer m.wg.Done()

	buf := make([]byte, 65536)
	var dropLogged int
	for {
		m.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Log receive failures once per hundred, not per packet.
			if dropLogged%100 == 0 {
				m.logger.Printf("control receive failed: %v", err)
			}
			dropLogged++
			continue
		}

		t, sender, body, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		if sender == m.cfg.NodeID {
			continue // own broadcast looped back
		}
		if !m.allowedByRole(t) {
			continue
		}

		m.handlerMu.RLock()
		h := m.handlers[t]
		m.handlerMu.RUnlock()
		if h != nil {
			h(sender, body, src)
		}
	}
}

// allowedByRole drops authored state from the wire when the local node is
// the author. A master never applies deltas or snapshots it would send.
func (m *Messenger) allowedByRole(t wire.Type) bool {
	switch t {
	case wire.TypePointEdit, wire.TypeStructureSnapshot:
		return m.Role() == RolePeer
	}
	return true
}
