// Package presence maintains the live peer table from periodic heartbeat
// broadcasts and answers startup announces so new nodes learn sync
// endpoints without waiting a full heartbeat.
package presence

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/beamlab/mapsync/internal/control"
	"github.com/beamlab/mapsync/internal/wire"
)

// LivenessTimeout is how stale a peer record may grow before eviction.
const LivenessTimeout = 5 * time.Second

// HeartbeatInterval is the pause between heartbeat broadcasts.
const HeartbeatInterval = time.Second

// Peer is one row of the peer table.
type Peer struct {
	ID        string
	IP        net.IP
	SyncPort  int
	IsSelf    bool
	IsMaster  bool
	LastSeen  time.Time
	IsSyncing bool
	Progress  float32
	Filename  string
}

// Key returns the peer's "ip:port" sync endpoint.
func (p Peer) Key() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.SyncPort))
}

// Table is the mutex-guarded peer map. The self record is created at
// startup and never evicted.
type Table struct {
	mu    sync.Mutex
	peers map[string]*Peer
	self  string
}

// NewTable creates a table holding only the self record.
func NewTable(self Peer) *Table {
	self.IsSelf = true
	self.LastSeen = time.Now()
	t := &Table{peers: make(map[string]*Peer), self: self.ID}
	t.peers[self.ID] = &self
	return t
}

// Upsert records a heartbeat from a foreign node and reports whether the
// peer is new.
func (t *Table) Upsert(id string, ip net.IP, hb wire.Heartbeat) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		p = &Peer{ID: id}
		t.peers[id] = p
	}
	p.IP = ip
	if hb.SyncPort != 0 {
		p.SyncPort = int(hb.SyncPort)
	}
	p.IsMaster = hb.IsMaster
	p.IsSyncing = hb.IsSyncing
	p.Progress = hb.Progress
	p.Filename = hb.Filename
	p.LastSeen = time.Now()
	return !ok
}

// SetEndpoint records a sync endpoint learned from an announce handshake.
func (t *Table) SetEndpoint(id string, ip net.IP, port int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		p = &Peer{ID: id}
		t.peers[id] = p
	}
	p.IP = ip
	p.SyncPort = port
	p.LastSeen = time.Now()
	return !ok
}

// UpdateSelf mutates the self record under the table lock.
func (t *Table) UpdateSelf(fn func(*Peer)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.peers[t.self])
}

// Self returns a copy of the self record.
func (t *Table) Self() Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.peers[t.self]
}

// Evict drops foreign peers not heard from within LivenessTimeout and
// returns their IDs.
func (t *Table) Evict() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var gone []string
	cutoff := time.Now().Add(-LivenessTimeout)
	for id, p := range t.peers {
		if p.IsSelf {
			continue
		}
		if p.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			gone = append(gone, id)
		}
	}
	return gone
}

// Snapshot returns a copy of every record, self included, sorted by ID.
func (t *Table) Snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Others returns every live foreign peer, sorted by ID.
func (t *Table) Others() []Peer {
	all := t.Snapshot()
	out := all[:0]
	for _, p := range all {
		if !p.IsSelf {
			out = append(out, p)
		}
	}
	return out
}

// Logger is the minimal logging interface accepted by the service.
type Logger interface {
	Printf(format string, v ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(format string, v ...interface{}) {}

// Config contains presence service configuration.
type Config struct {
	// OnChange is invoked when the peer set gains or loses a member
	// (optional). It must not block.
	OnChange func()

	// Logger for send errors (optional).
	Logger Logger
}

// Service broadcasts the local heartbeat and folds received frames into
// the table.
type Service struct {
	msgr      *control.Messenger
	peers     *Table
	cfg       Config
	logger    Logger
	sendFails int

	wg   sync.WaitGroup
	once sync.Once
	stop chan struct{}
}

// NewService wires presence onto the messenger. Handlers are registered
// immediately; call Start to begin broadcasting.
func NewService(m *control.Messenger, peers *Table, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	s := &Service{
		msgr:   m,
		peers:  peers,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
	}

	m.Handle(wire.TypeHeartbeat, s.onHeartbeat)
	m.Handle(wire.TypeAnnounce, s.onAnnounce)
	m.Handle(wire.TypeAnnounceReply, s.onAnnounceReply)
	return s
}

// Start broadcasts the bootstrap announce and launches the heartbeat
// timer.
func (s *Service) Start() {
	self := s.peers.Self()
	announce := wire.EncodeAnnounce(wire.Announce{IP: self.IP, Port: uint16(self.SyncPort)})
	if err := s.msgr.Broadcast(wire.TypeAnnounce, announce); err != nil {
		s.logger.Printf("bootstrap announce failed: %v", err)
	}

	s.wg.Add(1)
	go s.sendLoop()
}

// Stop halts the heartbeat timer.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Service) sendLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sendHeartbeat()
		}
	}
}

func (s *Service) sendHeartbeat() {
	self := s.peers.Self()
	hb := wire.Heartbeat{
		IsMaster:  self.IsMaster,
		SyncIP:    self.IP,
		SyncPort:  uint16(self.SyncPort),
		IsSyncing: self.IsSyncing,
		Progress:  self.Progress,
		Filename:  self.Filename,
	}
	if err := s.msgr.Broadcast(wire.TypeHeartbeat, wire.EncodeHeartbeat(hb)); err != nil {
		// Log once per N so a downed interface does not flood the log.
		if s.sendFails%30 == 0 {
			s.logger.Printf("heartbeat send failed: %v", err)
		}
		s.sendFails++
		return
	}
	s.sendFails = 0
}

func (s *Service) onHeartbeat(sender string, body []byte, src *net.UDPAddr) {
	hb, err := wire.DecodeHeartbeat(body)
	if err != nil {
		return
	}
	ip := hb.SyncIP
	if ip == nil || ip.IsUnspecified() {
		ip = src.IP
	}
	if s.peers.Upsert(sender, ip, hb) {
		s.changed()
	}
}

func (s *Service) onAnnounce(sender string, body []byte, src *net.UDPAddr) {
	a, err := wire.DecodeAnnounce(body)
	if err != nil {
		return
	}
	if s.peers.SetEndpoint(sender, announceIP(a, src), int(a.Port)) {
		s.changed()
	}

	// Reply unicast with our own endpoint so the newcomer can sync to us
	// before our next heartbeat lands.
	self := s.peers.Self()
	reply := wire.EncodeAnnounce(wire.Announce{IP: self.IP, Port: uint16(self.SyncPort)})
	if err := s.msgr.SendTo(src, wire.TypeAnnounceReply, reply); err != nil {
		s.logger.Printf("announce reply to %s failed: %v", sender, err)
	}
}

func (s *Service) onAnnounceReply(sender string, body []byte, src *net.UDPAddr) {
	a, err := wire.DecodeAnnounce(body)
	if err != nil {
		return
	}
	if s.peers.SetEndpoint(sender, announceIP(a, src), int(a.Port)) {
		s.changed()
	}
}

func (s *Service) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

func announceIP(a wire.Announce, src *net.UDPAddr) net.IP {
	if a.IP == nil || a.IP.IsUnspecified() {
		return src.IP
	}
	return a.IP
}

// EvictLoop is a convenience for callers without their own tick: it evicts
// stale peers every interval until stop closes, reporting each eviction
// through onChange.
func (t *Table) EvictLoop(interval time.Duration, stop <-chan struct{}, onChange func([]string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if gone := t.Evict(); len(gone) > 0 && onChange != nil {
				onChange(gone)
			}
		}
	}
}
