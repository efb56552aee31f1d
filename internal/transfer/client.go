package transfer

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// bulkSession is one live association with a peer-side handler, either a
// TCP stream or a blast UDP pairing.
type bulkSession interface {
	Ping() bool
	List() ([]Entry, error)
	Get(rel string, w io.Writer) (uint64, error)
	Put(rel string, localPath string, progress func(sent, total uint64)) error
	Delete(rel string) error
	ServerPort() int
	Close()
}

// Client opens, caches, and reuses sessions keyed by the peer's "ip:port"
// sync endpoint.
type Client struct {
	logger  Logger
	udpBulk bool

	mu       sync.Mutex
	sessions map[string]bulkSession
}

// NewClient creates a session-caching client using the TCP bulk variant.
func NewClient(logger Logger) *Client {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Client{
		logger:   logger,
		sessions: make(map[string]bulkSession),
	}
}

// NewBlastClient creates a client using the UDP blast+NACK bulk variant.
func NewBlastClient(logger Logger) *Client {
	c := NewClient(logger)
	c.udpBulk = true
	return c
}

// Close discards every cached session.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, s := range c.sessions {
		s.Close()
		delete(c.sessions, key)
	}
}

// Drop discards the cached session for one peer, if any.
func (c *Client) Drop(peerKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[peerKey]; ok {
		s.Close()
		delete(c.sessions, peerKey)
	}
}

// acquire returns a live session for peerKey, reusing a PING-validated
// cached one or performing a fresh handshake.
func (c *Client) acquire(peerKey string) (bulkSession, error) {
	c.mu.Lock()
	cached := c.sessions[peerKey]
	c.mu.Unlock()

	if cached != nil {
		if cached.Ping() {
			return cached, nil
		}
		c.Drop(peerKey)
	}

	s, err := c.handshake(peerKey)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[peerKey] = s
	c.mu.Unlock()
	return s, nil
}

// handshake sends HELLO datagrams until a WELCOME names the session port,
// then attaches the variant's transport to it.
func (c *Client) handshake(peerKey string) (bulkSession, error) {
	raddr, err := net.ResolveUDPAddr("udp4", peerKey)
	if err != nil {
		return nil, fmt.Errorf("bad peer key %q: %w", peerKey, err)
	}

	udp, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open handshake socket: %w", err)
	}
	defer udp.Close()

	var port int
	buf := make([]byte, 64)
	for attempt := 0; attempt < helloAttempts; attempt++ {
		if _, err := udp.Write([]byte{pktHello}); err != nil {
			return nil, fmt.Errorf("failed to send HELLO: %w", err)
		}
		udp.SetReadDeadline(time.Now().Add(helloTimeout))
		n, err := udp.Read(buf)
		if err != nil || n < 3 || buf[0] != pktWelcome {
			continue
		}
		port = int(buf[1])<<8 | int(buf[2])
		break
	}
	if port == 0 {
		return nil, fmt.Errorf("no WELCOME from %s after %d attempts", peerKey, helloAttempts)
	}

	host, _, err := net.SplitHostPort(peerKey)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, fmt.Sprint(port))

	if c.udpBulk {
		sessAddr, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			return nil, err
		}
		conn, err := net.DialUDP("udp4", nil, sessAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial session port %d: %w", port, err)
		}
		c.logger.Printf("blast session open to %s on port %d", peerKey, port)
		return &blastClientSession{io: connIO{conn}, conn: conn, serverPort: port}, nil
	}

	conn, err := net.DialTimeout("tcp4", addr, opTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial session port %d: %w", port, err)
	}
	c.logger.Printf("session open to %s on port %d", peerKey, port)
	return &tcpSession{conn: conn, serverPort: port}, nil
}

// withSession runs op against a live session; a transport failure discards
// the cached session so the next call re-handshakes.
func (c *Client) withSession(peerKey string, op func(bulkSession) error) error {
	s, err := c.acquire(peerKey)
	if err != nil {
		return err
	}
	if err := op(s); err != nil {
		if err != ErrRejected {
			c.Drop(peerKey)
		}
		return err
	}
	return nil
}

// List fetches the peer's content set.
func (c *Client) List(peerKey string) ([]Entry, error) {
	var entries []Entry
	err := c.withSession(peerKey, func(s bulkSession) error {
		var err error
		entries, err = s.List()
		return err
	})
	return entries, err
}

// Put streams the local file at localPath to the peer as rel. The optional
// progress callback observes (sent, total) byte counts.
func (c *Client) Put(peerKey, rel, localPath string, progress func(sent, total uint64)) error {
	return c.withSession(peerKey, func(s bulkSession) error {
		return s.Put(rel, localPath, progress)
	})
}

// Get streams the peer's file rel into w and returns the byte count.
func (c *Client) Get(peerKey, rel string, w io.Writer) (uint64, error) {
	var total uint64
	err := c.withSession(peerKey, func(s bulkSession) error {
		var err error
		total, err = s.Get(rel, w)
		return err
	})
	return total, err
}

// Delete removes the peer's file rel.
func (c *Client) Delete(peerKey, rel string) error {
	return c.withSession(peerKey, func(s bulkSession) error {
		return s.Delete(rel)
	})
}

// tcpSession is the TCP bulk variant: one long-lived connection carrying
// framed commands and length-prefixed payloads.
type tcpSession struct {
	conn       net.Conn
	serverPort int
}

func (s *tcpSession) ServerPort() int { return s.serverPort }

func (s *tcpSession) Close() { s.conn.Close() }

// Ping revalidates the session within pingTimeout.
func (s *tcpSession) Ping() bool {
	s.conn.SetDeadline(time.Now().Add(pingTimeout))
	if err := writeRequest(s.conn, cmdPing, ""); err != nil {
		return false
	}
	status, err := readStatus(s.conn)
	return err == nil && status == statusOK
}

func (s *tcpSession) List() ([]Entry, error) {
	s.conn.SetDeadline(time.Now().Add(opTimeout))
	if err := writeRequest(s.conn, cmdList, ""); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	status, err := readStatus(s.conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	if status != statusOK {
		return nil, ErrRejected
	}
	size, err := readSize(s.conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	return DecodeListing(payload), nil
}

func (s *tcpSession) Put(rel, localPath string, progress func(sent, total uint64)) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	total := uint64(info.Size())

	s.conn.SetDeadline(time.Now().Add(opTimeout))
	if err := writeRequest(s.conn, cmdPut, rel); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	if err := writeSize(s.conn, total); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}

	var sent uint64
	chunk := make([]byte, 256*1024)
	for sent < total {
		n, rerr := f.Read(chunk)
		if n > 0 {
			s.conn.SetWriteDeadline(time.Now().Add(opTimeout))
			if _, werr := s.conn.Write(chunk[:n]); werr != nil {
				return fmt.Errorf("%w: %v", ErrSessionLost, werr)
			}
			sent += uint64(n)
			if progress != nil {
				progress(sent, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if sent != total {
		return fmt.Errorf("%w: short read of %s", ErrSessionLost, localPath)
	}

	s.conn.SetReadDeadline(time.Now().Add(opTimeout))
	status, err := readStatus(s.conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	if status != statusOK {
		return ErrRejected
	}
	return nil
}

func (s *tcpSession) Get(rel string, w io.Writer) (uint64, error) {
	s.conn.SetDeadline(time.Now().Add(opTimeout))
	if err := writeRequest(s.conn, cmdGet, rel); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	status, err := readStatus(s.conn)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	if status != statusOK {
		return 0, ErrRejected
	}
	size, err := readSize(s.conn)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	if _, err := io.CopyN(w, s.conn, int64(size)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	return size, nil
}

func (s *tcpSession) Delete(rel string) error {
	s.conn.SetDeadline(time.Now().Add(opTimeout))
	if err := writeRequest(s.conn, cmdDelete, rel); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	status, err := readStatus(s.conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	if status != statusOK {
		return ErrRejected
	}
	return nil
}

// blastClientSession is the UDP bulk variant: commands and payloads share
// one datagram pairing; payloads ride the blast+NACK protocol.
type blastClientSession struct {
	io         packetIO
	conn       *net.UDPConn
	serverPort int
}

func (s *blastClientSession) ServerPort() int { return s.serverPort }

func (s *blastClientSession) Close() { s.conn.Close() }

func (s *blastClientSession) Ping() bool {
	if err := s.io.write(blastHeader(bpPing, 0, 0)); err != nil {
		return false
	}
	buf := make([]byte, blastHeaderSize+UDPPayloadSize)
	deadline := time.Now().Add(pingTimeout)
	for {
		n, err := s.io.read(buf, deadline)
		if err != nil {
			return false
		}
		if n >= blastHeaderSize && buf[0] == bpPong {
			return true
		}
	}
}

// request retries a command until its status lands; requests and statuses
// are single datagrams and may be lost independently of the payload.
func (s *blastClientSession) request(cmd byte, arg string) (byte, error) {
	for attempt := 0; attempt < helloAttempts; attempt++ {
		if err := writeBlastRequest(s.io, cmd, arg); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSessionLost, err)
		}
		status, err := readBlastStatus(s.io, helloTimeout)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return 0, fmt.Errorf("%w: %v", ErrSessionLost, err)
		}
		return status, nil
	}
	return 0, fmt.Errorf("%w: no status for command %d", ErrSessionLost, cmd)
}

func (s *blastClientSession) List() ([]Entry, error) {
	status, err := s.request(cmdList, "")
	if err != nil {
		return nil, err
	}
	if status != statusOK {
		return nil, ErrRejected
	}
	payload, err := recvBlast(s.io)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	return DecodeListing(payload), nil
}

func (s *blastClientSession) Put(rel, localPath string, progress func(sent, total uint64)) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	status, err := s.request(cmdPut, rel)
	if err != nil {
		return err
	}
	if status != statusOK {
		return ErrRejected
	}

	if err := sendBlast(s.io, data, progress); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}

	status, err = readBlastStatus(s.io, opTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	if status != statusOK {
		return ErrRejected
	}
	return nil
}

func (s *blastClientSession) Get(rel string, w io.Writer) (uint64, error) {
	status, err := s.request(cmdGet, rel)
	if err != nil {
		return 0, err
	}
	if status != statusOK {
		return 0, ErrRejected
	}
	payload, err := recvBlast(s.io)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return uint64(len(payload)), nil
}

func (s *blastClientSession) Delete(rel string) error {
	status, err := s.request(cmdDelete, rel)
	if err != nil {
		return err
	}
	if status != statusOK {
		return ErrRejected
	}
	return nil
}
