package transfer

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// startBlastSession serves one session over the UDP blast variant: a fresh
// ephemeral datagram socket replaces the per-session TCP listener. The
// pairing locks onto the first remote that speaks from the client's IP.
func (s *Server) startBlastSession(client *net.UDPAddr) {
	defer s.wg.Done()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		s.logger.Printf("failed to bind blast session socket: %v", err)
		return
	}
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	welcome := make([]byte, 3)
	welcome[0] = pktWelcome
	binary.BigEndian.PutUint16(welcome[1:3], uint16(port))
	for i := 0; i < welcomeRepeats; i++ {
		s.udp.WriteToUDP(welcome, client)
	}

	// The client dials from a fresh socket, so only its IP is known until
	// the first datagram arrives.
	buf := make([]byte, blastHeaderSize+UDPPayloadSize)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var peer *net.UDPAddr
	var first []byte
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			s.logger.Printf("blast session on port %d: client never spoke: %v", port, err)
			return
		}
		if !from.IP.Equal(client.IP) {
			continue
		}
		peer = from
		first = append([]byte(nil), buf[:n]...)
		break
	}

	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
	}()

	sessionID := uuid.NewString()[:8]
	s.logger.Printf("blast session %s: open from %s on port %d", sessionID, peer.IP, port)

	p := boundIO{conn: conn, peer: peer}
	if !s.handleBlastPacket(sessionID, p, first) {
		return
	}
	s.serveBlast(sessionID, p)
}

func (s *Server) serveBlast(sessionID string, p packetIO) {
	buf := make([]byte, blastHeaderSize+UDPPayloadSize)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		n, err := p.read(buf, time.Now().Add(sessionIdleTimeout))
		if err != nil {
			s.logger.Printf("blast session %s: closed: %v", sessionID, err)
			return
		}
		if !s.handleBlastPacket(sessionID, p, buf[:n]) {
			return
		}
	}
}

// handleBlastPacket services one session-control packet. It returns false
// when the session must end.
func (s *Server) handleBlastPacket(sessionID string, p packetIO, pkt []byte) bool {
	if len(pkt) < blastHeaderSize {
		return true
	}

	switch pkt[0] {
	case bpPing:
		if err := p.write(blastHeader(bpPong, 0, 0)); err != nil {
			return false
		}
		return true

	case bpReq:
		cmd, arg, ok := parseBlastRequest(pkt)
		if !ok {
			return true
		}
		if err := s.handleBlastRequest(p, cmd, arg); err != nil {
			s.logger.Printf("blast session %s: %v", sessionID, err)
			return false
		}
		return true
	}

	// Stray blast traffic from a finished transfer; ignore.
	return true
}

func parseBlastRequest(pkt []byte) (byte, string, bool) {
	body := pkt[blastHeaderSize:]
	if len(body) < 3 {
		return 0, "", false
	}
	argLen := int(binary.BigEndian.Uint16(body[1:3]))
	if argLen > maxArgLen || len(body) < 3+argLen {
		return 0, "", false
	}
	return body[0], string(body[3 : 3+argLen]), true
}

func (s *Server) handleBlastRequest(p packetIO, cmd byte, arg string) error {
	switch cmd {
	case cmdList:
		var entries []Entry
		if s.cfg.List != nil {
			entries = s.cfg.List()
		}
		if err := writeBlastStatus(p, statusOK); err != nil {
			return err
		}
		return sendBlast(p, EncodeListing(entries), nil)

	case cmdGet:
		rel, err := CleanRelPath(arg)
		if err != nil {
			s.logger.Printf("rejected GET %q: %v", arg, err)
			return writeBlastStatus(p, statusErr)
		}
		data, err := os.ReadFile(filepath.Join(s.cfg.Root, filepath.FromSlash(rel)))
		if err != nil {
			return writeBlastStatus(p, statusErr)
		}
		if err := writeBlastStatus(p, statusOK); err != nil {
			return err
		}
		return sendBlast(p, data, nil)

	case cmdPut:
		rel, err := CleanRelPath(arg)
		if err != nil {
			s.logger.Printf("rejected PUT %q: %v", arg, err)
			return writeBlastStatus(p, statusErr)
		}
		if err := writeBlastStatus(p, statusOK); err != nil {
			return err
		}
		data, err := recvBlast(p)
		if err != nil {
			return writeBlastStatus(p, statusErr)
		}
		if err := s.commitBlastFile(rel, data); err != nil {
			s.logger.Printf("failed to commit %s: %v", rel, err)
			return writeBlastStatus(p, statusErr)
		}
		if s.cfg.Received != nil {
			s.cfg.Received(rel)
		}
		return writeBlastStatus(p, statusOK)

	case cmdDelete:
		rel, err := CleanRelPath(arg)
		if err != nil {
			s.logger.Printf("rejected DELETE %q: %v", arg, err)
			return writeBlastStatus(p, statusErr)
		}
		if err := os.Remove(filepath.Join(s.cfg.Root, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
			return writeBlastStatus(p, statusErr)
		}
		if s.cfg.Deleted != nil {
			s.cfg.Deleted(rel)
		}
		return writeBlastStatus(p, statusOK)
	}
	return writeBlastStatus(p, statusErr)
}

func (s *Server) commitBlastFile(rel string, data []byte) error {
	dst := filepath.Join(s.cfg.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
