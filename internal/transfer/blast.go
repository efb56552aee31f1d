package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// UDPPayloadSize bounds the data carried by one blast packet.
const UDPPayloadSize = 1200

// blastHeaderSize is the fixed packet header: type u8, seq u32 be,
// total u32 be. Sequence numbers start at 1; seq 0 is the sentinel for
// size headers and session control.
const blastHeaderSize = 9

// Blast packet and session-control types.
const (
	bpData   = 0x10
	bpSize   = 0x11 // seq 0; payload is the transfer byte size (u64)
	bpDone   = 0x12
	bpNack   = 0x13 // payload is a batch of missing seqs (u32 each)
	bpAck    = 0x14
	bpReq    = 0x20 // payload is {u8 cmd}{u16 arg_len}{arg}
	bpStatus = 0x21 // payload is one status byte
	bpPing   = 0x22
	bpPong   = 0x23
)

const (
	// maxNackBatch bounds missing sequences reported per NACK.
	maxNackBatch = 64

	// blastQuietWindow is how long without progress before the receiver
	// NACKs, and how long the sender waits between DONE probes.
	blastQuietWindow = 200 * time.Millisecond

	// blastDeadline bounds one whole transfer.
	blastDeadline = 30 * time.Second

	// maxBlastSize bounds the receive buffer a size sentinel may request.
	maxBlastSize = 1 << 28

	// burstPause is the micro-sleep every burstLen packets that bounds
	// burst loss on the first emission.
	burstLen   = 64
	burstPause = 200 * time.Microsecond
)

// errBlastTimeout marks a transfer that never converged.
var errBlastTimeout = errors.New("blast transfer timed out")

// packetIO is one direction-agnostic datagram channel: the client side is
// a connected UDP socket, the server side an unconnected socket filtered
// to one remote. Tests inject loss through it.
type packetIO interface {
	write(b []byte) error
	read(b []byte, deadline time.Time) (int, error)
}

// connIO adapts a connected *net.UDPConn.
type connIO struct {
	conn *net.UDPConn
}

func (c connIO) write(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

func (c connIO) read(b []byte, deadline time.Time) (int, error) {
	c.conn.SetReadDeadline(deadline)
	return c.conn.Read(b)
}

// boundIO adapts an unconnected socket bound to a session, dropping
// datagrams from other remotes.
type boundIO struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

func (s boundIO) write(b []byte) error {
	_, err := s.conn.WriteToUDP(b, s.peer)
	return err
}

func (s boundIO) read(b []byte, deadline time.Time) (int, error) {
	for {
		s.conn.SetReadDeadline(deadline)
		n, from, err := s.conn.ReadFromUDP(b)
		if err != nil {
			return 0, err
		}
		if from.IP.Equal(s.peer.IP) && from.Port == s.peer.Port {
			return n, nil
		}
	}
}

func blastHeader(t byte, seq, total uint32) []byte {
	h := make([]byte, blastHeaderSize)
	h[0] = t
	binary.BigEndian.PutUint32(h[1:5], seq)
	binary.BigEndian.PutUint32(h[5:9], total)
	return h
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// sendBlast pushes data: every packet once, then DONE probes serviced by
// NACK until the receiver acknowledges. Convergence holds for any loss
// rate below total; there is no backoff, only the burst micro-sleep.
func sendBlast(p packetIO, data []byte, progress func(sent, total uint64)) error {
	totalPkts := uint32((len(data) + UDPPayloadSize - 1) / UDPPayloadSize)

	sizePkt := append(blastHeader(bpSize, 0, totalPkts), make([]byte, 8)...)
	binary.BigEndian.PutUint64(sizePkt[blastHeaderSize:], uint64(len(data)))
	for i := 0; i < 3; i++ {
		if err := p.write(sizePkt); err != nil {
			return err
		}
	}

	emit := func(seq uint32) error {
		off := int(seq-1) * UDPPayloadSize
		end := off + UDPPayloadSize
		if end > len(data) {
			end = len(data)
		}
		pkt := append(blastHeader(bpData, seq, totalPkts), data[off:end]...)
		return p.write(pkt)
	}

	for seq := uint32(1); seq <= totalPkts; seq++ {
		if err := emit(seq); err != nil {
			return err
		}
		if seq%burstLen == 0 {
			time.Sleep(burstPause)
			if progress != nil {
				progress(uint64(seq)*UDPPayloadSize, uint64(len(data)))
			}
		}
	}

	buf := make([]byte, blastHeaderSize+UDPPayloadSize)
	deadline := time.Now().Add(blastDeadline)
	for time.Now().Before(deadline) {
		if err := p.write(blastHeader(bpDone, 0, totalPkts)); err != nil {
			return err
		}

		n, err := p.read(buf, time.Now().Add(blastQuietWindow))
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}
		if n < blastHeaderSize {
			continue
		}
		switch buf[0] {
		case bpAck:
			if progress != nil {
				progress(uint64(len(data)), uint64(len(data)))
			}
			return nil
		case bpNack:
			for off := blastHeaderSize; off+4 <= n; off += 4 {
				seq := binary.BigEndian.Uint32(buf[off : off+4])
				if seq >= 1 && seq <= totalPkts {
					if err := emit(seq); err != nil {
						return err
					}
				}
			}
		}
	}
	return errBlastTimeout
}

// recvBlast assembles a transfer: a bitmap of received sequences, NACK on
// a quiet window without progress, ACK once complete.
func recvBlast(p packetIO) ([]byte, error) {
	var (
		data      []byte
		got       []bool
		totalPkts uint32
		received  uint32
		sized     bool
	)

	sendNack := func() error {
		if !sized || received == totalPkts {
			return nil
		}
		pkt := blastHeader(bpNack, 0, totalPkts)
		count := 0
		for seq := uint32(1); seq <= totalPkts && count < maxNackBatch; seq++ {
			if !got[seq-1] {
				pkt = binary.BigEndian.AppendUint32(pkt, seq)
				count++
			}
		}
		return p.write(pkt)
	}

	buf := make([]byte, blastHeaderSize+UDPPayloadSize)
	deadline := time.Now().Add(blastDeadline)
	for time.Now().Before(deadline) {
		n, err := p.read(buf, time.Now().Add(blastQuietWindow))
		if err != nil {
			if isTimeout(err) {
				// Quiet window without completion: chase the holes.
				if err := sendNack(); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		if n < blastHeaderSize {
			continue
		}

		t := buf[0]
		seq := binary.BigEndian.Uint32(buf[1:5])
		total := binary.BigEndian.Uint32(buf[5:9])

		switch t {
		case bpSize:
			if sized || n < blastHeaderSize+8 {
				continue
			}
			size := binary.BigEndian.Uint64(buf[blastHeaderSize : blastHeaderSize+8])
			if size > maxBlastSize {
				return nil, fmt.Errorf("blast size %d exceeds limit", size)
			}
			data = make([]byte, size)
			got = make([]bool, total)
			totalPkts = total
			sized = true

		case bpData:
			if !sized || seq < 1 || seq > totalPkts || got[seq-1] {
				continue
			}
			off := int(seq-1) * UDPPayloadSize
			end := off + (n - blastHeaderSize)
			if end > len(data) {
				continue
			}
			copy(data[off:end], buf[blastHeaderSize:n])
			got[seq-1] = true
			received++

		case bpDone:
			if sized && received == totalPkts {
				ack := blastHeader(bpAck, 0, totalPkts)
				for i := 0; i < 3; i++ {
					if err := p.write(ack); err != nil {
						return nil, err
					}
				}
				return data, nil
			}
			if err := sendNack(); err != nil {
				return nil, err
			}
		}

		if sized && received == totalPkts && totalPkts == 0 {
			// Zero-byte transfer: nothing to wait for beyond the sentinel.
			ack := blastHeader(bpAck, 0, 0)
			for i := 0; i < 3; i++ {
				if err := p.write(ack); err != nil {
					return nil, err
				}
			}
			return data, nil
		}
	}
	return nil, errBlastTimeout
}

// writeBlastRequest frames a command as a session-control packet.
func writeBlastRequest(p packetIO, cmd byte, arg string) error {
	pkt := blastHeader(bpReq, 0, 0)
	pkt = append(pkt, cmd)
	pkt = binary.BigEndian.AppendUint16(pkt, uint16(len(arg)))
	pkt = append(pkt, arg...)
	return p.write(pkt)
}

// readBlastStatus waits for a status packet, skipping unrelated traffic.
func readBlastStatus(p packetIO, timeout time.Duration) (byte, error) {
	buf := make([]byte, blastHeaderSize+UDPPayloadSize)
	deadline := time.Now().Add(timeout)
	for {
		n, err := p.read(buf, deadline)
		if err != nil {
			return 0, err
		}
		if n >= blastHeaderSize+1 && buf[0] == bpStatus {
			return buf[blastHeaderSize], nil
		}
	}
}

func writeBlastStatus(p packetIO, status byte) error {
	return p.write(append(blastHeader(bpStatus, 0, 0), status))
}
