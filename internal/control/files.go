package control

import (
	"net"
	"os"
	"path/filepath"

	"github.com/beamlab/mapsync/internal/transfer"
	"github.com/beamlab/mapsync/internal/wire"
)

// registerFileHandlers wires the receive side of the best-effort file push.
// State is tracked per sender; a second offer from the same sender replaces
// an unfinished transfer.
func (m *Messenger) registerFileHandlers() {
	m.Handle(wire.TypeFileOffer, m.onFileOffer)
	m.Handle(wire.TypeFileChunk, m.onFileChunk)
	m.Handle(wire.TypeFileEnd, m.onFileEnd)
}

func (m *Messenger) onFileOffer(sender string, body []byte, _ *net.UDPAddr) {
	offer, err := wire.DecodeFileOffer(body)
	if err != nil {
		return
	}
	rel, err := transfer.CleanRelPath(offer.Name)
	if err != nil {
		m.logger.Printf("rejected file offer %q from %s: %v", offer.Name, sender, err)
		return
	}
	if offer.TotalSize > maxPushSize {
		m.logger.Printf("rejected oversize file offer %q (%d bytes)", rel, offer.TotalSize)
		return
	}

	// Identical content is dropped silently; replaying an offer for a file
	// we already hold writes nothing.
	if m.cfg.DigestFor != nil {
		if local, ok := m.cfg.DigestFor(rel); ok && local == offer.Digest {
			return
		}
	}

	m.recvMu.Lock()
	m.receiving[sender] = &inflight{
		name:  rel,
		total: offer.TotalSize,
		buf:   make([]byte, offer.TotalSize),
	}
	m.recvMu.Unlock()
}

func (m *Messenger) onFileChunk(sender string, body []byte, _ *net.UDPAddr) {
	chunk, err := wire.DecodeFileChunk(body)
	if err != nil {
		return
	}

	m.recvMu.Lock()
	defer m.recvMu.Unlock()

	f := m.receiving[sender]
	if f == nil {
		return // no offer in flight, or the offer was dropped as identical
	}
	end := chunk.Offset + uint64(len(chunk.Payload))
	if end > f.total {
		return
	}
	copy(f.buf[chunk.Offset:end], chunk.Payload)
}

func (m *Messenger) onFileEnd(sender string, _ []byte, _ *net.UDPAddr) {
	m.recvMu.Lock()
	f := m.receiving[sender]
	delete(m.receiving, sender)
	m.recvMu.Unlock()

	if f == nil {
		return
	}

	dst := filepath.Join(m.cfg.Root, filepath.FromSlash(f.name))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		m.logger.Printf("failed to commit pushed file %s: %v", f.name, err)
		return
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, f.buf, 0644); err != nil {
		m.logger.Printf("failed to commit pushed file %s: %v", f.name, err)
		return
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		m.logger.Printf("failed to commit pushed file %s: %v", f.name, err)
		return
	}

	if m.cfg.OnFileReceived != nil {
		m.cfg.OnFileReceived(f.name)
	}
}
