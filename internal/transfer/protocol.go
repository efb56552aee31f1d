// Package transfer implements the session-oriented bulk transport used by
// the sync engine.
//
// Session setup runs over UDP: the client sends HELLO to the peer's
// advertised sync port, the server spawns a handler bound to a fresh
// ephemeral port and replies WELCOME(port) three times to absorb loss.
// In the default TCP variant, bulk operations then run over the session's
// TCP connection: requests are {u8 cmd}{u16 arg_len be}{arg}, responses
// {u8 status} with an 8-byte big-endian size before any payload. In the UDP
// variant (ServerConfig.UDPBulk, NewBlastClient) the session port is a UDP
// socket and payloads use the blast+NACK protocol of blast.go. Cached
// sessions are revalidated with a PING before reuse and idle out
// server-side after ten seconds.
package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Handshake packet kinds (first byte of a UDP handshake datagram).
const (
	pktHello   = 0x01
	pktWelcome = 0x02
)

// Commands.
const (
	cmdList   = 0x01
	cmdGet    = 0x02
	cmdPut    = 0x03
	cmdDelete = 0x04
	cmdPing   = 0x05
)

// Response statuses.
const (
	statusOK  = 0x00
	statusErr = 0x01
)

// welcomeRepeats is how many times WELCOME is blasted back at the client.
const welcomeRepeats = 3

const (
	// sessionIdleTimeout bounds server-side handler lifetime without traffic.
	sessionIdleTimeout = 10 * time.Second

	// pingTimeout bounds session revalidation before reuse.
	pingTimeout = 200 * time.Millisecond

	// opTimeout is the per-operation socket deadline.
	opTimeout = 30 * time.Second

	// helloTimeout is how long the client waits for one WELCOME.
	helloTimeout = 500 * time.Millisecond

	// helloAttempts is how many HELLOs are sent before giving up.
	helloAttempts = 3
)

// maxArgLen bounds a request argument (a relative path).
const maxArgLen = 4096

// ErrSessionLost marks a cached session that died mid-use; callers discard
// it and re-handshake.
var ErrSessionLost = errors.New("session lost")

// ErrRejected is returned when the server answers a request with ERR.
var ErrRejected = errors.New("request rejected by peer")

// Entry is one line of a content listing.
type Entry struct {
	Rel    string `json:"rel"`
	Size   uint64 `json:"size"`
	Digest string `json:"digest"`
}

// EncodeListing renders entries as "rel|size|digest" lines, sorted by rel
// so a listing is deterministic within a run.
func EncodeListing(entries []Entry) []byte {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rel < sorted[j].Rel })
	entries = sorted

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Rel)
		b.WriteByte('|')
		b.WriteString(strconv.FormatUint(e.Size, 10))
		b.WriteByte('|')
		b.WriteString(e.Digest)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// DecodeListing parses a content listing. Malformed lines are skipped.
func DecodeListing(data []byte) []Entry {
	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		size, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Rel: parts[0], Size: size, Digest: parts[2]})
	}
	return entries
}

// CleanRelPath normalizes a received relative path: forward slashes, no
// leading separator, no traversal. Escapes and absolute paths are rejected.
func CleanRelPath(rel string) (string, error) {
	rel = strings.ReplaceAll(rel, "\\", "/")
	if strings.HasPrefix(rel, "/") {
		rel = strings.TrimLeft(rel, "/")
	}
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path escapes root: %q", rel)
	}
	if path.IsAbs(cleaned) {
		return "", fmt.Errorf("absolute path rejected: %q", rel)
	}
	return cleaned, nil
}

func writeRequest(w io.Writer, cmd byte, arg string) error {
	buf := make([]byte, 0, 3+len(arg))
	buf = append(buf, cmd)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(arg)))
	buf = append(buf, arg...)
	_, err := w.Write(buf)
	return err
}

func readRequest(r io.Reader) (byte, string, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, "", err
	}
	argLen := int(binary.BigEndian.Uint16(hdr[1:3]))
	if argLen > maxArgLen {
		return 0, "", fmt.Errorf("argument too long: %d", argLen)
	}
	arg := make([]byte, argLen)
	if _, err := io.ReadFull(r, arg); err != nil {
		return 0, "", err
	}
	return hdr[0], string(arg), nil
}

func writeStatus(w io.Writer, status byte) error {
	_, err := w.Write([]byte{status})
	return err
}

func readStatus(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeSize(w io.Writer, n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

func readSize(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
