// Package wire defines the framed control-plane datagram format.
//
// Every frame starts with a fixed header: a 1-byte magic, a 1-byte type,
// and the 8-byte ASCII sender ID. Type-specific bodies follow, all
// big-endian. One frame occupies exactly one UDP datagram.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
)

// Magic is the first byte of every control-plane frame.
const Magic = 0xB5

// HeaderSize is the fixed frame header length.
const HeaderSize = 10

// SenderIDLength matches the node ID length.
const SenderIDLength = 8

// PresencePort is the well-known UDP port for heartbeat broadcast.
const PresencePort = 11999

// Type identifies a control-plane frame.
type Type uint8

const (
	TypeHeartbeat Type = iota + 1
	TypeAnnounce
	TypeAnnounceReply
	TypePointEdit
	TypeStructureSnapshot
	TypeFileOffer
	TypeFileChunk
	TypeFileEnd
	TypeScriptReload
	TypeScriptCall
)

// Grid selects which control-point grid a point edit targets.
type Grid uint8

const (
	GridOutput Grid = 0
	GridSource Grid = 1
)

var (
	ErrBadMagic    = errors.New("bad frame magic")
	ErrShortFrame  = errors.New("frame too short")
	ErrBadSenderID = errors.New("sender ID must be 8 bytes")
)

// Heartbeat is the periodic presence beacon.
type Heartbeat struct {
	IsMaster  bool
	SyncIP    net.IP // IPv4 of the sync endpoint
	SyncPort  uint16
	IsSyncing bool
	Progress  float32 // in [0,1]
	Filename  string  // file currently transferring, if any
}

// Announce is the startup bootstrap carrying the sync endpoint; the reply
// carries the receiver's own.
type Announce struct {
	IP   net.IP
	Port uint16
}

// PointEdit moves one control point of one surface.
type PointEdit struct {
	Owner        string // peer ID owning the surface, 8 chars
	SurfaceIndex uint16
	Grid         Grid
	PointIndex   uint16
	X, Y         float32 // normalized, in [0,1]
}

// FileOffer precedes a best-effort broadcast file push.
type FileOffer struct {
	TotalSize uint64
	Digest    string // 32-char hex
	Name      string // relative path
}

// FileChunk carries one extent of an offered file.
type FileChunk struct {
	Offset  uint64
	Payload []byte
}

// ScriptCall asks peers to run a named script hook.
type ScriptCall struct {
	Name string
	Args []byte // JSON arguments, may be empty
}

// Encode serializes a frame with the given type, sender, and body.
func Encode(t Type, senderID string, body []byte) ([]byte, error) {
	if len(senderID) != SenderIDLength {
		return nil, ErrBadSenderID
	}
	buf := make([]byte, 0, HeaderSize+len(body))
	buf = append(buf, Magic, byte(t))
	buf = append(buf, senderID...)
	buf = append(buf, body...)
	return buf, nil
}

// Decode splits a datagram into type, sender, and body.
func Decode(data []byte) (Type, string, []byte, error) {
	if len(data) < HeaderSize {
		return 0, "", nil, ErrShortFrame
	}
	if data[0] != Magic {
		return 0, "", nil, ErrBadMagic
	}
	return Type(data[1]), string(data[2:HeaderSize]), data[HeaderSize:], nil
}

// EncodeHeartbeat serializes a heartbeat body.
//
// Layout: flags u8 (bit0 master, bit1 syncing), ip [4]u8, port u16,
// progress f32, nameLen u16, name.
func EncodeHeartbeat(h Heartbeat) []byte {
	name := []byte(h.Filename)
	buf := make([]byte, 0, 13+len(name))

	var flags byte
	if h.IsMaster {
		flags |= 1
	}
	if h.IsSyncing {
		flags |= 2
	}
	buf = append(buf, flags)
	buf = append(buf, ip4(h.SyncIP)...)
	buf = binary.BigEndian.AppendUint16(buf, h.SyncPort)
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(h.Progress))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	return buf
}

// DecodeHeartbeat parses a heartbeat body.
func DecodeHeartbeat(body []byte) (Heartbeat, error) {
	if len(body) < 13 {
		return Heartbeat{}, ErrShortFrame
	}
	flags := body[0]
	h := Heartbeat{
		IsMaster:  flags&1 != 0,
		IsSyncing: flags&2 != 0,
		SyncIP:    net.IPv4(body[1], body[2], body[3], body[4]).To4(),
		SyncPort:  binary.BigEndian.Uint16(body[5:7]),
		Progress:  math.Float32frombits(binary.BigEndian.Uint32(body[7:11])),
	}
	nameLen := int(binary.BigEndian.Uint16(body[11:13]))
	if len(body) < 13+nameLen {
		return Heartbeat{}, ErrShortFrame
	}
	h.Filename = string(body[13 : 13+nameLen])
	return h, nil
}

// EncodeAnnounce serializes an announce (or reply) body.
func EncodeAnnounce(a Announce) []byte {
	buf := make([]byte, 0, 6)
	buf = append(buf, ip4(a.IP)...)
	buf = binary.BigEndian.AppendUint16(buf, a.Port)
	return buf
}

// DecodeAnnounce parses an announce body.
func DecodeAnnounce(body []byte) (Announce, error) {
	if len(body) < 6 {
		return Announce{}, ErrShortFrame
	}
	return Announce{
		IP:   net.IPv4(body[0], body[1], body[2], body[3]).To4(),
		Port: binary.BigEndian.Uint16(body[4:6]),
	}, nil
}

// EncodePointEdit serializes a point-edit body.
func EncodePointEdit(e PointEdit) ([]byte, error) {
	if len(e.Owner) != SenderIDLength {
		return nil, ErrBadSenderID
	}
	buf := make([]byte, 0, 21)
	buf = append(buf, e.Owner...)
	buf = binary.BigEndian.AppendUint16(buf, e.SurfaceIndex)
	buf = append(buf, byte(e.Grid))
	buf = binary.BigEndian.AppendUint16(buf, e.PointIndex)
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(e.X))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(e.Y))
	return buf, nil
}

// DecodePointEdit parses a point-edit body.
func DecodePointEdit(body []byte) (PointEdit, error) {
	if len(body) < 21 {
		return PointEdit{}, ErrShortFrame
	}
	return PointEdit{
		Owner:        string(body[0:8]),
		SurfaceIndex: binary.BigEndian.Uint16(body[8:10]),
		Grid:         Grid(body[10]),
		PointIndex:   binary.BigEndian.Uint16(body[11:13]),
		X:            math.Float32frombits(binary.BigEndian.Uint32(body[13:17])),
		Y:            math.Float32frombits(binary.BigEndian.Uint32(body[17:21])),
	}, nil
}

// EncodeSnapshot serializes a structure-snapshot body: len u32, JSON bytes.
func EncodeSnapshot(doc []byte) []byte {
	buf := make([]byte, 0, 4+len(doc))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(doc)))
	return append(buf, doc...)
}

// DecodeSnapshot parses a structure-snapshot body.
func DecodeSnapshot(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(body[0:4])
	if uint32(len(body)-4) < n {
		return nil, ErrShortFrame
	}
	return body[4 : 4+n], nil
}

// EncodeFileOffer serializes a file-offer body: total u64, nameLen u16,
// digest [32]u8, name.
func EncodeFileOffer(o FileOffer) ([]byte, error) {
	if len(o.Digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 hex chars, got %d", len(o.Digest))
	}
	name := []byte(o.Name)
	buf := make([]byte, 0, 42+len(name))
	buf = binary.BigEndian.AppendUint64(buf, o.TotalSize)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, o.Digest...)
	buf = append(buf, name...)
	return buf, nil
}

// DecodeFileOffer parses a file-offer body.
func DecodeFileOffer(body []byte) (FileOffer, error) {
	if len(body) < 42 {
		return FileOffer{}, ErrShortFrame
	}
	nameLen := int(binary.BigEndian.Uint16(body[8:10]))
	if len(body) < 42+nameLen {
		return FileOffer{}, ErrShortFrame
	}
	return FileOffer{
		TotalSize: binary.BigEndian.Uint64(body[0:8]),
		Digest:    string(body[10:42]),
		Name:      string(body[42 : 42+nameLen]),
	}, nil
}

// EncodeFileChunk serializes a file-chunk body: offset u64, size u32,
// payload.
func EncodeFileChunk(c FileChunk) []byte {
	buf := make([]byte, 0, 12+len(c.Payload))
	buf = binary.BigEndian.AppendUint64(buf, c.Offset)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Payload)))
	return append(buf, c.Payload...)
}

// DecodeFileChunk parses a file-chunk body.
func DecodeFileChunk(body []byte) (FileChunk, error) {
	if len(body) < 12 {
		return FileChunk{}, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(body[8:12])
	if uint32(len(body)-12) < n {
		return FileChunk{}, ErrShortFrame
	}
	return FileChunk{
		Offset:  binary.BigEndian.Uint64(body[0:8]),
		Payload: body[12 : 12+n],
	}, nil
}

// EncodeScriptCall serializes a script-call body: nameLen u16, name,
// argsLen u32, args.
func EncodeScriptCall(c ScriptCall) []byte {
	name := []byte(c.Name)
	buf := make([]byte, 0, 6+len(name)+len(c.Args))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Args)))
	return append(buf, c.Args...)
}

// DecodeScriptCall parses a script-call body.
func DecodeScriptCall(body []byte) (ScriptCall, error) {
	if len(body) < 2 {
		return ScriptCall{}, ErrShortFrame
	}
	nameLen := int(binary.BigEndian.Uint16(body[0:2]))
	if len(body) < 2+nameLen+4 {
		return ScriptCall{}, ErrShortFrame
	}
	name := string(body[2 : 2+nameLen])
	argsLen := binary.BigEndian.Uint32(body[2+nameLen : 6+nameLen])
	rest := body[6+nameLen:]
	if uint32(len(rest)) < argsLen {
		return ScriptCall{}, ErrShortFrame
	}
	return ScriptCall{Name: name, Args: rest[:argsLen]}, nil
}

func ip4(ip net.IP) []byte {
	v4 := ip.To4()
	if v4 == nil {
		return []byte{0, 0, 0, 0}
	}
	return v4
}
