package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1

	KindEntry    byte = 1 // stored cache entry
	KindEvent    byte = 2 // broadcast or private event
	KindRequest  byte = 3 // layer call
	KindResponse byte = 4 // layer reply
)

var (
	ErrCorrupt = errors.New("cascluster: corrupt frame")
	magic4     = [...]byte{'C', 'A', 'S', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry is a stored cache value.
type Entry struct {
	Writer  string // node id of the last writer
	At      int64  // unix millis of the write
	Payload []byte // codec output
}

// Frame is a cluster message. Body is opaque to this package.
type Frame struct {
	Kind   byte
	Origin string // sending node id
	Body   []byte
}

// EncodeEntry:
//
//	magic(4) | ver(1) | kind(1=entry) | at(i64 be) | wlen(u16 be) | writer(wlen) | vlen(u32 be) | payload(vlen)
func EncodeEntry(e Entry) []byte {
	if len(e.Writer) > 0xFFFF {
		panic("cascluster: writer id too long")
	}
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 2 + len(e.Writer) + 4 + len(e.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(KindEntry)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(e.At))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Writer)))
	buf.Write(u2[:])
	buf.WriteString(e.Writer)

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])
	buf.Write(e.Payload)
	return buf.Bytes()
}

// DecodeEntry is strict: trailing bytes are corruption. Payload aliases b.
func DecodeEntry(b []byte) (Entry, error) {
	const hdr = 4 + 1 + 1 + 8 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != KindEntry {
		return Entry{}, ErrCorrupt
	}
	off := 6

	at := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	writer, off, ok := readString16(b, off)
	if !ok {
		return Entry{}, ErrCorrupt
	}
	payload, off, ok := readBytes32(b, off)
	if !ok || off != len(b) {
		return Entry{}, ErrCorrupt
	}
	return Entry{Writer: writer, At: at, Payload: payload}, nil
}

// EncodeFrame:
//
//	magic(4) | ver(1) | kind(1) | olen(u16 be) | origin(olen) | blen(u32 be) | body(blen)
func EncodeFrame(f Frame) []byte {
	if f.Kind == KindEntry || f.Kind == 0 {
		panic("cascluster: invalid frame kind")
	}
	if len(f.Origin) > 0xFFFF {
		panic("cascluster: origin id too long")
	}
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 2 + len(f.Origin) + 4 + len(f.Body))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(f.Kind)

	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint16(u2[:], uint16(len(f.Origin)))
	buf.Write(u2[:])
	buf.WriteString(f.Origin)

	binary.BigEndian.PutUint32(u4[:], uint32(len(f.Body)))
	buf.Write(u4[:])
	buf.Write(f.Body)
	return buf.Bytes()
}

// DecodeFrame rejects entries, unknown kinds and trailing bytes. Body aliases b.
func DecodeFrame(b []byte) (Frame, error) {
	const hdr = 4 + 1 + 1
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return Frame{}, ErrCorrupt
	}
	kind := b[5]
	switch kind {
	case KindEvent, KindRequest, KindResponse:
	default:
		return Frame{}, ErrCorrupt
	}
	origin, off, ok := readString16(b, hdr)
	if !ok {
		return Frame{}, ErrCorrupt
	}
	body, off, ok := readBytes32(b, off)
	if !ok || off != len(b) {
		return Frame{}, ErrCorrupt
	}
	return Frame{Kind: kind, Origin: origin, Body: body}, nil
}

func readString16(b []byte, off int) (string, int, bool) {
	if off+2 > len(b) {
		return "", off, false
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if n > len(b)-off {
		return "", off, false
	}
	return string(b[off : off+n]), off + n, true
}

func readBytes32(b []byte, off int) ([]byte, int, bool) {
	if off+4 > len(b) {
		return nil, off, false
	}
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if n < 0 || n > len(b)-off { // overflow-safe bound check
		return nil, off, false
	}
	return b[off : off+n], off + n, true
}
