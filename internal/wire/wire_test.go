package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"
)

func mustDecodeEntry(t *testing.T, b []byte) Entry {
	t.Helper()
	e, err := DecodeEntry(b)
	if err != nil {
		t.Fatalf("DecodeEntry error: %v", err)
	}
	return e
}

func mustDecodeFrame(t *testing.T, b []byte) Frame {
	t.Helper()
	f, err := DecodeFrame(b)
	if err != nil {
		t.Fatalf("DecodeFrame error: %v", err)
	}
	return f
}

func TestEntryRoundTrip(t *testing.T) {
	cases := []Entry{
		{},
		{Writer: "node-a", At: 1700000000000, Payload: []byte("hello")},
		{Writer: strings.Repeat("w", 0xFFFF), At: math.MaxInt64, Payload: []byte{0, 1, 2}},
		{At: -1, Payload: nil},
	}
	for _, tc := range cases {
		got := mustDecodeEntry(t, EncodeEntry(tc))
		if got.Writer != tc.Writer || got.At != tc.At || !bytes.Equal(got.Payload, tc.Payload) {
			t.Fatalf("mismatch: got=%+v want=%+v", got, tc)
		}
	}
}

func TestEntryRejectsTrailingBytes(t *testing.T) {
	enc := EncodeEntry(Entry{Writer: "n", At: 7, Payload: []byte("x")})
	enc = append(enc, 0xDE, 0xAD)
	if _, err := DecodeEntry(enc); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestEntryCorruptHeadersAndLengths(t *testing.T) {
	enc := EncodeEntry(Entry{Writer: "n", At: 1, Payload: []byte("abc")})

	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, err := DecodeEntry(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, err := DecodeEntry(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	badKind := append([]byte(nil), enc...)
	badKind[5] = KindEvent
	if _, err := DecodeEntry(badKind); err == nil {
		t.Fatalf("expected error on bad kind")
	}

	// wlen at 14..15 (4 magic +1 ver +1 kind +8 at)
	badWlen := append([]byte(nil), enc...)
	binary.BigEndian.PutUint16(badWlen[14:16], 200)
	if _, err := DecodeEntry(badWlen); err == nil {
		t.Fatalf("expected error on wlen beyond buffer")
	}

	// vlen follows the 1-byte writer
	tooLong := append([]byte(nil), enc...)
	binary.BigEndian.PutUint32(tooLong[17:21], uint32(len("abc")+1))
	if _, err := DecodeEntry(tooLong); err == nil {
		t.Fatalf("expected error on vlen beyond buffer")
	}

	if _, err := DecodeEntry(enc[:len(enc)-1]); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}
	if _, err := DecodeEntry(nil); err == nil {
		t.Fatalf("expected error on empty buffer")
	}
}

func TestEntryZeroCopyPayload(t *testing.T) {
	enc := EncodeEntry(Entry{Payload: []byte("Z")})
	e := mustDecodeEntry(t, enc)
	e.Payload[0] = 'Q'
	if mustDecodeEntry(t, enc).Payload[0] != 'Q' {
		t.Fatalf("expected zero-copy slice into enc buffer")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	for _, kind := range []byte{KindEvent, KindRequest, KindResponse} {
		in := Frame{Kind: kind, Origin: "node-b", Body: []byte{9, 8, 7}}
		got := mustDecodeFrame(t, EncodeFrame(in))
		if got.Kind != in.Kind || got.Origin != in.Origin || !bytes.Equal(got.Body, in.Body) {
			t.Fatalf("mismatch: got=%+v want=%+v", got, in)
		}
	}
	got := mustDecodeFrame(t, EncodeFrame(Frame{Kind: KindEvent}))
	if got.Origin != "" || len(got.Body) != 0 {
		t.Fatalf("empty frame: %+v", got)
	}
}

func TestFrameRejectsEntriesAndUnknownKinds(t *testing.T) {
	entry := EncodeEntry(Entry{Payload: []byte("x")})
	if _, err := DecodeFrame(entry); err == nil {
		t.Fatalf("entry must not decode as a frame")
	}
	enc := EncodeFrame(Frame{Kind: KindRequest, Origin: "a", Body: []byte("b")})
	bad := append([]byte(nil), enc...)
	bad[5] = 99
	if _, err := DecodeFrame(bad); err == nil {
		t.Fatalf("expected error on unknown kind")
	}
	if _, err := DecodeFrame(append(enc, 0)); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
	if _, err := DecodeFrame(enc[:len(enc)-1]); err == nil {
		t.Fatalf("expected error on truncated body")
	}
}

func TestEncodeFramePanicsOnEntryKind(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	EncodeFrame(Frame{Kind: KindEntry})
}
