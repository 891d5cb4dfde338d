package codec

import (
	"bytes"
	"strings"
	"testing"
)

type userV1 struct {
	ID    int    `json:"id" msgpack:"id" cbor:"id"`
	Name  string `json:"name" msgpack:"name" cbor:"name"`
	Email string `json:"email" msgpack:"email" cbor:"email"`
}

// userView shares two attributes with userV1 and adds one it does not have.
type userView struct {
	Name  string `json:"name" msgpack:"name" cbor:"name"`
	ID    int    `json:"id" msgpack:"id" cbor:"id"`
	Admin bool   `json:"admin" msgpack:"admin" cbor:"admin"`
}

func crossRead[W, R any](t *testing.T, enc Codec[W], dec Codec[R], in W) R {
	t.Helper()
	b, err := enc.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := dec.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestAttributeCompatibleReads(t *testing.T) {
	in := userV1{ID: 7, Name: "ada", Email: "ada@example.com"}
	want := userView{Name: "ada", ID: 7}

	if got := crossRead[userV1, userView](t, Msgpack[userV1]{}, Msgpack[userView]{}, in); got != want {
		t.Fatalf("msgpack: got %+v", got)
	}
	if got := crossRead[userV1, userView](t, JSON[userV1]{}, JSON[userView]{}, in); got != want {
		t.Fatalf("json: got %+v", got)
	}
	if got := crossRead[userV1, userView](t, MustCBOR[userV1](true), MustCBOR[userView](false), in); got != want {
		t.Fatalf("cbor: got %+v", got)
	}
	if got := crossRead[userV1, userView](t, Struct[userV1]{}, Struct[userView]{}, in); got != want {
		t.Fatalf("structpb: got %+v", got)
	}
}

func TestMsgpackDeterministic(t *testing.T) {
	m := map[string]any{"e": 5, "b": 2, "a": 1, "d": "four", "c": 3}
	a, err := Msgpack[map[string]any]{}.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200; i++ {
		b, _ := Msgpack[map[string]any]{}.Encode(m)
		if !bytes.Equal(a, b) {
			t.Fatalf("map[string]any encoding not stable on pass %d", i)
		}
	}

	u := userV1{ID: 1, Name: "ada", Email: "ada@example.com"}
	x, _ := Msgpack[userV1]{}.Encode(u)
	for i := 0; i < 50; i++ {
		y, _ := Msgpack[userV1]{}.Encode(u)
		if !bytes.Equal(x, y) {
			t.Fatalf("struct encoding not stable")
		}
	}
}

func TestDecodeGarbageFails(t *testing.T) {
	garbage := []byte{0xc1, 0xff, 0x00}
	if _, err := (Msgpack[userV1]{}).Decode(garbage); err == nil {
		t.Fatalf("msgpack should reject garbage")
	}
	if _, err := (JSON[userV1]{}).Decode(garbage); err == nil {
		t.Fatalf("json should reject garbage")
	}
	if _, err := (Struct[userV1]{}).Decode([]byte{0xff, 0xff}); err == nil {
		t.Fatalf("structpb should reject garbage")
	}
}

func TestStructRejectsNonObject(t *testing.T) {
	if _, err := (Struct[int]{}).Encode(5); err == nil {
		t.Fatalf("scalar has no attributes")
	}
}

func TestLimit(t *testing.T) {
	c := Limit[string]{Inner: String{}, MaxDecode: 4}
	if _, err := c.Decode([]byte("12345")); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size error, got %v", err)
	}
	if v, err := c.Decode([]byte("1234")); err != nil || v != "1234" {
		t.Fatalf("within limit: v=%q err=%v", v, err)
	}
	if v, err := (Limit[string]{Inner: String{}}).Decode([]byte("anything")); err != nil || v != "anything" {
		t.Fatalf("disabled limit: v=%q err=%v", v, err)
	}
}
