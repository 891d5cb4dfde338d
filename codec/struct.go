package codec

import (
	"encoding/json"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Struct stores V as a protobuf google.protobuf.Struct: an attribute map that
// any protobuf-speaking consumer can read without V's schema. V goes through
// its JSON form first, so `json` tags name the attributes. Numbers come back
// as float64 before being decoded into V.
type Struct[V any] struct{}

var _ Codec[struct{}] = Struct[struct{}]{}

func (Struct[V]) Encode(v V) ([]byte, error) {
	attrs, err := toAttributes(v)
	if err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(attrs)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

func (Struct[V]) Decode(b []byte) (V, error) {
	var v V
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return v, err
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(raw, &v)
	return v, err
}

func toAttributes(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}
