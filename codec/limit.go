package codec

import "fmt"

// Limit wraps another codec and rejects payloads larger than MaxDecode bytes
// before Inner sees them. Encode is forwarded unchanged. MaxDecode <= 0 disables
// the check.
//
// Cache maps are written by every node in the cluster; Limit keeps one
// misbehaving writer from forcing huge allocations on readers.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxDecode int
}

func (c Limit[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("codec: payload too large: %d > %d", len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
