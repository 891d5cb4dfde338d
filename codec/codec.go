// Package codec turns cache values into bytes and back.
//
// Every struct codec here writes values as attribute-name to value maps, never
// as positional tuples. A reader may therefore decode an entry into any type
// whose attributes line up with the writer's, which is what cascluster.View
// relies on.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
