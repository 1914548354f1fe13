// Package codec converts cached values and push frames to and from bytes.
//
// Spilled entries use Codec[listsync.SpillRecord] (Msgpack by default); the
// websocket stream decodes signal frames with any codec that yields a
// listsync.Signal.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Names lists the codecs ByName accepts.
var Names = []string{"msgpack", "json", "cbor"}

// ByName returns the named codec for V ("" => msgpack). A positive
// maxDecode wraps it in Limit.
func ByName[V any](name string, maxDecode int) (Codec[V], error) {
	var c Codec[V]
	switch name {
	case "", "msgpack":
		c = Msgpack[V]{}
	case "json":
		c = JSON[V]{}
	case "cbor":
		cb, err := NewCBOR[V](false)
		if err != nil {
			return nil, err
		}
		c = cb
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
	if maxDecode > 0 {
		c = Limit[V]{Inner: c, MaxDecode: maxDecode}
	}
	return c, nil
}
