// Package wire frames spilled cache entries.
//
// Frame layout (big endian):
//
//	magic(4) | ver(1) | kind(1) | gen(u64) | keyHash(u64) | vlen(u32) | payload(vlen)
//
// gen is the query key generation at spill time and keyHash guards against
// hash-prefixed storage keys colliding. Trailing bytes are treated as corruption.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	version byte = 1
	hdrLen       = 4 + 1 + 1 + 8 + 8 + 4
)

// Kinds of spilled values.
const (
	KindItem    byte = 1
	KindList    byte = 2
	KindGrouped byte = 3
)

var (
	ErrCorrupt = errors.New("listsync: corrupt spill frame")
	magic4     = [...]byte{'L', 'S', 'Y', 'N'}
)

// Frame is one decoded spill record. Payload aliases the decoded buffer.
type Frame struct {
	Kind    byte
	Gen     uint64
	KeyHash uint64
	Payload []byte
}

func validKind(k byte) bool { return k >= KindItem && k <= KindGrouped }

func EncodeFrame(f Frame) ([]byte, error) {
	if !validKind(f.Kind) {
		return nil, fmt.Errorf("wire: unknown kind %d", f.Kind)
	}
	if uint64(len(f.Payload)) > 0xFFFFFFFF {
		return nil, fmt.Errorf("wire: payload too large: %d", len(f.Payload))
	}

	var buf bytes.Buffer
	buf.Grow(hdrLen + len(f.Payload))
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(f.Kind)

	var u8 [8]byte
	binary.BigEndian.PutUint64(u8[:], f.Gen)
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], f.KeyHash)
	buf.Write(u8[:])

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(f.Payload)))
	buf.Write(u4[:])

	buf.Write(f.Payload)
	return buf.Bytes(), nil
}

func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < hdrLen || !bytes.Equal(b[:4], magic4[:]) || b[4] != version || !validKind(b[5]) {
		return Frame{}, ErrCorrupt
	}
	f := Frame{Kind: b[5]}
	off := 6
	f.Gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	f.KeyHash = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off {
		return Frame{}, ErrCorrupt
	}
	f.Payload = b[off:]
	return f, nil
}
