package btree

import "encoding/binary"

// KeyBuilder composes an ordered, multi-segment byte-string key the way an
// Exchange's append/cut/reset/to operations build one: each segment is
// encoded so that byte-lexicographic order on the concatenated key matches
// the natural order of the segments appended, in order.
type KeyBuilder struct {
	buf []byte
}

func (b *KeyBuilder) Bytes() []byte { return b.buf }

func (b *KeyBuilder) Reset() { b.buf = b.buf[:0] }

// Cut truncates the key back to n bytes, the primitive an Exchange's "cut"
// operation is built on.
func (b *KeyBuilder) Cut(n int) {
	if n < len(b.buf) {
		b.buf = b.buf[:n]
	}
}

// AppendBytes appends a raw segment verbatim. Callers composing multiple
// variable-length segments must length-prefix or terminate them themselves
// (AppendString does this); appending raw bytes directly is only order
// -preserving when it is the key's final segment.
func (b *KeyBuilder) AppendBytes(v []byte) *KeyBuilder {
	b.buf = append(b.buf, v...)
	return b
}

// AppendString appends a length-delimited string segment: the segment's
// bytes escaped so 0x00 never appears verbatim, followed by a 0x00
// terminator, so that a segment boundary never collides with segment
// content and shorter strings sort before longer ones that share a prefix.
func (b *KeyBuilder) AppendString(s string) *KeyBuilder {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0x00 || c == 0x01 {
			b.buf = append(b.buf, 0x01, c+1)
		} else {
			b.buf = append(b.buf, c)
		}
	}
	b.buf = append(b.buf, 0x00)
	return b
}

// AppendUint64 appends a fixed-width big-endian uint64 segment: big-endian
// encoding makes unsigned integer order match byte-lexicographic order.
func (b *KeyBuilder) AppendUint64(v uint64) *KeyBuilder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// AppendInt64 appends a fixed-width, order-preserving signed integer
// segment by flipping the sign bit so two's-complement ordering becomes
// unsigned ordering.
func (b *KeyBuilder) AppendInt64(v int64) *KeyBuilder {
	return b.AppendUint64(uint64(v) ^ (1 << 63))
}

// DecodeUint64 reads back a fixed-width segment written by AppendUint64 at
// the given byte offset.
func DecodeUint64(key []byte, offset int) uint64 {
	return binary.BigEndian.Uint64(key[offset : offset+8])
}

func DecodeInt64(key []byte, offset int) int64 {
	return int64(DecodeUint64(key, offset) ^ (1 << 63))
}
