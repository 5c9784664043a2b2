// Package wirebuf implements the Buffer primitive the rest of the core is
// built on: a contiguous, exclusively-owned byte region with a cheap
// forward-only Cover cursor and positional big-endian typed accessors.
// There is no aliasing: passing a Buffer by value copies the slice header
// only, and the convention throughout relaymesh is that the receiver of a
// Buffer argument takes ownership of it.
package wirebuf

import "encoding/binary"

// Buffer is a byte region together with an explicit size. Cover(n) advances
// the logical start of the region by n bytes without copying; the bytes
// covered over remain reachable only through the original slice, never
// through b itself again.
type Buffer struct {
	data []byte
}

// New wraps data as a Buffer. Ownership of data transfers to the Buffer.
func New(data []byte) Buffer {
	return Buffer{data: data}
}

// NewZeroed allocates a Buffer of n zeroed bytes.
func NewZeroed(n int) Buffer {
	return Buffer{data: make([]byte, n)}
}

// Data returns the buffer's current byte region. The caller must not retain
// it past the next mutation of b.
func (b Buffer) Data() []byte {
	return b.data
}

// Size returns the number of bytes currently covered by b.
func (b Buffer) Size() int {
	return len(b.data)
}

// Cover advances the logical start of the buffer forward by n bytes. It
// panics if n exceeds the buffer's current size, matching the original's
// assert-on-underflow behavior rather than silently truncating.
func (b *Buffer) Cover(n int) {
	if n < 0 || n > len(b.data) {
		panic("wirebuf: Cover out of range")
	}
	b.data = b.data[n:]
}

func (b Buffer) Uint8(offset int) uint8 {
	return b.data[offset]
}

func (b *Buffer) PutUint8(offset int, v uint8) {
	b.data[offset] = v
}

func (b Buffer) Uint16BE(offset int) uint16 {
	return binary.BigEndian.Uint16(b.data[offset : offset+2])
}

func (b *Buffer) PutUint16BE(offset int, v uint16) {
	binary.BigEndian.PutUint16(b.data[offset:offset+2], v)
}

func (b Buffer) Uint32BE(offset int) uint32 {
	return binary.BigEndian.Uint32(b.data[offset : offset+4])
}

func (b *Buffer) PutUint32BE(offset int, v uint32) {
	binary.BigEndian.PutUint32(b.data[offset:offset+4], v)
}

func (b Buffer) Uint64BE(offset int) uint64 {
	return binary.BigEndian.Uint64(b.data[offset : offset+8])
}

func (b *Buffer) PutUint64BE(offset int, v uint64) {
	binary.BigEndian.PutUint64(b.data[offset:offset+8], v)
}

// Slice returns the sub-region [start, end) without mutating b, for read
// access to a span inside the buffer (e.g. a payload after a header).
func (b Buffer) Slice(start, end int) []byte {
	return b.data[start:end]
}

// Clone returns an independently-owned copy of b's current bytes.
func (b Buffer) Clone() Buffer {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return Buffer{data: out}
}
