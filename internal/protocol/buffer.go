package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ByteOrder is the integer byte order used on the wire. Both peers must agree.
var ByteOrder = binary.LittleEndian

// MaxStringLength is the longest string a 16-bit signed length prefix can describe.
const MaxStringLength = math.MaxInt16

// InvalidUint32 is returned by ReadUint32 when not enough data is available.
const InvalidUint32 uint32 = math.MaxUint32

// DefaultBufferSize is the initial capacity of a Buffer created with NewBuffer(0).
const DefaultBufferSize = 128

// Buffer is a growable byte region with a read cursor. It is used both as an
// outbound serialization scratchpad and as an inbound parse cursor.
//
// Writes append after the last written byte and never fail. Reads consume from
// the cursor; reading past the written length returns a sentinel value and
// marks the buffer as truncated.
type Buffer struct {
	data      []byte
	pos       int
	truncated bool
}

// NewBuffer creates an empty buffer with at least size bytes of capacity.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{data: make([]byte, 0, size)}
}

// NewReadBuffer wraps already received bytes for parsing.
func NewReadBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Len returns the number of bytes written to the buffer.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Cap returns the current capacity.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int {
	return len(b.data) - b.pos
}

// Bytes returns the written bytes. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Truncated reports whether any read ran past the available data.
func (b *Buffer) Truncated() bool {
	return b.truncated
}

// Reset clears the buffer for reuse, keeping its capacity.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.pos = 0
	b.truncated = false
}

// reserve makes room for n more bytes. Capacity at least doubles, or grows by
// exactly what is needed when that is larger. Written bytes are preserved.
func (b *Buffer) reserve(n int) {
	if len(b.data)+n <= cap(b.data) {
		return
	}
	newCap := max(cap(b.data)*2, cap(b.data)+n)
	next := make([]byte, len(b.data), newCap)
	copy(next, b.data)
	b.data = next
}

// WriteInt16 appends a 16-bit signed integer.
func (b *Buffer) WriteInt16(v int16) *Buffer {
	b.reserve(2)
	b.data = ByteOrder.AppendUint16(b.data, uint16(v))
	return b
}

// WriteUint32 appends a 32-bit unsigned integer.
func (b *Buffer) WriteUint32(v uint32) *Buffer {
	b.reserve(4)
	b.data = ByteOrder.AppendUint32(b.data, v)
	return b
}

// WriteBytes appends raw bytes with no length prefix.
func (b *Buffer) WriteBytes(p []byte) *Buffer {
	b.reserve(len(p))
	b.data = append(b.data, p...)
	return b
}

// WriteString appends a length-prefixed string.
// Format: [length:2][bytes...], no terminator. Content beyond
// MaxStringLength bytes is dropped.
func (b *Buffer) WriteString(s string) *Buffer {
	if len(s) > MaxStringLength {
		s = s[:MaxStringLength]
	}
	b.WriteInt16(int16(len(s)))
	b.reserve(len(s))
	b.data = append(b.data, s...)
	return b
}

// ReadInt16 reads a 16-bit signed integer, or returns -1 if fewer than two
// bytes remain.
func (b *Buffer) ReadInt16() int16 {
	if b.Remaining() < 2 {
		b.truncated = true
		return -1
	}
	v := int16(ByteOrder.Uint16(b.data[b.pos:]))
	b.pos += 2
	return v
}

// ReadUint32 reads a 32-bit unsigned integer, or returns InvalidUint32 if
// fewer than four bytes remain.
func (b *Buffer) ReadUint32() uint32 {
	if b.Remaining() < 4 {
		b.truncated = true
		return InvalidUint32
	}
	v := ByteOrder.Uint32(b.data[b.pos:])
	b.pos += 4
	return v
}

// ReadBytes reads exactly n raw bytes. It returns nil and marks the buffer
// truncated when fewer than n bytes remain; nothing is consumed in that case.
func (b *Buffer) ReadBytes(n int) []byte {
	if n < 0 || b.Remaining() < n {
		b.truncated = true
		return nil
	}
	out := make([]byte, n)
	copy(out, b.data[b.pos:b.pos+n])
	b.pos += n
	return out
}

// ReadString reads a length-prefixed string. On insufficient data it returns
// "" and marks the buffer truncated; check Truncated before using the result.
func (b *Buffer) ReadString() string {
	size := b.ReadInt16()
	if size < 0 {
		b.truncated = true
		return ""
	}
	data := b.ReadBytes(int(size))
	if data == nil {
		return ""
	}
	return string(data)
}

// String returns a hex dump of the buffer for debugging.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer[%d/%d bytes, pos %d]: %x", len(b.data), cap(b.data), b.pos, b.data)
}
