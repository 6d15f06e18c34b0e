// Package protocol implements the binary wire format exchanged between the two
// netplay peers. Every packet starts with a 2-byte magic value and a 2-byte
// type tag, followed by a type-specific payload. Integers are little-endian.
package protocol

import (
	"errors"
	"fmt"
)

// Magic prefixes every packet. It is 0xD97F read as a signed 16-bit value.
const Magic int16 = -0x2681

// HeaderSize is the size of the magic and type tag.
const HeaderSize = 4

// Type tags.
const (
	TypeInput Type = 0
	TypePing  Type = 1
	TypeWorld Type = 2
)

// Type identifies a packet variant on the wire.
type Type int16

// String returns the variant name.
func (t Type) String() string {
	switch t {
	case TypeInput:
		return "input"
	case TypePing:
		return "ping"
	case TypeWorld:
		return "world"
	default:
		return fmt.Sprintf("unknown(%d)", int16(t))
	}
}

var (
	// ErrGarbage means the bytes read were not a packet header. Non-fatal.
	ErrGarbage = errors.New("garbage frame: magic mismatch")
	// ErrTruncated means the buffer ended before the packet did. Non-fatal.
	ErrTruncated = errors.New("truncated packet")
	// ErrMalformed means a complete frame carried an undecodable payload. Non-fatal.
	ErrMalformed = errors.New("malformed packet payload")
	// ErrUnknownType means a valid header carried an unrecognized type tag.
	// The stream can no longer be trusted; the session must end.
	ErrUnknownType = errors.New("unknown packet type")
	// ErrTooLarge means a payload cannot be described by a 16-bit length.
	ErrTooLarge = errors.New("payload too large for packet")
)

// ProtocolError is a fatal framing error carrying the offending type tag.
type ProtocolError struct {
	Tag int16
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v: %d", ErrUnknownType, e.Tag)
}

// Unwrap lets errors.Is match ErrUnknownType.
func (e *ProtocolError) Unwrap() error {
	return ErrUnknownType
}

// Packet is one of InputPacket, PingPacket or WorldPacket. The set is closed:
// only types in this package implement it.
type Packet interface {
	Type() Type
	packet()
}

// InputPacket carries one player's input for a tick.
type InputPacket struct {
	Tick  uint32
	Input Input
}

// PingPacket carries a ping identifier that the receiver echoes back unchanged.
type PingPacket struct {
	ID uint16
}

// WorldPacket carries a compressed simulation snapshot.
type WorldPacket struct {
	// Size is the length of the snapshot text before compression.
	Size int
	// Payload is the compressed snapshot text.
	Payload []byte
}

func (InputPacket) Type() Type { return TypeInput }
func (PingPacket) Type() Type  { return TypePing }
func (WorldPacket) Type() Type { return TypeWorld }

func (InputPacket) packet() {}
func (PingPacket) packet()  {}
func (WorldPacket) packet() {}

// Encode serializes a packet, including its header, into a fresh byte slice.
func Encode(p Packet) ([]byte, error) {
	b := NewBuffer(0)
	if err := EncodeTo(b, p); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// EncodeTo appends the serialized packet to b.
func EncodeTo(b *Buffer, p Packet) error {
	switch p := p.(type) {
	case InputPacket:
		record, err := p.Input.MarshalRecord()
		if err != nil {
			return err
		}
		if len(record) > MaxStringLength {
			return fmt.Errorf("input record of %d bytes: %w", len(record), ErrTooLarge)
		}
		b.WriteInt16(Magic).WriteInt16(int16(TypeInput))
		b.WriteUint32(p.Tick)
		b.WriteString(string(record))
	case PingPacket:
		b.WriteInt16(Magic).WriteInt16(int16(TypePing))
		b.WriteInt16(int16(p.ID))
	case WorldPacket:
		if len(p.Payload) > MaxStringLength || p.Size > MaxStringLength || p.Size < 0 {
			return fmt.Errorf("world snapshot %d/%d bytes: %w", len(p.Payload), p.Size, ErrTooLarge)
		}
		b.WriteInt16(Magic).WriteInt16(int16(TypeWorld))
		b.WriteInt16(int16(len(p.Payload)))
		b.WriteInt16(int16(p.Size))
		b.WriteBytes(p.Payload)
	default:
		return fmt.Errorf("cannot encode packet %T", p)
	}
	return nil
}

// Decode parses one packet from the buffer cursor.
//
// A bad magic value consumes exactly the two magic bytes and returns
// ErrGarbage. A short buffer returns ErrTruncated and an undecodable input
// record returns ErrMalformed. An unrecognized type tag returns a
// *ProtocolError.
func Decode(b *Buffer) (Packet, error) {
	magic := b.ReadInt16()
	if b.Truncated() {
		return nil, ErrTruncated
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: 0x%04X", ErrGarbage, uint16(magic))
	}

	tag := b.ReadInt16()
	if b.Truncated() {
		return nil, ErrTruncated
	}

	switch Type(tag) {
	case TypeInput:
		tick := b.ReadUint32()
		record := b.ReadString()
		if b.Truncated() {
			return nil, ErrTruncated
		}
		in, err := UnmarshalInputRecord([]byte(record))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return InputPacket{Tick: tick, Input: in}, nil
	case TypePing:
		id := b.ReadInt16()
		if b.Truncated() {
			return nil, ErrTruncated
		}
		return PingPacket{ID: uint16(id)}, nil
	case TypeWorld:
		compressed := b.ReadInt16()
		size := b.ReadInt16()
		if b.Truncated() {
			return nil, ErrTruncated
		}
		if compressed < 0 || size < 0 {
			return nil, fmt.Errorf("world packet lengths %d/%d: %w", compressed, size, ErrTruncated)
		}
		payload := b.ReadBytes(int(compressed))
		if payload == nil {
			return nil, ErrTruncated
		}
		return WorldPacket{Size: int(size), Payload: payload}, nil
	default:
		return nil, &ProtocolError{Tag: tag}
	}
}

// IsRecoverable reports whether a decode error only spoils the current frame,
// so reading can continue with the next one.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrGarbage) || errors.Is(err, ErrTruncated) || errors.Is(err, ErrMalformed)
}
