package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// GarbageError reports how many bytes were skipped before the magic value
// re-aligned. It matches ErrGarbage with errors.Is.
type GarbageError struct {
	Skipped int
}

func (e *GarbageError) Error() string {
	return fmt.Sprintf("%v: skipped %d bytes", ErrGarbage, e.Skipped)
}

// Unwrap lets errors.Is match ErrGarbage.
func (e *GarbageError) Unwrap() error {
	return ErrGarbage
}

// Reader reads framed packets from a byte stream.
//
// When the next two bytes are not the magic value, the reader slides forward
// one byte at a time until they are, then returns a *GarbageError without
// producing a packet. The following call decodes the realigned packet.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps a stream such as a net.Conn.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadPacket blocks until one packet has been read. Transport errors are
// returned as is; io.EOF means the peer closed the stream between packets.
func (r *Reader) ReadPacket() (Packet, error) {
	skipped, err := r.align()
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		return nil, &GarbageError{Skipped: skipped}
	}

	frame := NewBuffer(HeaderSize + 8)
	header, err := r.readN(HeaderSize)
	if err != nil {
		return nil, err
	}
	frame.WriteBytes(header)
	tag := int16(ByteOrder.Uint16(header[2:]))

	switch Type(tag) {
	case TypeInput:
		fixed, err := r.readN(6)
		if err != nil {
			return nil, err
		}
		frame.WriteBytes(fixed)
		if err := r.readInto(frame, int(int16(ByteOrder.Uint16(fixed[4:])))); err != nil {
			return nil, err
		}
	case TypePing:
		if err := r.readInto(frame, 2); err != nil {
			return nil, err
		}
	case TypeWorld:
		fixed, err := r.readN(4)
		if err != nil {
			return nil, err
		}
		frame.WriteBytes(fixed)
		if err := r.readInto(frame, int(int16(ByteOrder.Uint16(fixed)))); err != nil {
			return nil, err
		}
	default:
		return nil, &ProtocolError{Tag: tag}
	}

	return Decode(frame)
}

// align discards bytes until the stream is positioned at a magic value.
func (r *Reader) align() (int, error) {
	skipped := 0
	for {
		peek, err := r.r.Peek(2)
		if err != nil {
			if skipped > 0 && errors.Is(err, io.EOF) {
				return skipped, io.ErrUnexpectedEOF
			}
			return skipped, err
		}
		if int16(ByteOrder.Uint16(peek)) == Magic {
			return skipped, nil
		}
		if _, err := r.r.Discard(1); err != nil {
			return skipped, err
		}
		skipped++
	}
}

func (r *Reader) readN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes: %w", n, err)
	}
	return buf, nil
}

func (r *Reader) readInto(frame *Buffer, n int) error {
	if n < 0 {
		return fmt.Errorf("negative payload length %d: %w", n, ErrTruncated)
	}
	data, err := r.readN(n)
	if err != nil {
		return err
	}
	frame.WriteBytes(data)
	return nil
}

// ReadInt16 reads one raw 16-bit value outside packet framing. It is used for
// the start-of-match rendezvous, before any packet is exchanged.
func (r *Reader) ReadInt16() (int16, error) {
	data, err := r.readN(2)
	if err != nil {
		return 0, err
	}
	return int16(ByteOrder.Uint16(data)), nil
}
