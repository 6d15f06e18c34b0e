package snapshot

import (
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/versus-project/versus/internal/protocol"
)

var (
	// ErrCorrupt means a World payload could not be decompressed or parsed.
	ErrCorrupt = errors.New("corrupt snapshot")
	// ErrTooLarge means a snapshot does not fit the World packet length fields.
	ErrTooLarge = errors.New("snapshot too large")
	// ErrEmpty means filtering left nothing to transmit.
	ErrEmpty = errors.New("snapshot has no data")
)

// Compress LZ4-compresses src as a single block.
func Compress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return []byte{}, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("lz4 compress: no output for %d bytes", len(src))
	}
	return dst[:n], nil
}

// Decompress restores a block produced by Compress. size is the exact
// uncompressed length carried alongside the block.
func Decompress(src []byte, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrCorrupt, size)
	}
	if size == 0 {
		if len(src) != 0 {
			return nil, fmt.Errorf("%w: %d bytes for an empty snapshot", ErrCorrupt, len(src))
		}
		return []byte{}, nil
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: decompressed %d bytes, expected %d", ErrCorrupt, n, size)
	}
	return dst, nil
}

// Pack filters, serializes and compresses a state into a World packet.
func Pack(state State) (protocol.WorldPacket, error) {
	tree := Filter(state.Tree())
	if tree == nil {
		return protocol.WorldPacket{}, ErrEmpty
	}
	text, err := MarshalText(tree)
	if err != nil {
		return protocol.WorldPacket{}, err
	}
	if len(text) > protocol.MaxStringLength {
		return protocol.WorldPacket{}, fmt.Errorf("%w: %d bytes of text", ErrTooLarge, len(text))
	}
	compressed, err := Compress(text)
	if err != nil {
		return protocol.WorldPacket{}, err
	}
	if len(compressed) > protocol.MaxStringLength {
		return protocol.WorldPacket{}, fmt.Errorf("%w: %d bytes compressed", ErrTooLarge, len(compressed))
	}
	return protocol.WorldPacket{Size: len(text), Payload: compressed}, nil
}

// Unpack reverses Pack, returning the filtered state tree.
func Unpack(p protocol.WorldPacket) (*Node, error) {
	text, err := Decompress(p.Payload, p.Size)
	if err != nil {
		return nil, err
	}
	tree, err := UnmarshalText(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return tree, nil
}
