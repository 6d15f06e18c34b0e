package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Input is the button and direction state of one player for one tick.
// Values are compared with == to detect changes worth transmitting.
type Input struct {
	A       bool `msgpack:"a"`
	B       bool `msgpack:"b"`
	C       bool `msgpack:"c"`
	X       bool `msgpack:"x"`
	Y       bool `msgpack:"y"`
	Z       bool `msgpack:"z"`
	Back    bool `msgpack:"back"`
	Forward bool `msgpack:"forward"`
	Up      bool `msgpack:"up"`
	Down    bool `msgpack:"down"`
}

// IsZero reports whether no button or direction is held.
func (in Input) IsZero() bool {
	return in == Input{}
}

// MarshalRecord encodes the input as a msgpack key-value record.
func (in Input) MarshalRecord() ([]byte, error) {
	data, err := msgpack.Marshal(&in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input record: %w", err)
	}
	return data, nil
}

// UnmarshalInputRecord decodes an input record written by MarshalRecord.
// Unknown keys are ignored and missing keys read as released.
func UnmarshalInputRecord(data []byte) (Input, error) {
	var in Input
	if err := msgpack.Unmarshal(data, &in); err != nil {
		return Input{}, fmt.Errorf("failed to decode input record: %w", err)
	}
	return in, nil
}

// String renders the held buttons, e.g. "forward+a".
func (in Input) String() string {
	names := []struct {
		held bool
		name string
	}{
		{in.Back, "back"}, {in.Forward, "forward"}, {in.Up, "up"}, {in.Down, "down"},
		{in.A, "a"}, {in.B, "b"}, {in.C, "c"}, {in.X, "x"}, {in.Y, "y"}, {in.Z, "z"},
	}
	out := ""
	for _, n := range names {
		if !n.held {
			continue
		}
		if out != "" {
			out += "+"
		}
		out += n.name
	}
	if out == "" {
		return "neutral"
	}
	return out
}
