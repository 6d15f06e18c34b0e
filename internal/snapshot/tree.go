// Package snapshot turns simulation state into the compact, compressed form
// carried by World packets, and back.
//
// State is described as a tree of named nodes. Leaves carry a data value;
// inner nodes only group children. Before transmission the tree is filtered:
// cosmetic nodes are dropped and inner nodes left without children are pruned.
package snapshot

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// State is a handle to a full copy of simulation state at one tick.
type State interface {
	// Tick is the simulation tick the state was captured at.
	Tick() uint32
	// Tree serializes the state.
	Tree() *Node
}

// Node is one element of a serialized state tree.
type Node struct {
	Name     string  `json:"n,omitempty"`
	Value    *string `json:"v,omitempty"`
	Children []*Node `json:"c,omitempty"`

	// Cosmetic nodes describe presentation only and never leave the process.
	Cosmetic bool `json:"-"`
}

// New creates an inner node.
func New(name string, children ...*Node) *Node {
	n := &Node{Name: name}
	n.Add(children...)
	return n
}

// Leaf creates a data node.
func Leaf(name, value string) *Node {
	return &Node{Name: name, Value: &value}
}

// Float creates a data node holding a float64 that parses back bit-exact.
func Float(name string, v float64) *Node {
	return Leaf(name, strconv.FormatFloat(v, 'g', -1, 64))
}

// Int creates a data node holding a signed integer.
func Int(name string, v int64) *Node {
	return Leaf(name, strconv.FormatInt(v, 10))
}

// Uint creates a data node holding an unsigned integer.
func Uint(name string, v uint64) *Node {
	return Leaf(name, strconv.FormatUint(v, 10))
}

// Bool creates a data node holding a boolean.
func Bool(name string, v bool) *Node {
	return Leaf(name, strconv.FormatBool(v))
}

// Add appends children, skipping nil ones.
func (n *Node) Add(children ...*Node) *Node {
	for _, c := range children {
		if c != nil {
			n.Children = append(n.Children, c)
		}
	}
	return n
}

// MarkCosmetic flags the node so Filter drops it.
func (n *Node) MarkCosmetic() *Node {
	n.Cosmetic = true
	return n
}

// IsData reports whether the node carries a value.
func (n *Node) IsData() bool {
	return n.Value != nil
}

// Child returns the first direct child with the given name, or nil.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Path walks nested children by name, e.g. Path("p1", "x").
func (n *Node) Path(names ...string) *Node {
	cur := n
	for _, name := range names {
		cur = cur.Child(name)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func (n *Node) value() (string, error) {
	if n == nil {
		return "", fmt.Errorf("missing node")
	}
	if n.Value == nil {
		return "", fmt.Errorf("node %q has no value", n.Name)
	}
	return *n.Value, nil
}

// FloatValue parses the node's value as a float64.
func (n *Node) FloatValue() (float64, error) {
	s, err := n.value()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// IntValue parses the node's value as an int64.
func (n *Node) IntValue() (int64, error) {
	s, err := n.value()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

// UintValue parses the node's value as a uint64.
func (n *Node) UintValue() (uint64, error) {
	s, err := n.value()
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

// BoolValue parses the node's value as a boolean.
func (n *Node) BoolValue() (bool, error) {
	s, err := n.value()
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(s)
}

// Filter returns a pruned copy of the tree: data nodes are kept, cosmetic
// nodes are dropped, and inner nodes survive only if some child survives.
// It returns nil when nothing survives.
func Filter(n *Node) *Node {
	if n == nil || n.Cosmetic {
		return nil
	}
	if n.IsData() {
		v := *n.Value
		return &Node{Name: n.Name, Value: &v}
	}
	out := &Node{Name: n.Name}
	for _, c := range n.Children {
		if kept := Filter(c); kept != nil {
			out.Children = append(out.Children, kept)
		}
	}
	if len(out.Children) == 0 {
		return nil
	}
	return out
}

// MarshalText serializes a tree to its compact text form.
func MarshalText(n *Node) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state tree: %w", err)
	}
	return data, nil
}

// UnmarshalText parses the compact text form back into a tree.
func UnmarshalText(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to parse state tree: %w", err)
	}
	return &n, nil
}
