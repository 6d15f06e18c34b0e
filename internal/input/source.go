// Package input provides per-player input sources indexed by simulation tick.
//
// A Source answers "what was this player holding at tick t". During rollback
// replay the same tick may be asked for again; sources must answer with what
// was recorded rather than re-sampling a controller.
package input

import (
	"sort"
	"sync"

	"github.com/versus-project/versus/internal/protocol"
)

// Source supplies a player's input for a tick.
type Source interface {
	CurrentInput(tick uint32) protocol.Input
	SetInput(tick uint32, in protocol.Input)
}

var (
	_ Source = (*HumanInput)(nil)
	_ Source = (*NetworkInput)(nil)
)

// Controller samples the local player's physical input.
type Controller func() protocol.Input

// HumanInput records the local player's input history. The first time a tick is
// requested the controller is sampled; later requests for the same or an
// older tick return the recorded value.
type HumanInput struct {
	mu      sync.Mutex
	poll    Controller
	history map[uint32]protocol.Input
	newest  uint32
	started bool
}

// NewHumanInput creates a source backed by a controller.
func NewHumanInput(poll Controller) *HumanInput {
	return &HumanInput{
		poll:    poll,
		history: make(map[uint32]protocol.Input),
	}
}

// CurrentInput returns the recorded input for tick, sampling the controller
// when tick is newer than anything seen so far.
func (h *HumanInput) CurrentInput(tick uint32) protocol.Input {
	h.mu.Lock()
	defer h.mu.Unlock()

	if in, ok := h.history[tick]; ok {
		return in
	}
	if !h.started || tick > h.newest {
		in := protocol.Input{}
		if h.poll != nil {
			in = h.poll()
		}
		h.history[tick] = in
		h.newest = tick
		h.started = true
		return in
	}
	// Older tick never sampled (pruned or skipped): hold the closest earlier value.
	return h.closestBefore(tick)
}

func (h *HumanInput) closestBefore(tick uint32) protocol.Input {
	var (
		best  protocol.Input
		found bool
		at    uint32
	)
	for t, in := range h.history {
		if t <= tick && (!found || t > at) {
			best, at, found = in, t, true
		}
	}
	return best
}

// SetInput records in for tick, overriding the controller. Scripted players
// and tests use it to preload a sequence.
func (h *HumanInput) SetInput(tick uint32, in protocol.Input) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history[tick] = in
	if !h.started || tick > h.newest {
		h.newest = tick
		h.started = true
	}
}

// Prune forgets history strictly older than before.
func (h *HumanInput) Prune(before uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for t := range h.history {
		if t < before {
			delete(h.history, t)
		}
	}
}

// Len returns the number of recorded ticks.
func (h *HumanInput) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

// NetworkInput is the remote player's input, filled from received Input packets.
// Only changes are transmitted, so a tick with no entry holds the most recent
// earlier value. Ticks before the first entry read as neutral.
type NetworkInput struct {
	mu      sync.Mutex
	entries []entry
}

type entry struct {
	tick  uint32
	input protocol.Input
}

// NewNetworkInput creates an empty remote input history.
func NewNetworkInput() *NetworkInput {
	return &NetworkInput{}
}

// SetInput records the remote input starting at tick. A later arrival for the
// same tick replaces the earlier one.
func (n *NetworkInput) SetInput(tick uint32, in protocol.Input) {
	n.mu.Lock()
	defer n.mu.Unlock()

	i := sort.Search(len(n.entries), func(i int) bool { return n.entries[i].tick >= tick })
	if i < len(n.entries) && n.entries[i].tick == tick {
		n.entries[i].input = in
		return
	}
	n.entries = append(n.entries, entry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = entry{tick: tick, input: in}
}

// CurrentInput returns the input in effect at tick.
func (n *NetworkInput) CurrentInput(tick uint32) protocol.Input {
	n.mu.Lock()
	defer n.mu.Unlock()

	i := sort.Search(len(n.entries), func(i int) bool { return n.entries[i].tick > tick })
	if i == 0 {
		return protocol.Input{}
	}
	return n.entries[i-1].input
}

// Latest returns the tick and value of the newest entry.
func (n *NetworkInput) Latest() (uint32, protocol.Input, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.entries) == 0 {
		return 0, protocol.Input{}, false
	}
	e := n.entries[len(n.entries)-1]
	return e.tick, e.input, true
}

// Prune forgets entries that can no longer affect ticks at or after before.
// The entry in effect at before is kept.
func (n *NetworkInput) Prune(before uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()

	i := sort.Search(len(n.entries), func(i int) bool { return n.entries[i].tick > before })
	if i <= 1 {
		return
	}
	n.entries = append(n.entries[:0], n.entries[i-1:]...)
}

// Len returns the number of stored entries.
func (n *NetworkInput) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}
