package netplay

import (
	"github.com/versus-project/versus/internal/events"
	"github.com/versus-project/versus/internal/protocol"
	"github.com/versus-project/versus/internal/snapshot"
)

// Client follows the server. It echoes pings from its receive task and adopts
// every World snapshot that is not older than the one it already holds.
type Client struct {
	*session

	// pending is the newest decompressed snapshot not yet taken by the driver.
	// Guarded by session.mu.
	pending *snapshot.Node

	// Driver goroutine only.
	resyncPending bool
}

var _ Session = (*Client)(nil)

// NewClient creates an idle client session on conn.
func NewClient(conn Conn, opts Options) *Client {
	c := &Client{session: newSession(events.RoleClient, conn, opts)}
	c.handle = c.handlePacket
	return c
}

// BeforeLogic runs before the simulation computes tick.
func (c *Client) BeforeLogic(tick uint32) {
	stale := false
	if drained := c.drainInputs(); len(drained) > 0 {
		stale = c.applyInputs(drained, tick)
	}

	if tree := c.takePending(); tree != nil {
		c.adopt(tree, tick)
	}

	if c.resyncPending || stale {
		c.resyncPending = false
		c.resync(tick)
	}
}

func (c *Client) takePending() *snapshot.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	tree := c.pending
	c.pending = nil
	return tree
}

// adopt replaces the last known state with a received snapshot unless it is
// older than the current one.
func (c *Client) adopt(tree *snapshot.Node, tick uint32) {
	state, err := c.opts.Sim.DecodeState(tree)
	if err != nil {
		c.dropSnapshot(0, "decode", err)
		return
	}
	if prev := c.getLastKnown(); prev != nil && state.Tick() < prev.Tick() {
		c.dropSnapshot(state.Tick(), "out_of_order", nil)
		return
	}
	c.setLastKnown(state)
	c.resyncPending = true

	c.logger.Debug().Uint32("snapshot_tick", state.Tick()).Uint32("tick", tick).Msg("snapshot received")
	c.emit(events.EventSnapshotApplied, events.SnapshotPayload{Tick: state.Tick()})
}

func (c *Client) handlePacket(p protocol.Packet) {
	switch p := p.(type) {
	case protocol.InputPacket:
		c.addInput(p)
	case protocol.PingPacket:
		c.write(p)
	case protocol.WorldPacket:
		tree, err := snapshot.Unpack(p)
		if err != nil {
			c.dropSnapshot(0, "corrupt", err)
			return
		}
		c.mu.Lock()
		c.pending = tree
		c.stats.SnapshotsReceived++
		c.mu.Unlock()
	}
}
