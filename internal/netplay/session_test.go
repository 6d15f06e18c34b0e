package netplay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/versus-project/versus/internal/events"
	"github.com/versus-project/versus/internal/input"
	"github.com/versus-project/versus/internal/protocol"
	"github.com/versus-project/versus/internal/sim"
	"github.com/versus-project/versus/internal/snapshot"
)

// fakeConn feeds packets to a session and captures what it writes.
type fakeConn struct {
	in     chan protocol.Packet
	inErr  chan error
	out    chan protocol.Packet
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan protocol.Packet, 64),
		inErr:  make(chan error, 4),
		out:    make(chan protocol.Packet, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadPacket() (protocol.Packet, error) {
	select {
	case p := <-c.in:
		return p, nil
	case err := <-c.inErr:
		return nil, err
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WritePacket(p protocol.Packet) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	case c.out <- p:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// written collects everything written so far.
func (c *fakeConn) written() []protocol.Packet {
	var out []protocol.Packet
	for {
		select {
		case p := <-c.out:
			out = append(out, p)
		default:
			return out
		}
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// script returns a deterministic controller.
func script(seed uint32) input.Controller {
	state := seed
	return func() protocol.Input {
		state = state*1664525 + 1013904223
		return protocol.Input{
			Forward: state&0x1 != 0,
			Back:    state&0x6 == 0x6,
			Up:      state&0x38 == 0x38,
			A:       state&0x100 != 0,
			C:       state&0xe00 == 0xe00,
		}
	}
}

type rig struct {
	conn   *fakeConn
	duel   *sim.Duel
	local  *input.HumanInput
	remote *input.NetworkInput
	clock  *fakeClock
	opts   Options
}

// newRig builds a duel where the local player is p1 for the server and p2
// for the client, mirroring how the match assigns sides.
func newRig(role events.Role, localSeed uint32) *rig {
	r := &rig{
		conn:   newFakeConn(),
		local:  input.NewHumanInput(script(localSeed)),
		remote: input.NewNetworkInput(),
		clock:  &fakeClock{now: time.Unix(5000, 0)},
	}
	if role == events.RoleServer {
		r.duel = sim.NewDuel(r.local, r.remote, 99)
	} else {
		r.duel = sim.NewDuel(r.remote, r.local, 99)
	}
	r.opts = Options{Sim: r.duel, Local: r.local, Remote: r.remote, Now: r.clock.Now}
	return r
}

func (r *rig) server(t *testing.T) *Server {
	t.Helper()
	s := NewServer(r.conn, r.opts)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		s.Kill()
		s.Wait()
	})
	return s
}

func (r *rig) client(t *testing.T) *Client {
	t.Helper()
	c := NewClient(r.conn, r.opts)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		c.Kill()
		c.Wait()
	})
	return c
}

// step runs one full driver iteration.
func step(s Session, d *sim.Duel) {
	tick := d.Ticks()
	s.BeforeLogic(tick)
	d.Logic()
	s.AfterLogic(tick)
}

func settled(st snapshot.State) sim.State {
	s := *st.(*sim.State)
	s.Sparks = 0
	return s
}

func countType[T protocol.Packet](packets []protocol.Packet) []T {
	var out []T
	for _, p := range packets {
		if v, ok := p.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestServerSendsSnapshotsEveryInterval(t *testing.T) {
	r := newRig(events.RoleServer, 1)
	s := r.server(t)

	for i := 0; i <= 60; i++ {
		step(s, r.duel)
	}
	waitFor(t, "snapshots sent", func() bool { return s.Stats().SnapshotsSent == 3 })

	worlds := countType[protocol.WorldPacket](r.conn.written())
	if len(worlds) != 3 {
		t.Fatalf("sent %d world packets, want 3", len(worlds))
	}
	for i, w := range worlds {
		tree, err := snapshot.Unpack(w)
		if err != nil {
			t.Fatalf("Unpack: %v", err)
		}
		st, err := r.duel.DecodeState(tree)
		if err != nil {
			t.Fatalf("DecodeState: %v", err)
		}
		if want := uint32(i * 30); st.Tick() != want {
			t.Fatalf("snapshot %d at tick %d, want %d", i, st.Tick(), want)
		}
	}
	if st := s.Stats(); !st.HasLastKnown || st.LastKnownTick != 60 {
		t.Fatalf("last known tick = %d (%v), want 60", st.LastKnownTick, st.HasLastKnown)
	}
}

func TestInputOnlySentOnChange(t *testing.T) {
	r := newRig(events.RoleServer, 1)
	held := protocol.Input{A: true, Forward: true}
	for tick := uint32(0); tick < 10; tick++ {
		r.local.SetInput(tick, held)
	}
	for tick := uint32(10); tick < 15; tick++ {
		r.local.SetInput(tick, protocol.Input{})
	}
	s := r.server(t)

	for tick := uint32(0); tick < 15; tick++ {
		s.AfterLogic(tick)
	}
	waitFor(t, "inputs sent", func() bool { return s.Stats().InputsSent == 2 })

	inputs := countType[protocol.InputPacket](r.conn.written())
	want := []protocol.InputPacket{{Tick: 0, Input: held}, {Tick: 10, Input: protocol.Input{}}}
	if len(inputs) != len(want) {
		t.Fatalf("sent %d input packets, want %d: %v", len(inputs), len(want), inputs)
	}
	for i := range want {
		if inputs[i] != want[i] {
			t.Fatalf("input %d = %+v, want %+v", i, inputs[i], want[i])
		}
	}
}

func TestNeutralInputIsNotSent(t *testing.T) {
	r := newRig(events.RoleClient, 1)
	for tick := uint32(0); tick < 20; tick++ {
		r.local.SetInput(tick, protocol.Input{})
	}
	c := r.client(t)
	for tick := uint32(0); tick < 20; tick++ {
		c.AfterLogic(tick)
	}
	time.Sleep(10 * time.Millisecond)
	if n := len(countType[protocol.InputPacket](r.conn.written())); n != 0 {
		t.Fatalf("sent %d input packets for a neutral player", n)
	}
}

func TestServerPingRoundTrip(t *testing.T) {
	r := newRig(events.RoleServer, 1)
	bus := events.NewEventBus()
	measured := make(chan events.PingPayload, 4)
	bus.Subscribe(events.EventPingMeasured, "test", func(_ context.Context, e events.Event) error {
		measured <- e.Payload.(events.PingPayload)
		return nil
	})
	r.opts.Bus = bus
	s := r.server(t)

	s.BeforeLogic(1)
	s.BeforeLogic(2) // same instant, no second ping
	waitFor(t, "ping sent", func() bool { return s.Stats().PingsSent == 1 })
	pings := countType[protocol.PingPacket](r.conn.written())
	if len(pings) != 1 || pings[0].ID != 0 {
		t.Fatalf("pings = %v, want one with id 0", pings)
	}

	r.clock.Advance(15 * time.Millisecond)
	r.conn.in <- protocol.PingPacket{ID: 0}

	select {
	case p := <-measured:
		if p.ID != 0 || p.RTT != 15*time.Millisecond {
			t.Fatalf("measured %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no ping measurement")
	}
	if st := s.Stats(); st.PingsMatched != 1 || st.LastRTT != 15*time.Millisecond {
		t.Fatalf("stats = %+v", st)
	}

	// Echo of an id never sent: ignored, session unaffected.
	r.conn.in <- protocol.PingPacket{ID: 1234}
	waitFor(t, "unknown echo received", func() bool { return s.Stats().PacketsReceived == 2 })
	if !s.Alive() || s.Stats().PingsMatched != 1 {
		t.Fatalf("unknown echo changed the session")
	}

	// The cadence follows the wall clock.
	r.clock.Advance(time.Second)
	s.BeforeLogic(3)
	waitFor(t, "second ping", func() bool { return s.Stats().PingsSent == 2 })
}

func TestClientEchoesPing(t *testing.T) {
	r := newRig(events.RoleClient, 2)
	c := r.client(t)

	r.conn.in <- protocol.PingPacket{ID: 42}
	select {
	case p := <-r.conn.out:
		if p != (protocol.PingPacket{ID: 42}) {
			t.Fatalf("echoed %#v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ping not echoed")
	}
	if c.Stats().PingsSent != 0 {
		t.Fatalf("client counted an echo as an originated ping")
	}
}

// The client at tick 35 receives the tick 30 snapshot and the server's
// inputs for ticks 30..34. It must restore, replay five ticks and land on the
// same state as an undisturbed run.
func TestClientReplaysFromOlderSnapshot(t *testing.T) {
	serverInputs := input.NewHumanInput(script(1))
	reference := sim.NewDuel(serverInputs, input.NewHumanInput(script(2)), 99)
	for reference.Ticks() < 30 {
		reference.Logic()
	}
	world, err := snapshot.Pack(reference.SnapshotState())
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	for reference.Ticks() < 35 {
		reference.Logic()
	}

	r := newRig(events.RoleClient, 2)
	c := r.client(t)
	for r.duel.Ticks() < 35 {
		step(c, r.duel)
	}
	if settled(r.duel.SnapshotState()) == settled(reference.SnapshotState()) {
		t.Fatalf("client should have diverged without the server's inputs")
	}
	effectsBefore := r.duel.EffectsFired

	r.conn.in <- world
	for tick := uint32(30); tick < 35; tick++ {
		r.conn.in <- protocol.InputPacket{Tick: tick, Input: serverInputs.CurrentInput(tick)}
	}
	waitFor(t, "snapshot and inputs received", func() bool {
		st := c.Stats()
		return st.SnapshotsReceived == 1 && st.InputsReceived == 5
	})

	c.BeforeLogic(35)

	if r.duel.Ticks() != 35 {
		t.Fatalf("client at tick %d after replay, want 35", r.duel.Ticks())
	}
	if got, want := settled(r.duel.SnapshotState()), settled(reference.SnapshotState()); got != want {
		t.Fatalf("replayed state differs:\n got %+v\nwant %+v", got, want)
	}
	st := c.Stats()
	if st.Resyncs != 1 || st.ReplayedTicks != 5 {
		t.Fatalf("resyncs=%d replayed=%d, want 1 and 5", st.Resyncs, st.ReplayedTicks)
	}
	if st.LastKnownTick != 30 {
		t.Fatalf("last known tick %d, want 30", st.LastKnownTick)
	}
	if r.duel.EffectsFired != effectsBefore {
		t.Fatalf("effects fired during replay")
	}
}

func TestClientDoesNotRewindForward(t *testing.T) {
	reference := sim.NewDuel(input.NewHumanInput(script(1)), input.NewHumanInput(script(2)), 99)
	packed := map[uint32]protocol.WorldPacket{}
	for reference.Ticks() <= 20 {
		if tick := reference.Ticks(); tick == 10 || tick == 20 {
			p, err := snapshot.Pack(reference.SnapshotState())
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}
			packed[tick] = p
		}
		reference.Logic()
	}

	for _, snapTick := range []uint32{10, 20} {
		r := newRig(events.RoleClient, 2)
		c := r.client(t)
		for r.duel.Ticks() < 10 {
			step(c, r.duel)
		}
		before := settled(r.duel.SnapshotState())

		r.conn.in <- packed[snapTick]
		waitFor(t, "snapshot received", func() bool { return c.Stats().SnapshotsReceived == 1 })
		c.BeforeLogic(10)

		st := c.Stats()
		if st.Resyncs != 0 {
			t.Fatalf("snapshot at %d replayed at tick 10", snapTick)
		}
		if !st.HasLastKnown || st.LastKnownTick != snapTick {
			t.Fatalf("snapshot at %d not kept as last known (%d)", snapTick, st.LastKnownTick)
		}
		if settled(r.duel.SnapshotState()) != before {
			t.Fatalf("state changed without a replay")
		}
	}
}

func TestClientIgnoresOutOfOrderSnapshot(t *testing.T) {
	reference := sim.NewDuel(input.NewHumanInput(script(1)), input.NewHumanInput(script(2)), 99)
	var early, late protocol.WorldPacket
	for reference.Ticks() <= 60 {
		switch reference.Ticks() {
		case 30:
			early, _ = snapshot.Pack(reference.SnapshotState())
		case 60:
			late, _ = snapshot.Pack(reference.SnapshotState())
		}
		reference.Logic()
	}

	r := newRig(events.RoleClient, 2)
	c := r.client(t)
	for r.duel.Ticks() < 70 {
		step(c, r.duel)
	}

	r.conn.in <- late
	waitFor(t, "late snapshot", func() bool { return c.Stats().SnapshotsReceived == 1 })
	c.BeforeLogic(70)
	if st := c.Stats(); st.Resyncs != 1 || st.LastKnownTick != 60 {
		t.Fatalf("after tick 60 snapshot: %+v", st)
	}

	r.conn.in <- early
	waitFor(t, "early snapshot", func() bool { return c.Stats().SnapshotsReceived == 2 })
	c.BeforeLogic(70)
	st := c.Stats()
	if st.LastKnownTick != 60 {
		t.Fatalf("older snapshot replaced last known state (%d)", st.LastKnownTick)
	}
	if st.SnapshotsDropped != 1 || st.Resyncs != 1 {
		t.Fatalf("dropped=%d resyncs=%d, want 1 and 1", st.SnapshotsDropped, st.Resyncs)
	}
}

func TestClientDropsCorruptSnapshot(t *testing.T) {
	r := newRig(events.RoleClient, 2)
	c := r.client(t)

	r.conn.in <- protocol.WorldPacket{Size: 64, Payload: []byte{0xff, 0xff, 0xff}}
	waitFor(t, "snapshot dropped", func() bool { return c.Stats().SnapshotsDropped == 1 })
	c.BeforeLogic(0)
	if !c.Alive() || c.Stats().HasLastKnown {
		t.Fatalf("corrupt snapshot affected the session: %+v", c.Stats())
	}
}

func TestServerReplaysOnStaleInput(t *testing.T) {
	r := newRig(events.RoleServer, 1)
	s := r.server(t)
	for r.duel.Ticks() < 40 {
		step(s, r.duel)
	}

	late := protocol.Input{Back: true, C: true}
	r.conn.in <- protocol.InputPacket{Tick: 35, Input: late}
	waitFor(t, "input received", func() bool { return s.Stats().InputsReceived == 1 })

	s.BeforeLogic(40)
	st := s.Stats()
	if st.Resyncs != 1 || st.ReplayedTicks != 10 {
		t.Fatalf("resyncs=%d replayed=%d, want 1 and 10", st.Resyncs, st.ReplayedTicks)
	}
	if r.duel.Ticks() != 40 {
		t.Fatalf("server at tick %d after replay", r.duel.Ticks())
	}
	if got := r.remote.CurrentInput(38); got != late {
		t.Fatalf("remote input at 38 = %v, want held %v", got, late)
	}
}

func TestServerIgnoresWorldFromClient(t *testing.T) {
	r := newRig(events.RoleServer, 1)
	s := r.server(t)
	p, _ := snapshot.Pack(r.duel.SnapshotState())
	r.conn.in <- p
	waitFor(t, "packet received", func() bool { return s.Stats().PacketsReceived == 1 })
	if !s.Alive() || s.Stats().HasLastKnown {
		t.Fatalf("server adopted a client snapshot")
	}
}

func TestUnknownPacketTypeIsFatal(t *testing.T) {
	r := newRig(events.RoleClient, 2)
	c := r.client(t)

	r.conn.inErr <- &protocol.ProtocolError{Tag: 9}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session survived an unknown packet type")
	}
	if err := c.Wait(); !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("Wait() = %v, want ErrUnknownType", err)
	}
	if c.State() != events.SessionStopped || !r.conn.isClosed() {
		t.Fatalf("state %v, closed %v", c.State(), r.conn.isClosed())
	}
}

func TestGarbageFrameIsNotFatal(t *testing.T) {
	r := newRig(events.RoleServer, 1)
	s := r.server(t)

	r.conn.inErr <- &protocol.GarbageError{Skipped: 3}
	r.conn.inErr <- protocol.ErrTruncated
	waitFor(t, "garbage counted", func() bool { return s.Stats().GarbageFrames == 2 })
	if !s.Alive() {
		t.Fatalf("garbage frame killed the session")
	}
	if s.Stats().GarbageBytes != 3 {
		t.Fatalf("garbage bytes = %d, want 3", s.Stats().GarbageBytes)
	}
}

func TestPeerClosedEndsSession(t *testing.T) {
	r := newRig(events.RoleServer, 1)
	s := r.server(t)

	r.conn.inErr <- io.EOF
	if err := s.Wait(); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("Wait() = %v, want ErrPeerClosed", err)
	}
}

func TestKillLifecycle(t *testing.T) {
	r := newRig(events.RoleServer, 1)
	s := NewServer(r.conn, r.opts)
	if s.State() != events.SessionIdle || s.Alive() {
		t.Fatalf("new session state %v alive %v", s.State(), s.Alive())
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != events.SessionRunning || !s.Alive() {
		t.Fatalf("started session state %v alive %v", s.State(), s.Alive())
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() = %v", err)
	}

	s.Kill()
	if s.Alive() {
		t.Fatalf("alive after Kill")
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait() after Kill = %v", err)
	}
	if s.State() != events.SessionStopped {
		t.Fatalf("state %v, want stopped", s.State())
	}
	s.Kill() // no-op

	idle := NewClient(newFakeConn(), r.opts)
	idle.Kill()
	select {
	case <-idle.Done():
	default:
		t.Fatalf("killing an idle session did not stop it")
	}
}

func TestSendPreservesOrder(t *testing.T) {
	r := newRig(events.RoleServer, 1)
	s := r.server(t)
	for i := uint16(0); i < 200; i++ {
		s.enqueue(protocol.PingPacket{ID: i})
	}
	waitFor(t, "packets sent", func() bool { return s.Stats().PacketsSent == 200 })
	for i, p := range r.conn.written() {
		if p != (protocol.PingPacket{ID: uint16(i)}) {
			t.Fatalf("packet %d out of order: %#v", i, p)
		}
	}
}
