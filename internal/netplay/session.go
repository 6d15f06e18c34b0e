// Package netplay keeps two peers' copies of a deterministic simulation in
// step. Each side runs a session with a send task and a receive task; the
// simulation driver calls BeforeLogic and AfterLogic around every tick.
//
// Only input changes are exchanged. The server periodically sends a full
// state snapshot; when a peer learns that its past diverged (a stale remote
// input, or a snapshot from an earlier tick) it restores the last known state
// and replays forward to the current tick with effects suppressed.
package netplay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/versus-project/versus/internal/events"
	"github.com/versus-project/versus/internal/input"
	"github.com/versus-project/versus/internal/protocol"
	"github.com/versus-project/versus/internal/snapshot"
)

// Defaults for Options fields left zero.
const (
	DefaultSnapshotInterval = 30
	DefaultPingInterval     = time.Second
)

var (
	// ErrPeerClosed means the remote side closed the connection.
	ErrPeerClosed = errors.New("peer closed the connection")
	// ErrAlreadyStarted is returned by Start on a session that is not idle.
	ErrAlreadyStarted = errors.New("session already started")
)

// Simulation is the game engine as seen by a session.
type Simulation interface {
	// Ticks returns the tick the next Logic call will simulate.
	Ticks() uint32
	// Logic advances one tick.
	Logic()
	// SnapshotState captures the full current state.
	SnapshotState() snapshot.State
	// UpdateState restores a captured or decoded state.
	UpdateState(snapshot.State) error
	// DecodeState parses a received state tree. It must not modify the
	// simulation; sessions may call it while the simulation is running.
	DecodeState(*snapshot.Node) (snapshot.State, error)
	// SetEffectsEnabled toggles sound and other effects that must not fire
	// twice when ticks are replayed.
	SetEffectsEnabled(bool)
}

// RoundTimer is implemented by simulations with a tick-driven round clock.
type RoundTimer interface {
	RoundTime() int
	SetRoundTime(int)
}

// Conn is the packet transport between the peers.
type Conn interface {
	ReadPacket() (protocol.Packet, error)
	WritePacket(protocol.Packet) error
	Close() error
}

// Session is the behavior shared by Server and Client.
type Session interface {
	Start() error
	Kill()
	Alive() bool
	State() events.SessionState
	Done() <-chan struct{}
	Wait() error
	BeforeLogic(tick uint32)
	AfterLogic(tick uint32)
	Stats() Stats
}

// Options configure a session.
type Options struct {
	Sim Simulation
	// Local is the player on this machine; its changes are transmitted.
	Local input.Source
	// Remote receives the peer's inputs.
	Remote input.Source

	// SnapshotInterval is how many ticks apart the server sends World packets.
	SnapshotInterval uint32
	// PingInterval is the wall-clock cadence of server pings.
	PingInterval time.Duration

	Bus *events.EventBus
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.SnapshotInterval == 0 {
		o.SnapshotInterval = DefaultSnapshotInterval
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats are per-session counters.
type Stats struct {
	Role              events.Role         `json:"role"`
	State             events.SessionState `json:"state"`
	PacketsSent       uint64              `json:"packets_sent"`
	PacketsReceived   uint64              `json:"packets_received"`
	InputsSent        uint64              `json:"inputs_sent"`
	InputsReceived    uint64              `json:"inputs_received"`
	SnapshotsSent     uint64              `json:"snapshots_sent"`
	SnapshotsReceived uint64              `json:"snapshots_received"`
	SnapshotsDropped  uint64              `json:"snapshots_dropped"`
	Resyncs           uint64              `json:"resyncs"`
	ReplayedTicks     uint64              `json:"replayed_ticks"`
	GarbageFrames     uint64              `json:"garbage_frames"`
	GarbageBytes      uint64              `json:"garbage_bytes"`
	PingsSent         uint64              `json:"pings_sent"`
	PingsMatched      uint64              `json:"pings_matched"`
	LastRTT           time.Duration       `json:"last_rtt_ns"`
	LastTick          uint32              `json:"last_tick"`
	LastKnownTick     uint32              `json:"last_known_tick"`
	HasLastKnown      bool                `json:"has_last_known"`
}

// session is the state and machinery common to both variants.
//
// mu guards everything between it and the driver-only block. The driver
// goroutine owns the fields after that and never touches them from the
// send or receive task.
type session struct {
	role   events.Role
	conn   Conn
	opts   Options
	logger zerolog.Logger
	handle func(protocol.Packet)

	mu        sync.Mutex
	outReady  *sync.Cond
	outbox    []protocol.Packet
	alive     bool
	state     events.SessionState
	inputs    map[uint32]protocol.Input
	pings     *LatencyTracker
	lastKnown snapshot.State
	err       error
	stats     Stats

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once

	// Driver goroutine only.
	lastSent protocol.Input
	lastPing time.Time
}

func newSession(role events.Role, conn Conn, opts Options) *session {
	opts.applyDefaults()
	s := &session{
		role:   role,
		conn:   conn,
		opts:   opts,
		inputs: make(map[uint32]protocol.Input),
		pings:  NewLatencyTracker(),
		done:   make(chan struct{}),
		logger: log.With().
			Str("component", "netplay").
			Str("role", role.String()).
			Logger(),
	}
	s.outReady = sync.NewCond(&s.mu)
	s.stats.Role = role
	return s
}

// Start launches the send and receive tasks.
func (s *session) Start() error {
	s.mu.Lock()
	if s.state != events.SessionIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = events.SessionRunning
	s.alive = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.sendLoop()
	go s.receiveLoop()
	go func() {
		s.wg.Wait()
		s.finish()
	}()

	s.logger.Info().Msg("session started")
	s.emit(events.EventSessionStarted, events.SessionStartedPayload{Role: s.role})
	return nil
}

// Kill asks both tasks to stop and closes the connection so a blocked read
// returns. It does not wait; use Wait or Done for that.
func (s *session) Kill() {
	s.mu.Lock()
	switch s.state {
	case events.SessionIdle:
		s.state = events.SessionStopped
		s.mu.Unlock()
		s.finish()
		return
	case events.SessionRunning:
		s.state = events.SessionTerminating
		s.alive = false
		s.outReady.Broadcast()
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Info().Msg("session killed")
	s.conn.Close()
}

// fail records a fatal error and shuts the session down. The first error wins.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	wasRunning := s.state == events.SessionRunning
	if wasRunning {
		s.state = events.SessionTerminating
	}
	s.alive = false
	s.outReady.Broadcast()
	s.mu.Unlock()

	if wasRunning {
		if errors.Is(err, ErrPeerClosed) {
			s.logger.Info().Msg("peer closed the connection")
		} else {
			s.logger.Error().Err(err).Msg("session failed")
		}
	}
	s.conn.Close()
}

func (s *session) finish() {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.state = events.SessionStopped
		err := s.err
		tick := s.stats.LastTick
		s.mu.Unlock()

		payload := events.SessionEndedPayload{Role: s.role, Ticks: tick}
		if err != nil {
			payload.Error = err.Error()
		}
		s.emit(events.EventSessionEnded, payload)
		s.logger.Info().Uint32("tick", tick).Msg("session stopped")
		close(s.done)
	})
}

// Alive reports whether the session tasks should keep running.
func (s *session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// State returns the lifecycle state.
func (s *session) State() events.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches SessionStopped.
func (s *session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is stopped and returns its fatal error, if any.
func (s *session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Err returns the fatal error recorded so far.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns a copy of the counters.
func (s *session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = s.state
	return st
}

// enqueue appends a packet to the outbound queue.
func (s *session) enqueue(p protocol.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return
	}
	s.outbox = append(s.outbox, p)
	s.outReady.Signal()
}

// next blocks until a packet is queued or the session dies.
func (s *session) next() (protocol.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.alive && len(s.outbox) == 0 {
		s.outReady.Wait()
	}
	if !s.alive {
		return nil, false
	}
	p := s.outbox[0]
	s.outbox[0] = nil
	s.outbox = s.outbox[1:]
	return p, true
}

func (s *session) sendLoop() {
	defer s.wg.Done()
	for {
		p, ok := s.next()
		if !ok {
			return
		}
		if err := s.write(p); err != nil {
			return
		}
	}
}

// write sends one packet immediately. The connection serializes whole
// frames, so the receive task may call this concurrently with the sender.
func (s *session) write(p protocol.Packet) error {
	if err := s.conn.WritePacket(p); err != nil {
		if s.Alive() {
			s.fail(classify(fmt.Sprintf("send %s", p.Type()), err))
		}
		return err
	}
	s.mu.Lock()
	s.stats.PacketsSent++
	switch p.(type) {
	case protocol.InputPacket:
		s.stats.InputsSent++
	case protocol.WorldPacket:
		s.stats.SnapshotsSent++
	case protocol.PingPacket:
		if s.role == events.RoleServer {
			s.stats.PingsSent++
		}
	}
	s.mu.Unlock()
	s.logger.Trace().Str("packet", p.Type().String()).Msg("sent")
	return nil
}

func (s *session) receiveLoop() {
	defer s.wg.Done()
	for s.Alive() {
		p, err := s.conn.ReadPacket()
		if err != nil {
			if !s.Alive() {
				return
			}
			if protocol.IsRecoverable(err) {
				s.recordGarbage(err)
				continue
			}
			s.fail(classify("receive", err))
			return
		}

		s.mu.Lock()
		s.stats.PacketsReceived++
		s.mu.Unlock()
		s.logger.Trace().Str("packet", p.Type().String()).Msg("received")
		s.handle(p)
	}
}

// classify wraps a transport error, mapping the ways a stream reports that
// the other end went away to ErrPeerClosed.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%s: %w: %v", op, ErrPeerClosed, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (s *session) recordGarbage(err error) {
	skipped := 0
	var garbage *protocol.GarbageError
	if errors.As(err, &garbage) {
		skipped = garbage.Skipped
	}
	s.mu.Lock()
	s.stats.GarbageFrames++
	s.stats.GarbageBytes += uint64(skipped)
	s.mu.Unlock()

	s.logger.Warn().Err(err).Msg("discarded malformed frame")
	s.emit(events.EventGarbageFrame, events.GarbageFramePayload{Skipped: skipped})
}

// addInput merges a remote input into the history. A later arrival for the
// same tick replaces the earlier one.
func (s *session) addInput(p protocol.InputPacket) {
	s.mu.Lock()
	s.inputs[p.Tick] = p.Input
	s.stats.InputsReceived++
	s.mu.Unlock()
}

// drainInputs moves the buffered remote inputs out of the shared map.
func (s *session) drainInputs() map[uint32]protocol.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputs) == 0 {
		return nil
	}
	out := s.inputs
	s.inputs = make(map[uint32]protocol.Input)
	return out
}

// applyInputs feeds drained inputs to the remote source and reports whether
// any of them belongs to a tick already simulated.
func (s *session) applyInputs(drained map[uint32]protocol.Input, current uint32) bool {
	stale := false
	for tick, in := range drained {
		s.opts.Remote.SetInput(tick, in)
		if tick < current {
			stale = true
		}
	}
	return stale
}

func (s *session) setLastKnown(st snapshot.State) {
	s.mu.Lock()
	s.lastKnown = st
	s.stats.LastKnownTick = st.Tick()
	s.stats.HasLastKnown = true
	s.mu.Unlock()
}

func (s *session) getLastKnown() snapshot.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKnown
}

// resync restores the last known state and replays up to current. It does
// nothing when the state is not strictly behind current.
func (s *session) resync(current uint32) bool {
	st := s.getLastKnown()
	if st == nil {
		return false
	}
	from := st.Tick()
	if from >= current {
		s.logger.Debug().
			Uint32("snapshot_tick", from).
			Uint32("tick", current).
			Msg("last known state is not behind, no replay")
		return false
	}

	sim := s.opts.Sim
	if err := sim.UpdateState(st); err != nil {
		s.logger.Warn().Err(err).Uint32("snapshot_tick", from).Msg("failed to restore state")
		return false
	}
	replay := current - from
	sim.SetEffectsEnabled(false)
	for i := uint32(0); i < replay; i++ {
		sim.Logic()
	}
	sim.SetEffectsEnabled(true)

	s.prune(from)

	s.mu.Lock()
	s.stats.Resyncs++
	s.stats.ReplayedTicks += uint64(replay)
	s.mu.Unlock()

	s.logger.Debug().
		Uint32("from", from).
		Uint32("to", current).
		Uint32("replayed", replay).
		Msg("resynchronized")
	s.emit(events.EventResync, events.ResyncPayload{FromTick: from, ToTick: current, Replayed: replay})
	return true
}

type pruner interface {
	Prune(before uint32)
}

// prune drops input history that no future replay can reach.
func (s *session) prune(before uint32) {
	for _, src := range []input.Source{s.opts.Local, s.opts.Remote} {
		if p, ok := src.(pruner); ok {
			p.Prune(before)
		}
	}
}

// AfterLogic transmits the local input for tick if it changed since the last
// one sent.
func (s *session) AfterLogic(tick uint32) {
	in := s.opts.Local.CurrentInput(tick)

	s.mu.Lock()
	s.stats.LastTick = tick
	s.mu.Unlock()

	if in == s.lastSent {
		return
	}
	s.lastSent = in
	s.enqueue(protocol.InputPacket{Tick: tick, Input: in})
}

func (s *session) dropSnapshot(tick uint32, reason string, err error) {
	s.mu.Lock()
	s.stats.SnapshotsDropped++
	s.mu.Unlock()

	s.logger.Warn().Err(err).Uint32("snapshot_tick", tick).Str("reason", reason).Msg("dropped snapshot")
	s.emit(events.EventSnapshotDropped, events.SnapshotDroppedPayload{Tick: tick, Reason: reason})
}

func (s *session) emit(t events.EventType, payload interface{}) {
	s.opts.Bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "netplay/" + s.role.String(),
		Payload: payload,
	})
}
