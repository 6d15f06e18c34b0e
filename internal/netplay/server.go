package netplay

import (
	"errors"

	"github.com/versus-project/versus/internal/events"
	"github.com/versus-project/versus/internal/protocol"
	"github.com/versus-project/versus/internal/snapshot"
)

// Server is the authoritative side. It sends a World snapshot every
// SnapshotInterval ticks, originates pings, and replays from its most recent
// snapshot when a client input arrives for a tick it already simulated.
type Server struct {
	*session
}

var _ Session = (*Server)(nil)

// NewServer creates an idle server session on conn.
func NewServer(conn Conn, opts Options) *Server {
	s := &Server{session: newSession(events.RoleServer, conn, opts)}
	s.handle = s.handlePacket
	return s
}

// BeforeLogic runs before the simulation computes tick.
func (s *Server) BeforeLogic(tick uint32) {
	if drained := s.drainInputs(); len(drained) > 0 {
		if s.applyInputs(drained, tick) {
			s.resync(tick)
		}
	}

	if tick%s.opts.SnapshotInterval == 0 {
		s.sendSnapshot(tick)
	}

	s.maybePing()
}

func (s *Server) sendSnapshot(tick uint32) {
	state := s.opts.Sim.SnapshotState()
	s.setLastKnown(state)

	packet, err := snapshot.Pack(state)
	if err != nil {
		reason := "encode"
		if errors.Is(err, snapshot.ErrTooLarge) {
			reason = "too_large"
		}
		s.dropSnapshot(tick, reason, err)
		return
	}
	s.enqueue(packet)

	s.logger.Debug().
		Uint32("tick", tick).
		Int("size", packet.Size).
		Int("compressed", len(packet.Payload)).
		Msg("snapshot queued")
	s.emit(events.EventSnapshotSent, events.SnapshotPayload{
		Tick:       tick,
		Size:       packet.Size,
		Compressed: len(packet.Payload),
	})
}

func (s *Server) maybePing() {
	now := s.opts.Now()
	if !s.lastPing.IsZero() && now.Sub(s.lastPing) < s.opts.PingInterval {
		return
	}
	s.lastPing = now

	s.mu.Lock()
	s.pings.Expire(now.Add(-PingExpiry))
	id := s.pings.NextPing()
	s.pings.Record(id, now)
	s.mu.Unlock()

	s.enqueue(protocol.PingPacket{ID: id})
}

func (s *Server) handlePacket(p protocol.Packet) {
	switch p := p.(type) {
	case protocol.InputPacket:
		s.addInput(p)
	case protocol.PingPacket:
		s.mu.Lock()
		rtt, ok := s.pings.Match(p.ID, s.opts.Now())
		if ok {
			s.stats.PingsMatched++
			s.stats.LastRTT = rtt
		}
		s.mu.Unlock()
		if !ok {
			s.logger.Debug().Uint16("id", p.ID).Msg("ignoring echo of unknown ping")
			return
		}
		s.logger.Trace().Uint16("id", p.ID).Dur("rtt", rtt).Msg("ping")
		s.emit(events.EventPingMeasured, events.PingPayload{ID: p.ID, RTT: rtt})
	case protocol.WorldPacket:
		s.logger.Warn().Int("size", p.Size).Msg("client sent a world snapshot, ignoring")
	}
}
