package netplay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/versus-project/versus/internal/events"
	"github.com/versus-project/versus/internal/input"
)

// Match defaults.
const (
	DefaultTickRate         = 60
	DefaultHandshakeTimeout = 30 * time.Second
	// InfiniteRoundTime stops a RoundTimer.
	InfiniteRoundTime = -1
)

// MatchConn is a Conn that can also perform the start-of-match rendezvous:
// the server reads a value and echoes it, the client sends one and waits for
// the echo, so both start ticking at the same moment.
type MatchConn interface {
	Conn
	Rendezvous(role events.Role, timeout time.Duration) error
}

// Finisher is implemented by simulations that know when the match is over.
type Finisher interface {
	Over() bool
}

// MatchOptions configure RunMatch.
type MatchOptions struct {
	Role   events.Role
	Sim    Simulation
	Local  input.Source
	Remote input.Source

	// TickRate is simulation ticks per second.
	TickRate int
	// MaxTicks ends the match after that many ticks; 0 runs until the
	// simulation finishes, the session dies or ctx is cancelled.
	MaxTicks         uint32
	SnapshotInterval uint32
	PingInterval     time.Duration
	HandshakeTimeout time.Duration

	Bus *events.EventBus
	// OnSession is called with the running session, e.g. to expose its stats.
	OnSession func(Session)
}

// MatchResult summarizes a finished match.
type MatchResult struct {
	Ticks    uint32
	Duration time.Duration
	Stats    Stats
}

// RunMatch synchronizes with the peer, runs the session and drives the
// simulation at a fixed rate until the match ends. A peer closing the
// connection ends the match without error.
func RunMatch(ctx context.Context, conn MatchConn, opts MatchOptions) (MatchResult, error) {
	logger := log.With().Str("component", "match").Str("role", opts.Role.String()).Logger()

	if opts.TickRate <= 0 {
		opts.TickRate = DefaultTickRate
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}

	// No tick may elapse on the round clock before both sides are in step.
	if timer, ok := opts.Sim.(RoundTimer); ok {
		saved := timer.RoundTime()
		timer.SetRoundTime(InfiniteRoundTime)
		defer timer.SetRoundTime(saved)
	}

	logger.Info().Msg("synchronizing with peer")
	if err := conn.Rendezvous(opts.Role, opts.HandshakeTimeout); err != nil {
		conn.Close()
		return MatchResult{}, fmt.Errorf("rendezvous failed: %w", err)
	}

	sessOpts := Options{
		Sim:              opts.Sim,
		Local:            opts.Local,
		Remote:           opts.Remote,
		SnapshotInterval: opts.SnapshotInterval,
		PingInterval:     opts.PingInterval,
		Bus:              opts.Bus,
	}
	var sess Session
	if opts.Role == events.RoleServer {
		sess = NewServer(conn, sessOpts)
	} else {
		sess = NewClient(conn, sessOpts)
	}
	if err := sess.Start(); err != nil {
		conn.Close()
		return MatchResult{}, err
	}
	if opts.OnSession != nil {
		opts.OnSession(sess)
	}

	started := time.Now()
	start := opts.Sim.Ticks()
	ticker := time.NewTicker(time.Second / time.Duration(opts.TickRate))
	defer ticker.Stop()

	finisher, _ := opts.Sim.(Finisher)

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("match cancelled")
			break loop
		case <-sess.Done():
			break loop
		case <-ticker.C:
			tick := opts.Sim.Ticks()
			sess.BeforeLogic(tick)
			opts.Sim.Logic()
			sess.AfterLogic(tick)

			if opts.MaxTicks > 0 && opts.Sim.Ticks()-start >= opts.MaxTicks {
				logger.Info().Uint32("tick", opts.Sim.Ticks()).Msg("match length reached")
				break loop
			}
			if finisher != nil && finisher.Over() {
				logger.Info().Uint32("tick", opts.Sim.Ticks()).Msg("match over")
				break loop
			}
		}
	}

	sess.Kill()
	err := sess.Wait()

	result := MatchResult{
		Ticks:    opts.Sim.Ticks() - start,
		Duration: time.Since(started),
		Stats:    sess.Stats(),
	}
	if errors.Is(err, ErrPeerClosed) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("network match ended: %w", err)
	}
	return result, nil
}
