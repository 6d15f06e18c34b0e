package netplay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/versus-project/versus/internal/events"
	"github.com/versus-project/versus/internal/input"
	"github.com/versus-project/versus/internal/network"
	"github.com/versus-project/versus/internal/sim"
)

func TestRunMatchOverPipe(t *testing.T) {
	a, b := net.Pipe()
	timeouts := network.Timeouts{Idle: 5 * time.Second, Write: 5 * time.Second}
	serverConn := network.NewConnection(a, timeouts)
	clientConn := network.NewConnection(b, timeouts)

	type outcome struct {
		res MatchResult
		err error
	}
	run := func(role events.Role, conn MatchConn, duel *sim.Duel, local, remote input.Source, maxTicks uint32, out chan<- outcome) {
		res, err := RunMatch(context.Background(), conn, MatchOptions{
			Role:             role,
			Sim:              duel,
			Local:            local,
			Remote:           remote,
			TickRate:         600,
			MaxTicks:         maxTicks,
			HandshakeTimeout: 2 * time.Second,
		})
		out <- outcome{res, err}
	}

	serverLocal, serverRemote := input.NewHumanInput(nil), input.NewNetworkInput()
	serverDuel := sim.NewDuel(serverLocal, serverRemote, 99)
	clientLocal, clientRemote := input.NewHumanInput(nil), input.NewNetworkInput()
	clientDuel := sim.NewDuel(clientRemote, clientLocal, 99)

	serverDone := make(chan outcome, 1)
	clientDone := make(chan outcome, 1)
	go run(events.RoleServer, serverConn, serverDuel, serverLocal, serverRemote, 90, serverDone)
	go run(events.RoleClient, clientConn, clientDuel, clientLocal, clientRemote, 0, clientDone)

	var server, client outcome
	select {
	case server = <-serverDone:
	case <-time.After(10 * time.Second):
		t.Fatalf("server match did not finish")
	}
	select {
	case client = <-clientDone:
	case <-time.After(10 * time.Second):
		t.Fatalf("client match did not finish")
	}

	if server.err != nil {
		t.Fatalf("server: %v", server.err)
	}
	if client.err != nil {
		t.Fatalf("client: %v", client.err)
	}
	// The client runs until the server hangs up.
	if server.res.Ticks != 90 {
		t.Fatalf("server ran %d ticks, want 90", server.res.Ticks)
	}
	if server.res.Stats.SnapshotsSent < 3 {
		t.Fatalf("server sent %d snapshots, want at least 3", server.res.Stats.SnapshotsSent)
	}
	if server.res.Stats.State != events.SessionStopped {
		t.Fatalf("server session state %v", server.res.Stats.State)
	}
	for name, d := range map[string]*sim.Duel{"server": serverDuel, "client": clientDuel} {
		if d.RoundTime() != 99 {
			t.Fatalf("%s round time %d after match, want 99", name, d.RoundTime())
		}
	}
}

type failingRendezvous struct {
	*fakeConn
}

func (failingRendezvous) Rendezvous(events.Role, time.Duration) error {
	return context.DeadlineExceeded
}

func TestRunMatchRendezvousFailure(t *testing.T) {
	conn := failingRendezvous{newFakeConn()}
	duel := sim.NewDuel(input.NewHumanInput(nil), input.NewNetworkInput(), 99)
	_, err := RunMatch(context.Background(), conn, MatchOptions{
		Role:   events.RoleServer,
		Sim:    duel,
		Local:  input.NewHumanInput(nil),
		Remote: input.NewNetworkInput(),
	})
	if err == nil {
		t.Fatalf("expected rendezvous error")
	}
	if !conn.isClosed() {
		t.Fatalf("connection left open after a failed rendezvous")
	}
	if duel.RoundTime() != 99 {
		t.Fatalf("round time not restored: %d", duel.RoundTime())
	}
}
