// Package sim is a small deterministic two-fighter simulation. It stands in
// for a full game engine: it advances in fixed ticks, reads each player's
// input from an input.Source, and can capture and restore its full state.
package sim

import (
	"fmt"
	"math"

	"github.com/versus-project/versus/internal/input"
	"github.com/versus-project/versus/internal/protocol"
	"github.com/versus-project/versus/internal/snapshot"
)

// Tuning constants.
const (
	StageHalfWidth = 160.0
	Gravity        = 0.6
	Friction       = 0.85
	WalkAccel      = 0.9
	JumpSpeed      = 9.5
	AttackReach    = 42.0
	StartHealth    = 1000
	StunTicks      = 12
	TicksPerSecond = 60
	// InfiniteTime disables the round timer.
	InfiniteTime = -1
)

// Fighter is one player's physical state.
type Fighter struct {
	X, Y   float64
	VX, VY float64
	Health int
	Facing int
	Stun   int
}

func (f Fighter) grounded() bool {
	return f.Y <= 0
}

// Duel is the simulation. It is driven from a single goroutine; netplay
// sessions call it only from the driver's per-tick hooks.
type Duel struct {
	tick       uint32
	players    [2]Fighter
	roundTime  int
	timerTicks int

	sources [2]input.Source

	effects bool
	// Cosmetic, never part of snapshots.
	sparks int
	// EffectsFired counts hit effects actually triggered.
	EffectsFired int
}

// NewDuel creates a fresh round. p1 and p2 supply each player's input.
func NewDuel(p1, p2 input.Source, roundTime int) *Duel {
	d := &Duel{
		sources:   [2]input.Source{p1, p2},
		roundTime: roundTime,
		effects:   true,
	}
	d.players[0] = Fighter{X: -60, Health: StartHealth, Facing: 1}
	d.players[1] = Fighter{X: 60, Health: StartHealth, Facing: -1}
	return d
}

// Ticks returns the tick that the next call to Logic will simulate.
func (d *Duel) Ticks() uint32 {
	return d.tick
}

// Player returns a copy of a fighter's state (0 or 1).
func (d *Duel) Player(i int) Fighter {
	return d.players[i]
}

// Logic advances the simulation by one tick.
func (d *Duel) Logic() {
	var in [2]protocol.Input
	for i, src := range d.sources {
		if src != nil {
			in[i] = src.CurrentInput(d.tick)
		}
	}

	for i := range d.players {
		d.move(&d.players[i], in[i])
	}
	// Attacks resolve after both fighters moved.
	hits := [2]bool{d.attacks(0, in[0]), d.attacks(1, in[1])}
	for i, hit := range hits {
		if !hit {
			continue
		}
		target := &d.players[1-i]
		target.Health -= damage(in[i])
		if target.Health < 0 {
			target.Health = 0
		}
		target.Stun = StunTicks
		target.VX += 4 * float64(d.players[i].Facing)
		d.fireEffect()
	}

	d.face()

	if d.roundTime > 0 {
		d.timerTicks++
		if d.timerTicks >= TicksPerSecond {
			d.timerTicks = 0
			d.roundTime--
		}
	}
	d.tick++
}

func (d *Duel) move(f *Fighter, in protocol.Input) {
	if f.Stun > 0 {
		f.Stun--
	} else {
		dir := 0.0
		if in.Forward {
			dir += float64(f.Facing)
		}
		if in.Back {
			dir -= float64(f.Facing)
		}
		f.VX += dir * WalkAccel
		if in.Up && f.grounded() {
			f.VY = JumpSpeed
		}
	}

	f.VX *= Friction
	f.X += f.VX
	if !f.grounded() || f.VY > 0 {
		f.VY -= Gravity
		f.Y += f.VY
		if f.Y < 0 {
			f.Y, f.VY = 0, 0
		}
	}
	f.X = math.Max(-StageHalfWidth, math.Min(StageHalfWidth, f.X))
}

func (d *Duel) attacks(i int, in protocol.Input) bool {
	me, them := d.players[i], d.players[1-i]
	if me.Stun > 0 || damage(in) == 0 {
		return false
	}
	return math.Abs(me.X-them.X) <= AttackReach && math.Abs(me.Y-them.Y) <= AttackReach
}

func damage(in protocol.Input) int {
	switch {
	case in.C || in.Z:
		return 70
	case in.B || in.Y:
		return 40
	case in.A || in.X:
		return 20
	default:
		return 0
	}
}

func (d *Duel) face() {
	if d.players[0].X <= d.players[1].X {
		d.players[0].Facing, d.players[1].Facing = 1, -1
	} else {
		d.players[0].Facing, d.players[1].Facing = -1, 1
	}
}

func (d *Duel) fireEffect() {
	d.sparks++
	if d.effects {
		d.EffectsFired++
	}
}

// SetEffectsEnabled turns audible and visible hit effects on or off.
func (d *Duel) SetEffectsEnabled(enabled bool) {
	d.effects = enabled
}

// RoundTime returns the remaining round time in seconds, or InfiniteTime.
func (d *Duel) RoundTime() int {
	return d.roundTime
}

// SetRoundTime sets the remaining round time. InfiniteTime stops the clock.
func (d *Duel) SetRoundTime(seconds int) {
	d.roundTime = seconds
	d.timerTicks = 0
}

// Over reports whether the round has a winner or ran out of time.
func (d *Duel) Over() bool {
	return d.players[0].Health == 0 || d.players[1].Health == 0 || d.roundTime == 0
}

// State is a full copy of Duel state at one tick.
type State struct {
	At         uint32
	Players    [2]Fighter
	RoundTime  int
	TimerTicks int
	Sparks     int
}

// Tick implements snapshot.State.
func (s *State) Tick() uint32 {
	return s.At
}

// Tree implements snapshot.State.
func (s *State) Tree() *snapshot.Node {
	return snapshot.New("duel",
		snapshot.Uint("tick", uint64(s.At)),
		snapshot.New("timer",
			snapshot.Int("round", int64(s.RoundTime)),
			snapshot.Int("sub", int64(s.TimerTicks)),
		),
		fighterNode("p1", s.Players[0]),
		fighterNode("p2", s.Players[1]),
		snapshot.New("fx", snapshot.Int("sparks", int64(s.Sparks))).MarkCosmetic(),
	)
}

func fighterNode(name string, f Fighter) *snapshot.Node {
	return snapshot.New(name,
		snapshot.Float("x", f.X),
		snapshot.Float("y", f.Y),
		snapshot.Float("vx", f.VX),
		snapshot.Float("vy", f.VY),
		snapshot.Int("hp", int64(f.Health)),
		snapshot.Int("facing", int64(f.Facing)),
		snapshot.Int("stun", int64(f.Stun)),
	)
}

// SnapshotState captures the current state.
func (d *Duel) SnapshotState() snapshot.State {
	return &State{
		At:         d.tick,
		Players:    d.players,
		RoundTime:  d.roundTime,
		TimerTicks: d.timerTicks,
		Sparks:     d.sparks,
	}
}

// UpdateState restores a state captured by SnapshotState or DecodeState.
// Cosmetic fields keep their local values.
func (d *Duel) UpdateState(s snapshot.State) error {
	st, ok := s.(*State)
	if !ok {
		return fmt.Errorf("cannot restore duel from %T", s)
	}
	d.tick = st.At
	d.players = st.Players
	d.roundTime = st.RoundTime
	d.timerTicks = st.TimerTicks
	return nil
}

// DecodeState parses a received state tree. It does not touch d, so it is
// safe to call while another goroutine runs Logic.
func (d *Duel) DecodeState(tree *snapshot.Node) (snapshot.State, error) {
	if tree == nil {
		return nil, fmt.Errorf("empty state tree")
	}
	tick, err := tree.Child("tick").UintValue()
	if err != nil {
		return nil, fmt.Errorf("tick: %w", err)
	}
	if tick > math.MaxUint32 {
		return nil, fmt.Errorf("tick %d out of range", tick)
	}
	round, err := tree.Path("timer", "round").IntValue()
	if err != nil {
		return nil, fmt.Errorf("timer.round: %w", err)
	}
	sub, err := tree.Path("timer", "sub").IntValue()
	if err != nil {
		return nil, fmt.Errorf("timer.sub: %w", err)
	}

	st := &State{At: uint32(tick), RoundTime: int(round), TimerTicks: int(sub)}
	for i, name := range []string{"p1", "p2"} {
		f, err := decodeFighter(tree.Child(name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		st.Players[i] = f
	}
	return st, nil
}

func decodeFighter(n *snapshot.Node) (Fighter, error) {
	var f Fighter
	if n == nil {
		return f, fmt.Errorf("missing fighter")
	}
	floats := []struct {
		name string
		dst  *float64
	}{{"x", &f.X}, {"y", &f.Y}, {"vx", &f.VX}, {"vy", &f.VY}}
	for _, fl := range floats {
		v, err := n.Child(fl.name).FloatValue()
		if err != nil {
			return f, fmt.Errorf("%s: %w", fl.name, err)
		}
		*fl.dst = v
	}
	ints := []struct {
		name string
		dst  *int
	}{{"hp", &f.Health}, {"facing", &f.Facing}, {"stun", &f.Stun}}
	for _, in := range ints {
		v, err := n.Child(in.name).IntValue()
		if err != nil {
			return f, fmt.Errorf("%s: %w", in.name, err)
		}
		*in.dst = int(v)
	}
	return f, nil
}
