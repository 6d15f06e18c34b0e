package input

import (
	"testing"

	"github.com/versus-project/versus/internal/protocol"
)

func TestHumanReplaysRecordedInput(t *testing.T) {
	calls := 0
	current := protocol.Input{A: true}
	h := NewHumanInput(func() protocol.Input {
		calls++
		return current
	})

	if got := h.CurrentInput(1); got != (protocol.Input{A: true}) {
		t.Fatalf("tick 1 = %v", got)
	}
	current = protocol.Input{B: true}
	if got := h.CurrentInput(2); got != (protocol.Input{B: true}) {
		t.Fatalf("tick 2 = %v", got)
	}

	// Controller changed again, but a replay of tick 1 must see what was recorded.
	current = protocol.Input{Z: true}
	if got := h.CurrentInput(1); got != (protocol.Input{A: true}) {
		t.Fatalf("replayed tick 1 = %v", got)
	}
	if got := h.CurrentInput(2); got != (protocol.Input{B: true}) {
		t.Fatalf("replayed tick 2 = %v", got)
	}
	if calls != 2 {
		t.Fatalf("controller sampled %d times, want 2", calls)
	}
}

func TestHumanPrune(t *testing.T) {
	h := NewHumanInput(func() protocol.Input { return protocol.Input{Up: true} })
	for tick := uint32(0); tick < 10; tick++ {
		h.CurrentInput(tick)
	}
	h.Prune(5)
	if h.Len() != 5 {
		t.Fatalf("Len() = %d after prune, want 5", h.Len())
	}
	// Pruned tick holds nothing earlier, so it reads neutral.
	if got := h.CurrentInput(2); !got.IsZero() {
		t.Fatalf("pruned tick = %v, want neutral", got)
	}
}

func TestHumanWithoutController(t *testing.T) {
	h := NewHumanInput(nil)
	if got := h.CurrentInput(0); !got.IsZero() {
		t.Fatalf("got %v, want neutral", got)
	}
}

func TestNetworkHoldsLastValue(t *testing.T) {
	n := NewNetworkInput()
	if got := n.CurrentInput(100); !got.IsZero() {
		t.Fatalf("empty history = %v, want neutral", got)
	}

	n.SetInput(10, protocol.Input{Forward: true})
	n.SetInput(30, protocol.Input{Back: true})
	n.SetInput(20, protocol.Input{A: true}) // out of order arrival

	cases := []struct {
		tick uint32
		want protocol.Input
	}{
		{0, protocol.Input{}},
		{9, protocol.Input{}},
		{10, protocol.Input{Forward: true}},
		{19, protocol.Input{Forward: true}},
		{20, protocol.Input{A: true}},
		{29, protocol.Input{A: true}},
		{30, protocol.Input{Back: true}},
		{1000, protocol.Input{Back: true}},
	}
	for _, tc := range cases {
		if got := n.CurrentInput(tc.tick); got != tc.want {
			t.Errorf("tick %d = %v, want %v", tc.tick, got, tc.want)
		}
	}

	tick, in, ok := n.Latest()
	if !ok || tick != 30 || in != (protocol.Input{Back: true}) {
		t.Fatalf("Latest() = %d %v %v", tick, in, ok)
	}
}

func TestNetworkLastArrivalWins(t *testing.T) {
	n := NewNetworkInput()
	n.SetInput(5, protocol.Input{X: true})
	n.SetInput(5, protocol.Input{Y: true})
	if got := n.CurrentInput(5); got != (protocol.Input{Y: true}) {
		t.Fatalf("got %v", got)
	}
	if n.Len() != 1 {
		t.Fatalf("duplicate tick stored twice")
	}
}

func TestNetworkPruneKeepsEffectiveEntry(t *testing.T) {
	n := NewNetworkInput()
	n.SetInput(0, protocol.Input{A: true})
	n.SetInput(10, protocol.Input{B: true})
	n.SetInput(20, protocol.Input{C: true})

	n.Prune(15)
	if n.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", n.Len())
	}
	if got := n.CurrentInput(15); got != (protocol.Input{B: true}) {
		t.Fatalf("tick 15 after prune = %v", got)
	}
	if got := n.CurrentInput(25); got != (protocol.Input{C: true}) {
		t.Fatalf("tick 25 after prune = %v", got)
	}
}

func TestHumanSetInputPreloadsScript(t *testing.T) {
	h := NewHumanInput(func() protocol.Input { return protocol.Input{Down: true} })
	h.SetInput(3, protocol.Input{X: true})

	if got := h.CurrentInput(3); got != (protocol.Input{X: true}) {
		t.Fatalf("scripted tick = %v", got)
	}
	// Ticks up to the scripted one are not newer, so they hold earlier values.
	if got := h.CurrentInput(2); !got.IsZero() {
		t.Fatalf("tick before script = %v, want neutral", got)
	}
	if got := h.CurrentInput(4); got != (protocol.Input{Down: true}) {
		t.Fatalf("tick after script = %v, want controller value", got)
	}
}

func TestBotIsDeterministic(t *testing.T) {
	a, b := Bot(7, 4), Bot(7, 4)
	varied := false
	first := a()
	b()
	for i := 1; i < 200; i++ {
		x, y := a(), b()
		if x != y {
			t.Fatalf("poll %d: %v != %v", i, x, y)
		}
		if x != first {
			varied = true
		}
	}
	if !varied {
		t.Fatal("bot never changed its input")
	}
}

func TestBotHoldsEachChoice(t *testing.T) {
	bot := Bot(99, 5)
	for block := 0; block < 20; block++ {
		in := bot()
		for i := 1; i < 5; i++ {
			if got := bot(); got != in {
				t.Fatalf("block %d poll %d: %v, want %v", block, i, got, in)
			}
		}
	}
}

func TestNeutral(t *testing.T) {
	if !Neutral()().IsZero() {
		t.Fatal("neutral controller held a button")
	}
}
