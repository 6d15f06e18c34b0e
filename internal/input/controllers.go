package input

import (
	"math/rand/v2"

	"github.com/versus-project/versus/internal/protocol"
)

// Neutral is a controller that never holds anything.
func Neutral() Controller {
	return func() protocol.Input { return protocol.Input{} }
}

// Bot returns a deterministic controller that walks, jumps and attacks at
// random, keeping each choice for hold polls. The same seed always yields the
// same sequence.
func Bot(seed uint64, hold int) Controller {
	if hold < 1 {
		hold = 1
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var current protocol.Input
	left := 0
	return func() protocol.Input {
		if left == 0 {
			current = botInput(rng)
			left = hold
		}
		left--
		return current
	}
}

func botInput(rng *rand.Rand) protocol.Input {
	var in protocol.Input
	switch rng.IntN(3) {
	case 0:
		in.Back = true
	case 1:
		in.Forward = true
	}
	in.Up = rng.IntN(8) == 0
	in.Down = !in.Up && rng.IntN(8) == 0
	switch rng.IntN(6) {
	case 0:
		in.A = true
	case 1:
		in.B = true
	case 2:
		in.X = true
	}
	return in
}
