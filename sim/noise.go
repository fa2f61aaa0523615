package sim

import (
	"math"

	"golang.org/x/exp/rand"
)

// OUNoise is an Ornstein-Uhlenbeck process, giving temporally correlated exploration actions
type OUNoise struct {
	Theta float64
	Sigma float64
	Mu    float64
	Dt    float64

	state []float64
	rng   *rand.Rand
}

func NewOUNoise(rng *rand.Rand, dim int, theta, sigma, dt float64) *OUNoise {
	n := &OUNoise{
		Theta: theta,
		Sigma: sigma,
		Dt:    dt,
		state: make([]float64, dim),
		rng:   rng,
	}
	n.Reset()
	return n
}

func (n *OUNoise) Reset() {
	for i := range n.state {
		n.state[i] = n.Mu
	}
}

// Sample advances the process and returns a copy of its state
func (n *OUNoise) Sample() []float64 {
	for i, x := range n.state {
		n.state[i] = x + n.Theta*(n.Mu-x)*n.Dt + n.Sigma*math.Sqrt(n.Dt)*n.rng.NormFloat64()
	}
	return append([]float64(nil), n.state...)
}
