// Package optim holds the parameter update rule and the learning-rate schedule
// used by the motion model learner.
package optim

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// Adam is gorgonia's AdamSolver with a readable learning rate so a schedule can drive it.
// The solver zeroes every gradient it consumes, which the tape machines rely on since
// they accumulate into the bound dual values.
type Adam struct {
	solver *G.AdamSolver
	lr     float64
	steps  int
	params int
}

var _ G.Solver = &Adam{}

func WithBetas(beta1, beta2 float64) G.SolverOpt {
	return func(s G.Solver) {
		G.WithBeta1(beta1)(s)
		G.WithBeta2(beta2)(s)
	}
}

func WithEpsilon(eps float64) G.SolverOpt {
	return G.WithEps(eps)
}

// WithWeightDecay adds wd*w to every gradient, a zero wd leaves the solver unregularised
func WithWeightDecay(wd float64) G.SolverOpt {
	if wd == 0 {
		return func(G.Solver) {}
	}
	return G.WithL2Reg(wd)
}

func NewAdam(lr float64, opts ...G.SolverOpt) *Adam {
	opts = append(opts, G.WithLearnRate(lr))
	return &Adam{
		solver: G.NewAdamSolver(opts...),
		lr:     lr,
	}
}

func (a *Adam) LearnRate() float64 {
	return a.lr
}

func (a *Adam) SetLearnRate(lr float64) {
	a.lr = lr
	G.WithLearnRate(lr)(a.solver)
}

// Steps is the number of updates applied so far
func (a *Adam) Steps() int {
	return a.steps
}

// Step applies one update. The solver matches parameters to their moments by position,
// so callers must pass them in the same order every time.
func (a *Adam) Step(model []G.ValueGrad) error {
	if a.steps > 0 && len(model) != a.params {
		return fmt.Errorf("optim: adam initialised with %d parameters, got %d", a.params, len(model))
	}
	if err := a.solver.Step(model); err != nil {
		return fmt.Errorf("optim: adam step %d: %w", a.steps+1, err)
	}
	a.params = len(model)
	a.steps++
	return nil
}
