package optim

import (
	"fmt"
	"math"
)

// LearnRateSetter is anything whose learning rate a scheduler can drive
type LearnRateSetter interface {
	SetLearnRate(float64)
}

// StepLR decays the learning rate by gamma every stepSize scheduler steps
type StepLR struct {
	target   LearnRateSetter
	base     float64
	stepSize int
	gamma    float64
	steps    int
}

func NewStepLR(target LearnRateSetter, base float64, stepSize int, gamma float64) (*StepLR, error) {
	if stepSize <= 0 {
		return nil, fmt.Errorf("optim: step size must be positive, got %d", stepSize)
	}
	if gamma <= 0 {
		return nil, fmt.Errorf("optim: gamma must be positive, got %v", gamma)
	}
	s := &StepLR{
		target:   target,
		base:     base,
		stepSize: stepSize,
		gamma:    gamma,
	}
	s.target.SetLearnRate(base)
	return s, nil
}

// Step advances the schedule by one update and pushes the new rate to the target
func (s *StepLR) Step() {
	s.steps++
	s.target.SetLearnRate(s.LearnRate())
}

// LearnRate is base * gamma^floor(steps/stepSize)
func (s *StepLR) LearnRate() float64 {
	return s.base * math.Pow(s.gamma, float64(s.steps/s.stepSize))
}

func (s *StepLR) Steps() int {
	return s.steps
}

// Skip fast-forwards the schedule, used when resuming from a checkpoint
func (s *StepLR) Skip(steps int) {
	s.steps += steps
	s.target.SetLearnRate(s.LearnRate())
}
