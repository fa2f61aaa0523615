package optim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type testParam struct {
	value *tensor.Dense
	grad  *tensor.Dense
}

func (p testParam) Value() G.Value          { return p.value }
func (p testParam) Grad() (G.Value, error) { return p.grad, nil }

func newTestParam(values ...float64) testParam {
	return testParam{
		value: tensor.New(tensor.WithShape(len(values)), tensor.WithBacking(values)),
		grad:  tensor.New(tensor.WithShape(len(values)), tensor.WithBacking(make([]float64, len(values)))),
	}
}

// gradient of sum((w - target)^2)
func (p testParam) setQuadraticGrad(target float64) {
	w := p.value.Data().([]float64)
	g := p.grad.Data().([]float64)
	for i := range w {
		g[i] = 2 * (w[i] - target)
	}
}

func TestAdamMinimisesQuadratic(t *testing.T) {
	p := newTestParam(-2, 0, 10)
	adam := NewAdam(0.1, WithBetas(0.9, 0.999), WithEpsilon(1e-8), WithWeightDecay(0))
	for i := 0; i < 2000; i++ {
		p.setQuadraticGrad(3)
		require.NoError(t, adam.Step([]G.ValueGrad{p}))
	}
	for _, w := range p.value.Data().([]float64) {
		assert.InDelta(t, 3, w, 1e-2)
	}
	assert.Equal(t, 2000, adam.Steps())
}

func TestAdamClearsGradients(t *testing.T) {
	p := newTestParam(1, -1)
	p.setQuadraticGrad(3)
	adam := NewAdam(0.01)
	require.NoError(t, adam.Step([]G.ValueGrad{p}))
	assert.Equal(t, []float64{0, 0}, p.grad.Data().([]float64))
	w := p.value.Data().([]float64)
	assert.Greater(t, w[0], 1.0)
	assert.Greater(t, w[1], -1.0)
}

func TestAdamZeroLearnRateFreezes(t *testing.T) {
	p := newTestParam(1, 2)
	adam := NewAdam(0.1)
	adam.SetLearnRate(0)
	assert.Equal(t, 0.0, adam.LearnRate())
	for i := 0; i < 5; i++ {
		p.setQuadraticGrad(3)
		require.NoError(t, adam.Step([]G.ValueGrad{p}))
	}
	assert.Equal(t, []float64{1, 2}, p.value.Data().([]float64))

	adam.SetLearnRate(0.1)
	p.setQuadraticGrad(3)
	require.NoError(t, adam.Step([]G.ValueGrad{p}))
	w := p.value.Data().([]float64)
	assert.Greater(t, w[0], 1.0)
	assert.Greater(t, w[1], 2.0)
}

// a tape machine adds into the bound gradients, so every run after a step must see
// the gradient of that run alone
func TestAdamGraphRunsSeeFreshGradients(t *testing.T) {
	g := G.NewGraph()
	w := G.NewVector(g, tensor.Float64, G.WithShape(3), G.WithName("w"),
		G.WithValue(tensor.New(tensor.WithShape(3), tensor.WithBacking([]float64{1, 1, 1}))))
	x := G.NewVector(g, tensor.Float64, G.WithShape(3), G.WithName("x"),
		G.WithValue(tensor.New(tensor.WithShape(3), tensor.WithBacking([]float64{1, 2, 3}))))
	wx, err := G.HadamardProd(w, x)
	require.NoError(t, err)
	cost, err := G.Sum(wx)
	require.NoError(t, err)
	_, err = G.Grad(cost, w)
	require.NoError(t, err)

	vm := G.NewTapeMachine(g, G.BindDualValues(w))
	defer vm.Close()
	adam := NewAdam(0.01)
	for i := 0; i < 3; i++ {
		require.NoError(t, vm.RunAll())
		grad, err := w.Grad()
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3}, grad.Data().([]float64), "run %d", i)
		require.NoError(t, adam.Step(G.NodesToValueGrads(G.Nodes{w})))
		vm.Reset()
	}
	assert.Equal(t, 3, adam.Steps())
}

func TestAdamWeightDecayPullsToZero(t *testing.T) {
	p := newTestParam(5)
	adam := NewAdam(0.05, WithWeightDecay(1))
	for i := 0; i < 1000; i++ {
		require.NoError(t, adam.Step([]G.ValueGrad{p}))
	}
	assert.InDelta(t, 0, p.value.Data().([]float64)[0], 0.1)
}

func TestAdamRejectsChangingParameterCount(t *testing.T) {
	adam := NewAdam(0.01)
	require.NoError(t, adam.Step([]G.ValueGrad{newTestParam(1)}))
	assert.Error(t, adam.Step([]G.ValueGrad{newTestParam(1), newTestParam(2)}))
}

func TestStepLR(t *testing.T) {
	adam := NewAdam(1)
	s, err := NewStepLR(adam, 0.01, 5000, 0.9)
	require.NoError(t, err)
	assert.Equal(t, 0.01, adam.LearnRate())

	for i := 0; i < 4999; i++ {
		s.Step()
	}
	assert.InDelta(t, 0.01, adam.LearnRate(), 1e-12)
	s.Step()
	assert.InDelta(t, 0.009, adam.LearnRate(), 1e-12)

	s.Skip(10000)
	assert.Equal(t, 15000, s.Steps())
	assert.InDelta(t, 0.01*0.9*0.9*0.9, adam.LearnRate(), 1e-12)
}

func TestStepLRValidation(t *testing.T) {
	_, err := NewStepLR(NewAdam(1), 0.01, 0, 0.9)
	assert.Error(t, err)
	_, err = NewStepLR(NewAdam(1), 0.01, 10, 0)
	assert.Error(t, err)
}
