package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func flatTerrain(size int) *Terrain {
	return &Terrain{Size: size, Height: make([]float64, size*size)}
}

func TestRandomTerrainIsNormalised(t *testing.T) {
	terrain := RandomTerrain(rand.New(rand.NewSource(3)), 32, 5)
	require.Len(t, terrain.Height, 32*32)
	lo, hi := 1.0, 0.0
	for _, h := range terrain.Height {
		lo = math.Min(lo, h)
		hi = math.Max(hi, h)
	}
	assert.InDelta(t, 0, lo, 1e-12)
	assert.InDelta(t, 1, hi, 1e-12)
}

func TestTerrainInterpolation(t *testing.T) {
	terrain := flatTerrain(3)
	terrain.Height[1*3+1] = 1
	assert.Equal(t, 1.0, terrain.At(1, 1))
	assert.InDelta(t, 0.5, terrain.At(1.5, 1), 1e-12)
	assert.InDelta(t, 0.25, terrain.At(1.5, 1.5), 1e-12)
	// outside points clamp to the border
	assert.Equal(t, terrain.At(0, 0), terrain.At(-5, -5))

	patch := terrain.Patch(1, 1, 3)
	assert.Equal(t, []float64{0, 0, 0, 0, 1, 0, 0, 0, 0}, patch)
}

func TestSlope(t *testing.T) {
	terrain := flatTerrain(10)
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			terrain.Height[i*10+j] = float64(j) * 0.1
		}
	}
	assert.InDelta(t, 0.1, terrain.Slope(5, 5, 0), 1e-9)
	assert.InDelta(t, -0.1, terrain.Slope(5, 5, math.Pi), 1e-9)
	assert.InDelta(t, 0, terrain.Slope(5, 5, math.Pi/2), 1e-9)
}

func TestVehicleStep(t *testing.T) {
	cfg := DefaultVehicleConfig()
	terrain := flatTerrain(50)

	s := VehicleState{X: 10, Y: 10}
	next := cfg.Step(terrain, s, Action{Throttle: 1})
	assert.InDelta(t, cfg.Dt*cfg.MaxAccel, next.Speed, 1e-12)
	assert.InDelta(t, 10+cfg.Dt*next.Speed, next.X, 1e-12)
	assert.Equal(t, 10.0, next.Y)
	assert.Equal(t, 0.0, next.Heading)

	// speed never goes negative or above the limit
	stopped := cfg.Step(terrain, s, Action{Throttle: -1})
	assert.Equal(t, 0.0, stopped.Speed)
	fast := VehicleState{X: 10, Y: 10, Speed: cfg.MaxSpeed}
	assert.LessOrEqual(t, cfg.Step(terrain, fast, Action{Throttle: 1}).Speed, cfg.MaxSpeed)

	// steering turns the heading in the steering direction
	moving := VehicleState{X: 10, Y: 10, Speed: 2}
	assert.Greater(t, cfg.Step(terrain, moving, Action{Steer: 1}).Heading, 0.0)
	assert.Less(t, cfg.Step(terrain, moving, Action{Steer: -1}).Heading, 0.0)

	// the vehicle stays on the map
	edge := VehicleState{X: 49, Y: 49, Speed: cfg.MaxSpeed, Heading: math.Pi / 4}
	out := cfg.Step(terrain, edge, Action{Throttle: 1})
	assert.LessOrEqual(t, out.X, 49.0)
	assert.LessOrEqual(t, out.Y, 49.0)
}

func TestWrapAngle(t *testing.T) {
	assert.InDelta(t, 0, wrapAngle(2*math.Pi), 1e-12)
	assert.InDelta(t, -math.Pi/2, wrapAngle(3*math.Pi/2), 1e-12)
	assert.InDelta(t, math.Pi/2, wrapAngle(-3*math.Pi/2), 1e-12)
}

func TestOUNoiseRevertsToMean(t *testing.T) {
	noise := NewOUNoise(rand.New(rand.NewSource(1)), 2, 1.0, 0, 0.1)
	noise.state = []float64{1, -1}
	for i := 0; i < 100; i++ {
		noise.Sample()
	}
	out := noise.Sample()
	assert.InDelta(t, 0, out[0], 1e-3)
	assert.InDelta(t, 0, out[1], 1e-3)

	// the returned slice is a copy
	out[0] = 42
	assert.NotEqual(t, 42.0, noise.state[0])
}

func TestTrace(t *testing.T) {
	trace := NewTrace()
	_, _, _, _, ok := trace.Last()
	assert.False(t, ok)

	trace.Append(VehicleState{X: 1}, []float64{0}, Action{Throttle: 1}, VehicleState{X: 2})
	trace.Append(VehicleState{X: 2}, []float64{0}, Action{Steer: 1}, VehicleState{X: 3})
	assert.Equal(t, 2, trace.Len())
	_, _, action, next, ok := trace.Last()
	require.True(t, ok)
	assert.Equal(t, "0.000_1.000", action.Hash())
	assert.Equal(t, 3.0, next.X)
	_, _, _, _, ok = trace.Get(2)
	assert.False(t, ok)
}

func TestGenerate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Episodes = 3
	cfg.Horizon = 10
	cfg.TerrainSize = 24
	cfg.PatchSize = 8

	buf, err := Generate(cfg)
	require.NoError(t, err)
	assert.Equal(t, 30, buf.Len())
	assert.Equal(t, cfg.Dims(), buf.Dims())

	// consecutive steps within an episode chain
	_, _, _, next, ok := buf.Transition(0)
	require.True(t, ok)
	state, _, _, _, ok := buf.Transition(1)
	require.True(t, ok)
	assert.Equal(t, next, state)

	// same seed, same data
	again, err := Generate(cfg)
	require.NoError(t, err)
	for i := 0; i < buf.Len(); i++ {
		s1, m1, a1, n1, _ := buf.Transition(i)
		s2, m2, a2, n2, _ := again.Transition(i)
		assert.Equal(t, s1, s2)
		assert.Equal(t, m1, m2)
		assert.Equal(t, a1, a2)
		assert.Equal(t, n1, n2)
	}

	cfg.Horizon = 0
	_, err = Generate(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
