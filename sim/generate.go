package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/zeu5/motion-model/replay"
	"golang.org/x/exp/rand"
)

var ErrInvalidConfig = errors.New("invalid generator config")

// Config for generating a replay buffer
type Config struct {
	Episodes     int           `json:"episodes"`
	Horizon      int           `json:"horizon"`
	TerrainSize  int           `json:"terrain_size"`
	TerrainBumps int           `json:"terrain_bumps"`
	PatchSize    int           `json:"patch_size"`
	NoiseTheta   float64       `json:"noise_theta"`
	NoiseSigma   float64       `json:"noise_sigma"`
	Vehicle      VehicleConfig `json:"vehicle"`
	Seed         uint64        `json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Episodes:     100,
		Horizon:      200,
		TerrainSize:  128,
		TerrainBumps: 12,
		PatchSize:    32,
		NoiseTheta:   0.15,
		NoiseSigma:   0.6,
		Vehicle:      DefaultVehicleConfig(),
		Seed:         1,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Episodes <= 0 || c.Horizon <= 0:
		return fmt.Errorf("%w: episodes and horizon must be positive", ErrInvalidConfig)
	case c.TerrainSize < 2:
		return fmt.Errorf("%w: terrain size %d", ErrInvalidConfig, c.TerrainSize)
	case c.PatchSize <= 0:
		return fmt.Errorf("%w: patch size %d", ErrInvalidConfig, c.PatchSize)
	case c.Vehicle.Dt <= 0:
		return fmt.Errorf("%w: dt must be positive", ErrInvalidConfig)
	}
	return nil
}

// Dims of the buffers produced with this config
func (c Config) Dims() replay.Dims {
	return replay.Dims{
		State:  StateDim,
		MapH:   c.PatchSize,
		MapW:   c.PatchSize,
		Action: ActionDim,
		Out:    StateDim,
	}
}

func (c Config) Printable() string {
	bs, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(bs)
}

// Episode drives the vehicle for Horizon steps with OU exploration noise over the terrain
func (c Config) Episode(rng *rand.Rand, terrain *Terrain) *Trace {
	trace := NewTrace()
	noise := NewOUNoise(rng, ActionDim, c.NoiseTheta, c.NoiseSigma, c.Vehicle.Dt)

	margin := float64(terrain.Size) / 4
	state := VehicleState{
		X:       margin + rng.Float64()*2*margin,
		Y:       margin + rng.Float64()*2*margin,
		Heading: (rng.Float64()*2 - 1) * math.Pi,
	}
	for step := 0; step < c.Horizon; step++ {
		n := noise.Sample()
		action := Action{Throttle: clamp(0.5+n[0], -1, 1), Steer: clamp(n[1], -1, 1)}
		next := c.Vehicle.Step(terrain, state, action)
		trace.Append(state, terrain.Patch(state.X, state.Y, c.PatchSize), action, next)
		state = next
	}
	return trace
}

// Generate runs Episodes episodes, each on a fresh terrain, and collects every step
func Generate(c Config) (*replay.Buffer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(c.Seed))
	buf := replay.NewBuffer(c.Dims())
	for e := 0; e < c.Episodes; e++ {
		terrain := RandomTerrain(rng, c.TerrainSize, c.TerrainBumps)
		trace := c.Episode(rng, terrain)
		for i := 0; i < trace.Len(); i++ {
			state, patch, action, next, _ := trace.Get(i)
			if err := buf.Append(state.Vector(), patch, action.Vector(), next.Vector()); err != nil {
				return nil, fmt.Errorf("episode %d step %d: %w", e, i, err)
			}
		}
	}
	return buf, nil
}
