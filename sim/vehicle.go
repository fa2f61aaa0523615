package sim

import (
	"fmt"
	"math"
)

// StateDim and ActionDim are the vector sizes written to the replay buffer
const (
	StateDim  = 5
	ActionDim = 2
)

// VehicleState is the planar pose and forward speed of the vehicle
type VehicleState struct {
	X       float64
	Y       float64
	Heading float64
	Speed   float64
}

// Vector encodes the heading as (sin, cos) so the model never sees the wrap-around
func (s VehicleState) Vector() []float64 {
	return []float64{s.X, s.Y, math.Sin(s.Heading), math.Cos(s.Heading), s.Speed}
}

// Action is throttle and steering, both in [-1, 1]
type Action struct {
	Throttle float64
	Steer    float64
}

func (a Action) Vector() []float64 {
	return []float64{a.Throttle, a.Steer}
}

func (a Action) Hash() string {
	return fmt.Sprintf("%.3f_%.3f", a.Throttle, a.Steer)
}

// VehicleConfig holds the kinematic constants
type VehicleConfig struct {
	Dt       float64 `json:"dt"`
	MaxSpeed float64 `json:"max_speed"`
	MaxAccel float64 `json:"max_accel"`
	Drag     float64 `json:"drag"`
	Gravity  float64 `json:"gravity"`
	TurnRate float64 `json:"turn_rate"`
}

func DefaultVehicleConfig() VehicleConfig {
	return VehicleConfig{
		Dt:       0.1,
		MaxSpeed: 5,
		MaxAccel: 4,
		Drag:     0.3,
		Gravity:  9.81,
		TurnRate: 0.6,
	}
}

// Step integrates one time step; slopes along the heading slow the vehicle down
func (c VehicleConfig) Step(t *Terrain, s VehicleState, a Action) VehicleState {
	throttle := clamp(a.Throttle, -1, 1)
	steer := clamp(a.Steer, -1, 1)

	slope := t.Slope(s.X, s.Y, s.Heading)
	accel := c.MaxAccel*throttle - c.Drag*s.Speed - c.Gravity*slope
	speed := clamp(s.Speed+c.Dt*accel, 0, c.MaxSpeed)
	heading := wrapAngle(s.Heading + c.Dt*speed*steer*c.TurnRate)

	extent := float64(t.Size - 1)
	return VehicleState{
		X:       clamp(s.X+c.Dt*speed*math.Cos(heading), 0, extent),
		Y:       clamp(s.Y+c.Dt*speed*math.Sin(heading), 0, extent),
		Heading: heading,
		Speed:   speed,
	}
}

func wrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
