// Package sim produces replay buffers from a simple vehicle driving over random terrain.
// It stands in for the external simulator the buffers are normally recorded from.
package sim

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

// Terrain is a square height map with unit cells, heights normalised to [0, 1]
type Terrain struct {
	Size   int
	Height []float64
}

// RandomTerrain sums gaussian bumps of random position, radius and sign
func RandomTerrain(rng *rand.Rand, size, bumps int) *Terrain {
	height := make([]float64, size*size)
	for b := 0; b < bumps; b++ {
		cx := rng.Float64() * float64(size)
		cy := rng.Float64() * float64(size)
		radius := float64(size) * (0.05 + 0.2*rng.Float64())
		amp := rng.Float64()*2 - 1
		for i := 0; i < size; i++ {
			for j := 0; j < size; j++ {
				dx, dy := float64(j)-cx, float64(i)-cy
				height[i*size+j] += amp * math.Exp(-(dx*dx+dy*dy)/(2*radius*radius))
			}
		}
	}
	lo, hi := floats.Min(height), floats.Max(height)
	if hi-lo > 0 {
		floats.AddConst(-lo, height)
		floats.Scale(1/(hi-lo), height)
	} else {
		floats.Scale(0, height)
	}
	return &Terrain{Size: size, Height: height}
}

func (t *Terrain) cell(i, j int) float64 {
	i = clampInt(i, 0, t.Size-1)
	j = clampInt(j, 0, t.Size-1)
	return t.Height[i*t.Size+j]
}

// At interpolates the height at (x, y), outside points take the nearest border value
func (t *Terrain) At(x, y float64) float64 {
	x = clamp(x, 0, float64(t.Size-1))
	y = clamp(y, 0, float64(t.Size-1))
	j0, i0 := int(math.Floor(x)), int(math.Floor(y))
	fx, fy := x-float64(j0), y-float64(i0)
	top := t.cell(i0, j0)*(1-fx) + t.cell(i0, j0+1)*fx
	bottom := t.cell(i0+1, j0)*(1-fx) + t.cell(i0+1, j0+1)*fx
	return top*(1-fy) + bottom*fy
}

// Slope is the height change per unit of travel along heading
func (t *Terrain) Slope(x, y, heading float64) float64 {
	const h = 0.5
	dx, dy := math.Cos(heading)*h, math.Sin(heading)*h
	return (t.At(x+dx, y+dy) - t.At(x-dx, y-dy)) / (2 * h)
}

// Patch samples a size x size row-major window centred on (x, y)
func (t *Terrain) Patch(x, y float64, size int) []float64 {
	out := make([]float64, size*size)
	half := float64(size-1) / 2
	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			out[i*size+j] = t.At(x+float64(j)-half, y+float64(i)-half)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
