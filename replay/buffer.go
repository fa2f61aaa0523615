// Package replay stores recorded (state, map, action) -> next-state transitions
// and samples training batches out of them.
package replay

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"
)

var (
	ErrShapeMismatch = errors.New("replay: tensor shapes do not match")
	ErrEmptyRange    = errors.New("replay: percentage range selects no transitions")
	ErrInvalidRange  = errors.New("replay: invalid percentage range")
	ErrEmptyBuffer   = errors.New("replay: buffer is empty")
)

// Dims are the per-transition sizes of the stored tensors
type Dims struct {
	State  int `json:"state"`
	MapH   int `json:"map_h"`
	MapW   int `json:"map_w"`
	Action int `json:"action"`
	Out    int `json:"out"`
}

func (d Dims) mapSize() int {
	return d.MapH * d.MapW
}

func (d Dims) Printable() string {
	return fmt.Sprintf("Dims: state=%d map=%dx%d action=%d out=%d", d.State, d.MapH, d.MapW, d.Action, d.Out)
}

// Range is a [From, To) fraction of the buffer indices
type Range struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

func (r Range) Validate() error {
	if r.From < 0 || r.To > 1 || r.From >= r.To || math.IsNaN(r.From) || math.IsNaN(r.To) {
		return fmt.Errorf("%w: [%v, %v)", ErrInvalidRange, r.From, r.To)
	}
	return nil
}

// Indices maps the range onto [floor(From*n), floor(To*n))
func (r Range) Indices(n int) (int, int) {
	return int(math.Floor(r.From * float64(n))), int(math.Floor(r.To * float64(n)))
}

func (r Range) String() string {
	return fmt.Sprintf("[%.2f, %.2f)", r.From, r.To)
}

// Buffer keeps the transitions as flat row-major float64 slices
type Buffer struct {
	n    int
	dims Dims

	states     []float64
	maps       []float64
	actions    []float64
	nextStates []float64
}

// NewBuffer creates an empty buffer with fixed per-transition sizes
func NewBuffer(dims Dims) *Buffer {
	return &Buffer{
		dims:       dims,
		states:     make([]float64, 0),
		maps:       make([]float64, 0),
		actions:    make([]float64, 0),
		nextStates: make([]float64, 0),
	}
}

func (b *Buffer) Len() int {
	return b.n
}

func (b *Buffer) Dims() Dims {
	return b.dims
}

// Append records one transition, the map is row-major MapH x MapW
func (b *Buffer) Append(state, terrain, action, nextState []float64) error {
	if len(state) != b.dims.State || len(terrain) != b.dims.mapSize() ||
		len(action) != b.dims.Action || len(nextState) != b.dims.Out {
		return fmt.Errorf("%w: got state=%d map=%d action=%d next=%d for %s",
			ErrShapeMismatch, len(state), len(terrain), len(action), len(nextState), b.dims.Printable())
	}
	b.states = append(b.states, state...)
	b.maps = append(b.maps, terrain...)
	b.actions = append(b.actions, action...)
	b.nextStates = append(b.nextStates, nextState...)
	b.n++
	return nil
}

// Transition copies out the i-th transition
func (b *Buffer) Transition(i int) (state, terrain, action, nextState []float64, ok bool) {
	if i < 0 || i >= b.n {
		return nil, nil, nil, nil, false
	}
	d := b.dims
	state = append([]float64(nil), b.states[i*d.State:(i+1)*d.State]...)
	terrain = append([]float64(nil), b.maps[i*d.mapSize():(i+1)*d.mapSize()]...)
	action = append([]float64(nil), b.actions[i*d.Action:(i+1)*d.Action]...)
	nextState = append([]float64(nil), b.nextStates[i*d.Out:(i+1)*d.Out]...)
	return state, terrain, action, nextState, true
}

// Batch is a sampled set of transitions, ready to be bound to graph inputs
type Batch struct {
	Indices    []int
	States     *tensor.Dense // (B, State)
	Maps       *tensor.Dense // (B, 1, MapH, MapW)
	Actions    *tensor.Dense // (B, Action)
	NextStates *tensor.Dense // (B, Out)
}

func (b *Batch) Size() int {
	return len(b.Indices)
}

// Sample draws size transitions uniformly with replacement from the given range
func (b *Buffer) Sample(rng *rand.Rand, size int, r Range) (*Batch, error) {
	if size <= 0 {
		return nil, fmt.Errorf("replay: batch size must be positive, got %d", size)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if b.n == 0 {
		return nil, ErrEmptyBuffer
	}
	from, to := r.Indices(b.n)
	if to <= from {
		return nil, fmt.Errorf("%w: %s of %d transitions", ErrEmptyRange, r, b.n)
	}
	indices := make([]int, size)
	for i := range indices {
		indices[i] = from + rng.Intn(to-from)
	}
	return b.Gather(indices)
}

// Gather builds a batch from explicit indices
func (b *Buffer) Gather(indices []int) (*Batch, error) {
	d := b.dims
	size := len(indices)
	states := make([]float64, 0, size*d.State)
	maps := make([]float64, 0, size*d.mapSize())
	actions := make([]float64, 0, size*d.Action)
	next := make([]float64, 0, size*d.Out)
	for _, i := range indices {
		if i < 0 || i >= b.n {
			return nil, fmt.Errorf("replay: index %d out of bounds for %d transitions", i, b.n)
		}
		states = append(states, b.states[i*d.State:(i+1)*d.State]...)
		maps = append(maps, b.maps[i*d.mapSize():(i+1)*d.mapSize()]...)
		actions = append(actions, b.actions[i*d.Action:(i+1)*d.Action]...)
		next = append(next, b.nextStates[i*d.Out:(i+1)*d.Out]...)
	}
	return &Batch{
		Indices:    append([]int(nil), indices...),
		States:     tensor.New(tensor.WithShape(size, d.State), tensor.WithBacking(states)),
		Maps:       tensor.New(tensor.WithShape(size, 1, d.MapH, d.MapW), tensor.WithBacking(maps)),
		Actions:    tensor.New(tensor.WithShape(size, d.Action), tensor.WithBacking(actions)),
		NextStates: tensor.New(tensor.WithShape(size, d.Out), tensor.WithBacking(next)),
	}, nil
}

// column returns the j-th column of a row-major slice restricted to rows [from, to)
func column(data []float64, width, j, from, to int) []float64 {
	out := make([]float64, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, data[i*width+j])
	}
	return out
}
