// Package model builds the deterministic motion model on top of gorgonia.
//
// The network reads the terrain patch through conv/pool blocks, concatenates the
// flattened features with the vehicle state and the applied action, and maps the
// result to the next state through fully connected layers. Parameters live in
// plain tensors owned by the Model; graphs are compiled per batch size and mode,
// all of them bind the same parameter tensors and only the most recently used
// few per mode stay compiled.
package model

import (
	"fmt"
	"math"

	"github.com/zeu5/motion-model/replay"
	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Param is a named learnable tensor
type Param struct {
	Name  string
	Value *tensor.Dense
}

func (p *Param) data() []float64 {
	return p.Value.Data().([]float64)
}

type mode int

const (
	modeTrain mode = iota
	modeEval
	modePredict
)

type graphKey struct {
	batch int
	mode  mode
}

// compiled graphs kept per mode. Training only ever moves to a larger batch, eval
// alternates between the train and the test batch size.
var graphsPerMode = map[mode]int{
	modeTrain:   1,
	modeEval:    2,
	modePredict: 2,
}

type graph struct {
	g  *G.ExprGraph
	vm G.VM

	state   *G.Node
	terrain *G.Node
	action  *G.Node
	target  *G.Node

	learnables G.Nodes

	lossVal G.Value
	predVal G.Value

	lastUsed uint64
}

// Model is the motion model. It is not safe for concurrent use.
type Model struct {
	cfg    Config
	params []*Param
	graphs map[graphKey]*graph
	uses   uint64
}

// New creates a model with Glorot-uniform weights and zero biases
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		cfg:    cfg,
		params: make([]*Param, 0),
		graphs: make(map[graphKey]*graph),
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	inCh := 1
	for i, conv := range cfg.ConvSizes {
		out, k := conv[0], conv[1]
		m.addParam(fmt.Sprintf("conv%d_filter", i), glorot(rng, inCh*k*k, out*k*k, out, inCh, k, k))
		inCh = out
	}

	ch, h, w, _ := cfg.convOutput()
	in := ch*h*w + cfg.Dims.State + cfg.Dims.Action
	for i, size := range cfg.FCSizes {
		m.addParam(fmt.Sprintf("fc%d_w", i), glorot(rng, in, size, in, size))
		m.addParam(fmt.Sprintf("fc%d_b", i), zeros(1, size))
		in = size
	}
	m.addParam("out_w", glorot(rng, in, cfg.Dims.Out, in, cfg.Dims.Out))
	m.addParam("out_b", zeros(1, cfg.Dims.Out))
	return m, nil
}

func (m *Model) addParam(name string, value *tensor.Dense) {
	m.params = append(m.params, &Param{Name: name, Value: value})
}

func glorot(rng *rand.Rand, fanIn, fanOut int, shape ...int) *tensor.Dense {
	size := 1
	for _, s := range shape {
		size *= s
	}
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	data := make([]float64, size)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func zeros(shape ...int) *tensor.Dense {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float64, size)))
}

func (m *Model) Config() Config {
	return m.cfg
}

func (m *Model) Params() []*Param {
	return m.params
}

// NumParams counts the learnable scalars
func (m *Model) NumParams() int {
	total := 0
	for _, p := range m.params {
		total += p.Value.Size()
	}
	return total
}

func (m *Model) graphFor(batch int, md mode) (*graph, error) {
	m.uses++
	key := graphKey{batch: batch, mode: md}
	if gr, ok := m.graphs[key]; ok {
		gr.lastUsed = m.uses
		return gr, nil
	}
	gr, err := m.build(batch, md)
	if err != nil {
		return nil, err
	}
	m.evict(md, graphsPerMode[md]-1)
	gr.lastUsed = m.uses
	m.graphs[key] = gr
	return gr, nil
}

// evict closes the least recently used graphs of the mode until at most keep are left
func (m *Model) evict(md mode, keep int) {
	for {
		var oldest graphKey
		count := 0
		for k, gr := range m.graphs {
			if k.mode != md {
				continue
			}
			if count == 0 || gr.lastUsed < m.graphs[oldest].lastUsed {
				oldest = k
			}
			count++
		}
		if count <= keep {
			return
		}
		m.graphs[oldest].vm.Close()
		delete(m.graphs, oldest)
	}
}

func (m *Model) build(batch int, md mode) (*graph, error) {
	cfg := m.cfg
	d := cfg.Dims
	g := G.NewGraph()
	gr := &graph{g: g}

	gr.state = G.NewMatrix(g, tensor.Float64, G.WithShape(batch, d.State), G.WithName("state"))
	gr.terrain = G.NewTensor(g, tensor.Float64, 4, G.WithShape(batch, 1, d.MapH, d.MapW), G.WithName("map"))
	gr.action = G.NewMatrix(g, tensor.Float64, G.WithShape(batch, d.Action), G.WithName("action"))

	gr.learnables = make(G.Nodes, len(m.params))
	for i, p := range m.params {
		gr.learnables[i] = G.NewTensor(g, tensor.Float64, p.Value.Dims(),
			G.WithShape(p.Value.Shape().Clone()...), G.WithName(p.Name), G.WithValue(p.Value))
	}

	var err error
	next := 0
	x := gr.terrain
	for i, conv := range cfg.ConvSizes {
		k := conv[1]
		if x, err = G.Conv2d(x, gr.learnables[next], tensor.Shape{k, k}, []int{0, 0}, []int{1, 1}, []int{1, 1}); err != nil {
			return nil, fmt.Errorf("model: conv %d: %w", i, err)
		}
		next++
		if x, err = G.Rectify(x); err != nil {
			return nil, fmt.Errorf("model: conv %d activation: %w", i, err)
		}
		if x, err = G.MaxPool2D(x, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2}); err != nil {
			return nil, fmt.Errorf("model: conv %d pooling: %w", i, err)
		}
	}

	ch, h, w, _ := cfg.convOutput()
	if x, err = G.Reshape(x, tensor.Shape{batch, ch * h * w}); err != nil {
		return nil, fmt.Errorf("model: flatten terrain features: %w", err)
	}
	if x, err = G.Concat(1, x, gr.state, gr.action); err != nil {
		return nil, fmt.Errorf("model: concat inputs: %w", err)
	}

	for i := range cfg.FCSizes {
		if x, err = dense(x, gr.learnables[next], gr.learnables[next+1]); err != nil {
			return nil, fmt.Errorf("model: fc %d: %w", i, err)
		}
		next += 2
		if x, err = G.Rectify(x); err != nil {
			return nil, fmt.Errorf("model: fc %d activation: %w", i, err)
		}
		if p := cfg.dropout(i); md == modeTrain && p > 0 {
			if x, err = G.Dropout(x, p); err != nil {
				return nil, fmt.Errorf("model: fc %d dropout: %w", i, err)
			}
		}
	}
	pred, err := dense(x, gr.learnables[next], gr.learnables[next+1])
	if err != nil {
		return nil, fmt.Errorf("model: output layer: %w", err)
	}
	G.Read(pred, &gr.predVal)

	if md != modePredict {
		gr.target = G.NewMatrix(g, tensor.Float64, G.WithShape(batch, d.Out), G.WithName("next_state"))
		loss, err := mse(pred, gr.target)
		if err != nil {
			return nil, err
		}
		G.Read(loss, &gr.lossVal)
		if md == modeTrain {
			if _, err := G.Grad(loss, gr.learnables...); err != nil {
				return nil, fmt.Errorf("model: gradients: %w", err)
			}
		}
	}

	if md == modeTrain {
		gr.vm = G.NewTapeMachine(g, G.BindDualValues(gr.learnables...))
	} else {
		gr.vm = G.NewTapeMachine(g)
	}
	return gr, nil
}

// x*w + b with b broadcast over the batch
func dense(x, w, b *G.Node) (*G.Node, error) {
	xw, err := G.Mul(x, w)
	if err != nil {
		return nil, err
	}
	return G.BroadcastAdd(xw, b, nil, []byte{0})
}

func mse(pred, target *G.Node) (*G.Node, error) {
	diff, err := G.Sub(pred, target)
	if err != nil {
		return nil, fmt.Errorf("model: loss: %w", err)
	}
	sq, err := G.Square(diff)
	if err != nil {
		return nil, fmt.Errorf("model: loss: %w", err)
	}
	loss, err := G.Mean(sq)
	if err != nil {
		return nil, fmt.Errorf("model: loss: %w", err)
	}
	return loss, nil
}

// bind the model parameters into the graph leaves; graphs normally share the
// tensors, the copy only happens when the machine keeps its own buffers
func (gr *graph) pullParams(params []*Param) {
	for i, n := range gr.learnables {
		nv, ok := n.Value().Data().([]float64)
		if !ok {
			continue
		}
		if pv := params[i].data(); !sameBacking(nv, pv) {
			copy(nv, pv)
		}
	}
}

func (gr *graph) pushParams(params []*Param) {
	for i, n := range gr.learnables {
		nv, ok := n.Value().Data().([]float64)
		if !ok {
			continue
		}
		if pv := params[i].data(); !sameBacking(nv, pv) {
			copy(pv, nv)
		}
	}
}

func sameBacking(a, b []float64) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}

func (gr *graph) bind(states, maps, actions, target *tensor.Dense) error {
	if err := G.Let(gr.state, states); err != nil {
		return fmt.Errorf("model: binding state: %w", err)
	}
	if err := G.Let(gr.terrain, maps); err != nil {
		return fmt.Errorf("model: binding map: %w", err)
	}
	if err := G.Let(gr.action, actions); err != nil {
		return fmt.Errorf("model: binding action: %w", err)
	}
	if gr.target != nil {
		if err := G.Let(gr.target, target); err != nil {
			return fmt.Errorf("model: binding next state: %w", err)
		}
	}
	return nil
}

func (m *Model) checkBatch(b *replay.Batch) error {
	if b == nil || b.Size() == 0 {
		return fmt.Errorf("model: empty batch")
	}
	return m.checkInputs(b.States, b.Maps, b.Actions)
}

func (m *Model) checkInputs(states, maps, actions *tensor.Dense) error {
	d := m.cfg.Dims
	n := states.Shape()[0]
	want := []struct {
		name  string
		got   tensor.Shape
		shape tensor.Shape
	}{
		{"state", states.Shape(), tensor.Shape{n, d.State}},
		{"map", maps.Shape(), tensor.Shape{n, 1, d.MapH, d.MapW}},
		{"action", actions.Shape(), tensor.Shape{n, d.Action}},
	}
	for _, w := range want {
		if !w.got.Eq(w.shape) {
			return fmt.Errorf("%w: %s has shape %v, expected %v", replay.ErrShapeMismatch, w.name, w.got, w.shape)
		}
	}
	return nil
}

// TrainStep runs forward and backward on the batch and lets solver update the parameters.
// It returns the training loss measured before the update.
func (m *Model) TrainStep(b *replay.Batch, solver G.Solver) (float64, error) {
	if err := m.checkBatch(b); err != nil {
		return 0, err
	}
	gr, err := m.graphFor(b.Size(), modeTrain)
	if err != nil {
		return 0, err
	}
	defer gr.vm.Reset()

	gr.pullParams(m.params)
	if err := gr.bind(b.States, b.Maps, b.Actions, b.NextStates); err != nil {
		return 0, err
	}
	if err := gr.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("model: train forward/backward: %w", err)
	}
	loss, err := scalar(gr.lossVal)
	if err != nil {
		return 0, err
	}
	if err := solver.Step(G.NodesToValueGrads(gr.learnables)); err != nil {
		return 0, fmt.Errorf("model: solver step: %w", err)
	}
	gr.pushParams(m.params)
	return loss, nil
}

// Loss is the mean squared error on the batch without dropout and without touching the parameters
func (m *Model) Loss(b *replay.Batch) (float64, error) {
	if err := m.checkBatch(b); err != nil {
		return 0, err
	}
	gr, err := m.graphFor(b.Size(), modeEval)
	if err != nil {
		return 0, err
	}
	defer gr.vm.Reset()

	gr.pullParams(m.params)
	if err := gr.bind(b.States, b.Maps, b.Actions, b.NextStates); err != nil {
		return 0, err
	}
	if err := gr.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("model: eval forward: %w", err)
	}
	return scalar(gr.lossVal)
}

// Predict returns the (N, Out) predicted next states
func (m *Model) Predict(states, maps, actions *tensor.Dense) (*tensor.Dense, error) {
	if err := m.checkInputs(states, maps, actions); err != nil {
		return nil, err
	}
	n := states.Shape()[0]
	gr, err := m.graphFor(n, modePredict)
	if err != nil {
		return nil, err
	}
	defer gr.vm.Reset()

	gr.pullParams(m.params)
	if err := gr.bind(states, maps, actions, nil); err != nil {
		return nil, err
	}
	if err := gr.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("model: predict forward: %w", err)
	}
	out, ok := gr.predVal.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("model: unexpected prediction type %T", gr.predVal.Data())
	}
	return tensor.New(tensor.WithShape(n, m.cfg.Dims.Out), tensor.WithBacking(append([]float64(nil), out...))), nil
}

func scalar(v G.Value) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("model: loss was not computed")
	}
	switch d := v.Data().(type) {
	case float64:
		return d, nil
	case []float64:
		if len(d) == 1 {
			return d[0], nil
		}
	}
	return 0, fmt.Errorf("model: loss is not a scalar: %v", v)
}

// Close releases the compiled graphs
func (m *Model) Close() error {
	for key, gr := range m.graphs {
		gr.vm.Close()
		delete(m.graphs, key)
	}
	return nil
}
