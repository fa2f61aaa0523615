package replay

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeu5/motion-model/util"
	"gorgonia.org/tensor"
)

// file names inside a replay buffer folder
const (
	StateFile     = "state.npy"
	MapFile       = "map.npy"
	ActionFile    = "action.npy"
	NextStateFile = "next_state.npy"
)

// Load reads the four tensors of a replay buffer from dir.
// Maps stored as (N, H, W) get a unit channel axis. With matchLoadSize the tensors are
// cut to the shortest leading length, otherwise differing lengths are an error.
func Load(dir string, matchLoadSize bool) (*Buffer, error) {
	states, sShape, err := readNpy(filepath.Join(dir, StateFile))
	if err != nil {
		return nil, err
	}
	maps, mShape, err := readNpy(filepath.Join(dir, MapFile))
	if err != nil {
		return nil, err
	}
	actions, aShape, err := readNpy(filepath.Join(dir, ActionFile))
	if err != nil {
		return nil, err
	}
	next, nShape, err := readNpy(filepath.Join(dir, NextStateFile))
	if err != nil {
		return nil, err
	}

	if len(sShape) != 2 || len(aShape) != 2 || len(nShape) != 2 {
		return nil, fmt.Errorf("%w: state %v, action %v and next state %v must be matrices", ErrShapeMismatch, sShape, aShape, nShape)
	}
	var mapH, mapW int
	switch len(mShape) {
	case 3:
		mapH, mapW = mShape[1], mShape[2]
	case 4:
		if mShape[1] != 1 {
			return nil, fmt.Errorf("%w: map must have a single channel, got %v", ErrShapeMismatch, mShape)
		}
		mapH, mapW = mShape[2], mShape[3]
	default:
		return nil, fmt.Errorf("%w: map must be (N, H, W) or (N, 1, H, W), got %v", ErrShapeMismatch, mShape)
	}

	n := sShape[0]
	lengths := []int{mShape[0], aShape[0], nShape[0]}
	for _, l := range lengths {
		if l == n {
			continue
		}
		if !matchLoadSize {
			return nil, fmt.Errorf("%w: leading lengths %d, %v", ErrShapeMismatch, n, lengths)
		}
		if l < n {
			n = l
		}
	}

	dims := Dims{
		State:  sShape[1],
		MapH:   mapH,
		MapW:   mapW,
		Action: aShape[1],
		Out:    nShape[1],
	}
	return &Buffer{
		n:          n,
		dims:       dims,
		states:     states[:n*dims.State],
		maps:       maps[:n*dims.mapSize()],
		actions:    actions[:n*dims.Action],
		nextStates: next[:n*dims.Out],
	}, nil
}

// Save writes the buffer as NumPy arrays into dir
func (b *Buffer) Save(dir string) error {
	if err := util.EnsureDir(dir); err != nil {
		return err
	}
	d := b.dims
	files := []struct {
		name  string
		data  []float64
		shape []int
	}{
		{StateFile, b.states, []int{b.n, d.State}},
		{MapFile, b.maps, []int{b.n, d.MapH, d.MapW}},
		{ActionFile, b.actions, []int{b.n, d.Action}},
		{NextStateFile, b.nextStates, []int{b.n, d.Out}},
	}
	for _, f := range files {
		t := tensor.New(tensor.WithShape(f.shape...), tensor.WithBacking(append([]float64(nil), f.data...)))
		if err := writeNpy(filepath.Join(dir, f.name), t); err != nil {
			return err
		}
	}
	return nil
}

func readNpy(path string) ([]float64, tensor.Shape, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("replay: opening %s: %w", path, err)
	}
	defer f.Close()

	t := new(tensor.Dense)
	if err := t.ReadNpy(bufio.NewReader(f)); err != nil {
		return nil, nil, fmt.Errorf("replay: reading %s: %w", path, err)
	}
	shape := t.Shape().Clone()
	switch data := t.Data().(type) {
	case []float64:
		return data, shape, nil
	case []float32:
		out := make([]float64, len(data))
		for i, v := range data {
			out[i] = float64(v)
		}
		return out, shape, nil
	default:
		return nil, nil, fmt.Errorf("replay: %s has unsupported dtype %v", path, t.Dtype())
	}
}

func writeNpy(path string, t *tensor.Dense) error {
	return util.WriteFileAtomic(path, func(f *os.File) error {
		w := bufio.NewWriter(f)
		if err := t.WriteNpy(w); err != nil {
			return fmt.Errorf("replay: writing %s: %w", path, err)
		}
		return w.Flush()
	})
}
