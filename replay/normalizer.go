package replay

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

const minStd = 1e-8

// Normalizer standardises the state, action and next-state columns.
// Terrain maps are left untouched.
type Normalizer struct {
	StateMean  []float64 `json:"state_mean"`
	StateStd   []float64 `json:"state_std"`
	ActionMean []float64 `json:"action_mean"`
	ActionStd  []float64 `json:"action_std"`
	OutMean    []float64 `json:"out_mean"`
	OutStd     []float64 `json:"out_std"`
}

// FitNormalizer computes per-column statistics over the transitions selected by r
func FitNormalizer(b *Buffer, r Range) (*Normalizer, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	from, to := r.Indices(b.n)
	if to <= from {
		return nil, fmt.Errorf("%w: %s of %d transitions", ErrEmptyRange, r, b.n)
	}
	n := &Normalizer{}
	n.StateMean, n.StateStd = columnStats(b.states, b.dims.State, from, to)
	n.ActionMean, n.ActionStd = columnStats(b.actions, b.dims.Action, from, to)
	n.OutMean, n.OutStd = columnStats(b.nextStates, b.dims.Out, from, to)
	return n, nil
}

func columnStats(data []float64, width, from, to int) ([]float64, []float64) {
	means := make([]float64, width)
	stds := make([]float64, width)
	for j := 0; j < width; j++ {
		col := column(data, width, j, from, to)
		if len(col) < 2 {
			means[j], stds[j] = stat.Mean(col, nil), 1
			continue
		}
		means[j], stds[j] = stat.MeanStdDev(col, nil)
		if stds[j] < minStd {
			stds[j] = 1
		}
	}
	return means, stds
}

// Check verifies the statistics against the buffer sizes
func (n *Normalizer) Check(d Dims) error {
	if len(n.StateMean) != d.State || len(n.StateStd) != d.State ||
		len(n.ActionMean) != d.Action || len(n.ActionStd) != d.Action ||
		len(n.OutMean) != d.Out || len(n.OutStd) != d.Out {
		return fmt.Errorf("%w: normalizer does not fit %s", ErrShapeMismatch, d.Printable())
	}
	return nil
}

// Apply standardises a sampled batch in place
func (n *Normalizer) Apply(b *Batch) {
	standardise(b.States.Data().([]float64), n.StateMean, n.StateStd)
	standardise(b.Actions.Data().([]float64), n.ActionMean, n.ActionStd)
	standardise(b.NextStates.Data().([]float64), n.OutMean, n.OutStd)
}

// NormalizeInputs standardises raw state and action rows in place
func (n *Normalizer) NormalizeInputs(states, actions []float64) {
	standardise(states, n.StateMean, n.StateStd)
	standardise(actions, n.ActionMean, n.ActionStd)
}

// DenormalizeOutputs maps network outputs back to next-state units in place
func (n *Normalizer) DenormalizeOutputs(out []float64) {
	width := len(n.OutMean)
	for i := range out {
		j := i % width
		out[i] = out[i]*n.OutStd[j] + n.OutMean[j]
	}
}

func standardise(data, mean, std []float64) {
	width := len(mean)
	if width == 0 {
		return
	}
	for i := range data {
		j := i % width
		data[i] = (data[i] - mean[j]) / std[j]
	}
}
