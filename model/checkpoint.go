package model

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"

	"github.com/zeu5/motion-model/replay"
	"github.com/zeu5/motion-model/util"
	"gorgonia.org/tensor"
)

const checkpointVersion = 1

// ParamState is the serialised form of one parameter
type ParamState struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Checkpoint is everything needed to rebuild a trained model
type Checkpoint struct {
	Version    int                `json:"version"`
	Config     Config             `json:"config"`
	Normalizer *replay.Normalizer `json:"normalizer,omitempty"`
	Update     int                `json:"update"`
	Params     []ParamState       `json:"params"`
}

// Snapshot copies the current parameters into a checkpoint
func (m *Model) Snapshot(norm *replay.Normalizer, update int) *Checkpoint {
	c := &Checkpoint{
		Version:    checkpointVersion,
		Config:     m.cfg,
		Normalizer: norm,
		Update:     update,
		Params:     make([]ParamState, len(m.params)),
	}
	for i, p := range m.params {
		c.Params[i] = ParamState{
			Name:  p.Name,
			Shape: p.Value.Shape().Clone(),
			Data:  append([]float64(nil), p.data()...),
		}
	}
	return c
}

// Restore overwrites the parameters with the ones in the checkpoint
func (m *Model) Restore(c *Checkpoint) error {
	if len(c.Params) != len(m.params) {
		return fmt.Errorf("model: checkpoint has %d parameters, model has %d", len(c.Params), len(m.params))
	}
	for i, p := range m.params {
		ps := c.Params[i]
		if ps.Name != p.Name || !tensor.Shape(ps.Shape).Eq(p.Value.Shape()) || len(ps.Data) != p.Value.Size() {
			return fmt.Errorf("model: checkpoint parameter %s %v does not match %s %v", ps.Name, ps.Shape, p.Name, p.Value.Shape())
		}
	}
	for i, p := range m.params {
		copy(p.data(), c.Params[i].Data)
	}
	return nil
}

// SaveCheckpoint writes the model as gzip-compressed JSON, replacing path atomically
func SaveCheckpoint(path string, m *Model, norm *replay.Normalizer, update int) error {
	c := m.Snapshot(norm, update)
	return util.WriteFileAtomic(path, func(f *os.File) error {
		zw := gzip.NewWriter(f)
		if err := json.NewEncoder(zw).Encode(c); err != nil {
			zw.Close()
			return fmt.Errorf("model: encoding checkpoint: %w", err)
		}
		return zw.Close()
	})
}

// ReadCheckpoint decodes a checkpoint file without building the model
func ReadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("model: opening checkpoint: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("model: reading checkpoint %s: %w", path, err)
	}
	defer zr.Close()

	c := &Checkpoint{}
	if err := json.NewDecoder(zr).Decode(c); err != nil {
		return nil, fmt.Errorf("model: decoding checkpoint %s: %w", path, err)
	}
	if c.Version != checkpointVersion {
		return nil, fmt.Errorf("model: unsupported checkpoint version %d", c.Version)
	}
	return c, nil
}

// LoadCheckpoint rebuilds the model stored at path
func LoadCheckpoint(path string) (*Model, *Checkpoint, error) {
	c, err := ReadCheckpoint(path)
	if err != nil {
		return nil, nil, err
	}
	m, err := New(c.Config)
	if err != nil {
		return nil, nil, err
	}
	if err := m.Restore(c); err != nil {
		return nil, nil, err
	}
	return m, c, nil
}
