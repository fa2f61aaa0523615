package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zeu5/motion-model/replay"
)

var ErrInvalidConfig = errors.New("model: invalid configuration")

// Config describes the network layout.
// ConvSizes entries are {output channels, kernel size}; every conv is followed by ReLU and a 2x2 max pool.
type Config struct {
	Dims      replay.Dims `json:"dims"`
	ConvSizes [][2]int    `json:"conv_sizes"`
	FCSizes   []int       `json:"fc_sizes"`
	Dropout   []float64   `json:"dropout"`
	Seed      uint64      `json:"seed"`
}

// DefaultConfig is the layout used for the random terrain runs
func DefaultConfig(dims replay.Dims) Config {
	return Config{
		Dims:      dims,
		ConvSizes: [][2]int{{32, 5}, {32, 4}, {32, 3}},
		FCSizes:   []int{1024, 512, 256},
		Dropout:   []float64{0, 0, 0},
		Seed:      1,
	}
}

func (c Config) Validate() error {
	d := c.Dims
	if d.State <= 0 || d.Action <= 0 || d.Out <= 0 || d.MapH <= 0 || d.MapW <= 0 {
		return fmt.Errorf("%w: all dimensions must be positive, %s", ErrInvalidConfig, d.Printable())
	}
	if len(c.Dropout) != 0 && len(c.Dropout) != len(c.FCSizes) {
		return fmt.Errorf("%w: %d dropout rates for %d fully connected layers", ErrInvalidConfig, len(c.Dropout), len(c.FCSizes))
	}
	for _, p := range c.Dropout {
		if p < 0 || p >= 1 {
			return fmt.Errorf("%w: dropout rate %v outside [0, 1)", ErrInvalidConfig, p)
		}
	}
	for _, s := range c.FCSizes {
		if s <= 0 {
			return fmt.Errorf("%w: fully connected size %d", ErrInvalidConfig, s)
		}
	}
	_, _, _, err := c.convOutput()
	return err
}

// convOutput is the (channels, height, width) of the terrain features after all conv blocks
func (c Config) convOutput() (int, int, int, error) {
	ch, h, w := 1, c.Dims.MapH, c.Dims.MapW
	for i, conv := range c.ConvSizes {
		out, k := conv[0], conv[1]
		if out <= 0 || k <= 0 {
			return 0, 0, 0, fmt.Errorf("%w: conv %d has channels=%d kernel=%d", ErrInvalidConfig, i, out, k)
		}
		h, w = (h-k+1)/2, (w-k+1)/2
		if h < 1 || w < 1 {
			return 0, 0, 0, fmt.Errorf("%w: terrain map %dx%d is too small for conv %d", ErrInvalidConfig, c.Dims.MapH, c.Dims.MapW, i)
		}
		ch = out
	}
	return ch, h, w, nil
}

func (c Config) dropout(i int) float64 {
	if i < len(c.Dropout) {
		return c.Dropout[i]
	}
	return 0
}

func (c Config) Printable() string {
	convs := make([]string, len(c.ConvSizes))
	for i, conv := range c.ConvSizes {
		convs[i] = fmt.Sprintf("%dx%d", conv[0], conv[1])
	}
	return fmt.Sprintf("Model:\n  %s\n  conv: [%s]\n  fc: %v\n  dropout: %v\n  seed: %d",
		c.Dims.Printable(), strings.Join(convs, " "), c.FCSizes, c.Dropout, c.Seed)
}
