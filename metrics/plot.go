package metrics

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/zeu5/motion-model/util"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// LossCurve records every metrics entry and saves a train/test loss plot,
// every `every` records (when positive) and when closed
type LossCurve struct {
	path    string
	every   int
	records []Metrics
}

var _ Sink = &LossCurve{}

func NewLossCurve(path string, every int) *LossCurve {
	return &LossCurve{
		path:    path,
		every:   every,
		records: make([]Metrics, 0),
	}
}

func (l *LossCurve) Record(_ context.Context, x Metrics) error {
	l.records = append(l.records, x)
	if l.every > 0 && len(l.records)%l.every == 0 {
		return l.Save()
	}
	return nil
}

func (l *LossCurve) Close() error {
	if len(l.records) == 0 {
		return nil
	}
	return l.Save()
}

func (l *LossCurve) Records() []Metrics {
	return l.records
}

// Save writes the plot to the configured path
func (l *LossCurve) Save() error {
	if err := util.EnsureDir(filepath.Dir(l.path)); err != nil {
		return err
	}
	p := plot.New()
	p.Title.Text = "Motion model loss"
	p.X.Label.Text = "Update"
	p.Y.Label.Text = "MSE"

	series := []struct {
		name  string
		value func(Metrics) float64
	}{
		{"train", func(m Metrics) float64 { return m.TrainLoss }},
		{"test", func(m Metrics) float64 { return m.TestLoss }},
	}
	for i, s := range series {
		points := make(plotter.XYs, len(l.records))
		for j, r := range l.records {
			points[j] = plotter.XY{
				X: float64(r.Update),
				Y: s.value(r),
			}
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return fmt.Errorf("metrics: %s loss line: %w", s.name, err)
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, l.path); err != nil {
		return fmt.Errorf("metrics: saving plot %s: %w", l.path, err)
	}
	return nil
}
