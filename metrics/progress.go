package metrics

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gosuri/uilive"
)

// ProgressSink redraws a single status line in the terminal
type ProgressSink struct {
	writer *uilive.Writer
	total  int
}

var _ Sink = &ProgressSink{}

func NewProgressSink(out io.Writer, totalUpdates int) *ProgressSink {
	w := uilive.New()
	w.Out = out
	w.Start()
	return &ProgressSink{
		writer: w,
		total:  totalUpdates,
	}
}

func (p *ProgressSink) Record(_ context.Context, x Metrics) error {
	padding := len(strconv.Itoa(p.total))
	done := float64(x.Update+1) / float64(p.total) * 100
	_, err := fmt.Fprintf(p.writer, "Update:%*d/%d [%5.1f%%] || Train:%12.6f, Test:%12.6f || LR:%9.3g, Batch:%6d, Elapsed:%s\n",
		padding, x.Update, p.total, done, x.TrainLoss, x.TestLoss, x.LR, x.BatchSize, x.Elapsed.Round(time.Second))
	return err
}

func (p *ProgressSink) Close() error {
	p.writer.Stop()
	return nil
}
