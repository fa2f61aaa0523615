package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/zeu5/motion-model/util"
)

// WriterSink prints one line per record
type WriterSink struct {
	out io.Writer
}

func NewStdoutSink() *WriterSink {
	return &WriterSink{out: os.Stdout}
}

func NewWriterSink(out io.Writer) *WriterSink {
	return &WriterSink{out: out}
}

func (w *WriterSink) Record(_ context.Context, x Metrics) error {
	_, err := fmt.Fprintf(w.out, "updateCount: %d testLoss: %v trainLoss: %v lr: %v\n", x.Update, x.TestLoss, x.TrainLoss, x.LR)
	return err
}

func (w *WriterSink) Close() error {
	return nil
}

// JSONLSink appends every record as a JSON line to a file
type JSONLSink struct {
	path string
}

func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{path: path}
}

func (j *JSONLSink) Record(_ context.Context, x Metrics) error {
	bs, err := json.Marshal(x)
	if err != nil {
		return err
	}
	return util.AppendToFile(j.path, string(bs))
}

func (j *JSONLSink) Close() error {
	return nil
}
