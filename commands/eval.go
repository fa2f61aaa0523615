package commands

import (
	"fmt"
	"log"
	"path"

	"github.com/spf13/cobra"
	"github.com/zeu5/motion-model/model"
	"github.com/zeu5/motion-model/replay"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
)

// EvalOptions selects the checkpoint and the held-out batches to measure
type EvalOptions struct {
	Checkpoint    string
	DataPath      string
	MatchLoadSize bool
	TestSplit     float64
	Batches       int
	BatchSize     int
}

func EvalCommand() *cobra.Command {
	opts := EvalOptions{}
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Measure the held-out loss of a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Checkpoint == "" {
				opts.Checkpoint = path.Join(saveFile, checkpointFile)
			}
			losses, err := RunEvaluation(opts)
			if err != nil {
				return err
			}
			mean, std := stat.MeanStdDev(losses, nil)
			fmt.Printf("testLoss: %v (std %v over %d batches of %d)\n", mean, std, len(losses), opts.BatchSize)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.Checkpoint, "checkpoint", "", "Checkpoint to evaluate, defaults to the one in the save folder")
	flags.StringVar(&opts.DataPath, "data", "simData/", "Folder with the replay buffer .npy files")
	flags.BoolVar(&opts.MatchLoadSize, "match-load-size", true, "Truncate the buffer files to the shortest one")
	flags.Float64Var(&opts.TestSplit, "test-split", 0.8, "Start of the held-out part of the buffer")
	flags.IntVar(&opts.Batches, "batches", 10, "Number of held-out batches")
	flags.IntVar(&opts.BatchSize, "batch-size", 512, "Held-out batch size")
	return cmd
}

// RunEvaluation returns the eval-mode loss of every held-out batch
func RunEvaluation(opts EvalOptions) ([]float64, error) {
	if opts.Batches <= 0 || opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batches and batch size must be positive")
	}
	testRange := replay.Range{From: opts.TestSplit, To: 1}
	if err := testRange.Validate(); err != nil {
		return nil, err
	}
	buf, err := replay.Load(opts.DataPath, opts.MatchLoadSize)
	if err != nil {
		return nil, err
	}
	m, ckpt, err := model.LoadCheckpoint(opts.Checkpoint)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	if ckpt.Config.Dims != buf.Dims() {
		return nil, fmt.Errorf("%w: checkpoint %s, data %s", replay.ErrShapeMismatch, ckpt.Config.Dims.Printable(), buf.Dims().Printable())
	}
	norm := ckpt.Normalizer
	if norm == nil {
		log.Printf("checkpoint has no normalizer, fitting one on [0, %v)", opts.TestSplit)
		if norm, err = replay.FitNormalizer(buf, replay.Range{From: 0, To: opts.TestSplit}); err != nil {
			return nil, err
		}
	}
	log.Printf("evaluating %s (update %d) on %s", opts.Checkpoint, ckpt.Update, testRange)

	rng := rand.New(rand.NewSource(seed))
	losses := make([]float64, opts.Batches)
	for i := range losses {
		batch, err := buf.Sample(rng, opts.BatchSize, testRange)
		if err != nil {
			return nil, err
		}
		norm.Apply(batch)
		if losses[i], err = m.Loss(batch); err != nil {
			return nil, err
		}
	}
	return losses, nil
}
