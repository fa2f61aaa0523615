package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zeu5/motion-model/metrics"
	"github.com/zeu5/motion-model/model"
	"github.com/zeu5/motion-model/replay"
	"github.com/zeu5/motion-model/server"
	"github.com/zeu5/motion-model/training"
	"github.com/zeu5/motion-model/util"
)

const (
	checkpointFile = "checkpoint.json.gz"
	metricsFile    = "metrics.jsonl"
	lossPlotFile   = "loss.png"
	configFile     = "config.json"
)

// TrainOptions are the train command settings that are not part of a package config
type TrainOptions struct {
	DataPath      string    `json:"data_path"`
	MatchLoadSize bool      `json:"match_load_size"`
	TestSplit     float64   `json:"test_split"`
	Resume        string    `json:"resume,omitempty"`
	RedisAddr     string    `json:"redis_addr,omitempty"`
	RedisStream   string    `json:"redis_stream,omitempty"`
	RedisMaxLen   int64     `json:"redis_max_len,omitempty"`
	StatusAddr    string    `json:"status_addr,omitempty"`
	Progress      bool      `json:"progress"`
	PlotEvery     int       `json:"plot_every"`
	Convs         []string  `json:"convs"`
	FCSizes       []int     `json:"fc_sizes"`
	Dropout       []float64 `json:"dropout"`
}

// recordedConfig is written as config.json into the save folder
type recordedConfig struct {
	Options  TrainOptions            `json:"options"`
	Loop     training.LoopConfig     `json:"loop"`
	Learning training.LearningConfig `json:"learning"`
	Model    model.Config            `json:"model"`
}

func TrainCommand() *cobra.Command {
	opts := TrainOptions{}
	loopConfig := training.DefaultLoopConfig()
	learningConfig := training.DefaultLearningConfig()
	defaultModel := model.DefaultConfig(replay.Dims{})

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the motion model on a replay buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, done := interruptContext()
			defer done()
			stop := startProfiling()
			defer stop()

			_, err := RunTraining(ctx, opts, loopConfig, learningConfig)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.DataPath, "data", "simData/", "Folder with the replay buffer .npy files")
	flags.BoolVar(&opts.MatchLoadSize, "match-load-size", true, "Truncate the buffer files to the shortest one")
	flags.Float64Var(&opts.TestSplit, "test-split", 0.8, "Fraction of the buffer used for training, the rest is held out")
	flags.StringVar(&opts.Resume, "resume", "", "Checkpoint to resume training from")
	flags.StringVar(&opts.RedisAddr, "redis-addr", "", "Also stream metrics to the redis server at this address")
	flags.StringVar(&opts.RedisStream, "redis-stream", "motion-model:metrics", "Redis stream for the metrics")
	flags.Int64Var(&opts.RedisMaxLen, "redis-max-len", 100000, "Approximate cap of the redis stream length")
	flags.StringVar(&opts.StatusAddr, "status-addr", "", "Serve the training status over HTTP at this address")
	flags.BoolVar(&opts.Progress, "progress", false, "Show a live progress line instead of printing every record")
	flags.IntVar(&opts.PlotEvery, "plot-every", 10, "Redraw the loss plot every n records, 0 only at the end")
	flags.StringSliceVar(&opts.Convs, "conv", formatConvs(defaultModel.ConvSizes), "Conv layers as CHANNELSxKERNEL, or none")
	flags.IntSliceVar(&opts.FCSizes, "fc", defaultModel.FCSizes, "Fully connected layer sizes")
	flags.Float64SliceVar(&opts.Dropout, "dropout", nil, "Dropout rate per fully connected layer")

	flags.IntVar(&loopConfig.NumUpdates, "updates", loopConfig.NumUpdates, "Total number of updates")
	flags.IntVar(&loopConfig.TrainBatchSize, "batch-size", loopConfig.TrainBatchSize, "Initial training batch size")
	flags.IntVar(&loopConfig.MaxTrainBatchSize, "max-batch-size", loopConfig.MaxTrainBatchSize, "Cap for the doubled training batch size, 0 for none")
	flags.IntVar(&loopConfig.TestBatchSize, "test-batch-size", loopConfig.TestBatchSize, "Held-out batch size")
	flags.IntVar(&loopConfig.EvalEvery, "eval-every", loopConfig.EvalEvery, "Evaluate every n updates")
	flags.IntVar(&loopConfig.DoubleBatchEvery, "double-every", loopConfig.DoubleBatchEvery, "Double the training batch size every n updates")
	flags.IntVar(&loopConfig.CheckpointEvery, "checkpoint-every", loopConfig.CheckpointEvery, "Checkpoint every n updates, 0 only at the end")

	flags.Float64Var(&learningConfig.LearningRate, "lr", learningConfig.LearningRate, "Initial learning rate")
	flags.IntVar(&learningConfig.LRDecayStepSize, "lr-step", learningConfig.LRDecayStepSize, "Decay the learning rate every n updates")
	flags.Float64Var(&learningConfig.LRDecayGamma, "lr-gamma", learningConfig.LRDecayGamma, "Learning rate decay factor")
	flags.Float64Var(&learningConfig.WeightDecay, "weight-decay", learningConfig.WeightDecay, "L2 weight decay")
	return cmd
}

// RunTraining loads the data, builds or resumes the model and runs the loop until done or ctx is cancelled
func RunTraining(ctx context.Context, opts TrainOptions, loopConfig training.LoopConfig, learningConfig training.LearningConfig) (*training.Result, error) {
	loopConfig.Seed = seed
	loopConfig.TrainRange = replay.Range{From: 0, To: opts.TestSplit}
	loopConfig.TestRange = replay.Range{From: opts.TestSplit, To: 1}
	if err := loopConfig.Validate(); err != nil {
		return nil, err
	}

	buf, err := replay.Load(opts.DataPath, opts.MatchLoadSize)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded %d transitions from %s: %s", buf.Len(), opts.DataPath, buf.Dims().Printable())

	var m *model.Model
	var norm *replay.Normalizer
	if opts.Resume != "" {
		var ckpt *model.Checkpoint
		m, ckpt, err = model.LoadCheckpoint(opts.Resume)
		if err != nil {
			return nil, err
		}
		if ckpt.Config.Dims != buf.Dims() {
			m.Close()
			return nil, fmt.Errorf("%w: checkpoint %s was trained on %s", replay.ErrShapeMismatch, ckpt.Config.Dims.Printable(), buf.Dims().Printable())
		}
		norm = ckpt.Normalizer
		loopConfig.StartUpdate = ckpt.Update
		log.Printf("resuming from %s after %d updates", opts.Resume, ckpt.Update)
	} else {
		modelConfig, err := modelConfigFromOptions(opts, buf.Dims())
		if err != nil {
			return nil, err
		}
		m, err = model.New(modelConfig)
		if err != nil {
			return nil, err
		}
	}
	defer m.Close()

	if norm == nil {
		norm, err = replay.FitNormalizer(buf, loopConfig.TrainRange)
		if err != nil {
			return nil, err
		}
	}
	if err := norm.Check(buf.Dims()); err != nil {
		return nil, err
	}

	learner, err := training.NewLearner(m, learningConfig)
	if err != nil {
		return nil, err
	}
	learner.FastForward(loopConfig.StartUpdate)

	status := metrics.NewStatus()
	sinks, err := buildSinks(ctx, opts, loopConfig, status)
	if err != nil {
		return nil, err
	}
	defer sinks.Close()

	if opts.StatusAddr != "" {
		server.New(opts.StatusAddr, nil, nil, status).Start(ctx)
		log.Printf("serving training status on %s", opts.StatusAddr)
	}

	recorded := recordedConfig{
		Options:  opts,
		Loop:     loopConfig,
		Learning: learningConfig,
		Model:    m.Config(),
	}
	if err := recordConfig(recorded); err != nil {
		return nil, err
	}
	fmt.Println(m.Config().Printable())
	fmt.Printf("Parameters: %d\n", m.NumParams())

	checkpointPath := path.Join(saveFile, checkpointFile)
	loop, err := training.NewLoop(loopConfig, learner, buf, sinks,
		training.WithBatchTransform(norm.Apply),
		training.WithCheckpoint(func(updates int) error {
			return model.SaveCheckpoint(checkpointPath, m, norm, updates)
		}),
	)
	if err != nil {
		return nil, err
	}
	result, err := loop.Run(ctx)
	if err != nil {
		return result, err
	}
	log.Printf("finished after %d updates, last test loss %v, checkpoint in %s", result.Updates, result.Last.TestLoss, checkpointPath)
	return result, nil
}

func buildSinks(ctx context.Context, opts TrainOptions, loopConfig training.LoopConfig, status *metrics.Status) (metrics.Multi, error) {
	sinks := metrics.Multi{
		status,
		metrics.NewJSONLSink(path.Join(saveFile, metricsFile)),
		metrics.NewLossCurve(path.Join(saveFile, lossPlotFile), opts.PlotEvery),
	}
	if opts.Progress {
		sinks = append(sinks, metrics.NewProgressSink(os.Stdout, loopConfig.NumUpdates))
	} else {
		sinks = append(sinks, metrics.NewStdoutSink())
	}
	if opts.RedisAddr != "" {
		redisSink, err := metrics.NewRedisSink(ctx, opts.RedisAddr, opts.RedisStream, opts.RedisMaxLen)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, redisSink)
	}
	return sinks, nil
}

func recordConfig(c recordedConfig) error {
	bs, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteToFile(path.Join(saveFile, configFile), string(bs))
}

func modelConfigFromOptions(opts TrainOptions, dims replay.Dims) (model.Config, error) {
	cfg := model.DefaultConfig(dims)
	convs, err := parseConvs(opts.Convs)
	if err != nil {
		return cfg, err
	}
	cfg.ConvSizes = convs
	cfg.FCSizes = opts.FCSizes
	cfg.Dropout = opts.Dropout
	cfg.Seed = seed
	return cfg, cfg.Validate()
}

func parseConvs(specs []string) ([][2]int, error) {
	convs := make([][2]int, 0, len(specs))
	for _, s := range specs {
		s = strings.TrimSpace(s)
		if s == "" || s == "none" {
			continue
		}
		var channels, kernel int
		if _, err := fmt.Sscanf(s, "%dx%d", &channels, &kernel); err != nil {
			return nil, fmt.Errorf("%w: conv layer %q, expected CHANNELSxKERNEL", model.ErrInvalidConfig, s)
		}
		convs = append(convs, [2]int{channels, kernel})
	}
	return convs, nil
}

func formatConvs(convs [][2]int) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = fmt.Sprintf("%dx%d", c[0], c[1])
	}
	return out
}
