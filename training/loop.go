// Package training drives the motion model updates: batch sampling from the replay
// buffer, batch-size ramping, periodic held-out evaluation and checkpointing.
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zeu5/motion-model/metrics"
	"github.com/zeu5/motion-model/replay"
	"golang.org/x/exp/rand"
)

var ErrInvalidLoopConfig = errors.New("training: invalid loop configuration")

// Updater is the part of the learner the loop needs
type Updater interface {
	Update(*replay.Batch) (float64, error)
	Eval(*replay.Batch) (float64, error)
	LearnRate() float64
}

// Sampler draws batches from a percentage range of the replay buffer
type Sampler interface {
	Sample(rng *rand.Rand, size int, r replay.Range) (*replay.Batch, error)
}

// CheckpointFunc persists the model after the given number of updates
type CheckpointFunc func(updates int) error

// LoopConfig holds the schedule of a training run
type LoopConfig struct {
	NumUpdates        int          `json:"num_updates"`
	StartUpdate       int          `json:"start_update"`
	TrainBatchSize    int          `json:"train_batch_size"`
	MaxTrainBatchSize int          `json:"max_train_batch_size"`
	TestBatchSize     int          `json:"test_batch_size"`
	TrainRange        replay.Range `json:"train_range"`
	TestRange         replay.Range `json:"test_range"`
	EvalEvery         int          `json:"eval_every"`
	DoubleBatchEvery  int          `json:"double_batch_every"`
	CheckpointEvery   int          `json:"checkpoint_every"`
	Seed              uint64       `json:"seed"`
}

// DefaultLoopConfig reproduces the schedule of the random terrain runs
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		NumUpdates:       500000,
		TrainBatchSize:   128,
		TestBatchSize:    512,
		TrainRange:       replay.Range{From: 0, To: 0.8},
		TestRange:        replay.Range{From: 0.8, To: 1},
		EvalEvery:        100,
		DoubleBatchEvery: 25000,
		CheckpointEvery:  5000,
		Seed:             1,
	}
}

func (c LoopConfig) Validate() error {
	if c.NumUpdates < 0 || c.StartUpdate < 0 {
		return fmt.Errorf("%w: negative update counts", ErrInvalidLoopConfig)
	}
	if c.TrainBatchSize <= 0 || c.TestBatchSize <= 0 {
		return fmt.Errorf("%w: batch sizes must be positive", ErrInvalidLoopConfig)
	}
	if c.MaxTrainBatchSize < 0 {
		return fmt.Errorf("%w: negative batch size cap", ErrInvalidLoopConfig)
	}
	if c.MaxTrainBatchSize > 0 && c.MaxTrainBatchSize < c.TrainBatchSize {
		return fmt.Errorf("%w: batch size cap %d is below the initial batch size %d", ErrInvalidLoopConfig, c.MaxTrainBatchSize, c.TrainBatchSize)
	}
	if c.EvalEvery <= 0 || c.DoubleBatchEvery <= 0 || c.CheckpointEvery < 0 {
		return fmt.Errorf("%w: eval and doubling intervals must be positive, checkpoint interval non-negative", ErrInvalidLoopConfig)
	}
	if err := c.TrainRange.Validate(); err != nil {
		return fmt.Errorf("%w: train range: %v", ErrInvalidLoopConfig, err)
	}
	if err := c.TestRange.Validate(); err != nil {
		return fmt.Errorf("%w: test range: %v", ErrInvalidLoopConfig, err)
	}
	return nil
}

// BatchSizeAt is the training batch size used for update u.
// The size doubles right after every update whose index is a multiple of
// DoubleBatchEvery, update 0 included, and stops growing at the cap.
func (c LoopConfig) BatchSizeAt(u int) int {
	size := c.TrainBatchSize
	doublings := 0
	if u > 0 {
		doublings = (u-1)/c.DoubleBatchEvery + 1
	}
	for i := 0; i < doublings; i++ {
		if c.MaxTrainBatchSize > 0 && size*2 > c.MaxTrainBatchSize {
			return c.MaxTrainBatchSize
		}
		size *= 2
	}
	return size
}

func (c LoopConfig) Printable() string {
	bs, _ := json.MarshalIndent(c, "", "  ")
	return "Loop: " + string(bs)
}

// Loop runs the updates
type Loop struct {
	config     LoopConfig
	updater    Updater
	sampler    Sampler
	sink       metrics.Sink
	checkpoint CheckpointFunc
	rng        *rand.Rand
	// transform is applied to every sampled batch (normalisation)
	transform func(*replay.Batch)
}

type LoopOption func(*Loop)

func WithCheckpoint(f CheckpointFunc) LoopOption {
	return func(l *Loop) {
		l.checkpoint = f
	}
}

func WithBatchTransform(f func(*replay.Batch)) LoopOption {
	return func(l *Loop) {
		l.transform = f
	}
}

func NewLoop(config LoopConfig, updater Updater, sampler Sampler, sink metrics.Sink, opts ...LoopOption) (*Loop, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	l := &Loop{
		config:  config,
		updater: updater,
		sampler: sampler,
		sink:    sink,
		rng:     rand.New(rand.NewSource(config.Seed)),
	}
	for _, o := range opts {
		o(l)
	}
	if l.sink == nil {
		l.sink = metrics.Multi{}
	}
	return l, nil
}

func (l *Loop) sample(size int, r replay.Range) (*replay.Batch, error) {
	b, err := l.sampler.Sample(l.rng, size, r)
	if err != nil {
		return nil, err
	}
	if l.transform != nil {
		l.transform(b)
	}
	return b, nil
}

// Result summarises a finished (or interrupted) run
type Result struct {
	Updates     int
	Interrupted bool
	Last        metrics.Metrics
}

// Run executes updates StartUpdate..NumUpdates-1. On context cancellation it stops between
// updates; in every case a final checkpoint is written when a checkpoint function is set.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	cfg := l.config
	start := time.Now()
	result := &Result{Updates: cfg.StartUpdate}
	batchSize := cfg.BatchSizeAt(cfg.StartUpdate)

	for u := cfg.StartUpdate; u < cfg.NumUpdates; u++ {
		select {
		case <-ctx.Done():
			result.Interrupted = true
			log.Printf("training interrupted after %d updates", result.Updates)
			return result, l.finalCheckpoint(result.Updates)
		default:
		}

		batch, err := l.sample(batchSize, cfg.TrainRange)
		if err != nil {
			return result, fmt.Errorf("training: sampling train batch at update %d: %w", u, err)
		}
		if _, err := l.updater.Update(batch); err != nil {
			return result, fmt.Errorf("training: update %d: %w", u, err)
		}
		result.Updates = u + 1

		if u%cfg.EvalEvery == 0 {
			m, err := l.evaluate(u, batch, time.Since(start))
			if err != nil {
				return result, err
			}
			result.Last = m
			if err := l.sink.Record(ctx, m); err != nil {
				log.Printf("recording metrics at update %d: %v", u, err)
			}
		}

		if u%cfg.DoubleBatchEvery == 0 {
			batchSize = cfg.BatchSizeAt(u + 1)
		}

		if l.checkpoint != nil && cfg.CheckpointEvery > 0 && u > 0 && u%cfg.CheckpointEvery == 0 {
			if err := l.checkpoint(result.Updates); err != nil {
				return result, fmt.Errorf("training: checkpoint at update %d: %w", u, err)
			}
		}
	}
	return result, l.finalCheckpoint(result.Updates)
}

// evaluate re-measures the train batch in eval mode and a fresh held-out batch
func (l *Loop) evaluate(u int, trainBatch *replay.Batch, elapsed time.Duration) (metrics.Metrics, error) {
	trainLoss, err := l.updater.Eval(trainBatch)
	if err != nil {
		return metrics.Metrics{}, fmt.Errorf("training: eval train batch at update %d: %w", u, err)
	}
	testBatch, err := l.sample(l.config.TestBatchSize, l.config.TestRange)
	if err != nil {
		return metrics.Metrics{}, fmt.Errorf("training: sampling test batch at update %d: %w", u, err)
	}
	testLoss, err := l.updater.Eval(testBatch)
	if err != nil {
		return metrics.Metrics{}, fmt.Errorf("training: eval test batch at update %d: %w", u, err)
	}
	return metrics.Metrics{
		Update:    u,
		TrainLoss: trainLoss,
		TestLoss:  testLoss,
		LR:        l.updater.LearnRate(),
		BatchSize: trainBatch.Size(),
		Elapsed:   elapsed,
	}, nil
}

func (l *Loop) finalCheckpoint(updates int) error {
	if l.checkpoint == nil {
		return nil
	}
	if err := l.checkpoint(updates); err != nil {
		return fmt.Errorf("training: final checkpoint: %w", err)
	}
	return nil
}
