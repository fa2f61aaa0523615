package training

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeu5/motion-model/metrics"
	"github.com/zeu5/motion-model/model"
	"github.com/zeu5/motion-model/replay"
	"golang.org/x/exp/rand"
)

type fakeUpdater struct {
	updateSizes []int
	evalSizes   []int
	evalIndices [][]int
	failAt      int
	onUpdate    func(n int)
}

func (f *fakeUpdater) Update(b *replay.Batch) (float64, error) {
	f.updateSizes = append(f.updateSizes, b.Size())
	if f.failAt > 0 && len(f.updateSizes) == f.failAt {
		return 0, errors.New("diverged")
	}
	if f.onUpdate != nil {
		f.onUpdate(len(f.updateSizes))
	}
	return 1, nil
}

func (f *fakeUpdater) Eval(b *replay.Batch) (float64, error) {
	f.evalSizes = append(f.evalSizes, b.Size())
	f.evalIndices = append(f.evalIndices, b.Indices)
	return float64(len(f.evalSizes)), nil
}

func (f *fakeUpdater) LearnRate() float64 { return 0.01 }

type recordingSink struct {
	records []metrics.Metrics
}

func (r *recordingSink) Record(_ context.Context, m metrics.Metrics) error {
	r.records = append(r.records, m)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func smallBuffer(t *testing.T, n int) *replay.Buffer {
	t.Helper()
	b := replay.NewBuffer(replay.Dims{State: 1, MapH: 1, MapW: 1, Action: 1, Out: 1})
	for i := 0; i < n; i++ {
		require.NoError(t, b.Append([]float64{float64(i)}, []float64{0}, []float64{0}, []float64{float64(i)}))
	}
	return b
}

func smallLoopConfig() LoopConfig {
	cfg := DefaultLoopConfig()
	cfg.NumUpdates = 25
	cfg.TrainBatchSize = 2
	cfg.TestBatchSize = 3
	cfg.EvalEvery = 10
	cfg.DoubleBatchEvery = 10
	cfg.CheckpointEvery = 10
	return cfg
}

func TestBatchSizeAt(t *testing.T) {
	cfg := DefaultLoopConfig()
	assert.Equal(t, 128, cfg.BatchSizeAt(0))
	assert.Equal(t, 256, cfg.BatchSizeAt(1))
	assert.Equal(t, 256, cfg.BatchSizeAt(25000))
	assert.Equal(t, 512, cfg.BatchSizeAt(25001))
	assert.Equal(t, 512, cfg.BatchSizeAt(50000))
	assert.Equal(t, 1024, cfg.BatchSizeAt(50001))

	cfg.MaxTrainBatchSize = 300
	assert.Equal(t, 256, cfg.BatchSizeAt(1))
	assert.Equal(t, 300, cfg.BatchSizeAt(25001))
	assert.Equal(t, 300, cfg.BatchSizeAt(499999))
}

func TestLoopSchedule(t *testing.T) {
	updater := &fakeUpdater{}
	sink := &recordingSink{}
	checkpoints := make([]int, 0)
	loop, err := NewLoop(smallLoopConfig(), updater, smallBuffer(t, 100), sink, WithCheckpoint(func(u int) error {
		checkpoints = append(checkpoints, u)
		return nil
	}))
	require.NoError(t, err)

	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, res.Updates)
	assert.False(t, res.Interrupted)

	// 2 for update 0, doubled after 0 and after 10, then after 20
	expected := []int{2}
	for u := 1; u <= 10; u++ {
		expected = append(expected, 4)
	}
	for u := 11; u <= 20; u++ {
		expected = append(expected, 8)
	}
	for u := 21; u < 25; u++ {
		expected = append(expected, 16)
	}
	assert.Equal(t, expected, updater.updateSizes)

	// evaluation at 0, 10, 20: train batch then test batch
	assert.Equal(t, []int{2, 3, 4, 3, 8, 3}, updater.evalSizes)
	require.Len(t, sink.records, 3)
	assert.Equal(t, []int{0, 10, 20}, []int{sink.records[0].Update, sink.records[1].Update, sink.records[2].Update})
	assert.Equal(t, 0.01, sink.records[0].LR)
	assert.Equal(t, 1.0, sink.records[0].TrainLoss)
	assert.Equal(t, 2.0, sink.records[0].TestLoss)
	assert.Equal(t, 4, sink.records[1].BatchSize)

	// periodic checkpoints after updates 10 and 20, then the final one
	assert.Equal(t, []int{11, 21, 25}, checkpoints)
}

func TestLoopTestBatchesComeFromHeldOutRange(t *testing.T) {
	updater := &fakeUpdater{}
	cfg := smallLoopConfig()
	loop, err := NewLoop(cfg, updater, smallBuffer(t, 100), nil)
	require.NoError(t, err)
	_, err = loop.Run(context.Background())
	require.NoError(t, err)

	for i := 1; i < len(updater.evalIndices); i += 2 {
		for _, idx := range updater.evalIndices[i] {
			assert.GreaterOrEqual(t, idx, 80)
		}
	}
	for i := 0; i < len(updater.evalIndices); i += 2 {
		for _, idx := range updater.evalIndices[i] {
			assert.Less(t, idx, 80)
		}
	}
}

func TestLoopCancellationWritesFinalCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updater := &fakeUpdater{onUpdate: func(n int) {
		if n == 5 {
			cancel()
		}
	}}
	checkpoints := make([]int, 0)
	loop, err := NewLoop(smallLoopConfig(), updater, smallBuffer(t, 100), nil, WithCheckpoint(func(u int) error {
		checkpoints = append(checkpoints, u)
		return nil
	}))
	require.NoError(t, err)

	res, err := loop.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 5, res.Updates)
	assert.Equal(t, []int{5}, checkpoints)
}

func TestLoopResumeStartsMidSchedule(t *testing.T) {
	updater := &fakeUpdater{}
	cfg := smallLoopConfig()
	cfg.StartUpdate = 15
	loop, err := NewLoop(cfg, updater, smallBuffer(t, 100), nil)
	require.NoError(t, err)
	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, res.Updates)
	assert.Equal(t, []int{8, 8, 8, 8, 8, 8, 16, 16, 16, 16}, updater.updateSizes)
}

func TestLoopErrors(t *testing.T) {
	updater := &fakeUpdater{failAt: 3}
	loop, err := NewLoop(smallLoopConfig(), updater, smallBuffer(t, 100), nil)
	require.NoError(t, err)
	res, err := loop.Run(context.Background())
	assert.ErrorContains(t, err, "diverged")
	assert.Equal(t, 2, res.Updates)

	// 4 transitions: [0.8, 0.9) maps to the empty index range [3, 3)
	cfg := smallLoopConfig()
	cfg.TestRange = replay.Range{From: 0.8, To: 0.9}
	loop, err = NewLoop(cfg, &fakeUpdater{}, smallBuffer(t, 4), nil)
	require.NoError(t, err)
	_, err = loop.Run(context.Background())
	assert.ErrorIs(t, err, replay.ErrEmptyRange)
}

func TestLoopConfigValidate(t *testing.T) {
	require.NoError(t, DefaultLoopConfig().Validate())

	cfg := DefaultLoopConfig()
	cfg.EvalEvery = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidLoopConfig)

	cfg = DefaultLoopConfig()
	cfg.TestRange = replay.Range{From: 0.8, To: 1.2}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidLoopConfig)

	// doubling must never shrink the batch
	cfg = DefaultLoopConfig()
	cfg.TrainBatchSize = 128
	cfg.MaxTrainBatchSize = 100
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidLoopConfig)
	cfg.MaxTrainBatchSize = 128
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 128, cfg.BatchSizeAt(1))

	cfg = DefaultLoopConfig()
	cfg.TrainBatchSize = 0
	_, err := NewLoop(cfg, &fakeUpdater{}, smallBuffer(t, 4), nil)
	assert.ErrorIs(t, err, ErrInvalidLoopConfig)
}

func TestLearnerEndToEnd(t *testing.T) {
	dims := replay.Dims{State: 2, MapH: 4, MapW: 4, Action: 1, Out: 2}
	buf := replay.NewBuffer(dims)
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		s := []float64{rng.Float64(), rng.Float64()}
		a := []float64{rng.Float64()*2 - 1}
		require.NoError(t, buf.Append(s, make([]float64, 16), a, []float64{s[0] + a[0], s[1] - a[0]}))
	}

	m, err := model.New(model.Config{Dims: dims, FCSizes: []int{16}, Seed: 1})
	require.NoError(t, err)
	defer m.Close()

	lcfg := DefaultLearningConfig()
	lcfg.LRDecayStepSize = 50
	learner, err := NewLearner(m, lcfg)
	require.NoError(t, err)

	cfg := DefaultLoopConfig()
	cfg.NumUpdates = 301
	cfg.TrainBatchSize = 16
	cfg.TestBatchSize = 40
	cfg.EvalEvery = 100
	cfg.DoubleBatchEvery = 1000
	sink := &recordingSink{}
	loop, err := NewLoop(cfg, learner, buf, sink)
	require.NoError(t, err)
	_, err = loop.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, sink.records, 4)
	first, last := sink.records[0], sink.records[3]
	assert.Less(t, last.TestLoss, first.TestLoss/10, "first %f last %f", first.TestLoss, last.TestLoss)
	assert.InDelta(t, 0.01, first.LR, 1e-12)
	// 301 scheduler steps with a decay every 50
	assert.InDelta(t, 0.01*math.Pow(0.9, 6), last.LR, 1e-12)
	assert.InDelta(t, 0.01*math.Pow(0.9, 6), learner.LearnRate(), 1e-12)
}
