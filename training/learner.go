package training

import (
	"github.com/zeu5/motion-model/model"
	"github.com/zeu5/motion-model/optim"
	"github.com/zeu5/motion-model/replay"
)

// Learner couples the motion model with its optimiser and learning-rate schedule
type Learner struct {
	Model     *model.Model
	optimizer *optim.Adam
	scheduler *optim.StepLR
}

// LearningConfig holds the optimiser and learning-rate schedule settings
type LearningConfig struct {
	LearningRate    float64 `json:"learning_rate"`
	LRDecayStepSize int     `json:"lr_decay_step_size"`
	LRDecayGamma    float64 `json:"lr_decay_gamma"`
	WeightDecay     float64 `json:"weight_decay"`
}

func DefaultLearningConfig() LearningConfig {
	return LearningConfig{
		LearningRate:    0.01,
		LRDecayStepSize: 5000,
		LRDecayGamma:    0.9,
		WeightDecay:     0,
	}
}

func NewLearner(m *model.Model, cfg LearningConfig) (*Learner, error) {
	adam := optim.NewAdam(cfg.LearningRate, optim.WithWeightDecay(cfg.WeightDecay))
	scheduler, err := optim.NewStepLR(adam, cfg.LearningRate, cfg.LRDecayStepSize, cfg.LRDecayGamma)
	if err != nil {
		return nil, err
	}
	return &Learner{
		Model:     m,
		optimizer: adam,
		scheduler: scheduler,
	}, nil
}

// Update performs one gradient step and advances the schedule
func (l *Learner) Update(b *replay.Batch) (float64, error) {
	loss, err := l.Model.TrainStep(b, l.optimizer)
	if err != nil {
		return 0, err
	}
	l.scheduler.Step()
	return loss, nil
}

// Eval measures the loss in eval mode
func (l *Learner) Eval(b *replay.Batch) (float64, error) {
	return l.Model.Loss(b)
}

func (l *Learner) LearnRate() float64 {
	return l.optimizer.LearnRate()
}

// FastForward moves the schedule as if updates had already been made, used when resuming
func (l *Learner) FastForward(updates int) {
	l.scheduler.Skip(updates)
}
