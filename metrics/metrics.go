// Package metrics collects the scalar training metrics and ships them to sinks:
// standard output, a JSONL log, a Redis stream, a live terminal line and loss plots.
package metrics

import (
	"context"
	"sync"
	"time"
)

// Metrics is one evaluation record of the training loop
type Metrics struct {
	Update    int           `json:"update"`
	TrainLoss float64       `json:"train_loss"`
	TestLoss  float64       `json:"test_loss"`
	LR        float64       `json:"lr"`
	BatchSize int           `json:"batch_size"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Sink receives metrics records
type Sink interface {
	Record(context.Context, Metrics) error
	Close() error
}

// Multi fans a record out to every sink; all sinks are called and the first error is returned
type Multi []Sink

var _ Sink = Multi{}

func (m Multi) Record(ctx context.Context, x Metrics) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, x); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Status keeps the latest record for readers on other goroutines (the HTTP status endpoint)
// and pushes every record to its subscribers
type Status struct {
	mu      sync.RWMutex
	latest  Metrics
	records int
	started time.Time
	subs    map[chan Update]struct{}
	closed  bool
}

// Update is one record as seen by a subscriber, Records counts it
type Update struct {
	Metrics Metrics
	Records int
}

var _ Sink = &Status{}

func NewStatus() *Status {
	return &Status{
		started: time.Now(),
		subs:    make(map[chan Update]struct{}),
	}
}

func (s *Status) Record(_ context.Context, x Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = x
	s.records++
	u := Update{Metrics: x, Records: s.records}
	for ch := range s.subs {
		// a subscriber that is buffer records behind misses the rest
		select {
		case ch <- u:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving every later record and a function ending the
// subscription. The channel is closed when either is called or the status is closed.
func (s *Status) Subscribe(buffer int) (<-chan Update, func()) {
	ch := make(chan Update, buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Close ends every subscription, training is over
func (s *Status) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
	return nil
}

// Latest returns the last record and whether one was recorded at all
func (s *Status) Latest() (Metrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.records > 0
}

func (s *Status) Records() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}

func (s *Status) Uptime() time.Duration {
	return time.Since(s.started)
}
