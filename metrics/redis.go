package metrics

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends records to a Redis stream so dashboards and other processes can follow a run
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

var _ Sink = &RedisSink{}

// NewRedisSink connects to addr and checks the connection. maxLen <= 0 keeps the whole stream.
func NewRedisSink(ctx context.Context, addr, stream string, maxLen int64) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("metrics: connecting to redis at %s: %w", addr, err)
	}
	return &RedisSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}, nil
}

func (r *RedisSink) Record(ctx context.Context, x Metrics) error {
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: streamValues(x),
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("metrics: xadd %s: %w", r.stream, err)
	}
	return nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}

func streamValues(x Metrics) map[string]interface{} {
	return map[string]interface{}{
		"update":     strconv.Itoa(x.Update),
		"train_loss": strconv.FormatFloat(x.TrainLoss, 'g', -1, 64),
		"test_loss":  strconv.FormatFloat(x.TestLoss, 'g', -1, 64),
		"lr":         strconv.FormatFloat(x.LR, 'g', -1, 64),
		"batch_size": strconv.Itoa(x.BatchSize),
		"elapsed_ms": strconv.FormatInt(x.Elapsed.Milliseconds(), 10),
	}
}
