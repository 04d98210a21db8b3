package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// RedisBrokerConfig configures the Redis work broker.
type RedisBrokerConfig struct {
	// KeyPrefix namespaces all broker keys. Default: "spine:work".
	KeyPrefix string
	// ResultTTL is how long results and cancel marks survive.
	// Default: 24h.
	ResultTTL time.Duration
	// Logger is optional.
	Logger core.Logger
}

// DefaultRedisBrokerConfig returns the default broker settings.
func DefaultRedisBrokerConfig() RedisBrokerConfig {
	return RedisBrokerConfig{
		KeyPrefix: "spine:work",
		ResultTTL: 24 * time.Hour,
	}
}

// RedisBroker queues jobs on per-lane Redis lists: LPUSH to enqueue,
// BRPOP to dequeue. Results and cancel marks live in TTL'd string
// keys so worker and submitter processes share state without a
// database round-trip.
type RedisBroker struct {
	client *redis.Client
	config RedisBrokerConfig
	logger core.Logger
}

// NewRedisBroker wraps an already-connected client. The broker does
// not own the client; Close leaves it open.
func NewRedisBroker(client *redis.Client, config *RedisBrokerConfig) *RedisBroker {
	cfg := DefaultRedisBrokerConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "spine:work"
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisBroker{client: client, config: cfg, logger: logger}
}

func (b *RedisBroker) queueKey(lane string) string {
	if lane == "" {
		lane = core.DefaultLane
	}
	return fmt.Sprintf("%s:queue:%s", b.config.KeyPrefix, lane)
}

func (b *RedisBroker) resultKey(ref string) string {
	return fmt.Sprintf("%s:result:%s", b.config.KeyPrefix, ref)
}

func (b *RedisBroker) cancelKey(ref string) string {
	return fmt.Sprintf("%s:cancel:%s", b.config.KeyPrefix, ref)
}

// Enqueue serializes the job onto the lane's list.
func (b *RedisBroker) Enqueue(ctx context.Context, lane string, job Job) error {
	if job.Ref == "" {
		return core.NewError(core.CategoryValidation, "job ref cannot be empty")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}
	if err := b.client.LPush(ctx, b.queueKey(lane), data).Err(); err != nil {
		return core.Wrap(core.CategoryUnavailable, "failed to enqueue job", err)
	}
	b.logger.Debug("job enqueued", map[string]interface{}{
		"operation": "broker_enqueue",
		"ref":       job.Ref,
		"lane":      lane,
	})
	return nil
}

// Dequeue blocks on BRPOP until a job arrives or the timeout expires.
func (b *RedisBroker) Dequeue(ctx context.Context, lane string, timeout time.Duration) (*Delivery, error) {
	result, err := b.client.BRPop(ctx, timeout, b.queueKey(lane)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.Wrap(core.CategoryUnavailable, "failed to dequeue job", err)
	}
	// BRPOP returns [key, value].
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected BRPOP result shape (%d values)", len(result))
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}

	d := &Delivery{Job: job, Lane: lane}
	// BRPOP already removed the job; Ack has nothing to settle.
	d.nack = func(ctx context.Context, requeue bool) error {
		if !requeue {
			return nil
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to serialize job for requeue: %w", err)
		}
		return b.client.RPush(ctx, b.queueKey(lane), data).Err()
	}
	return d, nil
}

// PutResult stores the job result under a TTL'd key.
func (b *RedisBroker) PutResult(ctx context.Context, result JobResult) error {
	if result.Ref == "" {
		return core.NewError(core.CategoryValidation, "result ref cannot be empty")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}
	if err := b.client.Set(ctx, b.resultKey(result.Ref), data, b.config.ResultTTL).Err(); err != nil {
		return core.Wrap(core.CategoryUnavailable, "failed to store result", err)
	}
	return nil
}

// GetResult loads the last stored result, nil when none exists.
func (b *RedisBroker) GetResult(ctx context.Context, ref string) (*JobResult, error) {
	data, err := b.client.Get(ctx, b.resultKey(ref)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, core.Wrap(core.CategoryUnavailable, "failed to load result", err)
	}
	var result JobResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}

// RequestCancel sets the ref's cancel mark.
func (b *RedisBroker) RequestCancel(ctx context.Context, ref string) error {
	return b.client.Set(ctx, b.cancelKey(ref), "1", b.config.ResultTTL).Err()
}

// CancelRequested checks the ref's cancel mark.
func (b *RedisBroker) CancelRequested(ctx context.Context, ref string) (bool, error) {
	n, err := b.client.Exists(ctx, b.cancelKey(ref)).Result()
	if err != nil {
		return false, core.Wrap(core.CategoryUnavailable, "failed to check cancel mark", err)
	}
	return n > 0, nil
}

// QueueLength reports the lane's pending job count.
func (b *RedisBroker) QueueLength(ctx context.Context, lane string) (int64, error) {
	length, err := b.client.LLen(ctx, b.queueKey(lane)).Result()
	if err != nil {
		return 0, core.Wrap(core.CategoryUnavailable, "failed to get queue length", err)
	}
	return length, nil
}

// Close is a no-op: the Redis client is managed by the caller and may
// be shared with the bus.
func (b *RedisBroker) Close() error {
	return nil
}

var _ Broker = (*RedisBroker)(nil)
