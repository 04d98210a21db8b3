package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// NATSBrokerConfig configures the JetStream work broker.
type NATSBrokerConfig struct {
	// StreamName holds the work-queue stream. Default: "SPINE_WORK".
	StreamName string
	// SubjectPrefix is prepended to lane names. Default: "spine.work".
	SubjectPrefix string
	// ResultBucket is the KV bucket for results and cancel marks.
	// Default: "spine_results".
	ResultBucket string
	// ResultTTL bounds how long results survive. Default: 24h.
	ResultTTL time.Duration
	// Logger is optional.
	Logger core.Logger
}

// DefaultNATSBrokerConfig returns the default broker settings.
func DefaultNATSBrokerConfig() NATSBrokerConfig {
	return NATSBrokerConfig{
		StreamName:    "SPINE_WORK",
		SubjectPrefix: "spine.work",
		ResultBucket:  "spine_results",
		ResultTTL:     24 * time.Hour,
	}
}

// NATSBroker queues jobs on a JetStream work-queue stream, one subject
// per lane, consumed by durable explicit-ack consumers so each job is
// delivered to exactly one worker. Results and cancel marks live in a
// KV bucket.
type NATSBroker struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	kv     jetstream.KeyValue
	config NATSBrokerConfig
	logger core.Logger

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
}

// NewNATSBroker sets up the stream and KV bucket over an existing
// connection. The connection stays owned by the caller.
func NewNATSBroker(ctx context.Context, nc *nats.Conn, config *NATSBrokerConfig) (*NATSBroker, error) {
	cfg := DefaultNATSBrokerConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "SPINE_WORK"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "spine.work"
	}
	if cfg.ResultBucket == "" {
		cfg.ResultBucket = "spine_results"
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create work stream %s: %w", cfg.StreamName, err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.ResultBucket,
		TTL:    cfg.ResultTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create result bucket %s: %w", cfg.ResultBucket, err)
	}

	return &NATSBroker{
		js:        js,
		stream:    stream,
		kv:        kv,
		config:    cfg,
		logger:    logger,
		consumers: make(map[string]jetstream.Consumer),
	}, nil
}

func (b *NATSBroker) subject(lane string) string {
	if lane == "" {
		lane = core.DefaultLane
	}
	return b.config.SubjectPrefix + "." + lane
}

// laneToken makes a lane safe for durable consumer names, which cannot
// contain dots.
func laneToken(lane string) string {
	if lane == "" {
		lane = core.DefaultLane
	}
	return strings.ReplaceAll(lane, ".", "_")
}

func (b *NATSBroker) consumer(ctx context.Context, lane string) (jetstream.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.consumers[lane]; ok {
		return c, nil
	}
	c, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "spine-workers-" + laneToken(lane),
		FilterSubject: b.subject(lane),
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for lane %s: %w", lane, err)
	}
	b.consumers[lane] = c
	return c, nil
}

// Enqueue publishes the job to the lane's subject.
func (b *NATSBroker) Enqueue(ctx context.Context, lane string, job Job) error {
	if job.Ref == "" {
		return core.NewError(core.CategoryValidation, "job ref cannot be empty")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}
	if _, err := b.js.Publish(ctx, b.subject(lane), data); err != nil {
		return core.Wrap(core.CategoryUnavailable, "failed to enqueue job", err)
	}
	b.logger.Debug("job enqueued", map[string]interface{}{
		"operation": "broker_enqueue",
		"ref":       job.Ref,
		"lane":      lane,
	})
	return nil
}

// Dequeue fetches one job from the lane's consumer, waiting up to
// timeout.
func (b *NATSBroker) Dequeue(ctx context.Context, lane string, timeout time.Duration) (*Delivery, error) {
	c, err := b.consumer(ctx, lane)
	if err != nil {
		return nil, err
	}

	batch, err := c.Fetch(1, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.Wrap(core.CategoryUnavailable, "failed to fetch job", err)
	}

	for msg := range batch.Messages() {
		var job Job
		if decodeErr := json.Unmarshal(msg.Data(), &job); decodeErr != nil {
			// Poison message; drop it rather than loop on redelivery.
			_ = msg.Term()
			return nil, fmt.Errorf("failed to decode job: %w", decodeErr)
		}
		d := &Delivery{Job: job, Lane: lane}
		d.ack = func(context.Context) error { return msg.Ack() }
		d.nack = func(_ context.Context, requeue bool) error {
			if requeue {
				return msg.Nak()
			}
			return msg.Term()
		}
		return d, nil
	}
	if batchErr := batch.Error(); batchErr != nil && !errors.Is(batchErr, context.DeadlineExceeded) {
		return nil, core.Wrap(core.CategoryUnavailable, "job fetch failed", batchErr)
	}
	return nil, nil
}

// PutResult stores the result in the KV bucket.
func (b *NATSBroker) PutResult(ctx context.Context, result JobResult) error {
	if result.Ref == "" {
		return core.NewError(core.CategoryValidation, "result ref cannot be empty")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}
	if _, err := b.kv.Put(ctx, result.Ref, data); err != nil {
		return core.Wrap(core.CategoryUnavailable, "failed to store result", err)
	}
	return nil
}

// GetResult loads the last stored result, nil when none exists.
func (b *NATSBroker) GetResult(ctx context.Context, ref string) (*JobResult, error) {
	entry, err := b.kv.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, core.Wrap(core.CategoryUnavailable, "failed to load result", err)
	}
	var result JobResult
	if err := json.Unmarshal(entry.Value(), &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}

// RequestCancel sets the ref's cancel mark.
func (b *NATSBroker) RequestCancel(ctx context.Context, ref string) error {
	_, err := b.kv.Put(ctx, "cancel."+ref, []byte("1"))
	return err
}

// CancelRequested checks the ref's cancel mark.
func (b *NATSBroker) CancelRequested(ctx context.Context, ref string) (bool, error) {
	_, err := b.kv.Get(ctx, "cancel."+ref)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, core.Wrap(core.CategoryUnavailable, "failed to check cancel mark", err)
	}
	return true, nil
}

// QueueLength reports pending messages on the lane's consumer.
func (b *NATSBroker) QueueLength(ctx context.Context, lane string) (int64, error) {
	c, err := b.consumer(ctx, lane)
	if err != nil {
		return 0, err
	}
	info, err := c.Info(ctx)
	if err != nil {
		return 0, core.Wrap(core.CategoryUnavailable, "failed to get consumer info", err)
	}
	return int64(info.NumPending), nil
}

// Close is a no-op: the NATS connection is managed by the caller.
func (b *NATSBroker) Close() error {
	return nil
}

var _ Broker = (*NATSBroker)(nil)
