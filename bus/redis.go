package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// DefaultChannelPrefix namespaces spine events on a shared Redis.
const DefaultChannelPrefix = "spine.events"

// RedisBus fans events out across processes over Redis pub/sub.
// Subscription patterns keep the same dot-boundary semantics as the
// in-process bus: every subscriber listens on the full event stream
// and filters locally with Match.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger core.Logger

	mu     sync.Mutex
	subs   map[string]*redisSub
	closed bool
	wg     sync.WaitGroup
}

type redisSub struct {
	pattern string
	handler Handler
	pubsub  *redis.PubSub
}

// NewRedisBus creates a bus over an existing Redis client. An empty
// prefix uses DefaultChannelPrefix.
func NewRedisBus(client *redis.Client, prefix string, logger core.Logger) *RedisBus {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: logger,
		subs:   make(map[string]*redisSub),
	}
}

// Publish sends the event as JSON on the type-specific channel.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return core.ErrBusClosed
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	channel := b.prefix + "." + event.Type
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe listens for matching events and returns the subscription id.
func (b *RedisBus) Subscribe(pattern string, h Handler) (string, error) {
	if pattern == "" {
		return "", core.NewError(core.CategoryValidation, "subscription pattern is required")
	}
	if h == nil {
		return "", core.NewError(core.CategoryValidation, "subscription handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", core.ErrBusClosed
	}

	pubsub := b.client.PSubscribe(context.Background(), b.prefix+".*")
	sub := &redisSub{pattern: pattern, handler: h, pubsub: pubsub}
	id := core.NewRequestID()
	b.subs[id] = sub

	b.wg.Add(1)
	go b.consume(sub)

	return id, nil
}

// Unsubscribe closes the subscription's Redis channel.
func (b *RedisBus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("subscription %s: %w", id, core.ErrNotFound)
	}
	return sub.pubsub.Close()
}

// Close shuts every subscription down and waits for their consumers.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*redisSub)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.pubsub.Close()
	}
	b.wg.Wait()
	return nil
}

func (b *RedisBus) consume(sub *redisSub) {
	defer b.wg.Done()
	for msg := range sub.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.logger.Warn("failed to decode event payload", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
			continue
		}
		if !Match(sub.pattern, event.Type) {
			continue
		}
		b.invoke(sub, event)
	}
}

func (b *RedisBus) invoke(sub *redisSub, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", map[string]interface{}{
				"pattern":    sub.pattern,
				"event_type": ev.Type,
				"panic":      fmt.Sprintf("%v", r),
				"stack":      string(debug.Stack()),
			})
		}
	}()

	if err := sub.handler(context.Background(), ev); err != nil {
		b.logger.Warn("event handler failed", map[string]interface{}{
			"pattern":    sub.pattern,
			"event_type": ev.Type,
			"error":      err.Error(),
		})
	}
}
