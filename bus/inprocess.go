package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

const defaultBuffer = 64

// subscriber owns a buffered channel and one delivery goroutine, which
// is what gives each subscription FIFO ordering and isolates a slow or
// panicking handler from every other one.
type subscriber struct {
	id      string
	pattern string
	handler Handler
	ch      chan Event
	done    chan struct{}
}

// InProcessBus delivers events to subscribers in the same process.
type InProcessBus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	wg     sync.WaitGroup
	buffer int
	logger core.Logger
	tele   core.Telemetry
}

// InProcessOption configures the bus.
type InProcessOption func(*InProcessBus)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) InProcessOption {
	return func(b *InProcessBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithTelemetry counts published and dropped events.
func WithTelemetry(tele core.Telemetry) InProcessOption {
	return func(b *InProcessBus) {
		if tele != nil {
			b.tele = tele
		}
	}
}

// NewInProcessBus creates an empty bus.
func NewInProcessBus(logger core.Logger, opts ...InProcessOption) *InProcessBus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	b := &InProcessBus{
		subs:   make(map[string]*subscriber),
		buffer: defaultBuffer,
		logger: logger,
		tele:   &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends the event to every matching subscriber's channel. A
// full channel blocks the publisher until the subscriber drains,
// unsubscribes, or ctx ends.
func (b *InProcessBus) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return core.ErrBusClosed
	}

	for _, sub := range b.subs {
		if !Match(sub.pattern, event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		case <-sub.done:
			b.tele.RecordMetric("bus_events_dropped_total", 1, map[string]string{"topic": event.Type})
		case <-ctx.Done():
			b.tele.RecordMetric("bus_events_dropped_total", 1, map[string]string{"topic": event.Type})
			return ctx.Err()
		}
	}
	b.tele.RecordMetric("bus_events_published_total", 1, map[string]string{"topic": event.Type})
	return nil
}

// Subscribe registers a handler and starts its delivery goroutine.
func (b *InProcessBus) Subscribe(pattern string, h Handler) (string, error) {
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

	sub := &subscriber{
		id:      core.NewRequestID(),
		pattern: pattern,
		handler: h,
		ch:      make(chan Event, b.buffer),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.deliver(sub)

	return sub.id, nil
}

// Unsubscribe stops delivery for a subscription. Buffered events are
// still drained before the delivery goroutine exits.
func (b *InProcessBus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("subscription %s: %w", id, core.ErrNotFound)
	}
	close(sub.done)
	return nil
}

// Close rejects further publishes, drains every subscriber, and waits
// for all delivery goroutines.
func (b *InProcessBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	b.wg.Wait()
	return nil
}

func (b *InProcessBus) deliver(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-sub.ch:
			b.invoke(sub, ev)
		case <-sub.done:
			// Drain what was buffered before the stop.
			for {
				select {
				case ev := <-sub.ch:
					b.invoke(sub, ev)
				default:
					return
				}
			}
		}
	}
}

// invoke runs one handler call. Panics are contained here so a broken
// subscriber cannot take down delivery for anyone else.
func (b *InProcessBus) invoke(sub *subscriber, ev Event) {
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
