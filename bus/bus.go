// Package bus provides publish/subscribe event delivery between the
// platform's components. The default implementation is in-process;
// a Redis adapter fans events out across processes.
package bus

import (
	"context"
	"time"
)

// Topics published by the dispatcher and workflow engine.
const (
	TopicRunSubmitted    = "run.submitted"
	TopicRunStarted      = "run.started"
	TopicRunCompleted    = "run.completed"
	TopicRunFailed       = "run.failed"
	TopicRunCancelled    = "run.cancelled"
	TopicRunRetried      = "run.retried"
	TopicRunDeadLettered = "run.dead_lettered"

	TopicStepStarted   = "workflow.step.started"
	TopicStepCompleted = "workflow.step.completed"
	TopicStepFailed    = "workflow.step.failed"
)

// Event is one published occurrence.
type Event struct {
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler consumes events. A returned error is logged and never
// affects delivery to other subscribers.
type Handler func(ctx context.Context, event Event) error

// Bus is the pub/sub contract.
type Bus interface {
	// Publish delivers an event to every matching subscriber.
	Publish(ctx context.Context, event Event) error
	// Subscribe registers a handler for a pattern and returns the
	// subscription id.
	Subscribe(pattern string, h Handler) (string, error)
	// Unsubscribe removes a subscription.
	Unsubscribe(id string) error
	// Close stops intake and waits for in-flight deliveries.
	Close() error
}
