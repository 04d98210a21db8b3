package executor

import (
	"context"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Job is the wire form of a submission handed to external workers.
type Job struct {
	Ref         string        `json:"ref"`
	Spec        core.WorkSpec `json:"spec"`
	ExecutionID string        `json:"execution_id,omitempty"`
	Attempt     int           `json:"attempt"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
}

// JobResult is the wire form of a finished job, written by workers and
// read by the submitting process.
type JobResult struct {
	Ref         string                 `json:"ref"`
	State       core.RunState          `json:"state"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Delivery is a dequeued job plus whatever the broker needs to settle
// it.
type Delivery struct {
	Job  Job
	Lane string

	// ack settles the delivery; implementations may leave it nil when
	// the dequeue already consumed the message.
	ack  func(ctx context.Context) error
	nack func(ctx context.Context, requeue bool) error
}

// Ack settles the delivery as processed.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack returns the delivery, optionally requeueing it.
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx, requeue)
}

// Broker moves jobs between the submitting process and worker
// processes, and carries results and cancellation marks back.
type Broker interface {
	// Enqueue adds a job to the lane's queue.
	Enqueue(ctx context.Context, lane string, job Job) error
	// Dequeue blocks up to timeout for the next job on the lane.
	// Returns nil, nil when the timeout expires empty-handed.
	Dequeue(ctx context.Context, lane string, timeout time.Duration) (*Delivery, error)
	// PutResult records a job's state transition or final result.
	PutResult(ctx context.Context, result JobResult) error
	// GetResult fetches the last recorded result, nil when absent.
	GetResult(ctx context.Context, ref string) (*JobResult, error)
	// RequestCancel marks a ref for cancellation; workers check the
	// mark before starting the job.
	RequestCancel(ctx context.Context, ref string) error
	// CancelRequested reports whether a ref carries a cancel mark.
	CancelRequested(ctx context.Context, ref string) (bool, error)
	// QueueLength reports pending jobs on a lane, -1 if unsupported.
	QueueLength(ctx context.Context, lane string) (int64, error)
	// Close releases broker resources owned by this handle.
	Close() error
}
