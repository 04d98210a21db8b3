package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// StateRecorder receives job lifecycle callbacks so worker processes
// can mirror broker state into the ledger. Jobs without an execution
// id skip the recorder.
type StateRecorder interface {
	RecordRunning(ctx context.Context, executionID string) error
	RecordCompleted(ctx context.Context, executionID string, result map[string]interface{}) error
	RecordFailed(ctx context.Context, executionID string, runErr error) error
	RecordCancelled(ctx context.Context, executionID string, reason string) error
}

// WorkerConfig tunes the broker consume loop.
type WorkerConfig struct {
	// Lanes to consume. Default: the default lane only.
	Lanes []string
	// Concurrency is the number of consume goroutines per lane.
	// Default: 2.
	Concurrency int
	// DequeueTimeout is the per-poll blocking window. Default: 5s.
	DequeueTimeout time.Duration
	// ShutdownTimeout bounds Stop. Default: 30s.
	ShutdownTimeout time.Duration
	// Recorder is optional; nil skips ledger mirroring.
	Recorder StateRecorder
	// Logger is optional.
	Logger core.Logger
}

// DefaultWorkerConfig returns the default worker tuning.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Lanes:           []string{core.DefaultLane},
		Concurrency:     2,
		DequeueTimeout:  5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Worker consumes jobs from a broker and executes them against the
// local registry, writing results back through the broker and, when a
// recorder is wired, the ledger.
type Worker struct {
	broker   Broker
	registry *Registry
	config   WorkerConfig
	logger   core.Logger

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     atomic.Bool
	activeCount atomic.Int32
}

// NewWorker creates a worker over the broker and registry.
func NewWorker(broker Broker, registry *Registry, config *WorkerConfig) *Worker {
	cfg := DefaultWorkerConfig()
	if config != nil {
		cfg = *config
	}
	if len(cfg.Lanes) == 0 {
		cfg.Lanes = []string{core.DefaultLane}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Worker{
		broker:   broker,
		registry: registry,
		config:   cfg,
		logger:   logger,
	}
}

// Start launches the consume loops and blocks until ctx is cancelled
// or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	if w.running.Swap(true) {
		return core.NewError(core.CategoryConflict, "worker already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.logger.Info("worker started", map[string]interface{}{
		"operation":   "worker_start",
		"lanes":       w.config.Lanes,
		"concurrency": w.config.Concurrency,
	})

	id := 0
	for _, lane := range w.config.Lanes {
		for i := 0; i < w.config.Concurrency; i++ {
			id++
			w.wg.Add(1)
			go w.consume(runCtx, fmt.Sprintf("worker-%d", id), lane)
		}
	}

	w.wg.Wait()
	w.running.Store(false)

	w.logger.Info("worker stopped", map[string]interface{}{
		"operation": "worker_stop",
	})
	return nil
}

// Stop cancels the consume loops and waits for in-flight jobs up to
// the shutdown timeout.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.running.Load() {
		return nil
	}
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(w.config.ShutdownTimeout):
		return core.NewError(core.CategoryTimeout, "shutdown timeout: some jobs may still be running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveJobs reports jobs currently executing.
func (w *Worker) ActiveJobs() int {
	return int(w.activeCount.Load())
}

func (w *Worker) consume(ctx context.Context, workerID, lane string) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := w.broker.Dequeue(ctx, lane, w.config.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", map[string]interface{}{
				"operation": "worker_dequeue",
				"worker_id": workerID,
				"lane":      lane,
				"error":     err.Error(),
			})
			continue
		}
		if delivery == nil {
			continue
		}
		w.process(ctx, workerID, delivery)
	}
}

func (w *Worker) process(ctx context.Context, workerID string, delivery *Delivery) {
	w.activeCount.Add(1)
	defer w.activeCount.Add(-1)

	job := delivery.Job
	started := time.Now()

	cancelled, err := w.broker.CancelRequested(ctx, job.Ref)
	if err == nil && cancelled {
		w.settle(ctx, delivery, JobResult{
			Ref:         job.Ref,
			State:       core.RunStateCancelled,
			CompletedAt: time.Now().UTC(),
		})
		if w.config.Recorder != nil && job.ExecutionID != "" {
			w.recordCancelled(ctx, job.ExecutionID)
		}
		return
	}

	reg, err := w.registry.Resolve(job.Spec)
	if err != nil {
		w.fail(ctx, delivery, started, err)
		return
	}

	_ = w.broker.PutResult(ctx, JobResult{Ref: job.Ref, State: core.RunStateRunning})
	if w.config.Recorder != nil && job.ExecutionID != "" {
		if recErr := w.config.Recorder.RecordRunning(ctx, job.ExecutionID); recErr != nil {
			w.logger.Warn("failed to record running state", map[string]interface{}{
				"operation":    "worker_record",
				"execution_id": job.ExecutionID,
				"error":        recErr.Error(),
			})
		}
	}

	result, err := invoke(ctx, reg.Handler, job.Spec)
	if err != nil {
		w.fail(ctx, delivery, started, err)
		return
	}

	w.settle(ctx, delivery, JobResult{
		Ref:         job.Ref,
		State:       core.RunStateCompleted,
		Result:      result,
		CompletedAt: time.Now().UTC(),
	})
	if w.config.Recorder != nil && job.ExecutionID != "" {
		if recErr := w.config.Recorder.RecordCompleted(ctx, job.ExecutionID, result); recErr != nil {
			w.logger.Warn("failed to record completion", map[string]interface{}{
				"operation":    "worker_record",
				"execution_id": job.ExecutionID,
				"error":        recErr.Error(),
			})
		}
	}
	w.logger.Info("job completed", map[string]interface{}{
		"operation":   "worker_process",
		"worker_id":   workerID,
		"ref":         job.Ref,
		"handler":     job.Spec.HandlerKey(),
		"duration_ms": time.Since(started).Milliseconds(),
	})
}

func (w *Worker) fail(ctx context.Context, delivery *Delivery, started time.Time, runErr error) {
	job := delivery.Job
	w.settle(ctx, delivery, JobResult{
		Ref:         job.Ref,
		State:       core.RunStateFailed,
		Error:       runErr.Error(),
		CompletedAt: time.Now().UTC(),
	})
	if w.config.Recorder != nil && job.ExecutionID != "" {
		if recErr := w.config.Recorder.RecordFailed(ctx, job.ExecutionID, runErr); recErr != nil {
			w.logger.Warn("failed to record failure", map[string]interface{}{
				"operation":    "worker_record",
				"execution_id": job.ExecutionID,
				"error":        recErr.Error(),
			})
		}
	}
	w.logger.Warn("job failed", map[string]interface{}{
		"operation":   "worker_process",
		"ref":         job.Ref,
		"handler":     job.Spec.HandlerKey(),
		"duration_ms": time.Since(started).Milliseconds(),
		"error":       runErr.Error(),
	})
}

// settle stores the result then acknowledges the delivery. Result
// first: an acked job with no result would strand the submitter.
func (w *Worker) settle(ctx context.Context, delivery *Delivery, result JobResult) {
	if err := w.broker.PutResult(ctx, result); err != nil {
		w.logger.Error("failed to store result", map[string]interface{}{
			"operation": "worker_settle",
			"ref":       result.Ref,
			"error":     err.Error(),
		})
		if err := delivery.Nack(ctx, true); err != nil {
			w.logger.Error("failed to requeue job", map[string]interface{}{
				"operation": "worker_settle",
				"ref":       result.Ref,
				"error":     err.Error(),
			})
		}
		return
	}
	if err := delivery.Ack(ctx); err != nil {
		w.logger.Warn("failed to ack job", map[string]interface{}{
			"operation": "worker_settle",
			"ref":       result.Ref,
			"error":     err.Error(),
		})
	}
}

func (w *Worker) recordCancelled(ctx context.Context, executionID string) {
	if err := w.config.Recorder.RecordCancelled(ctx, executionID, "cancel requested before start"); err != nil {
		w.logger.Warn("failed to record cancellation", map[string]interface{}{
			"operation":    "worker_record",
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
}
