// Package executor runs submitted work. Four strategies share one
// contract: Memory runs inline, Local runs on a fixed worker pool,
// AsyncLocal runs a goroutine per submission behind a semaphore, and
// External hands work to a broker consumed by separate worker
// processes. Callers hold only the returned ref.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/resilience"
)

// HandlerFunc is the unit of work. Params arrive decoded from the
// submission; the return value is normalized to a map before storage.
type HandlerFunc func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Affinity declares how a handler expects to be driven.
type Affinity string

const (
	// AffinityAny handlers run on every executor.
	AffinityAny Affinity = "any"
	// AffinitySync handlers expect to run to completion on the
	// submitting path or a pooled worker.
	AffinitySync Affinity = "sync"
	// AffinityAsync handlers must not run inline; they require an
	// executor whose Submit returns before the work finishes.
	AffinityAsync Affinity = "async"
)

// Executor is the submission contract shared by all strategies.
type Executor interface {
	// Submit enqueues the spec and returns an opaque ref.
	Submit(ctx context.Context, spec core.WorkSpec) (string, error)
	// Status reports the ref's state; unknown refs map to not_found.
	Status(ctx context.Context, ref string) core.RunState
	// Result returns the stored result once the ref completed.
	Result(ctx context.Context, ref string) (map[string]interface{}, error)
	// Err returns the stored failure, nil if the ref did not fail.
	Err(ctx context.Context, ref string) (error, error)
	// Wait blocks until the ref reaches a terminal state or the
	// timeout/ctx expires, returning the last observed state.
	Wait(ctx context.Context, ref string, timeout time.Duration) (core.RunState, error)
	// Cancel stops the ref if it has not finished.
	Cancel(ctx context.Context, ref string) error
	// ActiveCount reports refs not yet terminal.
	ActiveCount() int
	// Close stops accepting work and releases executor resources.
	Close() error
}

// Config carries the tuning knobs shared across executor strategies.
type Config struct {
	// MaxWorkers is the Local pool size. Default: 4.
	MaxWorkers int
	// QueueSize is the Local pending-task channel capacity. Default: 256.
	QueueSize int
	// MaxConcurrency bounds AsyncLocal's in-flight submissions. Default: 64.
	MaxConcurrency int64
	// ResultCapacity bounds retained terminal results. Default: 1024.
	ResultCapacity int
	// WaitPoll is the polling interval for refs whose completion is
	// observed remotely rather than signalled. Default: 250ms.
	WaitPoll time.Duration
	// Logger is optional.
	Logger core.Logger
}

// DefaultConfig returns the default executor tuning.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:     4,
		QueueSize:      256,
		MaxConcurrency: 64,
		ResultCapacity: 1024,
		WaitPoll:       250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.ResultCapacity <= 0 {
		c.ResultCapacity = d.ResultCapacity
	}
	if c.WaitPoll <= 0 {
		c.WaitPoll = d.WaitPoll
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
	return c
}

// NormalizeResult shapes a handler return into the stored form.
// Maps pass through; anything else is wrapped under "result".
func NormalizeResult(v interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"result": v}
}

// invoke runs a handler with panic recovery and the spec's timeout.
func invoke(ctx context.Context, handler HandlerFunc, spec core.WorkSpec) (result map[string]interface{}, err error) {
	run := func(ctx context.Context) (interface{}, error) {
		return handler(ctx, spec.Params)
	}

	var value interface{}
	if spec.TimeoutSeconds > 0 {
		value, err = resilience.TimeoutResult(ctx, time.Duration(spec.TimeoutSeconds)*time.Second, run)
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in handler %s: %v\n%s", spec.HandlerKey(), r, debug.Stack())
				}
			}()
			value, err = run(ctx)
		}()
	}
	if err != nil {
		return nil, err
	}
	return NormalizeResult(value), nil
}

// refuseAffinity checks a registration against the executor's driving
// model. A mismatch is a submit-time validation error, not a late
// runtime surprise.
func refuseAffinity(reg Registration, refuse Affinity, executorName string) error {
	if reg.Affinity == refuse {
		return fmt.Errorf("handler %s declared %s affinity, %s executor cannot honor it: %w",
			reg.Key, reg.Affinity, executorName, core.ErrHandlerKindMismatch)
	}
	return nil
}
