package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/dispatch"
	"github.com/ryansmccoy/spine-core-sub006/locks"
)

// LeaderLockKey elects the active scheduler. Held only for the length
// of one sweep; the TTL covers a leader that dies mid-sweep.
const LeaderLockKey = "scheduler:leader"

// Submitter is the dispatcher seam. *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, spec core.WorkSpec, opts dispatch.SubmitOptions) (*core.Execution, error)
}

// Config tunes the tick loop.
type Config struct {
	// TickInterval is the sweep cadence. Default: 2s.
	TickInterval time.Duration
	// BatchSize caps how many due schedules one sweep fires. Default: 50.
	BatchSize int
	// LeaderTTL is the leader lock's time to live. Default: 30s.
	LeaderTTL time.Duration
	// FireLockTTL is the per-schedule lock's time to live. Default: 60s.
	FireLockTTL time.Duration

	Logger    core.Logger
	Telemetry core.Telemetry
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		TickInterval: 2 * time.Second,
		BatchSize:    50,
		LeaderTTL:    30 * time.Second,
		FireLockTTL:  60 * time.Second,
	}
}

// Scheduler sweeps the due set and submits runs. Multiple instances
// may run; the leader lock keeps at most one sweep active, and the
// per-schedule lock plus the fire idempotency key keep a schedule from
// double-firing even across leader handoffs.
type Scheduler struct {
	repo      *Repository
	locks     *locks.Manager
	submitter Submitter
	config    Config
	ownerID   string
	logger    core.Logger
	tele      core.Telemetry

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates a scheduler.
func New(repo *Repository, lockMgr *locks.Manager, submitter Submitter, config *Config) *Scheduler {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = 30 * time.Second
	}
	if cfg.FireLockTTL <= 0 {
		cfg.FireLockTTL = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = &core.NoOpTelemetry{}
	}
	return &Scheduler{
		repo:      repo,
		locks:     lockMgr,
		submitter: submitter,
		config:    cfg,
		ownerID:   "scheduler-" + core.NewID(),
		logger:    cfg.Logger,
		tele:      cfg.Telemetry,
	}
}

// Start runs the tick loop and blocks until ctx is cancelled or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return core.NewError(core.CategoryConflict, "scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("Scheduler started", map[string]interface{}{
		"owner":         s.ownerID,
		"tick_interval": s.config.TickInterval.String(),
		"batch_size":    s.config.BatchSize,
	})

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	s.wg.Add(1)
	defer s.wg.Done()

	for {
		select {
		case <-runCtx.Done():
			s.running.Store(false)
			s.logger.Info("Scheduler stopped", map[string]interface{}{"owner": s.ownerID})
			return nil
		case <-ticker.C:
			if _, err := s.Tick(runCtx, time.Now().UTC()); err != nil && runCtx.Err() == nil {
				s.logger.Error("Scheduler sweep failed", map[string]interface{}{
					"owner": s.ownerID,
					"error": err.Error(),
				})
			}
		}
	}
}

// Stop cancels the loop and waits for the in-flight sweep.
func (s *Scheduler) Stop() {
	if !s.running.Load() {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.locks.ReleaseOwned(ctx, LeaderLockKey, s.ownerID)
}

// Tick runs one sweep: take the leader lock, fire every due schedule,
// release. Returns how many runs were submitted. A sweep that loses
// the leader election returns (0, nil).
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	got, err := s.locks.Acquire(ctx, LeaderLockKey, s.ownerID, s.config.LeaderTTL)
	if err != nil {
		return 0, fmt.Errorf("leader election failed: %w", err)
	}
	if !got {
		return 0, nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.locks.ReleaseOwned(rctx, LeaderLockKey, s.ownerID)
	}()

	due, err := s.repo.Due(ctx, now, s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, sched := range due {
		if ctx.Err() != nil {
			break
		}
		if s.fire(ctx, sched, now) {
			fired++
		}
	}
	return fired, nil
}

// fire dispatches one due schedule. Returns true when a run was
// submitted.
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) bool {
	fireLock := "schedule:" + sched.ID
	got, err := s.locks.Acquire(ctx, fireLock, s.ownerID, s.config.FireLockTTL)
	if err != nil {
		s.logger.Warn("Schedule fire lock failed", map[string]interface{}{
			"schedule": sched.Name,
			"error":    err.Error(),
		})
		return false
	}
	if !got {
		// Another scheduler is firing this row right now.
		return false
	}
	defer func() { _ = s.locks.ReleaseOwned(ctx, fireLock, s.ownerID) }()

	next, err := ComputeNextRun(sched, now)
	if err != nil {
		// The row validated on write, so this is environmental (a tz
		// database change, say). Surface it and retry in a minute.
		s.logger.Error("Schedule cannot compute next run", map[string]interface{}{
			"schedule": sched.Name,
			"error":    err.Error(),
		})
		_ = s.repo.Advance(ctx, sched.ID, RunStatusFailed, now.Add(time.Minute))
		return false
	}

	due := now
	if sched.NextRunAt != nil {
		due = *sched.NextRunAt
	}
	if grace := time.Duration(sched.MisfireGraceSeconds) * time.Second; grace > 0 && now.Sub(due) > grace {
		s.logger.Warn("Schedule misfired, skipping past due fire", map[string]interface{}{
			"schedule":      sched.Name,
			"due_at":        due.Format(time.RFC3339),
			"overdue":       now.Sub(due).String(),
			"grace_seconds": sched.MisfireGraceSeconds,
			"next_run_at":   next.Format(time.RFC3339),
		})
		s.tele.RecordMetric("scheduler_misfires_total", 1, map[string]string{"schedule": sched.Name})
		if err := s.repo.Advance(ctx, sched.ID, RunStatusSkippedMisfire, next); err != nil {
			s.logger.Error("Failed to advance misfired schedule", map[string]interface{}{
				"schedule": sched.Name,
				"error":    err.Error(),
			})
		}
		return false
	}

	// The key is derived from the slot, not the wall clock, so a
	// replayed fire of the same slot dedupes in the ledger.
	exec, err := s.submitter.Submit(ctx, core.WorkSpec{
		Kind:   sched.Kind(),
		Name:   sched.TargetName,
		Params: sched.Params,
	}, dispatch.SubmitOptions{
		TriggerSource:  core.TriggerScheduler,
		IdempotencyKey: fmt.Sprintf("sched:%s:%d", sched.ID, due.Unix()),
	})
	if err != nil {
		s.logger.Error("Schedule dispatch failed", map[string]interface{}{
			"schedule": sched.Name,
			"target":   sched.TargetName,
			"error":    err.Error(),
		})
		if merr := s.repo.MarkFired(ctx, sched.ID, now, "", RunStatusFailed, next); merr != nil {
			s.logger.Error("Failed to mark schedule fired", map[string]interface{}{
				"schedule": sched.Name,
				"error":    merr.Error(),
			})
		}
		return false
	}

	if err := s.repo.MarkFired(ctx, sched.ID, now, exec.ID, RunStatusSubmitted, next); err != nil {
		s.logger.Error("Failed to mark schedule fired", map[string]interface{}{
			"schedule": sched.Name,
			"error":    err.Error(),
		})
	}
	s.tele.RecordMetric("scheduler_fires_total", 1, map[string]string{"schedule": sched.Name})
	s.logger.Info("Schedule fired", map[string]interface{}{
		"schedule":     sched.Name,
		"target":       sched.TargetName,
		"execution_id": exec.ID,
		"next_run_at":  next.Format(time.RFC3339),
	})
	return true
}
