// Package scheduler dispatches work at cron or fixed-interval cadence.
// Schedules live in core_schedules; a single elected leader sweeps the
// due set every tick and submits runs through the dispatcher.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// TargetType names what a schedule fires.
type TargetType string

const (
	TargetTask      TargetType = "TASK"
	TargetOperation TargetType = "OPERATION"
	TargetWorkflow  TargetType = "WORKFLOW"
)

// ScheduleType selects the cadence model.
type ScheduleType string

const (
	TypeCron     ScheduleType = "CRON"
	TypeInterval ScheduleType = "INTERVAL"
)

// Last-run outcomes recorded on the schedule row.
const (
	RunStatusSubmitted      = "SUBMITTED"
	RunStatusFailed         = "FAILED"
	RunStatusSkippedMisfire = "SKIPPED_MISFIRE"
)

// DefaultMisfireGrace is how far past due a fire may be before it is
// skipped instead of submitted.
const DefaultMisfireGrace = 300

// Schedule is one row of recurring work. Exactly one of CronExpression
// and IntervalSeconds is set, matching ScheduleType.
type Schedule struct {
	ID                  string                 `json:"id" db:"id"`
	Name                string                 `json:"name" db:"name"`
	TargetType          TargetType             `json:"target_type" db:"target_type"`
	TargetName          string                 `json:"target_name" db:"target_name"`
	ScheduleType        ScheduleType           `json:"schedule_type" db:"schedule_type"`
	CronExpression      string                 `json:"cron_expression,omitempty" db:"cron_expression"`
	IntervalSeconds     int                    `json:"interval_seconds,omitempty" db:"interval_seconds"`
	Timezone            string                 `json:"timezone" db:"timezone"`
	Enabled             bool                   `json:"enabled" db:"enabled"`
	MisfireGraceSeconds int                    `json:"misfire_grace_seconds" db:"misfire_grace_seconds"`
	NextRunAt           *time.Time             `json:"next_run_at,omitempty" db:"next_run_at"`
	LastRunAt           *time.Time             `json:"last_run_at,omitempty" db:"last_run_at"`
	LastRunStatus       string                 `json:"last_run_status,omitempty" db:"last_run_status"`
	LastRunExecutionID  string                 `json:"last_run_execution_id,omitempty" db:"last_run_execution_id"`
	Params              map[string]interface{} `json:"params,omitempty" db:"params"`
	Version             int                    `json:"version" db:"version"`
	CreatedBy           string                 `json:"created_by,omitempty" db:"created_by"`
	CreatedAt           time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at" db:"updated_at"`
}

// Kind maps the target type onto the dispatcher's work kinds.
func (s *Schedule) Kind() core.WorkKind {
	switch s.TargetType {
	case TargetOperation:
		return core.KindOperation
	case TargetWorkflow:
		return core.KindWorkflow
	default:
		return core.KindTask
	}
}

// Validate checks the schedule invariants. It is called on create and
// update so a row that reaches the tick loop always computes.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return core.NewError(core.CategoryValidation, "schedule name is required")
	}
	if s.TargetName == "" {
		return core.NewError(core.CategoryValidation, "schedule target_name is required")
	}
	switch s.TargetType {
	case TargetTask, TargetOperation, TargetWorkflow:
	default:
		return core.Errorf(core.CategoryValidation, "unknown target_type %q", s.TargetType)
	}
	if s.MisfireGraceSeconds < 0 {
		return core.NewError(core.CategoryValidation, "misfire_grace_seconds must not be negative")
	}
	if _, err := s.location(); err != nil {
		return core.Errorf(core.CategoryValidation, "unknown timezone %q", s.Timezone)
	}

	switch s.ScheduleType {
	case TypeCron:
		if s.CronExpression == "" {
			return core.NewError(core.CategoryValidation, "CRON schedule requires cron_expression")
		}
		if s.IntervalSeconds != 0 {
			return core.NewError(core.CategoryValidation, "CRON schedule must not set interval_seconds")
		}
		if _, err := cron.ParseStandard(s.CronExpression); err != nil {
			return core.Errorf(core.CategoryValidation, "invalid cron expression %q: %v", s.CronExpression, err)
		}
	case TypeInterval:
		if s.IntervalSeconds <= 0 {
			return core.NewError(core.CategoryValidation, "INTERVAL schedule requires interval_seconds > 0")
		}
		if s.CronExpression != "" {
			return core.NewError(core.CategoryValidation, "INTERVAL schedule must not set cron_expression")
		}
	default:
		return core.Errorf(core.CategoryValidation, "unknown schedule_type %q", s.ScheduleType)
	}
	return nil
}

func (s *Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// ComputeNextRun returns the next fire strictly after now. CRON
// schedules evaluate in the schedule's timezone; INTERVAL schedules
// fire interval_seconds from now. The result is UTC.
func ComputeNextRun(s *Schedule, now time.Time) (time.Time, error) {
	switch s.ScheduleType {
	case TypeCron:
		loc, err := s.location()
		if err != nil {
			return time.Time{}, core.Errorf(core.CategoryValidation, "unknown timezone %q", s.Timezone)
		}
		expr, err := cron.ParseStandard(s.CronExpression)
		if err != nil {
			return time.Time{}, core.Errorf(core.CategoryValidation, "invalid cron expression %q: %v", s.CronExpression, err)
		}
		return expr.Next(now.In(loc)).UTC(), nil
	case TypeInterval:
		if s.IntervalSeconds <= 0 {
			return time.Time{}, core.NewError(core.CategoryValidation, "INTERVAL schedule requires interval_seconds > 0")
		}
		return now.UTC().Add(time.Duration(s.IntervalSeconds) * time.Second), nil
	}
	return time.Time{}, core.Errorf(core.CategoryValidation, "unknown schedule_type %q", s.ScheduleType)
}
