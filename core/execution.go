package core

import (
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusQueued    ExecutionStatus = "QUEUED"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
	StatusRetried   ExecutionStatus = "RETRIED"
	StatusDLQ       ExecutionStatus = "DLQ"
)

// IsTerminal returns true if the status represents a final state
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRetried, StatusDLQ:
		return true
	}
	return false
}

// statusTransitions is the allowed transition DAG. FAILED is not fully
// terminal: a failed run may still move to RETRIED or DLQ.
var statusTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending: {StatusQueued, StatusRunning, StatusCancelled, StatusFailed},
	StatusQueued:  {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusRetried},
	StatusFailed:  {StatusRetried, StatusDLQ},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidStatuses returns every known execution status.
func ValidStatuses() []ExecutionStatus {
	return []ExecutionStatus{
		StatusPending, StatusQueued, StatusRunning, StatusCompleted,
		StatusFailed, StatusCancelled, StatusRetried, StatusDLQ,
	}
}

// TriggerSource identifies what initiated an execution
type TriggerSource string

const (
	TriggerCLI       TriggerSource = "CLI"
	TriggerAPI       TriggerSource = "API"
	TriggerScheduler TriggerSource = "SCHEDULER"
	TriggerRetry     TriggerSource = "RETRY"
	TriggerManual    TriggerSource = "MANUAL"
)

// RunState is the executor-visible state of a submitted ref
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
	RunStateNotFound  RunState = "not_found"
)

// IsTerminal returns true if the run state is final
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCancelled:
		return true
	}
	return false
}

// Event types recorded in the execution ledger
const (
	EventCreated      = "CREATED"
	EventStarted      = "STARTED"
	EventProgress     = "PROGRESS"
	EventCompleted    = "COMPLETED"
	EventFailed       = "FAILED"
	EventCancelled    = "CANCELLED"
	EventRetried      = "RETRIED"
	EventDeadLettered = "DEAD_LETTERED"
)

// eventForStatus maps a status transition to its ledger event type.
var eventForStatus = map[ExecutionStatus]string{
	StatusPending:   EventCreated,
	StatusQueued:    EventProgress,
	StatusRunning:   EventStarted,
	StatusCompleted: EventCompleted,
	StatusFailed:    EventFailed,
	StatusCancelled: EventCancelled,
	StatusRetried:   EventRetried,
	StatusDLQ:       EventDeadLettered,
}

// EventForStatus returns the event type emitted when entering a status.
func EventForStatus(status ExecutionStatus) string {
	if et, ok := eventForStatus[status]; ok {
		return et
	}
	return EventProgress
}

// DefaultLane is the queue bucket used when a submission does not name one.
const DefaultLane = "default"

// DefaultMaxRetries bounds automatic retries when the submission does
// not set its own limit.
const DefaultMaxRetries = 3

// Execution is the root run record. One row per submitted unit of work;
// the database row is the sole source of truth for its state.
type Execution struct {
	ID                string                 `json:"id" db:"id"`
	Workflow          string                 `json:"workflow" db:"workflow"`
	Kind              WorkKind               `json:"kind" db:"kind"`
	Params            map[string]interface{} `json:"params,omitempty" db:"params"`
	Status            ExecutionStatus        `json:"status" db:"status"`
	Lane              string                 `json:"lane" db:"lane"`
	TriggerSource     TriggerSource          `json:"trigger_source" db:"trigger_source"`
	ParentExecutionID string                 `json:"parent_execution_id,omitempty" db:"parent_execution_id"`
	CorrelationID     string                 `json:"correlation_id,omitempty" db:"correlation_id"`
	ExecutorRef       string                 `json:"executor_ref,omitempty" db:"executor_ref"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
	Result            map[string]interface{} `json:"result,omitempty" db:"result"`
	Error             string                 `json:"error,omitempty" db:"error"`
	RetryCount        int                    `json:"retry_count" db:"retry_count"`
	MaxRetries        int                    `json:"max_retries" db:"max_retries"`
	IdempotencyKey    string                 `json:"idempotency_key,omitempty" db:"idempotency_key"`
}

// NewExecution creates a PENDING execution for a work spec.
func NewExecution(spec WorkSpec, source TriggerSource) *Execution {
	lane := spec.Lane
	if lane == "" {
		lane = DefaultLane
	}
	return &Execution{
		ID:            NewID(),
		Workflow:      spec.Name,
		Kind:          spec.Kind,
		Params:        spec.Params,
		Status:        StatusPending,
		Lane:          lane,
		TriggerSource: source,
		CreatedAt:     time.Now().UTC(),
		MaxRetries:    DefaultMaxRetries,
	}
}

// ExecutionEvent is one append-only ledger entry. Events are never
// deleted or mutated; Seq orders events within a single execution.
type ExecutionEvent struct {
	ID          string                 `json:"id" db:"id"`
	ExecutionID string                 `json:"execution_id" db:"execution_id"`
	Seq         int                    `json:"seq" db:"seq"`
	EventType   string                 `json:"event_type" db:"event_type"`
	Timestamp   time.Time              `json:"timestamp" db:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty" db:"data"`
}
