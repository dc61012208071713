// Package eventlog provides the append-only, totally-ordered event record
// that is the source of truth for every execution.
//
// Each execution owns an independent sequence of events with strictly
// increasing event IDs. Appends are serialized per execution; readers see a
// monotonic prefix with no gaps and no rewrites. Terminal events
// (playbook_completed, playbook_failed) close the sequence: at most one
// exists and it is always the last event.
//
// Implementations:
//   - MemLog: in-memory, for tests and single-process runs
//   - PGLog: PostgreSQL (pgx), for production durability
//   - SQLiteLog: embedded, for local development
package eventlog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an execution has no events.
var ErrNotFound = errors.New("execution not found")

// ErrDuplicateEvent is returned when an append carries an event ID that is
// already present. This indicates a programmer error: IDs are assigned by
// the log, not the caller.
var ErrDuplicateEvent = errors.New("duplicate event id")

// ErrTerminalRecorded is returned when appending after a terminal event.
// Callers treat this as a no-op: the execution is already closed.
var ErrTerminalRecorded = errors.New("terminal event already recorded")

// Type enumerates the closed set of event types.
type Type string

const (
	TypePlaybookStarted     Type = "playbook_started"
	TypeStepStarted         Type = "step_started"
	TypeActionStarted       Type = "action_started"
	TypeActionCompleted     Type = "action_completed"
	TypeActionFailed        Type = "action_failed"
	TypeStepCompleted       Type = "step_completed"
	TypeStepFailed          Type = "step_failed"
	TypeIteratorStarted     Type = "iterator_started"
	TypeIterationCompleted  Type = "iteration_completed"
	TypeIteratorCompleted   Type = "iterator_completed"
	TypeRetryScheduled      Type = "retry_scheduled"
	TypePaginationContinued Type = "pagination_continued"
	TypeSinkCompleted       Type = "sink_completed"
	TypeSinkFailed          Type = "sink_failed"
	TypeChildStarted        Type = "child_started"
	TypeChildCompleted      Type = "child_completed"
	TypePlaybookCompleted   Type = "playbook_completed"
	TypePlaybookFailed      Type = "playbook_failed"
)

// Terminal reports whether the type closes an execution.
func (t Type) Terminal() bool {
	return t == TypePlaybookCompleted || t == TypePlaybookFailed
}

// Error kinds carried in event payloads and executor envelopes (closed set).
const (
	KindValidation        = "validation"
	KindTemplateError     = "template_error"
	KindExecutorException = "executor_exception"
	KindTimeout           = "timeout"
	KindCancelled         = "cancelled"
	KindDependency        = "dependency"
	KindPolicy            = "policy"
	KindLostLease         = "lost_lease"
)

// ErrorInfo is the structured error attached to failure events.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// Event is one immutable record in an execution's sequence.
type Event struct {
	// ID is monotonic within the execution, assigned by Append.
	ID int64 `json:"event_id"`

	// ExecutionID names the owning execution.
	ExecutionID string `json:"execution_id"`

	// NodeID is the step this event concerns, empty for execution-level
	// events.
	NodeID string `json:"node_id,omitempty"`

	// ParentID links causally related events (iteration results to their
	// iterator, child terminals to their child_started). Zero means no
	// parent.
	ParentID int64 `json:"parent_event_id,omitempty"`

	// Type is one of the closed event type set.
	Type Type `json:"event_type"`

	// Status is the coarse outcome label ("success", "error", "pending").
	Status string `json:"status,omitempty"`

	// Payload carries structured event data. Serialization layers redact
	// values marked sensitive before the payload reaches the log.
	Payload map[string]any `json:"payload,omitempty"`

	// Error is set on failure events.
	Error *ErrorInfo `json:"error,omitempty"`

	// Timestamp is assigned by Append when zero. Non-decreasing within an
	// execution.
	Timestamp time.Time `json:"timestamp"`
}

// Log is the durable event record contract.
type Log interface {
	// Append adds an event to the execution's sequence and returns its
	// assigned ID. Appends after a terminal event fail with
	// ErrTerminalRecorded. Appends are serialized per execution so IDs are
	// strictly increasing.
	Append(ctx context.Context, ev Event) (int64, error)

	// Range returns events with ID > fromID in order. fromID = 0 returns
	// the whole sequence. An unknown execution returns ErrNotFound.
	Range(ctx context.Context, executionID string, fromID int64) ([]Event, error)

	// Head returns the highest event ID of the execution, or ErrNotFound.
	Head(ctx context.Context, executionID string) (int64, error)
}
