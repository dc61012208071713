// Package state reconstructs the current workflow state of an execution by
// folding its event sequence.
//
// Fold is pure and deterministic: identical event prefixes yield identical
// snapshots, which is what makes the broker restart-safe. The snapshot is
// derived state only; the event log remains the canonical copy.
package state

import (
	"github.com/noetl/noetl-go/eventlog"
	"github.com/noetl/noetl-go/workflow"
)

// StepStatus is the per-step state machine:
// pending -> running -> (retrying)* -> completed | failed | skipped.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepRetrying  StepStatus = "retrying"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status ends the step's lifecycle.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// StepState is the folded view of one step.
type StepState struct {
	Name   string
	Status StepStatus

	// Result is the latest attached result (action or aggregate).
	Result any

	// Attempts counts action_started events for this step, which by
	// construction equals the queue row attempt count.
	Attempts int

	// LastError is the most recent action or step failure.
	LastError *eventlog.ErrorInfo

	// Pages collects action_completed results across pagination attempts,
	// in page order.
	Pages []any

	// PageOverrides records the rendered next_call overrides per page
	// number, so a failed page attempt can be re-enqueued with the same
	// request rewrite.
	PageOverrides map[int]map[string]any

	// Frame is the iterator frame while a loop is active on this step.
	Frame *IteratorFrame

	// StartedEventID is the step_started event for attribution.
	StartedEventID int64

	// SinkPending is set between sink dispatch and sink_completed|failed.
	SinkPending bool
}

// IteratorFrame is the server-side state of an active loop, rebuilt from
// iterator_started / iteration_completed / iterator_completed events.
type IteratorFrame struct {
	StepName string
	Mode     workflow.LoopMode

	// Total is the rendered collection length.
	Total int

	// Elements is the rendered collection, index-keyed.
	Elements []any

	// Results holds per-index results; aggregation order is index order
	// regardless of completion order.
	Results []any

	// Errors holds per-index failures under collect_errors.
	Errors map[int]*eventlog.ErrorInfo

	// Done marks indices that have reported (success or recorded error).
	Done []bool

	// Completed counts reported indices.
	Completed int

	// Dispatched counts enqueued iteration jobs.
	Dispatched int

	FailPolicy workflow.FailPolicy

	// StartedEventID is the iterator_started event, the parent of every
	// iteration_completed.
	StartedEventID int64

	// Closed is set by iterator_completed.
	Closed bool

	// Aborted is set when fail_fast stops the iterator early.
	Aborted bool
}

// Remaining reports how many indices have not yet reported.
func (f *IteratorFrame) Remaining() int {
	return f.Total - f.Completed
}

// ChildRef identifies a parent waiter by IDs only; the supervisor observes
// the child through the event log, never a direct pointer.
type ChildRef struct {
	ExecutionID string
	NodeID      string
}

// Snapshot is the folded view of one execution.
type Snapshot struct {
	ExecutionID string
	PlaybookRef string
	Workload    map[string]any

	// Parent is set when this execution was submitted as a child playbook.
	Parent *ChildRef

	// Steps holds per-step state for every step that has appeared in the
	// event sequence.
	Steps map[string]*StepState

	// Results maps completed step names to their results, the layer prior
	// steps are addressed through in templates.
	Results map[string]any

	// Children maps node IDs to child execution IDs that have started but
	// not yet joined.
	Children map[string]string

	// Terminal is the terminal event, nil while the execution is live.
	Terminal *eventlog.Event

	// Cause is the failure that drove the execution toward
	// playbook_failed, if any.
	Cause *eventlog.ErrorInfo

	// FailedStep names the step attributed in Cause.
	FailedStep string

	// Active counts steps that have started and not reached a terminal
	// step status. Zero active steps plus a completed end step is the
	// completion condition.
	Active int

	// FailedEvents maps step_failed event IDs to their step name.
	// HandledFailures marks the ones a failure branch consumed: a later
	// step_started whose parent is the step_failed event.
	FailedEvents    map[int64]string
	HandledFailures map[int64]bool

	// LastEventID is the highest folded event ID.
	LastEventID int64
}

// Step returns the folded state for a step, creating a pending entry if the
// step has not appeared yet.
func (s *Snapshot) Step(name string) *StepState {
	st, ok := s.Steps[name]
	if !ok {
		st = &StepState{Name: name, Status: StepPending}
		s.Steps[name] = st
	}
	return st
}

// Done reports whether a terminal event has been folded.
func (s *Snapshot) Done() bool {
	return s.Terminal != nil
}

// HasUnhandledFailure reports whether any step failed without a failure
// branch taking over. An execution with an unhandled failure finalizes as
// playbook_failed even when other branches reach the end step.
func (s *Snapshot) HasUnhandledFailure() bool {
	for id := range s.FailedEvents {
		if !s.HandledFailures[id] {
			return true
		}
	}
	return false
}
