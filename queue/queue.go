// Package queue provides the durable, leasable work queue that dispatches
// every action of every execution.
//
// Jobs move through queued -> leased -> completed | failed | dead. Leasing is
// strictly exclusive: at any instant at most one worker holds a valid lease
// for a queue row, enforced by compare-and-set on status (memory backend) or
// FOR UPDATE SKIP LOCKED (PostgreSQL backend). Expired leases are returned to
// queued by Reap, which is what makes delivery at-least-once.
//
// Enqueue is idempotent over the key (execution_id, node_id, attempt, slot):
// re-enqueuing the same attempt after a broker crash is rejected with
// ErrDuplicateJob, so repeated broker decisions cannot duplicate work.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateJob is returned when a job with the same idempotency key
// (execution_id, node_id, attempt, slot) already exists.
var ErrDuplicateJob = errors.New("duplicate job")

// ErrNotFound is returned for operations on unknown queue IDs.
var ErrNotFound = errors.New("job not found")

// Status enumerates job lifecycle states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusLeased    Status = "leased"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Signal is the heartbeat response.
type Signal string

const (
	// SignalOK means the lease was extended.
	SignalOK Signal = "ok"

	// SignalLost means the lease was revoked (expired and re-leased, or the
	// row moved on). The worker must abandon the job without emitting
	// events.
	SignalLost Signal = "lost"

	// SignalCancel means the execution was cancelled; the worker should
	// cancel the executor and report promptly.
	SignalCancel Signal = "cancel"
)

// Job is one durable queue row.
type Job struct {
	// QueueID is assigned by Enqueue.
	QueueID int64

	// ExecutionID and NodeID attribute the job to a step of an execution.
	ExecutionID string
	NodeID      string

	// Slot discriminates multiple jobs of the same step and attempt:
	// iteration index ("iter:3"), sink ("sink"), pagination page
	// ("page:2"). Empty for plain actions.
	Slot string

	// Action is the serialized task (tool kind, args, timeout, purpose).
	Action []byte

	// Context is the serialized scope the worker renders templates over.
	Context []byte

	// Status is the lifecycle state.
	Status Status

	// Attempt is the 1-based attempt number assigned at enqueue. Together
	// with ExecutionID, NodeID and Slot it forms the idempotency key.
	Attempt int

	// MaxAttempts bounds queue-level retries via Fail.
	MaxAttempts int

	// Deliveries counts leases of this row, including re-deliveries after
	// lost leases.
	Deliveries int

	// AvailableAt delays dispatch (retry backoff, pagination delay).
	AvailableAt time.Time

	// LeaseDeadline is set while leased; crossing it makes the lease
	// reapable.
	LeaseDeadline time.Time

	// Priority is the dispatch band; higher first. Within a band delivery
	// is FIFO by AvailableAt, tie-broken by QueueID.
	Priority int

	// WorkerID is the current lease holder, empty when not leased.
	WorkerID string
}

// Queue is the durable work dispatch contract.
type Queue interface {
	// Enqueue inserts a job and returns its queue ID. Duplicate idempotency
	// keys are rejected with ErrDuplicateJob.
	Enqueue(ctx context.Context, job Job) (int64, error)

	// Lease atomically claims up to maxN dispatchable jobs for workerID,
	// setting lease deadlines now+visibility and incrementing delivery
	// counts.
	Lease(ctx context.Context, workerID string, maxN int, visibility time.Duration) ([]Job, error)

	// Heartbeat extends the lease. Returns SignalLost if workerID no
	// longer holds it, SignalCancel if the execution was cancelled.
	Heartbeat(ctx context.Context, queueID int64, workerID string, visibility time.Duration) (Signal, error)

	// Complete marks the job completed.
	Complete(ctx context.Context, queueID int64) error

	// Fail marks the job failed. With retry true and attempts remaining
	// the row is reinserted as queued at now+delay under the next attempt
	// number; otherwise it is dead-lettered.
	Fail(ctx context.Context, queueID int64, retry bool, delay time.Duration) error

	// Reap returns expired leases to queued and reports how many were
	// recovered.
	Reap(ctx context.Context) (int, error)

	// CancelExecution marks all queued jobs of the execution dead and
	// flags leased ones so their next heartbeat returns SignalCancel.
	CancelExecution(ctx context.Context, executionID string) error

	// CancelNode marks queued jobs of one step dead, reporting how many
	// were cancelled. Leased jobs are left to finish; the broker ignores
	// their results once the step is closed.
	CancelNode(ctx context.Context, executionID, nodeID string) (int, error)

	// DeadLetters lists dead jobs of an execution for manual replay.
	DeadLetters(ctx context.Context, executionID string) ([]Job, error)

	// Requeue returns a dead job to queued without changing its attempt.
	Requeue(ctx context.Context, queueID int64) error
}
