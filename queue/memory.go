package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemQueue is an in-memory Queue for tests and single-process runs.
//
// It mirrors the PostgreSQL backend's semantics: exclusive leases, FIFO
// within a priority band, idempotent enqueue, reap-based lease recovery.
type MemQueue struct {
	mu        sync.Mutex
	nextID    int64
	jobs      map[int64]*Job
	keys      map[string]int64
	cancelled map[string]bool
	lost      int64

	// now is swappable for tests.
	now func() time.Time
}

// NewMemQueue creates an empty in-memory queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{
		jobs:      make(map[int64]*Job),
		keys:      make(map[string]int64),
		cancelled: make(map[string]bool),
		now:       time.Now,
	}
}

// SetClock replaces the queue's time source. Test hook.
func (q *MemQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// LostLeases returns how many expired leases Reap has recovered.
func (q *MemQueue) LostLeases() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lost
}

func jobKey(executionID, nodeID string, attempt int, slot string) string {
	return executionID + "\x00" + nodeID + "\x00" + slot + "\x00" + strconv.Itoa(attempt)
}

// Enqueue implements Queue.
func (q *MemQueue) Enqueue(ctx context.Context, job Job) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := jobKey(job.ExecutionID, job.NodeID, job.Attempt, job.Slot)
	if _, exists := q.keys[key]; exists {
		return 0, ErrDuplicateJob
	}

	q.nextID++
	job.QueueID = q.nextID
	job.Status = StatusQueued
	job.WorkerID = ""
	if job.AvailableAt.IsZero() {
		job.AvailableAt = q.now()
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}

	copied := job
	q.jobs[job.QueueID] = &copied
	q.keys[key] = job.QueueID
	return job.QueueID, nil
}

// Lease implements Queue.
func (q *MemQueue) Lease(ctx context.Context, workerID string, maxN int, visibility time.Duration) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxN <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var candidates []*Job
	for _, j := range q.jobs {
		if j.Status == StatusQueued && !j.AvailableAt.After(now) {
			candidates = append(candidates, j)
		}
	}

	// Higher priority band first; FIFO by available_at within a band,
	// queue_id breaks ties.
	sort.Slice(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.AvailableAt.Equal(b.AvailableAt) {
			return a.AvailableAt.Before(b.AvailableAt)
		}
		return a.QueueID < b.QueueID
	})

	if len(candidates) > maxN {
		candidates = candidates[:maxN]
	}

	out := make([]Job, 0, len(candidates))
	for _, j := range candidates {
		j.Status = StatusLeased
		j.WorkerID = workerID
		j.LeaseDeadline = now.Add(visibility)
		j.Deliveries++
		out = append(out, *j)
	}
	return out, nil
}

// Heartbeat implements Queue.
func (q *MemQueue) Heartbeat(ctx context.Context, queueID int64, workerID string, visibility time.Duration) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return SignalLost, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[queueID]
	if !ok {
		return SignalLost, nil
	}
	if j.Status != StatusLeased || j.WorkerID != workerID {
		return SignalLost, nil
	}
	if q.cancelled[j.ExecutionID] {
		return SignalCancel, nil
	}
	j.LeaseDeadline = q.now().Add(visibility)
	return SignalOK, nil
}

// Complete implements Queue.
func (q *MemQueue) Complete(ctx context.Context, queueID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[queueID]
	if !ok {
		return ErrNotFound
	}
	j.Status = StatusCompleted
	j.WorkerID = ""
	return nil
}

// Fail implements Queue.
func (q *MemQueue) Fail(ctx context.Context, queueID int64, retry bool, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[queueID]
	if !ok {
		return ErrNotFound
	}

	if retry && (j.MaxAttempts == 0 || j.Attempt < j.MaxAttempts) {
		delete(q.keys, jobKey(j.ExecutionID, j.NodeID, j.Attempt, j.Slot))
		j.Attempt++
		q.keys[jobKey(j.ExecutionID, j.NodeID, j.Attempt, j.Slot)] = j.QueueID
		j.Status = StatusQueued
		j.WorkerID = ""
		j.AvailableAt = q.now().Add(delay)
		return nil
	}

	j.Status = StatusDead
	j.WorkerID = ""
	return nil
}

// Reap implements Queue.
func (q *MemQueue) Reap(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for _, j := range q.jobs {
		if j.Status == StatusLeased && j.LeaseDeadline.Before(now) {
			j.Status = StatusQueued
			j.WorkerID = ""
			n++
			q.lost++
		}
	}
	return n, nil
}

// CancelExecution implements Queue.
func (q *MemQueue) CancelExecution(ctx context.Context, executionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.cancelled[executionID] = true
	for _, j := range q.jobs {
		if j.ExecutionID == executionID && j.Status == StatusQueued {
			j.Status = StatusDead
		}
	}
	return nil
}

// CancelNode implements Queue.
func (q *MemQueue) CancelNode(ctx context.Context, executionID, nodeID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, j := range q.jobs {
		if j.ExecutionID == executionID && j.NodeID == nodeID && j.Status == StatusQueued {
			j.Status = StatusDead
			n++
		}
	}
	return n, nil
}

// DeadLetters implements Queue.
func (q *MemQueue) DeadLetters(ctx context.Context, executionID string) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Job
	for _, j := range q.jobs {
		if j.ExecutionID == executionID && j.Status == StatusDead {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].QueueID < out[k].QueueID })
	return out, nil
}

// Requeue implements Queue.
func (q *MemQueue) Requeue(ctx context.Context, queueID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[queueID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusDead {
		return ErrNotFound
	}
	j.Status = StatusQueued
	j.WorkerID = ""
	j.AvailableAt = q.now()
	return nil
}

// Snapshot returns a copy of every job, ordered by queue ID. Test hook.
func (q *MemQueue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].QueueID < out[k].QueueID })
	return out
}
