package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testClock is a controllable time source for lease and delay tests.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestQueue() (*MemQueue, *testClock) {
	q := NewMemQueue()
	clock := newTestClock()
	q.SetClock(clock.Now)
	return q, clock
}

func enqueue(t *testing.T, q *MemQueue, job Job) int64 {
	t.Helper()
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	id, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	return id
}

// TestEnqueueIdempotency pins the idempotency key: the same
// (execution, node, slot, attempt) is rejected, while a different slot or
// attempt is a distinct job.
func TestEnqueueIdempotency(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	base := Job{ExecutionID: "exec-1", NodeID: "fetch", Attempt: 1}
	_, err := q.Enqueue(ctx, base)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, base)
	require.ErrorIs(t, err, ErrDuplicateJob)

	next := base
	next.Attempt = 2
	_, err = q.Enqueue(ctx, next)
	require.NoError(t, err)

	slotted := base
	slotted.Slot = "iter:0"
	_, err = q.Enqueue(ctx, slotted)
	require.NoError(t, err)
}

// TestLease covers exclusivity, dispatch order, and delayed availability.
func TestLease(t *testing.T) {
	ctx := context.Background()

	t.Run("lease is exclusive", func(t *testing.T) {
		q, _ := newTestQueue()
		enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "a"})

		first, err := q.Lease(ctx, "w1", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, first, 1)
		require.Equal(t, "w1", first[0].WorkerID)
		require.Equal(t, 1, first[0].Deliveries)

		second, err := q.Lease(ctx, "w2", 10, time.Minute)
		require.NoError(t, err)
		require.Empty(t, second)
	})

	t.Run("priority bands then fifo", func(t *testing.T) {
		q, _ := newTestQueue()
		enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "low1", Priority: 0})
		enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "high", Priority: 5})
		enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "low2", Priority: 0})

		jobs, err := q.Lease(ctx, "w1", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		require.Equal(t, "high", jobs[0].NodeID)
		require.Equal(t, "low1", jobs[1].NodeID)
		require.Equal(t, "low2", jobs[2].NodeID)
	})

	t.Run("delayed jobs wait for the clock", func(t *testing.T) {
		q, clock := newTestQueue()
		enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "later",
			AvailableAt: clock.Now().Add(30 * time.Second)})

		jobs, err := q.Lease(ctx, "w1", 10, time.Minute)
		require.NoError(t, err)
		require.Empty(t, jobs)

		clock.Advance(31 * time.Second)
		jobs, err = q.Lease(ctx, "w1", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
	})

	t.Run("maxN bounds the batch", func(t *testing.T) {
		q, _ := newTestQueue()
		for i := 0; i < 5; i++ {
			enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "n", Slot: "iter:" + string(rune('0'+i))})
		}
		jobs, err := q.Lease(ctx, "w1", 2, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
	})
}

// TestHeartbeat covers the three signals a lease holder can receive.
func TestHeartbeat(t *testing.T) {
	ctx := context.Background()

	t.Run("ok extends the lease", func(t *testing.T) {
		q, clock := newTestQueue()
		enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "a"})
		jobs, _ := q.Lease(ctx, "w1", 1, time.Minute)

		clock.Advance(50 * time.Second)
		sig, err := q.Heartbeat(ctx, jobs[0].QueueID, "w1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, SignalOK, sig)

		// The extension outlives the original deadline.
		clock.Advance(30 * time.Second)
		n, err := q.Reap(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("lost after reap", func(t *testing.T) {
		q, clock := newTestQueue()
		enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "a"})
		jobs, _ := q.Lease(ctx, "w1", 1, time.Minute)

		clock.Advance(2 * time.Minute)
		n, err := q.Reap(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, int64(1), q.LostLeases())

		sig, err := q.Heartbeat(ctx, jobs[0].QueueID, "w1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, SignalLost, sig)

		// The reaped job is leasable again, with a bumped delivery count.
		again, err := q.Lease(ctx, "w2", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, again, 1)
		require.Equal(t, 2, again[0].Deliveries)
	})

	t.Run("lost for a foreign worker", func(t *testing.T) {
		q, _ := newTestQueue()
		enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "a"})
		jobs, _ := q.Lease(ctx, "w1", 1, time.Minute)

		sig, err := q.Heartbeat(ctx, jobs[0].QueueID, "w2", time.Minute)
		require.NoError(t, err)
		require.Equal(t, SignalLost, sig)
	})

	t.Run("cancel flag surfaces on heartbeat", func(t *testing.T) {
		q, _ := newTestQueue()
		enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "a"})
		jobs, _ := q.Lease(ctx, "w1", 1, time.Minute)

		require.NoError(t, q.CancelExecution(ctx, "exec-1"))
		sig, err := q.Heartbeat(ctx, jobs[0].QueueID, "w1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, SignalCancel, sig)
	})
}

// TestFail covers queue-level retry and dead-lettering.
func TestFail(t *testing.T) {
	ctx := context.Background()

	t.Run("retry requeues under the next attempt", func(t *testing.T) {
		q, clock := newTestQueue()
		enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "a", MaxAttempts: 3})
		jobs, _ := q.Lease(ctx, "w1", 1, time.Minute)

		require.NoError(t, q.Fail(ctx, jobs[0].QueueID, true, 10*time.Second))

		// Not dispatchable before the delay elapses.
		again, err := q.Lease(ctx, "w1", 1, time.Minute)
		require.NoError(t, err)
		require.Empty(t, again)

		clock.Advance(11 * time.Second)
		again, err = q.Lease(ctx, "w1", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, again, 1)
		require.Equal(t, 2, again[0].Attempt)
	})

	t.Run("exhausted attempts dead-letter", func(t *testing.T) {
		q, clock := newTestQueue()
		enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "a", MaxAttempts: 2})

		for attempt := 0; attempt < 2; attempt++ {
			clock.Advance(time.Second)
			jobs, err := q.Lease(ctx, "w1", 1, time.Minute)
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			require.NoError(t, q.Fail(ctx, jobs[0].QueueID, true, 0))
		}

		dead, err := q.DeadLetters(ctx, "exec-1")
		require.NoError(t, err)
		require.Len(t, dead, 1)
		require.Equal(t, StatusDead, dead[0].Status)
	})

	t.Run("no-retry dead-letters immediately", func(t *testing.T) {
		q, _ := newTestQueue()
		enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "a", MaxAttempts: 3})
		jobs, _ := q.Lease(ctx, "w1", 1, time.Minute)
		require.NoError(t, q.Fail(ctx, jobs[0].QueueID, false, 0))

		dead, err := q.DeadLetters(ctx, "exec-1")
		require.NoError(t, err)
		require.Len(t, dead, 1)
	})
}

// TestRequeue replays a dead letter without changing its attempt number.
func TestRequeue(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "a", MaxAttempts: 1})
	jobs, _ := q.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, q.Fail(ctx, jobs[0].QueueID, true, 0))

	dead, _ := q.DeadLetters(ctx, "exec-1")
	require.Len(t, dead, 1)

	require.NoError(t, q.Requeue(ctx, dead[0].QueueID))
	again, err := q.Lease(ctx, "w2", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, dead[0].Attempt, again[0].Attempt)

	// Requeue only applies to dead jobs.
	require.ErrorIs(t, q.Requeue(ctx, again[0].QueueID), ErrNotFound)
}

// TestCancelNode dead-letters the queued jobs of one step only, leaving other
// steps and leased rows alone.
func TestCancelNode(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "each", Slot: "iter:0"})
	enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "each", Slot: "iter:1"})
	enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "other"})

	leased, _ := q.Lease(ctx, "w1", 1, time.Minute)
	require.Len(t, leased, 1)

	n, err := q.CancelNode(ctx, "exec-1", "each")
	require.NoError(t, err)

	var queuedOther, deadEach int
	for _, j := range q.Snapshot() {
		switch {
		case j.NodeID == "other" && j.Status == StatusQueued:
			queuedOther++
		case j.NodeID == "each" && j.Status == StatusDead:
			deadEach++
		}
	}
	require.Equal(t, deadEach, n)
	require.Equal(t, 1, queuedOther)

	// The leased row keeps running.
	require.Equal(t, StatusLeased, findJob(t, q, leased[0].QueueID).Status)
}

// TestCancelExecution dead-letters every queued job of the execution.
func TestCancelExecution(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "a"})
	enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "b"})
	enqueue(t, q, Job{ExecutionID: "exec-2", NodeID: "c"})

	require.NoError(t, q.CancelExecution(ctx, "exec-1"))

	for _, j := range q.Snapshot() {
		if j.ExecutionID == "exec-1" {
			require.Equal(t, StatusDead, j.Status)
		} else {
			require.Equal(t, StatusQueued, j.Status)
		}
	}
}

// TestComplete moves a leased job to completed and releases the worker.
func TestComplete(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	enqueue(t, q, Job{ExecutionID: "exec-1", NodeID: "a"})
	jobs, _ := q.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, q.Complete(ctx, jobs[0].QueueID))

	j := findJob(t, q, jobs[0].QueueID)
	require.Equal(t, StatusCompleted, j.Status)
	require.Empty(t, j.WorkerID)

	require.ErrorIs(t, q.Complete(ctx, 9999), ErrNotFound)
}

func findJob(t *testing.T, q *MemQueue, queueID int64) Job {
	t.Helper()
	for _, j := range q.Snapshot() {
		if j.QueueID == queueID {
			return j
		}
	}
	t.Fatalf("queue id %d not found", queueID)
	return Job{}
}
