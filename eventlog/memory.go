package eventlog

import (
	"context"
	"sync"
	"time"
)

// MemLog is an in-memory Log for tests and single-process runs.
//
// It enforces the same contract as the durable backends: per-execution
// serialization, strictly increasing IDs, non-decreasing timestamps, and
// terminal-event closure.
type MemLog struct {
	mu     sync.RWMutex
	events map[string][]Event
	closed map[string]bool
}

// NewMemLog creates an empty in-memory event log.
func NewMemLog() *MemLog {
	return &MemLog{
		events: make(map[string][]Event),
		closed: make(map[string]bool),
	}
}

// Append implements Log.
func (m *MemLog) Append(ctx context.Context, ev Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed[ev.ExecutionID] {
		return 0, ErrTerminalRecorded
	}

	seq := m.events[ev.ExecutionID]
	ev.ID = int64(len(seq)) + 1

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	// Timestamps must be non-decreasing within an execution even if the
	// wall clock steps backwards.
	if n := len(seq); n > 0 && ev.Timestamp.Before(seq[n-1].Timestamp) {
		ev.Timestamp = seq[n-1].Timestamp
	}

	m.events[ev.ExecutionID] = append(seq, ev)
	if ev.Type.Terminal() {
		m.closed[ev.ExecutionID] = true
	}
	return ev.ID, nil
}

// Range implements Log.
func (m *MemLog) Range(ctx context.Context, executionID string, fromID int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	seq, ok := m.events[executionID]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]Event, 0, len(seq))
	for _, ev := range seq {
		if ev.ID > fromID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Head implements Log.
func (m *MemLog) Head(ctx context.Context, executionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	seq, ok := m.events[executionID]
	if !ok || len(seq) == 0 {
		return 0, ErrNotFound
	}
	return seq[len(seq)-1].ID, nil
}
