package executor

import (
	"context"
	"sync"

	"github.com/noetl/noetl-go/eventlog"
)

// Mock is a scripted executor for tests: responses are queued per node and
// returned in order, so failure-then-success sequences (retry scenarios)
// and page sequences (pagination scenarios) are easy to express.
type Mock struct {
	mu      sync.Mutex
	scripts map[string][]Envelope
	calls   map[string]int

	// Observe, when set, receives every input before a response is
	// selected.
	Observe func(in Input)
}

// NewMock creates an empty scripted executor.
func NewMock() *Mock {
	return &Mock{
		scripts: make(map[string][]Envelope),
		calls:   make(map[string]int),
	}
}

// Script queues responses for a node. Responses are consumed in order; the
// last one repeats once the queue is exhausted.
func (m *Mock) Script(nodeID string, responses ...Envelope) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[nodeID] = append(m.scripts[nodeID], responses...)
	return m
}

// Calls reports how many times a node was executed.
func (m *Mock) Calls(nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[nodeID]
}

// Execute implements Executor.
func (m *Mock) Execute(ctx context.Context, in Input) Envelope {
	if m.Observe != nil {
		m.Observe(in)
	}
	if err := ctx.Err(); err != nil {
		return Fail(eventlog.KindCancelled, err.Error(), 0)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.calls[in.NodeID]
	m.calls[in.NodeID] = n + 1

	script := m.scripts[in.NodeID]
	if len(script) == 0 {
		return Success(nil, nil)
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n]
}
