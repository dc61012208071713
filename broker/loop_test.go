package broker_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl-go/eventlog"
	"github.com/noetl/noetl-go/executor"
	"github.com/noetl/noetl-go/queue"
	"github.com/noetl/noetl-go/workflow"
)

// loopStep builds an iterator step over workload.letters binding each element
// as item.
func loopStep(mode workflow.LoopMode) *workflow.Step {
	return &workflow.Step{
		Name: "each",
		Kind: workflow.KindHTTP,
		Args: map[string]any{
			"url":    "https://api.test/each",
			"params": map[string]any{"v": "{{ item }}"},
		},
		Loop: &workflow.LoopSpec{
			Collection: "workload.letters",
			Element:    "item",
			Mode:       mode,
		},
		Next: []workflow.Transition{{Then: []string{workflow.EndStep}}},
	}
}

func loopGraph(t *testing.T, ref string, each *workflow.Step) *workflow.Graph {
	t.Helper()
	return buildGraph(t, ref,
		routeStep(workflow.StartStep, "each"),
		each,
		routeStep(workflow.EndStep),
	)
}

func letters(vals ...string) map[string]any {
	list := make([]any, len(vals))
	for i, v := range vals {
		list[i] = v
	}
	return map[string]any{"letters": list}
}

func queuedIterations(q *queue.MemQueue) int {
	n := 0
	for _, job := range q.Snapshot() {
		if job.Status == queue.StatusQueued && strings.HasPrefix(job.Slot, "iter:") {
			n++
		}
	}
	return n
}

// TestSequentialLoop runs a three-element loop one iteration at a time and
// checks dispatch order and the index-ordered aggregate.
func TestSequentialLoop(t *testing.T) {
	g := loopGraph(t, "examples/seq-loop", loopStep(workflow.LoopSequential))
	h := newHarness(t, []*workflow.Graph{g})
	h.mock.Script("each", success("r-a"), success("r-b"), success("r-c"))

	var seen []any
	h.mock.Observe = func(in executor.Input) {
		params := in.Args["params"].(map[string]any)
		seen = append(seen, params["v"])
	}

	executionID := h.submit(t, "examples/seq-loop", letters("a", "b", "c"))
	h.pump(t, executionID)

	snap := h.status(t, executionID)
	require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)
	require.Equal(t, []any{"a", "b", "c"}, seen)
	require.Equal(t, []any{"r-a", "r-b", "r-c"}, snap.Results["each"])

	events := h.events(t, executionID)
	started := eventsOfType(events, eventlog.TypeIteratorStarted)
	require.Len(t, started, 1)
	require.EqualValues(t, 3, started[0].Payload[eventlog.KeyTotal])
	require.Equal(t, 3, countType(events, eventlog.TypeIterationCompleted))
	require.Equal(t, 1, countType(events, eventlog.TypeIteratorCompleted))
}

// TestParallelLoop dispatches every iteration up front.
func TestParallelLoop(t *testing.T) {
	g := loopGraph(t, "examples/par-loop", loopStep(workflow.LoopParallel))
	h := newHarness(t, []*workflow.Graph{g})
	h.mock.Script("each", success("r-a"), success("r-b"), success("r-c"))

	executionID := h.submit(t, "examples/par-loop", letters("a", "b", "c"))

	// Broker only: the whole window is queued before any iteration runs.
	h.drain(t, executionID)
	require.Equal(t, 3, queuedIterations(h.queue))

	h.pump(t, executionID)
	snap := h.status(t, executionID)
	require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)
	require.Equal(t, []any{"r-a", "r-b", "r-c"}, snap.Results["each"])
}

// TestChunkedLoop keeps the in-flight window at chunk_size and refills it as
// iterations report.
func TestChunkedLoop(t *testing.T) {
	each := loopStep(workflow.LoopChunked)
	each.Loop.ChunkSize = 2
	g := loopGraph(t, "examples/chunk-loop", each)
	h := newHarness(t, []*workflow.Graph{g})
	h.mock.Script("each", success("r-a"), success("r-b"), success("r-c"), success("r-d"))

	executionID := h.submit(t, "examples/chunk-loop", letters("a", "b", "c", "d"))

	h.drain(t, executionID)
	require.Equal(t, 2, queuedIterations(h.queue))

	h.pump(t, executionID)
	snap := h.status(t, executionID)
	require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)
	require.Equal(t, 4, h.mock.Calls("each"))
	require.Equal(t, []any{"r-a", "r-b", "r-c", "r-d"}, snap.Results["each"])
}

// TestLoopFilter drops elements before the iterator opens.
func TestLoopFilter(t *testing.T) {
	each := loopStep(workflow.LoopSequential)
	each.Loop.Filter = `item != "b"`
	g := loopGraph(t, "examples/filter-loop", each)
	h := newHarness(t, []*workflow.Graph{g})
	h.mock.Script("each", success("r-a"), success("r-c"))

	executionID := h.submit(t, "examples/filter-loop", letters("a", "b", "c"))
	h.pump(t, executionID)

	snap := h.status(t, executionID)
	require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)
	require.Equal(t, 2, h.mock.Calls("each"))
	require.Equal(t, []any{"r-a", "r-c"}, snap.Results["each"])

	started := eventsOfType(h.events(t, executionID), eventlog.TypeIteratorStarted)
	require.Len(t, started, 1)
	require.EqualValues(t, 2, started[0].Payload[eventlog.KeyTotal])
}

// TestEmptyLoop closes an empty iterator immediately with an empty aggregate.
func TestEmptyLoop(t *testing.T) {
	g := loopGraph(t, "examples/empty-loop", loopStep(workflow.LoopSequential))
	h := newHarness(t, []*workflow.Graph{g})

	executionID := h.submit(t, "examples/empty-loop", letters())
	h.pump(t, executionID)

	snap := h.status(t, executionID)
	require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)
	require.Equal(t, []any{}, snap.Results["each"])
	require.Zero(t, h.mock.Calls("each"))
}

// TestLoopFailFast aborts the iterator on the first failed iteration and
// dead-letters the queued remainder.
func TestLoopFailFast(t *testing.T) {
	g := loopGraph(t, "examples/failfast-loop", loopStep(workflow.LoopParallel))
	h := newHarness(t, []*workflow.Graph{g}, withBatch(1))
	h.mock.Script("each", failure(eventlog.KindDependency, "boom", 500))

	executionID := h.submit(t, "examples/failfast-loop", letters("a", "b", "c"))
	h.pump(t, executionID)

	snap := h.status(t, executionID)
	require.Equal(t, eventlog.TypePlaybookFailed, snap.Terminal.Type)
	require.Equal(t, "each", snap.FailedStep)
	require.Equal(t, 1, h.mock.Calls("each"))

	// The two never-leased iterations were cancelled, not run.
	dead, err := h.queue.DeadLetters(context.Background(), executionID)
	require.NoError(t, err)
	require.Len(t, dead, 2)
}

// TestLoopCollectErrors records per-index failures and still completes the
// step with the surviving results.
func TestLoopCollectErrors(t *testing.T) {
	each := loopStep(workflow.LoopSequential)
	each.Loop.OnFailure = workflow.CollectErrors
	g := loopGraph(t, "examples/collect-loop", each)
	h := newHarness(t, []*workflow.Graph{g})
	h.mock.Script("each",
		success("r-a"),
		failure(eventlog.KindDependency, "boom", 500),
		success("r-c"),
	)

	executionID := h.submit(t, "examples/collect-loop", letters("a", "b", "c"))
	h.pump(t, executionID)

	snap := h.status(t, executionID)
	require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)
	require.Equal(t, []any{"r-a", nil, "r-c"}, snap.Results["each"])

	closed := eventsOfType(h.events(t, executionID), eventlog.TypeIteratorCompleted)
	require.Len(t, closed, 1)
	errs, ok := closed[0].Payload[eventlog.KeyErrors].(map[string]any)
	require.True(t, ok)
	require.Contains(t, errs, "1")
	require.NotContains(t, errs, "0")
}
