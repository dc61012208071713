package broker_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl-go/broker"
	"github.com/noetl/noetl-go/eventlog"
	"github.com/noetl/noetl-go/executor"
	"github.com/noetl/noetl-go/queue"
	"github.com/noetl/noetl-go/state"
	"github.com/noetl/noetl-go/workflow"
)

// TestLinearExecution runs a two-action pipeline end to end and checks the
// event sequence, the result layering, and the queue's final state.
func TestLinearExecution(t *testing.T) {
	transform := &workflow.Step{
		Name: "transform",
		Kind: workflow.KindSQL,
		Args: map[string]any{
			"query": "insert",
			"n":     "{{ fetch.count }}",
		},
		Next: []workflow.Transition{{Then: []string{workflow.EndStep}}},
	}
	g := buildGraph(t, "examples/linear",
		routeStep(workflow.StartStep, "fetch"),
		actionStep("fetch", "transform"),
		transform,
		routeStep(workflow.EndStep),
	)

	h := newHarness(t, []*workflow.Graph{g})
	h.mock.Script("fetch", success(map[string]any{"count": 2}))
	h.mock.Script("transform", success(map[string]any{"inserted": 2}))

	var transformArgs map[string]any
	h.mock.Observe = func(in executor.Input) {
		if in.NodeID == "transform" {
			transformArgs = in.Args
		}
	}

	executionID := h.submit(t, "examples/linear", map[string]any{"limit": 10})
	h.pump(t, executionID)

	snap := h.status(t, executionID)
	require.True(t, snap.Done())
	require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)
	require.Equal(t, map[string]any{"count": 2}, snap.Results["fetch"])
	require.Equal(t, map[string]any{"inserted": 2}, snap.Results["transform"])

	// Prior step results are addressable by step name at render time. The
	// value crossed the queue as JSON, so numbers arrive as float64.
	require.EqualValues(t, 2, transformArgs["n"])

	events := h.events(t, executionID)
	var fetchSeq []eventlog.Type
	for _, ev := range events {
		if ev.NodeID == "fetch" {
			fetchSeq = append(fetchSeq, ev.Type)
		}
	}
	require.Equal(t, []eventlog.Type{
		eventlog.TypeStepStarted,
		eventlog.TypeActionStarted,
		eventlog.TypeActionCompleted,
		eventlog.TypeStepCompleted,
	}, fetchSeq)

	// The terminal carries every non-reserved step result.
	result := snap.Terminal.Payload[eventlog.KeyResult].(map[string]any)
	require.Contains(t, result, "fetch")
	require.NotContains(t, result, workflow.StartStep)

	for _, job := range h.queue.Snapshot() {
		require.Equal(t, queue.StatusCompleted, job.Status)
	}
}

// TestTrivialRouting completes a playbook of pure routing steps without ever
// touching the queue.
func TestTrivialRouting(t *testing.T) {
	g := buildGraph(t, "examples/trivial",
		routeStep(workflow.StartStep, "route"),
		routeStep("route", workflow.EndStep),
		routeStep(workflow.EndStep),
	)
	h := newHarness(t, []*workflow.Graph{g})

	executionID := h.submit(t, "examples/trivial", nil)
	h.drain(t, executionID)

	snap := h.status(t, executionID)
	require.True(t, snap.Done())
	require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)
	require.Empty(t, h.queue.Snapshot())
}

// TestConditionalRouting evaluates transitions in written order with the step
// result in scope, falling back to the else clause.
func TestConditionalRouting(t *testing.T) {
	check := actionStep("check", workflow.EndStep)
	check.Next = []workflow.Transition{
		{When: "result.ready", Then: []string{"proceed"}},
		{Else: true, Then: []string{"fallback"}},
	}
	g := buildGraph(t, "examples/route",
		routeStep(workflow.StartStep, "check"),
		check,
		routeStep("proceed", workflow.EndStep),
		routeStep("fallback", workflow.EndStep),
		routeStep(workflow.EndStep),
	)

	t.Run("matching condition wins", func(t *testing.T) {
		h := newHarness(t, []*workflow.Graph{g})
		h.mock.Script("check", success(map[string]any{"ready": true}))

		executionID := h.submit(t, "examples/route", nil)
		h.pump(t, executionID)

		snap := h.status(t, executionID)
		require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)
		require.Contains(t, snap.Steps, "proceed")
		require.NotContains(t, snap.Steps, "fallback")
	})

	t.Run("else is the fallback", func(t *testing.T) {
		h := newHarness(t, []*workflow.Graph{g})
		h.mock.Script("check", success(map[string]any{"ready": false}))

		executionID := h.submit(t, "examples/route", nil)
		h.pump(t, executionID)

		snap := h.status(t, executionID)
		require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)
		require.Contains(t, snap.Steps, "fallback")
		require.NotContains(t, snap.Steps, "proceed")
	})
}

// TestDeadEndRouting fails the execution when no transition matches and no
// else exists: a silently stalled branch would otherwise hang the run.
func TestDeadEndRouting(t *testing.T) {
	check := actionStep("check")
	check.Next = []workflow.Transition{
		{When: "result.ready", Then: []string{workflow.EndStep}},
	}
	g := buildGraph(t, "examples/deadend",
		routeStep(workflow.StartStep, "check"),
		check,
		routeStep(workflow.EndStep),
	)

	h := newHarness(t, []*workflow.Graph{g})
	h.mock.Script("check", success(map[string]any{"ready": false}))

	executionID := h.submit(t, "examples/deadend", nil)
	h.pump(t, executionID)

	snap := h.status(t, executionID)
	require.Equal(t, eventlog.TypePlaybookFailed, snap.Terminal.Type)
	require.Equal(t, eventlog.KindValidation, snap.Terminal.Error.Kind)
	require.Contains(t, snap.Terminal.Error.Message, "no transition matched")
}

// TestFailureBranch routes a failed step through its explicit failure
// condition; the handled failure no longer poisons the final verdict.
func TestFailureBranch(t *testing.T) {
	risky := actionStep("risky")
	risky.Next = []workflow.Transition{
		{When: "failed", Then: []string{"cleanup"}},
		{Else: true, Then: []string{workflow.EndStep}},
	}
	g := buildGraph(t, "examples/handled",
		routeStep(workflow.StartStep, "risky"),
		risky,
		routeStep("cleanup", workflow.EndStep),
		routeStep(workflow.EndStep),
	)

	h := newHarness(t, []*workflow.Graph{g})
	h.mock.Script("risky", failure(eventlog.KindDependency, "upstream down", 503))

	executionID := h.submit(t, "examples/handled", nil)
	h.pump(t, executionID)

	snap := h.status(t, executionID)
	require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)
	require.Equal(t, state.StepFailed, snap.Steps["risky"].Status)
	require.Equal(t, state.StepCompleted, snap.Steps["cleanup"].Status)
	require.False(t, snap.HasUnhandledFailure())
}

// TestUnhandledFailure verifies that unconditional and else transitions never
// swallow an error: without an explicit failure condition the execution
// fails.
func TestUnhandledFailure(t *testing.T) {
	risky := actionStep("risky", workflow.EndStep)
	g := buildGraph(t, "examples/unhandled",
		routeStep(workflow.StartStep, "risky"),
		risky,
		routeStep(workflow.EndStep),
	)

	h := newHarness(t, []*workflow.Graph{g})
	h.mock.Script("risky", failure(eventlog.KindDependency, "upstream down", 503))

	executionID := h.submit(t, "examples/unhandled", nil)
	h.pump(t, executionID)

	snap := h.status(t, executionID)
	require.Equal(t, eventlog.TypePlaybookFailed, snap.Terminal.Type)
	require.Equal(t, "risky", snap.FailedStep)
	require.Equal(t, eventlog.KindDependency, snap.Cause.Kind)
	// The failed branch never reached end.
	require.NotContains(t, snap.Steps, workflow.EndStep)
}

// TestCancellation dead-letters queued work and closes the execution with a
// cancelled cause.
func TestCancellation(t *testing.T) {
	g := buildGraph(t, "examples/cancel",
		routeStep(workflow.StartStep, "wait"),
		actionStep("wait", workflow.EndStep),
		routeStep(workflow.EndStep),
	)
	h := newHarness(t, []*workflow.Graph{g})

	executionID := h.submit(t, "examples/cancel", nil)
	h.drain(t, executionID)

	// The action is queued but never leased; cancel must reach it there.
	require.NoError(t, h.engine.Cancel(context.Background(), executionID))

	snap := h.status(t, executionID)
	require.True(t, snap.Done())
	require.Equal(t, eventlog.TypePlaybookFailed, snap.Terminal.Type)
	require.Equal(t, eventlog.KindCancelled, snap.Terminal.Error.Kind)

	jobs := h.queue.Snapshot()
	require.Len(t, jobs, 1)
	require.Equal(t, queue.StatusDead, jobs[0].Status)

	// Cancelling again is a no-op.
	require.NoError(t, h.engine.Cancel(context.Background(), executionID))
}

// TestUnknownPlaybook rejects submission against an unregistered ref.
func TestUnknownPlaybook(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Submit(context.Background(), "ghost/pb", nil)
	require.Error(t, err)
}

// TestRestartIdempotency replays the whole log through a fresh engine with
// empty cursors and requires zero new consequences: every decision is
// re-derived and recognized as already taken.
func TestRestartIdempotency(t *testing.T) {
	g := buildGraph(t, "examples/restart",
		routeStep(workflow.StartStep, "fetch"),
		actionStep("fetch", workflow.EndStep),
		routeStep(workflow.EndStep),
	)
	h := newHarness(t, []*workflow.Graph{g})
	h.mock.Script("fetch", success(map[string]any{"ok": true}))

	executionID := h.submit(t, "examples/restart", nil)
	// Stop mid-flight: decisions made, the action still queued.
	h.drain(t, executionID)
	midEvents := len(h.events(t, executionID))
	midJobs := len(h.queue.Snapshot())
	require.Greater(t, midJobs, 0)

	// A replacement broker over the same storage starts from nothing.
	restarted := broker.New(h.log, h.queue, h.source)
	_, err := restarted.Drain(context.Background(), executionID)
	require.NoError(t, err)
	require.Len(t, h.events(t, executionID), midEvents)
	require.Len(t, h.queue.Snapshot(), midJobs)

	// The replacement finishes the run.
	h.engine = restarted
	h.pump(t, executionID)
	snap := h.status(t, executionID)
	require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)

	// A third full replay after completion adds nothing either.
	final := len(h.events(t, executionID))
	again := broker.New(h.log, h.queue, h.source)
	_, err = again.Drain(context.Background(), executionID)
	require.NoError(t, err)
	require.Len(t, h.events(t, executionID), final)
}

// TestMemLocker pins the process-local lock semantics ProcessOnce relies on.
func TestMemLocker(t *testing.T) {
	locker := broker.NewMemLocker()
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, "exec-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, second, err := locker.TryLock(ctx, "exec-1")
	require.NoError(t, err)
	require.False(t, second)

	_, other, err := locker.TryLock(ctx, "exec-2")
	require.NoError(t, err)
	require.True(t, other)

	release()
	release2, ok, err := locker.TryLock(ctx, "exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	release2()
}

// TestChanNotifier checks wake delivery and the non-blocking drop when the
// buffer is full; the poll loop is the delivery backstop.
func TestChanNotifier(t *testing.T) {
	n := broker.NewChanNotifier(1)
	defer n.Close()
	ctx := context.Background()

	n.Wake(ctx, "exec-1")
	// Buffer full: this wake drops instead of blocking the emitter.
	n.Wake(ctx, "exec-2")

	select {
	case got := <-n.Events():
		require.Equal(t, "exec-1", got)
	default:
		t.Fatal("expected a buffered wake")
	}
}

// TestNoCredentialLeakage runs an authenticated step and scans every event of
// the execution for the secret material.
func TestNoCredentialLeakage(t *testing.T) {
	fetch := &workflow.Step{
		Name: "fetch",
		Kind: workflow.KindHTTP,
		Auth: "api",
		Args: map[string]any{
			"url":     "https://api.test/orders",
			"headers": map[string]any{"Authorization": "Bearer {{ auth.api.token }}"},
		},
		Next: []workflow.Transition{{Then: []string{workflow.EndStep}}},
	}
	g := buildGraph(t, "examples/auth",
		routeStep(workflow.StartStep, "fetch"),
		fetch,
		routeStep(workflow.EndStep),
	)

	resolver := secretsMemory(t)
	h := newHarness(t, []*workflow.Graph{g}, withResolver(resolver))
	h.mock.Script("fetch", success(map[string]any{"ok": true}))

	var seenAuth string
	h.mock.Observe = func(in executor.Input) {
		headers := in.Args["headers"].(map[string]any)
		seenAuth, _ = headers["Authorization"].(string)
	}

	executionID := h.submit(t, "examples/auth", nil)
	h.pump(t, executionID)

	snap := h.status(t, executionID)
	require.Equal(t, eventlog.TypePlaybookCompleted, snap.Terminal.Type)

	// The executor saw the real value.
	require.Equal(t, "Bearer tok-s3cr3t", seenAuth)

	// No event, payload, or error carries it.
	for _, ev := range h.events(t, executionID) {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		require.NotContains(t, string(b), "s3cr3t")
	}
	// Nor does any queue row: args cross the queue unrendered.
	for _, job := range h.queue.Snapshot() {
		require.NotContains(t, string(job.Action), "s3cr3t")
		require.NotContains(t, string(job.Context), "s3cr3t")
	}
}
