package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl-go/broker"
	"github.com/noetl/noetl-go/eventlog"
	"github.com/noetl/noetl-go/executor"
	"github.com/noetl/noetl-go/queue"
	"github.com/noetl/noetl-go/secrets"
	"github.com/noetl/noetl-go/state"
	"github.com/noetl/noetl-go/worker"
	"github.com/noetl/noetl-go/workflow"
)

// testClock drives the queue's notion of time so retry backoff elapses
// without sleeping.
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

// harness wires an engine and a worker over shared in-memory storage, with a
// scripted executor behind every tool kind.
type harness struct {
	log    *eventlog.MemLog
	queue  *queue.MemQueue
	source *broker.MapSource
	engine *broker.Engine
	mock   *executor.Mock
	worker *worker.Worker
	clock  *testClock
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	batch    int
	resolver secrets.Resolver
}

func withBatch(n int) harnessOption {
	return func(c *harnessConfig) { c.batch = n }
}

func withResolver(r secrets.Resolver) harnessOption {
	return func(c *harnessConfig) { c.resolver = r }
}

func newHarness(t *testing.T, graphs []*workflow.Graph, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{batch: 8}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		log:    eventlog.NewMemLog(),
		queue:  queue.NewMemQueue(),
		source: broker.NewMapSource(),
		mock:   executor.NewMock(),
		clock:  newTestClock(),
	}
	h.queue.SetClock(h.clock.Now)

	for _, g := range graphs {
		require.NoError(t, h.source.Register(g))
	}

	registry := executor.NewRegistry()
	registry.Register(workflow.KindHTTP, h.mock)
	registry.Register(workflow.KindSQL, h.mock)
	registry.Register(workflow.KindSink, h.mock)
	registry.Register(workflow.KindCode, h.mock)

	h.engine = broker.New(h.log, h.queue, h.source)

	workerOpts := []worker.Option{worker.WithBatch(cfg.batch)}
	if cfg.resolver != nil {
		workerOpts = append(workerOpts, worker.WithResolver(cfg.resolver))
	}
	h.worker = worker.New(h.queue, h.log, registry, workerOpts...)
	return h
}

// submit starts an execution and returns its ID.
func (h *harness) submit(t *testing.T, ref string, workload map[string]any) string {
	t.Helper()
	executionID, err := h.engine.Submit(context.Background(), ref, workload)
	require.NoError(t, err)
	return executionID
}

// drain pumps the broker for the given executions until quiescent.
func (h *harness) drain(t *testing.T, executionIDs ...string) {
	t.Helper()
	for _, id := range executionIDs {
		_, err := h.engine.Drain(context.Background(), id)
		require.NoError(t, err)
	}
}

// pump alternates broker drains and worker batches until every listed
// execution reaches a terminal event. Stalls advance the queue clock so
// delayed retries become leasable.
func (h *harness) pump(t *testing.T, executionIDs ...string) {
	t.Helper()
	ctx := context.Background()

	for round := 0; round < 200; round++ {
		moved := 0
		for _, id := range executionIDs {
			n, err := h.engine.Drain(ctx, id)
			require.NoError(t, err)
			moved += n
		}
		n, err := h.worker.RunOnce(ctx)
		require.NoError(t, err)
		moved += n

		if moved > 0 {
			continue
		}
		if h.allDone(t, executionIDs) {
			return
		}
		// Nothing ran and nothing is finished: a delayed job must be
		// waiting on the clock.
		h.clock.Advance(5 * time.Second)
	}
	t.Fatal("executions did not settle")
}

func (h *harness) allDone(t *testing.T, executionIDs []string) bool {
	t.Helper()
	for _, id := range executionIDs {
		snap, err := h.engine.Status(context.Background(), id)
		if err != nil || !snap.Done() {
			return false
		}
	}
	return true
}

// status folds the execution's log.
func (h *harness) status(t *testing.T, executionID string) *state.Snapshot {
	t.Helper()
	snap, err := h.engine.Status(context.Background(), executionID)
	require.NoError(t, err)
	return snap
}

// events returns the full event sequence of an execution.
func (h *harness) events(t *testing.T, executionID string) []eventlog.Event {
	t.Helper()
	events, err := h.log.Range(context.Background(), executionID, 0)
	require.NoError(t, err)
	return events
}

func countType(events []eventlog.Event, typ eventlog.Type) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func eventsOfType(events []eventlog.Event, typ eventlog.Type) []eventlog.Event {
	var out []eventlog.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Graph construction helpers shared by the scenario tests.

// routeStep is a trivial step with unconditional transitions.
func routeStep(name string, targets ...string) *workflow.Step {
	s := &workflow.Step{Name: name}
	if len(targets) > 0 {
		s.Next = []workflow.Transition{{Then: targets}}
	}
	return s
}

// actionStep is an http-kind step with unconditional transitions.
func actionStep(name string, targets ...string) *workflow.Step {
	s := &workflow.Step{Name: name, Kind: workflow.KindHTTP, Args: map[string]any{"url": "https://api.test/" + name}}
	if len(targets) > 0 {
		s.Next = []workflow.Transition{{Then: targets}}
	}
	return s
}

func buildGraph(t *testing.T, ref string, steps ...*workflow.Step) *workflow.Graph {
	t.Helper()
	g := workflow.NewGraph(ref)
	for _, s := range steps {
		require.NoError(t, g.Add(s))
	}
	require.NoError(t, g.Validate())
	return g
}

// secretsMemory is a resolver preloaded with the credential the auth tests
// use.
func secretsMemory(t *testing.T) *secrets.Memory {
	t.Helper()
	m := secrets.NewMemory()
	m.Put("api", "api_key", map[string]string{"token": "tok-s3cr3t"})
	return m
}

func success(data any) executor.Envelope {
	return executor.Success(data, nil)
}

func failure(kind, message string, status int) executor.Envelope {
	return executor.Fail(kind, message, status)
}
