// Package broker implements the decision core of the engine: the component
// that folds an execution's event log, decides what happens next, emits the
// consequence events, and enqueues the jobs that carry actions to workers.
//
// The broker holds no execution state of its own. Every decision starts from
// a fold of the log, so a broker restart, a replica takeover, or a reprocessed
// event all converge on the same outcome. Idempotency comes from two
// mechanisms: broker-emitted events carry the ID of the event that caused
// them, so reprocessing skips consequences that already exist in the log, and
// queue inserts are deduplicated on (execution_id, node_id, slot, attempt).
package broker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noetl/noetl-go/eventlog"
	"github.com/noetl/noetl-go/queue"
	"github.com/noetl/noetl-go/retry"
	"github.com/noetl/noetl-go/state"
	"github.com/noetl/noetl-go/telemetry"
	"github.com/noetl/noetl-go/workflow"
)

// Defaults are engine-wide fallbacks for per-step settings.
type Defaults struct {
	// Timeout is the per-attempt action deadline when a step declares
	// none.
	Timeout time.Duration

	// MaxDeliveries bounds queue-level redelivery of a single job after
	// lost leases. Zero means unbounded.
	MaxDeliveries int

	// Priority is the queue band for steps that declare none.
	Priority int
}

// Engine is the broker runtime for a set of executions.
type Engine struct {
	log      eventlog.Log
	queue    queue.Queue
	source   GraphSource
	retry    *retry.Controller
	locker   Locker
	wake     Notifier
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	defaults Defaults

	mu      sync.Mutex
	cursors map[string]int64
	active  map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithLocker sets the per-execution locker. Defaults to a process-local one.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithNotifier sets the wake bus. Defaults to an in-process channel.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.wake = n }
}

// WithRetry sets the retry controller, letting tests inject a deterministic
// jitter source.
func WithRetry(c *retry.Controller) Option {
	return func(e *Engine) { e.retry = c }
}

// WithDefaults sets the engine-wide fallbacks.
func WithDefaults(d Defaults) Option {
	return func(e *Engine) { e.defaults = d }
}

// WithMetrics attaches an instrument set.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a broker engine over a log, a queue, and a playbook source.
func New(log eventlog.Log, q queue.Queue, source GraphSource, opts ...Option) *Engine {
	e := &Engine{
		log:    log,
		queue:  q,
		source: source,
		retry:  retry.NewController(nil),
		locker: NewMemLocker(),
		wake:   NewChanNotifier(256),
		logger: zerolog.Nop(),
		defaults: Defaults{
			Timeout:       time.Minute,
			MaxDeliveries: 3,
		},
		cursors: make(map[string]int64),
		active:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit starts a new execution of the referenced playbook and returns its
// execution ID. The playbook_started event is the execution's birth record;
// everything after it flows through ProcessOnce.
func (e *Engine) Submit(ctx context.Context, ref string, workload map[string]any) (string, error) {
	g, err := e.source.Resolve(ref)
	if err != nil {
		return "", err
	}
	if err := g.Validate(); err != nil {
		return "", err
	}

	executionID := uuid.NewString()
	_, err = e.emit(ctx, eventlog.Event{
		ExecutionID: executionID,
		Type:        eventlog.TypePlaybookStarted,
		Payload: map[string]any{
			eventlog.KeyPlaybookRef: ref,
			eventlog.KeyWorkload:    workload,
		},
	})
	if err != nil {
		return "", err
	}

	e.markActive(executionID)
	e.logger.Info().Str("execution_id", executionID).Str("playbook", ref).Msg("execution submitted")
	return executionID, nil
}

// submitChild starts a child execution under a deterministic ID derived from
// the parent coordinates, so a reprocessed launch decision resolves to the
// same child instead of a duplicate.
func (e *Engine) submitChild(ctx context.Context, ref string, workload map[string]any, parentExecution, parentNode string, attempt int) (string, error) {
	g, err := e.source.Resolve(ref)
	if err != nil {
		return "", err
	}
	if err := g.Validate(); err != nil {
		return "", err
	}

	childID := uuid.NewSHA1(uuid.NameSpaceURL,
		[]byte(parentExecution+"/"+parentNode+"/"+strconv.Itoa(attempt))).String()

	if _, err := e.log.Head(ctx, childID); err == nil {
		// Already launched by an earlier pass.
		return childID, nil
	}

	_, err = e.emit(ctx, eventlog.Event{
		ExecutionID: childID,
		Type:        eventlog.TypePlaybookStarted,
		Payload: map[string]any{
			eventlog.KeyPlaybookRef:     ref,
			eventlog.KeyWorkload:        workload,
			eventlog.KeyParentExecution: parentExecution,
			eventlog.KeyParentNode:      parentNode,
		},
	})
	if err != nil {
		return "", err
	}

	e.markActive(childID)
	return childID, nil
}

// Cancel terminates a live execution: children are cancelled first, queued
// jobs are dead-lettered, leased jobs are flagged for their next heartbeat,
// and the execution finalizes as playbook_failed with a cancelled cause.
// Cancelling a finished execution is a no-op.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	snap, err := e.Status(ctx, executionID)
	if err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			return nil
		}
		return err
	}
	if snap.Done() {
		return nil
	}

	for _, child := range snap.Children {
		if err := e.Cancel(ctx, child); err != nil {
			return err
		}
	}
	if err := e.queue.CancelExecution(ctx, executionID); err != nil {
		return err
	}

	_, err = e.emit(ctx, eventlog.Event{
		ExecutionID: executionID,
		Type:        eventlog.TypePlaybookFailed,
		Status:      "error",
		Error:       &eventlog.ErrorInfo{Kind: eventlog.KindCancelled, Message: "execution cancelled"},
	})
	if err != nil {
		return err
	}

	e.logger.Info().Str("execution_id", executionID).Msg("execution cancelled")
	return nil
}

// Status folds the execution's log into its current snapshot.
func (e *Engine) Status(ctx context.Context, executionID string) (*state.Snapshot, error) {
	events, err := e.log.Range(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	return state.Fold(events), nil
}

// proc is the per-pass processing context: the graph, the evolving snapshot,
// and an index of already-emitted consequences keyed by causing event.
type proc struct {
	graph    *workflow.Graph
	snap     *state.Snapshot
	children map[int64][]*eventlog.Event
}

// consequence reports whether an event of the given type for the given node
// was already emitted in response to parentID.
func (p *proc) consequence(parentID int64, typ eventlog.Type, nodeID string) bool {
	for _, ev := range p.children[parentID] {
		if ev.Type == typ && ev.NodeID == nodeID {
			return true
		}
	}
	return false
}

// ProcessOnce handles every unprocessed event of one execution and returns
// how many it handled. Newly emitted events are handled on the next call;
// Drain loops until quiescent.
//
// Processing is serialized per execution via the locker, so replicas sharing
// a log never interleave decisions for the same execution.
func (e *Engine) ProcessOnce(ctx context.Context, executionID string) (int, error) {
	release, ok, err := e.locker.TryLock(ctx, executionID)
	if err != nil || !ok {
		return 0, err
	}
	defer release()

	events, err := e.log.Range(ctx, executionID, 0)
	if err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	e.mu.Lock()
	cursor := e.cursors[executionID]
	e.mu.Unlock()

	p := &proc{children: make(map[int64][]*eventlog.Event)}
	for i := range events {
		if events[i].ParentID > 0 {
			p.children[events[i].ParentID] = append(p.children[events[i].ParentID], &events[i])
		}
	}

	start := 0
	for start < len(events) && events[start].ID <= cursor {
		start++
	}
	p.snap = state.Fold(events[:start])
	if p.snap.PlaybookRef != "" {
		if p.graph, err = e.source.Resolve(p.snap.PlaybookRef); err != nil {
			return 0, err
		}
	}

	processed := 0
	for i := start; i < len(events); i++ {
		ev := &events[i]
		p.snap.Apply(ev)

		if ev.Type == eventlog.TypePlaybookStarted {
			g, resolveErr := e.source.Resolve(p.snap.PlaybookRef)
			if resolveErr != nil {
				// A submitted ref that no longer resolves must not wedge
				// the execution.
				if err := e.failExecution(ctx, p, ev, eventlog.KindValidation, resolveErr.Error()); err != nil {
					return processed, err
				}
				cursor = ev.ID
				processed++
				continue
			}
			p.graph = g
		}

		if err := e.handle(ctx, p, ev); err != nil {
			return processed, err
		}
		cursor = ev.ID
		processed++
	}

	e.mu.Lock()
	e.cursors[executionID] = cursor
	if p.snap.Done() {
		// Finished executions leave the active set so the poll loop stops
		// visiting them. The cursor stays: a stray wake replays nothing.
		delete(e.active, executionID)
	}
	e.mu.Unlock()
	return processed, nil
}

// Drain runs ProcessOnce until the execution has no unprocessed events, and
// returns the total handled. Deterministic tests pump executions with Drain
// instead of racing the Run loop.
func (e *Engine) Drain(ctx context.Context, executionID string) (int, error) {
	total := 0
	for {
		n, err := e.ProcessOnce(ctx, executionID)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// Run is the broker service loop: it drains woken executions, polls the
// active set as a delivery backstop, and reaps expired leases. It blocks
// until the context is cancelled.
func (e *Engine) Run(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case executionID, open := <-e.wake.Events():
			if !open {
				return nil
			}
			e.markActive(executionID)
			if _, err := e.Drain(ctx, executionID); err != nil {
				e.logger.Error().Err(err).Str("execution_id", executionID).Msg("drain failed")
			}

		case <-ticker.C:
			if n, err := e.queue.Reap(ctx); err != nil {
				e.logger.Error().Err(err).Msg("reap failed")
			} else if n > 0 {
				if e.metrics != nil {
					e.metrics.LeasesReaped.Add(float64(n))
				}
				e.logger.Warn().Int("count", n).Msg("expired leases returned to queue")
			}
			for _, executionID := range e.activeList() {
				if _, err := e.Drain(ctx, executionID); err != nil {
					e.logger.Error().Err(err).Str("execution_id", executionID).Msg("drain failed")
				}
			}
		}
	}
}

// emit appends an event and wakes its execution. Appends after a terminal
// event are swallowed: the execution is closed and the late consequence is
// irrelevant by definition.
func (e *Engine) emit(ctx context.Context, ev eventlog.Event) (int64, error) {
	id, err := e.log.Append(ctx, ev)
	if err != nil {
		if errors.Is(err, eventlog.ErrTerminalRecorded) {
			return 0, nil
		}
		return 0, err
	}
	if e.metrics != nil {
		e.metrics.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
	}
	e.wake.Wake(ctx, ev.ExecutionID)
	return id, nil
}

func (e *Engine) markActive(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[executionID] = true
}

func (e *Engine) activeList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.active))
	for id := range e.active {
		out = append(out, id)
	}
	return out
}
