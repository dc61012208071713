// Package worker implements the lease-based worker runtime: lease jobs from
// the queue, render their templates, resolve credentials, dispatch the
// executor, and report results as events.
//
// A worker owns nothing durable. Its lease is the only claim it holds, and a
// lost lease means the job already belongs to someone else: the worker
// abandons it without emitting events or touching the queue row. Everything
// the worker writes to the event log is attributed to its job's step, and
// credential material never leaves the process in any serialized form.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noetl/noetl-go/eventlog"
	"github.com/noetl/noetl-go/executor"
	"github.com/noetl/noetl-go/queue"
	"github.com/noetl/noetl-go/secrets"
	"github.com/noetl/noetl-go/task"
	"github.com/noetl/noetl-go/telemetry"
	"github.com/noetl/noetl-go/template"
)

// Waker wakes broker processing for an execution after the worker appends
// events. Any broker notifier satisfies it.
type Waker interface {
	Wake(ctx context.Context, executionID string)
}

type nopWaker struct{}

func (nopWaker) Wake(context.Context, string) {}

// Worker leases and runs jobs.
type Worker struct {
	id       string
	queue    queue.Queue
	log      eventlog.Log
	registry *executor.Registry
	resolver secrets.Resolver
	wake     Waker
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	batch      int
	visibility time.Duration
	timeout    time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithID overrides the generated worker ID.
func WithID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// WithLogger sets the worker logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithResolver sets the credential resolver. Without one, steps that declare
// auth fail with a validation error.
func WithResolver(r secrets.Resolver) Option {
	return func(w *Worker) { w.resolver = r }
}

// WithWaker sets the broker wake bus.
func WithWaker(wk Waker) Option {
	return func(w *Worker) { w.wake = wk }
}

// WithBatch sets how many jobs one lease call claims.
func WithBatch(n int) Option {
	return func(w *Worker) { w.batch = n }
}

// WithVisibility sets the lease visibility window. Heartbeats run at a third
// of it.
func WithVisibility(d time.Duration) Option {
	return func(w *Worker) { w.visibility = d }
}

// WithTimeout sets the default per-attempt deadline for tasks that declare
// none.
func WithTimeout(d time.Duration) Option {
	return func(w *Worker) { w.timeout = d }
}

// WithMetrics attaches an instrument set.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithTracer opens a span around each executor invocation. Without one no
// spans are created.
func WithTracer(tr trace.Tracer) Option {
	return func(w *Worker) { w.tracer = tr }
}

// New creates a worker over a queue, an event log, and an executor registry.
func New(q queue.Queue, log eventlog.Log, registry *executor.Registry, opts ...Option) *Worker {
	w := &Worker{
		id:         "worker-" + uuid.NewString()[:8],
		queue:      q,
		log:        log,
		registry:   registry,
		wake:       nopWaker{},
		logger:     zerolog.Nop(),
		batch:      4,
		visibility: 30 * time.Second,
		timeout:    time.Minute,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's lease identity.
func (w *Worker) ID() string {
	return w.id
}

// RunOnce leases up to one batch of jobs, runs them to completion in order,
// and returns how many it ran. Deterministic tests pump workers with RunOnce.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.queue.Lease(ctx, w.id, w.batch, w.visibility)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		w.process(ctx, &jobs[i])
	}
	return len(jobs), nil
}

// Run is the worker service loop: lease, run, idle briefly when the queue is
// empty. It blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	for {
		n, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error().Err(err).Msg("lease failed")
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(poll):
			}
		}
	}
}

// process runs a single leased job end to end.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	logger := w.logger.With().
		Str("worker_id", w.id).
		Str("execution_id", job.ExecutionID).
		Str("step", job.NodeID).
		Int64("queue_id", job.QueueID).
		Logger()

	t, err := task.Decode(job.Action)
	if err != nil {
		logger.Error().Err(err).Msg("undecodable task")
		_ = w.queue.Fail(ctx, job.QueueID, false, 0)
		return
	}

	// Heartbeat for the duration of the job. A lost lease cancels the
	// executor and suppresses all reporting; a cancel signal cancels the
	// executor but still reports, so the broker sees the cancelled attempt.
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var lost, cancelled atomic.Bool
	stopBeat := w.startHeartbeat(jobCtx, job, &lost, &cancelled, cancel)
	defer stopBeat()

	env, report := w.execute(jobCtx, job, t, &cancelled)
	if lost.Load() {
		logger.Warn().Msg("lease lost, abandoning job")
		return
	}
	if !report {
		return
	}

	if err := w.report(ctx, job, t, env); err != nil {
		logger.Error().Err(err).Msg("report failed")
		return
	}
	if err := w.queue.Complete(ctx, job.QueueID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		logger.Error().Err(err).Msg("complete failed")
	}
	if w.metrics != nil {
		w.metrics.JobsCompleted.WithLabelValues(env.Status).Inc()
	}
	w.wake.Wake(ctx, job.ExecutionID)
}

// startHeartbeat extends the lease at a third of the visibility window until
// stopped. It flips lost or cancelled and cancels the job context when the
// queue says so.
func (w *Worker) startHeartbeat(ctx context.Context, job *queue.Job, lost, cancelled *atomic.Bool, cancel context.CancelFunc) func() {
	interval := w.visibility / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				signal, err := w.queue.Heartbeat(ctx, job.QueueID, w.id, w.visibility)
				if err != nil {
					continue
				}
				switch signal {
				case queue.SignalLost:
					lost.Store(true)
					cancel()
					return
				case queue.SignalCancel:
					cancelled.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// execute renders the task and dispatches its executor. The second return
// reports whether the outcome should be written back; a false means the
// caller already handled it (nothing to report).
func (w *Worker) execute(ctx context.Context, job *queue.Job, t *task.Task, cancelled *atomic.Bool) (executor.Envelope, bool) {
	vars, err := task.DecodeContext(job.Context)
	if err != nil {
		return executor.Fail(eventlog.KindValidation, "undecodable job context: "+err.Error(), 0), true
	}
	scope := template.FromMap(vars)
	scope.Set("attempt", t.Attempt)
	if t.Purpose == task.PurposeIteration && t.ElementName != "" {
		scope.Set(t.ElementName, t.Element)
		scope.Set("index", t.Index)
	}

	// The attempt record comes first: the broker counts action_started
	// events as attempts, and a failed credential lookup or render is an
	// attempt too.
	if t.Purpose != task.PurposeSink {
		if err := w.emitActionStarted(ctx, job, t); err != nil {
			w.logger.Error().Err(err).Msg("emit action_started failed")
			return executor.Envelope{}, false
		}
	}

	auth, envlp, ok := w.resolveAuth(ctx, t, scope)
	if !ok {
		return envlp, true
	}

	args, _, err := template.RenderMapping(t.Args, scope)
	if err != nil {
		return executor.Fail(eventlog.KindTemplateError, err.Error(), 0), true
	}
	for path, value := range t.Overrides {
		setPath(args, path, value)
	}

	ex, err := w.registry.Lookup(t.Kind)
	if err != nil {
		return executor.Fail(eventlog.KindValidation, err.Error(), 0), true
	}

	timeout := w.timeout
	if t.TimeoutMS > 0 {
		timeout = time.Duration(t.TimeoutMS) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	execCtx, span := w.startSpan(execCtx, job, t)
	env := w.safeExecute(execCtx, ex, executor.Input{
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		Kind:        t.Kind,
		Args:        args,
		Auth:        auth,
		Deadline:    started.Add(timeout),
	})
	if w.metrics != nil {
		w.metrics.ActionDuration.WithLabelValues(string(t.Kind)).
			Observe(time.Since(started).Seconds())
	}

	// Normalize context outcomes the executor may have surfaced loosely.
	if env.Status == executor.StatusError && env.Error != nil {
		switch {
		case cancelled.Load():
			env.Error.Kind = eventlog.KindCancelled
		case execCtx.Err() == context.DeadlineExceeded && env.Error.Kind != eventlog.KindTimeout:
			env.Error.Kind = eventlog.KindTimeout
		}
	}
	w.endSpan(span, env)
	return env, true
}

// startSpan opens the executor span when a tracer is configured. A nil span
// means tracing is off.
func (w *Worker) startSpan(ctx context.Context, job *queue.Job, t *task.Task) (context.Context, trace.Span) {
	if w.tracer == nil {
		return ctx, nil
	}
	return w.tracer.Start(ctx, "execute "+string(t.Kind),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("noetl.execution_id", job.ExecutionID),
			attribute.String("noetl.step", job.NodeID),
			attribute.String("noetl.kind", string(t.Kind)),
			attribute.Int("noetl.attempt", t.Attempt),
		))
}

func (w *Worker) endSpan(span trace.Span, env executor.Envelope) {
	if span == nil {
		return
	}
	if env.Status == executor.StatusSuccess {
		span.SetStatus(codes.Ok, "")
	} else {
		msg := "executor failed"
		if env.Error != nil {
			msg = env.Error.Message
			span.SetAttributes(attribute.String("noetl.error_kind", string(env.Error.Kind)))
		}
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}

// safeExecute converts an executor panic into an executor_exception envelope
// instead of taking the worker down.
func (w *Worker) safeExecute(ctx context.Context, ex executor.Executor, in executor.Input) (env executor.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			env = executor.Fail(eventlog.KindExecutorException, fmt.Sprintf("executor panic: %v", r), 0)
		}
	}()
	return ex.Execute(ctx, in)
}

// resolveAuth resolves the task's credential key and binds it for rendering.
// The revealed map goes to the executor only; the scope binding carries the
// values for template use and is never serialized.
func (w *Worker) resolveAuth(ctx context.Context, t *task.Task, scope *template.Scope) (map[string]map[string]string, executor.Envelope, bool) {
	if t.Auth == "" {
		return nil, executor.Envelope{}, true
	}
	if w.resolver == nil {
		return nil, executor.Fail(eventlog.KindValidation,
			"step declares auth but no credential resolver is configured", 0), false
	}

	cred, err := w.resolver.Resolve(ctx, t.Auth)
	if err != nil {
		kind := eventlog.KindDependency
		if errors.Is(err, secrets.ErrNotFound) {
			kind = eventlog.KindValidation
		}
		return nil, executor.Fail(kind, "resolve credential "+t.Auth+": "+err.Error(), 0), false
	}

	revealed := cred.Reveal()
	fields := make(map[string]any, len(revealed))
	for name, value := range revealed {
		fields[name] = value
	}
	scope.Set("auth", map[string]any{t.Auth: fields})
	return map[string]map[string]string{t.Auth: revealed}, executor.Envelope{}, true
}

func (w *Worker) emitActionStarted(ctx context.Context, job *queue.Job, t *task.Task) error {
	_, err := w.log.Append(ctx, eventlog.Event{
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		Type:        eventlog.TypeActionStarted,
		Payload:     w.attribution(t),
	})
	if errors.Is(err, eventlog.ErrTerminalRecorded) {
		return nil
	}
	return err
}

// report writes the outcome event. Sink jobs report as sink_completed or
// sink_failed; everything else as action_completed or action_failed.
func (w *Worker) report(ctx context.Context, job *queue.Job, t *task.Task, env executor.Envelope) error {
	payload := w.attribution(t)

	ev := eventlog.Event{
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		Payload:     payload,
	}
	success := env.Status == executor.StatusSuccess
	if success {
		ev.Status = "success"
		payload[eventlog.KeyResult] = env.Data
	} else {
		ev.Status = "error"
		ev.Error = env.Error
		if ev.Error == nil {
			ev.Error = &eventlog.ErrorInfo{
				Kind:    eventlog.KindExecutorException,
				Message: "executor returned error without detail",
			}
		}
	}

	if t.Purpose == task.PurposeSink {
		ev.Type = eventlog.TypeSinkCompleted
		if !success {
			ev.Type = eventlog.TypeSinkFailed
		}
	} else {
		ev.Type = eventlog.TypeActionCompleted
		if !success {
			ev.Type = eventlog.TypeActionFailed
		}
	}

	_, err := w.log.Append(ctx, ev)
	if errors.Is(err, eventlog.ErrTerminalRecorded) {
		return nil
	}
	return err
}

// attribution echoes the task identity into event payloads so the broker can
// route the result without consulting the queue.
func (w *Worker) attribution(t *task.Task) map[string]any {
	payload := map[string]any{
		eventlog.KeyPurpose: string(t.Purpose),
		eventlog.KeyAttempt: t.Attempt,
	}
	if t.Purpose == task.PurposeIteration {
		payload[eventlog.KeyIndex] = t.Index
	}
	if t.Page > 0 {
		payload[eventlog.KeyPage] = t.Page
	}
	return payload
}

// setPath assigns into a nested map at a dotted path, creating intermediate
// maps as needed.
func setPath(m map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	current := m
	for i, seg := range segs {
		if i == len(segs)-1 {
			current[seg] = value
			return
		}
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[seg] = next
		}
		current = next
	}
}
