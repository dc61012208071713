// Package workflow defines the in-memory workflow graph the broker executes.
//
// A Graph is the parsed form of a playbook: an ordered set of named steps,
// each with one tool kind, templated args, optional loop/retry/sink specs,
// and a list of conditional transitions. The DSL parser that produces a Graph
// is an external collaborator; this package owns the model and its
// structural invariants.
package workflow

import "time"

// Reserved step names. Every graph enters at StartStep and finalizes at
// EndStep.
const (
	StartStep = "start"
	EndStep   = "end"
)

// ToolKind identifies the executor a step's action is dispatched to.
//
// The set is closed at the orchestration layer: the broker and worker treat
// kinds as opaque registry keys, but loop expansion and child composition
// need to recognize KindIterator and KindChildPlaybook.
type ToolKind string

const (
	KindHTTP          ToolKind = "http"
	KindSQL           ToolKind = "sql"
	KindCode          ToolKind = "code"
	KindSink          ToolKind = "sink"
	KindChildPlaybook ToolKind = "child_playbook"
	KindIterator      ToolKind = "iterator"

	// KindNone marks trivial steps (start/end and pure routing steps) that
	// complete without enqueueing an action.
	KindNone ToolKind = ""
)

// LoopMode controls how iteration jobs are dispatched for a looped step.
type LoopMode string

const (
	// LoopSequential enqueues index 0 only; each iteration_completed
	// enqueues the next index.
	LoopSequential LoopMode = "sequential"

	// LoopParallel enqueues every iteration up front.
	LoopParallel LoopMode = "parallel"

	// LoopChunked enqueues a bounded window and refills it as iterations
	// complete.
	LoopChunked LoopMode = "chunked"
)

// FailPolicy controls how an iterator reacts to a failed iteration.
type FailPolicy string

const (
	// FailFast aborts the iterator and fails the enclosing step on the
	// first iteration failure. Remaining queued iterations are cancelled.
	FailFast FailPolicy = "fail_fast"

	// CollectErrors records the error at its index and still completes the
	// iterator once every iteration has reported.
	CollectErrors FailPolicy = "collect_errors"
)

// CollectStrategy controls how pagination pages are folded into the final
// step result.
type CollectStrategy string

const (
	CollectAppend  CollectStrategy = "append"
	CollectMerge   CollectStrategy = "merge"
	CollectReplace CollectStrategy = "replace"
)

// SinkFailPolicy controls how a sink failure affects the enclosing step.
type SinkFailPolicy string

const (
	// SinkWarn logs the sink failure and completes the step anyway.
	SinkWarn SinkFailPolicy = "warn"

	// SinkFailStep escalates the sink failure to step_failed.
	SinkFailStep SinkFailPolicy = "fail_step"
)

// Step is a named node in the workflow graph.
type Step struct {
	// Name is unique within the graph.
	Name string

	// Kind selects the executor for this step's action. KindNone steps
	// complete immediately without an action.
	Kind ToolKind

	// Args is the templated argument mapping rendered against the step
	// scope before dispatch. String leaves may contain {{ expr }} markers.
	Args map[string]any

	// Auth names a credential key resolved at execution time and exposed
	// to templates under auth.<alias>.<field>. Empty means no credentials.
	Auth string

	// Loop, when set, turns the step into an iterator over a rendered
	// collection.
	Loop *LoopSpec

	// Retry configures error-side retry and success-side pagination.
	Retry *RetrySpec

	// Sink, when set, runs a conditional persistence side-effect against
	// the step result before the step completes.
	Sink *SinkSpec

	// Next lists transitions evaluated in written order on step
	// completion. The first matching When wins; an Else transition is the
	// sentinel when none matched.
	Next []Transition

	// Timeout is the hard deadline for a single action attempt. Zero means
	// the engine default applies.
	Timeout time.Duration

	// Priority is the queue band for this step's jobs. Higher dispatches
	// first.
	Priority int
}

// Trivial reports whether the step completes without enqueueing an action.
func (s *Step) Trivial() bool {
	return s.Kind == KindNone && s.Loop == nil
}

// LoopSpec describes an iterator attached to a step.
type LoopSpec struct {
	// Collection is an expression that must render to a list.
	Collection string

	// Element is the name the current element is bound to in iteration
	// scope.
	Element string

	// Mode selects the dispatch strategy. Defaults to LoopSequential.
	Mode LoopMode

	// Filter is an optional per-element expression; elements rendering
	// false are skipped before the iterator opens.
	Filter string

	// ChunkSize bounds the in-flight window for LoopChunked. Ignored for
	// other modes.
	ChunkSize int

	// OnFailure defaults to FailFast.
	OnFailure FailPolicy
}

// ModeOrDefault returns the configured mode, defaulting to sequential.
func (l *LoopSpec) ModeOrDefault() LoopMode {
	if l.Mode == "" {
		return LoopSequential
	}
	return l.Mode
}

// FailPolicyOrDefault returns the configured failure policy, defaulting to
// fail_fast.
func (l *LoopSpec) FailPolicyOrDefault() FailPolicy {
	if l.OnFailure == "" {
		return FailFast
	}
	return l.OnFailure
}

// Transition is one entry of a step's next list.
type Transition struct {
	// When is a boolean expression over the step scope. Empty with
	// Else=false means "always" (an unconditional transition).
	When string

	// Then lists target step names activated when the transition matches.
	Then []string

	// Else marks the sentinel clause taken when no When matched.
	Else bool
}

// RetrySpec attaches retry behavior to a step. Both sides share a single
// attempt counter visible in the event log.
type RetrySpec struct {
	OnError   *ErrorRetry
	OnSuccess *Pagination
}

// ErrorRetry is the error-side retry policy.
type ErrorRetry struct {
	// When is evaluated against the step scope with error bound to
	// {message, kind, status}. Empty means "retry any error".
	When string

	// MaxAttempts bounds total attempts including the first.
	MaxAttempts int

	// InitialDelay seeds the exponential backoff.
	InitialDelay time.Duration

	// Multiplier grows the delay per attempt. Values below 1 are treated
	// as 1 (constant delay).
	Multiplier float64

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration

	// Jitter adds a random proportion of the delay in [0, Jitter*delay).
	// Zero disables jitter, which keeps tests and replays deterministic.
	Jitter float64

	// StopWhen short-circuits the policy when it renders true, regardless
	// of remaining attempts.
	StopWhen string
}

// Pagination is the success-side retry policy.
type Pagination struct {
	// While is evaluated against the step scope with response bound to the
	// tool output; the step paginates while it renders true.
	While string

	// MaxAttempts bounds total pages fetched. Zero means no bound.
	MaxAttempts int

	// NextCall rewrites the request for the next page.
	NextCall NextCall

	// Collect accumulates the selected response path across pages.
	Collect Collect
}

// NextCall holds expression overrides applied atop the previous request.
type NextCall struct {
	// Params override templated args keys (dotted paths allowed).
	Params map[string]string

	// Body overrides templated body keys.
	Body map[string]string
}

// Collect selects what pagination accumulates and where it lands.
type Collect struct {
	// Strategy defaults to CollectAppend.
	Strategy CollectStrategy

	// Path is a dotted path into the response selecting the page slice.
	Path string

	// Into names the key of the accumulated buffer in the final result.
	Into string
}

// StrategyOrDefault returns the configured strategy, defaulting to append.
func (c Collect) StrategyOrDefault() CollectStrategy {
	if c.Strategy == "" {
		return CollectAppend
	}
	return c.Strategy
}

// SinkSpec is a conditional persistence side-effect evaluated at step exit.
type SinkSpec struct {
	// When gates the sink; empty means always run.
	When string

	// Kind selects the storage executor.
	Kind ToolKind

	// Args is the templated argument mapping for the sink action; result
	// is bound to the step output in its scope.
	Args map[string]any

	// OnError defaults to SinkWarn.
	OnError SinkFailPolicy
}

// FailPolicyOrDefault returns the configured sink policy, defaulting to warn.
func (s *SinkSpec) FailPolicyOrDefault() SinkFailPolicy {
	if s.OnError == "" {
		return SinkWarn
	}
	return s.OnError
}
