// Package executor defines the plugin contract actions are dispatched
// through, and the registry mapping tool kinds to implementations.
//
// Executors are opaque to the orchestration core: they receive rendered
// args and ephemeral credentials, perform their side effects, and return a
// normalized envelope. Workers forward envelope data without interpreting
// it. Executors must be re-entrant and honor context cancellation.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/noetl/noetl-go/eventlog"
	"github.com/noetl/noetl-go/workflow"
)

// Input is the invocation a worker hands to an executor.
type Input struct {
	ExecutionID string
	NodeID      string
	Kind        workflow.ToolKind

	// Args is the fully rendered argument mapping.
	Args map[string]any

	// Auth holds revealed credential fields by alias. Ephemeral: never
	// logged, never serialized into events.
	Auth map[string]map[string]string

	// Deadline is the hard per-attempt deadline; the worker also enforces
	// it via context.
	Deadline time.Time
}

// Meta carries executor-reported measurements.
type Meta struct {
	Iterations int   `json:"iterations,omitempty"`
	Attempts   int   `json:"attempts,omitempty"`
	ElapsedMS  int64 `json:"elapsed_ms"`
}

// Envelope is the normalized executor result.
type Envelope struct {
	// Status is "success" or "error".
	Status string `json:"status"`

	// Data is the tool output, forwarded verbatim.
	Data any `json:"data,omitempty"`

	Meta *Meta `json:"meta,omitempty"`

	// Error is set when Status is "error".
	Error *eventlog.ErrorInfo `json:"error,omitempty"`
}

// StatusSuccess and StatusError are the envelope status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Success builds a success envelope.
func Success(data any, meta *Meta) Envelope {
	return Envelope{Status: StatusSuccess, Data: data, Meta: meta}
}

// Fail builds an error envelope.
func Fail(kind, message string, status int) Envelope {
	return Envelope{
		Status: StatusError,
		Error:  &eventlog.ErrorInfo{Kind: kind, Message: message, Status: status},
	}
}

// Executor is the single-method plugin contract. Cancellation flows through
// ctx; implementations return a cancelled envelope rather than blocking.
type Executor interface {
	Execute(ctx context.Context, in Input) Envelope
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, in Input) Envelope

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, in Input) Envelope {
	return f(ctx, in)
}

// Registry maps tool kinds to executor implementations.
type Registry struct {
	mu sync.RWMutex
	m  map[workflow.ToolKind]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[workflow.ToolKind]Executor)}
}

// Register binds a kind to an implementation, replacing any previous
// binding.
func (r *Registry) Register(kind workflow.ToolKind, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[kind] = ex
}

// Lookup returns the executor for a kind.
func (r *Registry) Lookup(kind workflow.ToolKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.m[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for tool kind %q", kind)
	}
	return ex, nil
}
