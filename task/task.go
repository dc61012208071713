// Package task defines the serialized action a queue job carries from the
// broker to a worker, and the serialized scope it is rendered against.
//
// The broker builds tasks with raw (still templated) args; the worker owns
// rendering, credential resolution, and executor dispatch. Keeping the
// templates unrendered until lease time means credentials never transit the
// queue.
package task

import (
	"encoding/json"
	"fmt"

	"github.com/noetl/noetl-go/workflow"
)

// Purpose distinguishes why a job exists; workers echo it back in action
// events so the broker can route completions.
type Purpose string

const (
	// PurposeAction is a plain step action.
	PurposeAction Purpose = "action"

	// PurposeIteration is one index of a looped step.
	PurposeIteration Purpose = "iteration"

	// PurposePage is a pagination continuation of a step action.
	PurposePage Purpose = "page"

	// PurposeSink is a persistence side-effect at step exit.
	PurposeSink Purpose = "sink"
)

// Task is the serialized action of a queue job.
type Task struct {
	// Step is the workflow step this action belongs to.
	Step string `json:"step"`

	// Kind selects the executor.
	Kind workflow.ToolKind `json:"kind"`

	// Args is the templated argument mapping; rendered by the worker.
	Args map[string]any `json:"args,omitempty"`

	// Auth names the credential key to resolve, empty for none.
	Auth string `json:"auth,omitempty"`

	// Purpose routes the resulting events in the broker.
	Purpose Purpose `json:"purpose"`

	// Attempt is the 1-based attempt number, mirrored from the queue row.
	Attempt int `json:"attempt"`

	// Index and Element are set for iteration tasks; ElementName is the
	// loop's declared binding.
	Index       int    `json:"index,omitempty"`
	Element     any    `json:"element,omitempty"`
	ElementName string `json:"element_name,omitempty"`

	// Page numbers pagination continuations, starting at 2 for the first
	// continuation.
	Page int `json:"page,omitempty"`

	// Overrides are pre-rendered next_call values applied onto the
	// rendered args at dotted paths ("params.page", "body.cursor").
	Overrides map[string]any `json:"overrides,omitempty"`

	// TimeoutMS is the hard per-attempt deadline in milliseconds. Zero
	// means the worker default.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// Encode serializes the task for a queue row.
func (t *Task) Encode() ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return b, nil
}

// Decode deserializes a queue row action.
func Decode(b []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// EncodeContext serializes the variable scope a job renders against.
func EncodeContext(vars map[string]any) ([]byte, error) {
	b, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return b, nil
}

// DecodeContext deserializes a job's variable scope.
func DecodeContext(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var vars map[string]any
	if err := json.Unmarshal(b, &vars); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return vars, nil
}
