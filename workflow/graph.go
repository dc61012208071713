package workflow

import "fmt"

// GraphError reports a structural problem in a workflow graph.
type GraphError struct {
	Message string
	Code    string
}

func (e *GraphError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Graph is an ordered set of steps with a reserved start and end.
//
// Construction is Add-then-Validate: steps may reference targets added
// later, and Validate checks the whole structure once assembly is done.
type Graph struct {
	// Ref identifies the playbook this graph was parsed from (path and
	// version), carried into events for attribution.
	Ref string

	steps map[string]*Step
	order []string
}

// NewGraph creates an empty graph for the given playbook reference.
func NewGraph(ref string) *Graph {
	return &Graph{
		Ref:   ref,
		steps: make(map[string]*Step),
	}
}

// Add registers a step. Step names must be unique.
func (g *Graph) Add(step *Step) error {
	if step == nil {
		return &GraphError{Message: "step cannot be nil"}
	}
	if step.Name == "" {
		return &GraphError{Message: "step name cannot be empty"}
	}
	if _, exists := g.steps[step.Name]; exists {
		return &GraphError{
			Message: "duplicate step name: " + step.Name,
			Code:    "DUPLICATE_STEP",
		}
	}
	g.steps[step.Name] = step
	g.order = append(g.order, step.Name)
	return nil
}

// Step returns the named step, or nil if it does not exist.
func (g *Graph) Step(name string) *Step {
	return g.steps[name]
}

// Steps returns all steps in insertion order.
func (g *Graph) Steps() []*Step {
	out := make([]*Step, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.steps[name])
	}
	return out
}

// Validate checks the structural invariants of the graph:
//
//   - reserved start and end steps exist
//   - every transition target exists
//   - start has no predecessors; end has no successors
//   - looped steps declare a collection and an element name
//   - chunked loops declare a positive chunk size
//
// Cycles through explicit transitions are allowed; the broker bounds them at
// runtime.
func (g *Graph) Validate() error {
	if _, ok := g.steps[StartStep]; !ok {
		return &GraphError{Message: "missing reserved step: start", Code: "NO_START"}
	}
	if _, ok := g.steps[EndStep]; !ok {
		return &GraphError{Message: "missing reserved step: end", Code: "NO_END"}
	}

	for _, name := range g.order {
		step := g.steps[name]

		if name == EndStep && len(step.Next) > 0 {
			return &GraphError{Message: "end step cannot have successors", Code: "END_SUCCESSOR"}
		}

		for _, tr := range step.Next {
			if len(tr.Then) == 0 {
				return &GraphError{
					Message: fmt.Sprintf("step %s: transition with no targets", name),
					Code:    "EMPTY_TRANSITION",
				}
			}
			for _, target := range tr.Then {
				if _, ok := g.steps[target]; !ok {
					return &GraphError{
						Message: fmt.Sprintf("step %s: transition target does not exist: %s", name, target),
						Code:    "UNKNOWN_TARGET",
					}
				}
				if target == StartStep {
					return &GraphError{
						Message: fmt.Sprintf("step %s: start cannot be a transition target", name),
						Code:    "START_PREDECESSOR",
					}
				}
			}
		}

		if step.Loop != nil {
			if step.Loop.Collection == "" {
				return &GraphError{
					Message: fmt.Sprintf("step %s: loop requires a collection expression", name),
					Code:    "LOOP_NO_COLLECTION",
				}
			}
			if step.Loop.Element == "" {
				return &GraphError{
					Message: fmt.Sprintf("step %s: loop requires an element name", name),
					Code:    "LOOP_NO_ELEMENT",
				}
			}
			if step.Loop.ModeOrDefault() == LoopChunked && step.Loop.ChunkSize <= 0 {
				return &GraphError{
					Message: fmt.Sprintf("step %s: chunked loop requires a positive chunk size", name),
					Code:    "LOOP_NO_CHUNK",
				}
			}
		}

		if step.Retry != nil && step.Retry.OnError != nil && step.Retry.OnError.MaxAttempts < 1 {
			return &GraphError{
				Message: fmt.Sprintf("step %s: retry max_attempts must be >= 1", name),
				Code:    "INVALID_RETRY",
			}
		}
	}
	return nil
}
