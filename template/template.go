// Package template builds per-step variable scopes and renders {{ expr }}
// templates over them.
//
// Expressions are compiled and evaluated with expr-lang/expr: pure,
// side-effect free, no I/O. The scope is a plain layered map (workload, prior
// step results by step name, iteration element, event, result/response,
// execution_id) so there is no host-language reflection over arbitrary
// objects.
//
// Credentials live under auth.* and are the only sensitive scope region: any
// rendering whose expressions touch auth is tagged sensitive, and the
// Sensitive wrapper redacts values from every serialization intended for
// events or logs.
package template

import (
	"maps"
)

// Scope is the layered variable scope a step's templates render over.
//
// Later Set/Merge calls shadow earlier ones, mirroring the layering order
// workload -> step results -> iteration element -> event -> result/response.
type Scope struct {
	vars map[string]any
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{vars: make(map[string]any)}
}

// FromMap creates a scope over an existing variable map. The map is copied.
func FromMap(m map[string]any) *Scope {
	s := NewScope()
	s.Merge(m)
	return s
}

// Set binds a single name.
func (s *Scope) Set(name string, value any) *Scope {
	s.vars[name] = value
	return s
}

// Merge binds every entry of m, shadowing existing names.
func (s *Scope) Merge(m map[string]any) *Scope {
	maps.Copy(s.vars, m)
	return s
}

// SetResult records a completed step's result under its step name, making it
// addressable from later steps.
func (s *Scope) SetResult(stepName string, result any) *Scope {
	s.vars[stepName] = result
	return s
}

// Get returns a bound name.
func (s *Scope) Get(name string) (any, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// Clone returns an independent copy. Nested values are shared: scopes treat
// payloads as immutable.
func (s *Scope) Clone() *Scope {
	return FromMap(s.vars)
}

// Vars returns the underlying variable map, for serialization into job
// context. Sensitive regions (auth) must be stripped first; see Redacted.
func (s *Scope) Vars() map[string]any {
	return s.vars
}

// Redacted returns a copy of the variable map with the auth layer replaced
// by redaction markers, safe for logs and event payloads.
func (s *Scope) Redacted() map[string]any {
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		if k == "auth" {
			out[k] = redactAuth(v)
			continue
		}
		out[k] = v
	}
	return out
}

func redactAuth(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return RedactedPlaceholder
	}
	out := make(map[string]any, len(m))
	for alias, fields := range m {
		fm, ok := fields.(map[string]any)
		if !ok {
			out[alias] = RedactedPlaceholder
			continue
		}
		rf := make(map[string]any, len(fm))
		for name := range fm {
			rf[name] = RedactedPlaceholder
		}
		out[alias] = rf
	}
	return out
}
