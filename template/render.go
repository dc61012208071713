package template

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
)

// Error reports an expression that failed to compile or evaluate. The caller
// decides whether it surfaces as action_failed or step_failed.
type Error struct {
	Expr  string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("template_error: %q: %v", e.Expr, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// filters are the explicit helper functions available inside expressions.
// They are pure; nothing here performs I/O.
func filters() map[string]any {
	return map[string]any{
		"tojson": func(v any) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
		"b64encode": func(s string) string {
			return base64.StdEncoding.EncodeToString([]byte(s))
		},
		"b64decode": func(s string) (string, error) {
			b, err := base64.StdEncoding.DecodeString(s)
			return string(b), err
		},
		"replace": func(s, old, new string) string {
			return strings.ReplaceAll(s, old, new)
		},
		"default": func(v, d any) any {
			if v == nil {
				return d
			}
			if s, ok := v.(string); ok && s == "" {
				return d
			}
			return v
		},
		"length": func(v any) int {
			switch t := v.(type) {
			case nil:
				return 0
			case string:
				return len(t)
			case []any:
				return len(t)
			case map[string]any:
				return len(t)
			default:
				return 0
			}
		},
		"keys": func(m map[string]any) []any {
			out := make([]any, 0, len(m))
			for k := range m {
				out = append(out, k)
			}
			return out
		},
		"values": func(m map[string]any) []any {
			out := make([]any, 0, len(m))
			for _, v := range m {
				out = append(out, v)
			}
			return out
		},
		// list coerces anything to a slice: slices pass through, maps
		// yield their values in key order, scalars wrap, nil is empty.
		"list": func(v any) []any {
			switch t := v.(type) {
			case nil:
				return []any{}
			case []any:
				return t
			case map[string]any:
				names := make([]string, 0, len(t))
				for k := range t {
					names = append(names, k)
				}
				sort.Strings(names)
				out := make([]any, 0, len(t))
				for _, k := range names {
					out = append(out, t[k])
				}
				return out
			default:
				return []any{v}
			}
		},
	}
}

func env(scope *Scope) map[string]any {
	out := make(map[string]any)
	for name, fn := range filters() {
		out[name] = fn
	}
	for k, v := range scope.Vars() {
		out[k] = v
	}
	return out
}

// Eval evaluates a single expression against the scope and returns its
// value. Failures surface as *Error.
func Eval(src string, scope *Scope) (any, error) {
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, &Error{Expr: src, Cause: err}
	}
	out, err := expr.Run(program, env(scope))
	if err != nil {
		return nil, &Error{Expr: src, Cause: err}
	}
	return out, nil
}

// EvalBool evaluates an expression and coerces the result to a boolean:
// booleans as-is, nil false, numbers by != 0, strings by non-emptiness.
// An empty expression is false.
func EvalBool(src string, scope *Scope) (bool, error) {
	if strings.TrimSpace(src) == "" {
		return false, nil
	}
	v, err := Eval(src, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy applies the engine's boolean coercion rules.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// RenderString renders a template string against the scope.
//
// A template that is exactly one {{ expr }} marker returns the evaluated
// value with its type preserved. Mixed text renders each marker and
// concatenates string forms; a missing path renders as the empty string in
// that context. The sensitive flag reports whether any marker referenced the
// auth.* region.
func RenderString(tmpl string, scope *Scope) (any, bool, error) {
	if !strings.Contains(tmpl, openMarker) {
		return tmpl, false, nil
	}

	sensitive := false

	// Whole-string marker: preserve the value's type.
	if inner, ok := soleMarker(tmpl); ok {
		sensitive = referencesAuth(inner)
		v, err := Eval(inner, scope)
		if err != nil {
			return nil, sensitive, err
		}
		return v, sensitive, nil
	}

	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, openMarker)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		rest = rest[start+len(openMarker):]

		end := strings.Index(rest, closeMarker)
		if end < 0 {
			return nil, sensitive, &Error{Expr: tmpl, Cause: fmt.Errorf("unterminated %s marker", openMarker)}
		}
		inner := strings.TrimSpace(rest[:end])
		rest = rest[end+len(closeMarker):]

		if referencesAuth(inner) {
			sensitive = true
		}
		v, err := Eval(inner, scope)
		if err != nil {
			// Missing paths render empty in string context; anything
			// else is a template error.
			if isFetchError(err) {
				continue
			}
			return nil, sensitive, err
		}
		b.WriteString(Stringify(v))
	}
	return b.String(), sensitive, nil
}

// RenderMapping recursively renders every string leaf of a mapping. The
// sensitive flag is true when any leaf touched auth.*.
func RenderMapping(m map[string]any, scope *Scope) (map[string]any, bool, error) {
	if m == nil {
		return nil, false, nil
	}
	out := make(map[string]any, len(m))
	sensitive := false
	for k, v := range m {
		rv, s, err := RenderValue(v, scope)
		if err != nil {
			return nil, sensitive || s, err
		}
		if s {
			sensitive = true
		}
		out[k] = rv
	}
	return out, sensitive, nil
}

// RenderValue renders strings, and recurses into maps and lists. Other
// values pass through unchanged.
func RenderValue(v any, scope *Scope) (any, bool, error) {
	switch t := v.(type) {
	case string:
		return RenderString(t, scope)
	case map[string]any:
		return RenderMapping(t, scope)
	case []any:
		out := make([]any, len(t))
		sensitive := false
		for i, item := range t {
			rv, s, err := RenderValue(item, scope)
			if err != nil {
				return nil, sensitive || s, err
			}
			if s {
				sensitive = true
			}
			out[i] = rv
		}
		return out, sensitive, nil
	default:
		return v, false, nil
	}
}

// Stringify converts a rendered value to its string-context form. nil is the
// empty string; composites serialize as JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool, int, int64, float64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func soleMarker(tmpl string) (string, bool) {
	trimmed := strings.TrimSpace(tmpl)
	if !strings.HasPrefix(trimmed, openMarker) || !strings.HasSuffix(trimmed, closeMarker) {
		return "", false
	}
	inner := trimmed[len(openMarker) : len(trimmed)-len(closeMarker)]
	// Reject "{{ a }} and {{ b }}" which also has the prefix and suffix.
	if strings.Contains(inner, closeMarker) {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// referencesAuth reports whether the expression mentions the auth scope
// region as a standalone identifier.
func referencesAuth(src string) bool {
	for i := 0; i+4 <= len(src); i++ {
		if src[i:i+4] != "auth" {
			continue
		}
		beforeOK := i == 0 || !isIdentChar(src[i-1])
		afterOK := i+4 == len(src) || !isIdentChar(src[i+4])
		if beforeOK && afterOK {
			return true
		}
	}
	return false
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// isFetchError distinguishes missing-path evaluation failures (nil fetch,
// out-of-range index) from genuine template errors.
func isFetchError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "cannot fetch") ||
		strings.Contains(msg, "cannot get") ||
		strings.Contains(msg, "index out of range")
}
