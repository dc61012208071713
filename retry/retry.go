// Package retry evaluates a step's retry policy on both sides of an action:
// error-side retry with exponential backoff, and success-side pagination
// with request rewriting and page accumulation.
//
// Both sides share a single attempt counter, visible in the event log as the
// count of action_started events for the step.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/noetl/noetl-go/template"
	"github.com/noetl/noetl-go/workflow"
)

// Decision is the error-side outcome.
type Decision struct {
	// Retry requests a new attempt after Delay.
	Retry bool

	// Delay is the backoff before the next attempt.
	Delay time.Duration

	// Reason explains a negative decision ("attempts exhausted",
	// "stop_when matched", "policy did not match").
	Reason string
}

// Controller evaluates retry policies. The jitter source is injectable so
// tests and replays stay deterministic.
type Controller struct {
	rng *rand.Rand
}

// NewController creates a controller with the given jitter source. A nil rng
// disables jitter regardless of policy.
func NewController(rng *rand.Rand) *Controller {
	return &Controller{rng: rng}
}

// DecideError evaluates the error-side policy after a failed attempt.
//
// The scope must carry error bound to {message, kind, status}. attempts is
// the number of attempts already made (including the failed one).
func (c *Controller) DecideError(policy *workflow.ErrorRetry, attempts int, scope *template.Scope) (Decision, error) {
	if policy == nil {
		return Decision{Reason: "no policy"}, nil
	}

	if policy.When != "" {
		match, err := template.EvalBool(policy.When, scope)
		if err != nil {
			return Decision{}, fmt.Errorf("evaluate retry condition: %w", err)
		}
		if !match {
			return Decision{Reason: "policy did not match"}, nil
		}
	}

	if policy.StopWhen != "" {
		stop, err := template.EvalBool(policy.StopWhen, scope)
		if err != nil {
			return Decision{}, fmt.Errorf("evaluate stop condition: %w", err)
		}
		if stop {
			return Decision{Reason: "stop_when matched"}, nil
		}
	}

	if attempts >= policy.MaxAttempts {
		return Decision{Reason: "attempts exhausted"}, nil
	}

	return Decision{Retry: true, Delay: c.backoff(policy, attempts)}, nil
}

// backoff computes min(maxDelay, initial * multiplier^(attempts-1)) with
// optional proportional jitter.
func (c *Controller) backoff(policy *workflow.ErrorRetry, attempts int) time.Duration {
	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(policy.InitialDelay) * math.Pow(multiplier, float64(attempts-1))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	if policy.Jitter > 0 && c.rng != nil {
		delay += c.rng.Float64() * policy.Jitter * delay
	}
	return time.Duration(delay)
}

// PageDecision is the success-side outcome.
type PageDecision struct {
	// Continue requests another page.
	Continue bool

	// Params and Body are the rendered next_call overrides applied atop
	// the previous request.
	Params map[string]any
	Body   map[string]any
}

// DecidePagination evaluates the success-side policy after a completed
// attempt. The scope must carry response bound to the tool output. attempts
// counts pages fetched so far.
func (c *Controller) DecidePagination(policy *workflow.Pagination, attempts int, scope *template.Scope) (PageDecision, error) {
	if policy == nil {
		return PageDecision{}, nil
	}

	more, err := template.EvalBool(policy.While, scope)
	if err != nil {
		return PageDecision{}, fmt.Errorf("evaluate pagination condition: %w", err)
	}
	if !more {
		return PageDecision{}, nil
	}
	if policy.MaxAttempts > 0 && attempts >= policy.MaxAttempts {
		return PageDecision{}, nil
	}

	decision := PageDecision{Continue: true}
	if decision.Params, err = renderOverrides(policy.NextCall.Params, scope); err != nil {
		return PageDecision{}, err
	}
	if decision.Body, err = renderOverrides(policy.NextCall.Body, scope); err != nil {
		return PageDecision{}, err
	}
	return decision, nil
}

func renderOverrides(overrides map[string]string, scope *template.Scope) (map[string]any, error) {
	if len(overrides) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(overrides))
	for key, src := range overrides {
		v, err := template.Eval(src, scope)
		if err != nil {
			return nil, fmt.Errorf("render next_call override %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// Aggregate folds the per-page results into the final step result according
// to the collect spec.
//
// With strategy append, the selected path of each page is concatenated in
// page order into the into buffer. merge deep-merges selected maps. replace
// keeps the last page's selection. The buffer lands under collect.into atop
// the last page's result.
func Aggregate(policy *workflow.Pagination, pages []any) (any, error) {
	if policy == nil || len(pages) == 0 {
		if len(pages) > 0 {
			return pages[len(pages)-1], nil
		}
		return nil, nil
	}

	collect := policy.Collect
	var buffer any

	switch collect.StrategyOrDefault() {
	case workflow.CollectAppend:
		var list []any
		for _, page := range pages {
			sel := selectPath(page, collect.Path)
			if sel == nil {
				continue
			}
			items, ok := sel.([]any)
			if !ok {
				return nil, fmt.Errorf("collect path %q did not select a list", collect.Path)
			}
			list = append(list, items...)
		}
		buffer = list

	case workflow.CollectMerge:
		merged := make(map[string]any)
		for _, page := range pages {
			sel, ok := selectPath(page, collect.Path).(map[string]any)
			if !ok {
				continue
			}
			for k, v := range sel {
				merged[k] = v
			}
		}
		buffer = merged

	case workflow.CollectReplace:
		buffer = selectPath(pages[len(pages)-1], collect.Path)

	default:
		return nil, fmt.Errorf("unknown collect strategy: %s", collect.Strategy)
	}

	last, _ := pages[len(pages)-1].(map[string]any)
	result := make(map[string]any, len(last)+1)
	for k, v := range last {
		result[k] = v
	}
	into := collect.Into
	if into == "" {
		into = collect.Path
	}
	result[into] = buffer
	return result, nil
}

// selectPath walks a dotted path into nested maps. An empty path selects the
// whole value; a missing segment selects nil.
func selectPath(v any, path string) any {
	if path == "" {
		return v
	}
	current := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[seg]
	}
	return current
}
