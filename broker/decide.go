package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/noetl/noetl-go/eventlog"
	"github.com/noetl/noetl-go/queue"
	"github.com/noetl/noetl-go/retry"
	"github.com/noetl/noetl-go/state"
	"github.com/noetl/noetl-go/task"
	"github.com/noetl/noetl-go/template"
	"github.com/noetl/noetl-go/workflow"
)

// handle routes one folded event through the decision procedure. Events the
// broker does not react to (action_started, child_started, the bookkeeping
// records of its own decisions) fall through.
func (e *Engine) handle(ctx context.Context, p *proc, ev *eventlog.Event) error {
	if p.snap.Done() && !ev.Type.Terminal() {
		return nil
	}

	switch ev.Type {
	case eventlog.TypePlaybookStarted:
		return e.activate(ctx, p, workflow.StartStep, ev)
	case eventlog.TypeStepStarted:
		return e.dispatchStep(ctx, p, ev)
	case eventlog.TypeActionCompleted:
		return e.onActionCompleted(ctx, p, ev)
	case eventlog.TypeActionFailed:
		return e.onActionFailed(ctx, p, ev)
	case eventlog.TypeIteratorStarted:
		return e.onIteratorStarted(ctx, p, ev)
	case eventlog.TypeIterationCompleted:
		return e.onIterationCompleted(ctx, p, ev)
	case eventlog.TypeIteratorCompleted:
		return e.finishStep(ctx, p, ev.NodeID, ev, ev.Payload[eventlog.KeyResult])
	case eventlog.TypeStepCompleted:
		return e.onStepCompleted(ctx, p, ev)
	case eventlog.TypeStepFailed:
		return e.onStepFailed(ctx, p, ev)
	case eventlog.TypeSinkCompleted:
		return e.onSinkDone(ctx, p, ev)
	case eventlog.TypeSinkFailed:
		return e.onSinkFailed(ctx, p, ev)
	case eventlog.TypeChildCompleted:
		return e.onChildCompleted(ctx, p, ev)
	case eventlog.TypePlaybookCompleted, eventlog.TypePlaybookFailed:
		return e.onTerminal(ctx, p, ev)
	}
	return nil
}

// activate emits step_started for a target unless this cause already did.
func (e *Engine) activate(ctx context.Context, p *proc, target string, cause *eventlog.Event) error {
	if p.consequence(cause.ID, eventlog.TypeStepStarted, target) {
		return nil
	}
	if p.graph.Step(target) == nil {
		return e.failExecution(ctx, p, cause, eventlog.KindValidation, "unknown step: "+target)
	}
	_, err := e.emit(ctx, eventlog.Event{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      target,
		ParentID:    cause.ID,
		Type:        eventlog.TypeStepStarted,
	})
	return err
}

// dispatchStep reacts to step_started: open an iterator, launch a child
// playbook, complete a trivial step, or enqueue the step's action.
func (e *Engine) dispatchStep(ctx context.Context, p *proc, ev *eventlog.Event) error {
	step := p.graph.Step(ev.NodeID)
	if step == nil {
		return e.failStep(ctx, p, ev, eventlog.KindValidation, "unknown step: "+ev.NodeID)
	}

	switch {
	case step.Loop != nil:
		return e.openIterator(ctx, p, step, ev)
	case step.Kind == workflow.KindChildPlaybook:
		return e.launchChild(ctx, p, step, ev, 1)
	case step.Trivial():
		return e.finishStep(ctx, p, step.Name, ev, nil)
	default:
		t := &task.Task{
			Step:      step.Name,
			Kind:      step.Kind,
			Args:      step.Args,
			Auth:      step.Auth,
			Purpose:   task.PurposeAction,
			Attempt:   1,
			TimeoutMS: e.timeoutMS(step),
		}
		return e.enqueueTask(ctx, p, step, t, "", nil, time.Time{})
	}
}

// openIterator renders the loop collection, applies the filter, and records
// the iterator frame. Dispatch happens when the iterator_started event is
// processed.
func (e *Engine) openIterator(ctx context.Context, p *proc, step *workflow.Step, ev *eventlog.Event) error {
	if p.consequence(ev.ID, eventlog.TypeIteratorStarted, step.Name) {
		return nil
	}

	scope := e.baseScope(p.snap)
	collection, err := renderExpr(step.Loop.Collection, scope)
	if err != nil {
		return e.failStep(ctx, p, ev, eventlog.KindTemplateError, err.Error())
	}
	items, ok := collection.([]any)
	if !ok {
		return e.failStep(ctx, p, ev, eventlog.KindValidation,
			fmt.Sprintf("loop collection of step %s did not render to a list", step.Name))
	}

	if step.Loop.Filter != "" {
		kept := make([]any, 0, len(items))
		for _, item := range items {
			keep, err := template.EvalBool(step.Loop.Filter, scope.Clone().Set(step.Loop.Element, item))
			if err != nil {
				return e.failStep(ctx, p, ev, eventlog.KindTemplateError, err.Error())
			}
			if keep {
				kept = append(kept, item)
			}
		}
		items = kept
	}

	_, err = e.emit(ctx, eventlog.Event{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      step.Name,
		ParentID:    ev.ID,
		Type:        eventlog.TypeIteratorStarted,
		Payload: map[string]any{
			eventlog.KeyElements:   items,
			eventlog.KeyTotal:      len(items),
			eventlog.KeyMode:       string(step.Loop.ModeOrDefault()),
			eventlog.KeyFailPolicy: string(step.Loop.FailPolicyOrDefault()),
		},
	})
	return err
}

// onIteratorStarted dispatches the initial iteration window for the frame's
// mode. An empty collection closes the iterator immediately.
func (e *Engine) onIteratorStarted(ctx context.Context, p *proc, ev *eventlog.Event) error {
	step := p.graph.Step(ev.NodeID)
	frame := p.snap.Step(ev.NodeID).Frame
	if step == nil || frame == nil {
		return nil
	}

	if frame.Total == 0 {
		return e.closeIterator(ctx, p, ev.NodeID, frame)
	}

	switch frame.Mode {
	case workflow.LoopParallel:
		for i := 0; i < frame.Total; i++ {
			if err := e.enqueueIteration(ctx, p, step, frame, i); err != nil {
				return err
			}
		}
	case workflow.LoopChunked:
		window := step.Loop.ChunkSize
		if window > frame.Total {
			window = frame.Total
		}
		for i := 0; i < window; i++ {
			if err := e.enqueueIteration(ctx, p, step, frame, i); err != nil {
				return err
			}
		}
	default:
		return e.enqueueIteration(ctx, p, step, frame, 0)
	}
	return nil
}

// onIterationCompleted advances the iterator: close it when every index has
// reported, otherwise keep the window full for sequential and chunked modes.
func (e *Engine) onIterationCompleted(ctx context.Context, p *proc, ev *eventlog.Event) error {
	step := p.graph.Step(ev.NodeID)
	frame := p.snap.Step(ev.NodeID).Frame
	if step == nil || frame == nil || frame.Closed || frame.Aborted {
		return nil
	}

	if frame.Completed >= frame.Total {
		return e.closeIterator(ctx, p, ev.NodeID, frame)
	}

	switch frame.Mode {
	case workflow.LoopSequential:
		next := pInt(ev.Payload[eventlog.KeyIndex]) + 1
		if next < frame.Total {
			return e.enqueueIteration(ctx, p, step, frame, next)
		}
	case workflow.LoopChunked:
		next := step.Loop.ChunkSize + frame.Completed - 1
		if next < frame.Total {
			return e.enqueueIteration(ctx, p, step, frame, next)
		}
	}
	return nil
}

// closeIterator emits iterator_completed with the index-ordered results.
// Under collect_errors the per-index failures ride along in the payload.
func (e *Engine) closeIterator(ctx context.Context, p *proc, nodeID string, frame *state.IteratorFrame) error {
	if p.consequence(frame.StartedEventID, eventlog.TypeIteratorCompleted, nodeID) {
		return nil
	}

	results := frame.Results
	if results == nil {
		results = []any{}
	}
	payload := map[string]any{
		eventlog.KeyResult: results,
		eventlog.KeyTotal:  frame.Total,
	}
	if len(frame.Errors) > 0 {
		errs := make(map[string]any, len(frame.Errors))
		for idx, info := range frame.Errors {
			errs[strconv.Itoa(idx)] = errMap(info)
		}
		payload[eventlog.KeyErrors] = errs
	}

	_, err := e.emit(ctx, eventlog.Event{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      nodeID,
		ParentID:    frame.StartedEventID,
		Type:        eventlog.TypeIteratorCompleted,
		Status:      "success",
		Payload:     payload,
	})
	return err
}

// onActionCompleted converts iteration results into iteration_completed,
// decides pagination continuation for plain and page actions, and otherwise
// moves the step toward completion.
func (e *Engine) onActionCompleted(ctx context.Context, p *proc, ev *eventlog.Event) error {
	step := p.graph.Step(ev.NodeID)
	st := p.snap.Step(ev.NodeID)
	if step == nil || st.Status.Terminal() {
		return nil
	}
	result := ev.Payload[eventlog.KeyResult]

	if task.Purpose(pStr(ev.Payload[eventlog.KeyPurpose])) == task.PurposeIteration {
		frame := st.Frame
		if frame == nil || frame.Closed || frame.Aborted {
			return nil
		}
		idx := pInt(ev.Payload[eventlog.KeyIndex])
		if idx < 0 || idx >= frame.Total || frame.Done[idx] {
			return nil
		}
		_, err := e.emit(ctx, eventlog.Event{
			ExecutionID: p.snap.ExecutionID,
			NodeID:      ev.NodeID,
			ParentID:    frame.StartedEventID,
			Type:        eventlog.TypeIterationCompleted,
			Status:      "success",
			Payload: map[string]any{
				eventlog.KeyIndex:  idx,
				eventlog.KeyResult: result,
			},
		})
		return err
	}

	policy := paginationPolicy(step)
	if policy == nil {
		return e.finishStep(ctx, p, ev.NodeID, ev, result)
	}

	scope := e.baseScope(p.snap).Set("response", result).Set("result", result)
	pages := len(st.Pages)
	decision, err := e.retry.DecidePagination(policy, pages, scope)
	if err != nil {
		return e.failStep(ctx, p, ev, eventlog.KindTemplateError, err.Error())
	}

	if decision.Continue {
		return e.continuePagination(ctx, p, step, ev, pages+1, decision)
	}

	aggregate, err := retry.Aggregate(policy, st.Pages)
	if err != nil {
		return e.failStep(ctx, p, ev, eventlog.KindValidation, err.Error())
	}
	return e.finishStep(ctx, p, ev.NodeID, ev, aggregate)
}

// continuePagination enqueues the next page under its own slot and records
// the decision, rendered request rewrites included, as pagination_continued.
func (e *Engine) continuePagination(ctx context.Context, p *proc, step *workflow.Step, ev *eventlog.Event, page int, decision retry.PageDecision) error {
	if p.consequence(ev.ID, eventlog.TypePaginationContinued, step.Name) {
		return nil
	}

	overrides := flattenOverrides(decision.Params, decision.Body)
	t := &task.Task{
		Step:      step.Name,
		Kind:      step.Kind,
		Args:      step.Args,
		Auth:      step.Auth,
		Purpose:   task.PurposePage,
		Attempt:   1,
		Page:      page,
		Overrides: overrides,
		TimeoutMS: e.timeoutMS(step),
	}
	if err := e.enqueueTask(ctx, p, step, t, pageSlot(page), nil, time.Time{}); err != nil {
		return err
	}

	_, err := e.emit(ctx, eventlog.Event{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      step.Name,
		ParentID:    ev.ID,
		Type:        eventlog.TypePaginationContinued,
		Payload: map[string]any{
			eventlog.KeyPage:      page,
			eventlog.KeyOverrides: overrides,
		},
	})
	return err
}

// onActionFailed applies the iterator failure policy to iteration results and
// the error-side retry policy to everything else.
func (e *Engine) onActionFailed(ctx context.Context, p *proc, ev *eventlog.Event) error {
	step := p.graph.Step(ev.NodeID)
	st := p.snap.Step(ev.NodeID)
	if step == nil || st.Status.Terminal() {
		return nil
	}

	if task.Purpose(pStr(ev.Payload[eventlog.KeyPurpose])) == task.PurposeIteration {
		return e.onIterationFailed(ctx, p, step, st, ev)
	}

	policy := errorPolicy(step)
	scope := e.baseScope(p.snap).Set("error", errMap(ev.Error))
	decision, err := e.retry.DecideError(policy, st.Attempts, scope)
	if err != nil {
		return e.failStep(ctx, p, ev, eventlog.KindTemplateError, err.Error())
	}
	if !decision.Retry {
		e.logger.Debug().
			Str("execution_id", p.snap.ExecutionID).
			Str("step", ev.NodeID).
			Str("reason", decision.Reason).
			Msg("no retry")
		return e.failStepFrom(ctx, p, ev, ev.Error)
	}

	if p.consequence(ev.ID, eventlog.TypeRetryScheduled, ev.NodeID) {
		return nil
	}

	attempt := pInt(ev.Payload[eventlog.KeyAttempt]) + 1
	if attempt <= 1 {
		attempt = st.Attempts + 1
	}
	page := pInt(ev.Payload[eventlog.KeyPage])
	t := &task.Task{
		Step:      step.Name,
		Kind:      step.Kind,
		Args:      step.Args,
		Auth:      step.Auth,
		Purpose:   task.PurposeAction,
		Attempt:   attempt,
		TimeoutMS: e.timeoutMS(step),
	}
	slot := ""
	if page > 0 {
		// Retrying a page replays the same request rewrite.
		t.Purpose = task.PurposePage
		t.Page = page
		t.Overrides = st.PageOverrides[page]
		slot = pageSlot(page)
	}
	if err := e.enqueueTask(ctx, p, step, t, slot, nil, time.Now().Add(decision.Delay)); err != nil {
		return err
	}

	_, err = e.emit(ctx, eventlog.Event{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      ev.NodeID,
		ParentID:    ev.ID,
		Type:        eventlog.TypeRetryScheduled,
		Payload: map[string]any{
			eventlog.KeyAttempt: attempt,
			eventlog.KeyDelay:   decision.Delay.Milliseconds(),
		},
	})
	return err
}

// onIterationFailed handles one failed iteration according to the frame's
// failure policy.
func (e *Engine) onIterationFailed(ctx context.Context, p *proc, step *workflow.Step, st *state.StepState, ev *eventlog.Event) error {
	frame := st.Frame
	if frame == nil || frame.Closed || frame.Aborted {
		return nil
	}
	idx := pInt(ev.Payload[eventlog.KeyIndex])

	if frame.FailPolicy == workflow.CollectErrors {
		if idx < 0 || idx >= frame.Total || frame.Done[idx] {
			return nil
		}
		_, err := e.emit(ctx, eventlog.Event{
			ExecutionID: p.snap.ExecutionID,
			NodeID:      ev.NodeID,
			ParentID:    frame.StartedEventID,
			Type:        eventlog.TypeIterationCompleted,
			Status:      "error",
			Error:       ev.Error,
			Payload:     map[string]any{eventlog.KeyIndex: idx},
		})
		return err
	}

	// fail_fast: cancel the remaining queued iterations and fail the step.
	if p.consequence(ev.ID, eventlog.TypeStepFailed, ev.NodeID) {
		return nil
	}
	if n, err := e.queue.CancelNode(ctx, p.snap.ExecutionID, ev.NodeID); err != nil {
		return err
	} else if n > 0 {
		e.logger.Info().
			Str("execution_id", p.snap.ExecutionID).
			Str("step", ev.NodeID).
			Int("cancelled", n).
			Msg("iterator aborted")
	}

	_, err := e.emit(ctx, eventlog.Event{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      ev.NodeID,
		ParentID:    ev.ID,
		Type:        eventlog.TypeStepFailed,
		Status:      "error",
		Error:       ev.Error,
		Payload:     map[string]any{eventlog.KeyIndex: idx},
	})
	return err
}

// finishStep closes out a step's work: run the sink first if one applies,
// then emit step_completed with the final result.
func (e *Engine) finishStep(ctx context.Context, p *proc, nodeID string, cause *eventlog.Event, result any) error {
	step := p.graph.Step(nodeID)
	st := p.snap.Step(nodeID)
	if st.Status.Terminal() {
		return nil
	}

	afterSink := cause.Type == eventlog.TypeSinkCompleted || cause.Type == eventlog.TypeSinkFailed
	if step != nil && step.Sink != nil && !afterSink {
		run := true
		if step.Sink.When != "" {
			var err error
			run, err = template.EvalBool(step.Sink.When, e.baseScope(p.snap).Set("result", result))
			if err != nil {
				return e.failStep(ctx, p, cause, eventlog.KindTemplateError, err.Error())
			}
		}
		if run {
			return e.enqueueSink(ctx, p, step, result)
		}
	}

	if p.consequence(cause.ID, eventlog.TypeStepCompleted, nodeID) {
		return nil
	}
	_, err := e.emit(ctx, eventlog.Event{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      nodeID,
		ParentID:    cause.ID,
		Type:        eventlog.TypeStepCompleted,
		Status:      "success",
		Payload:     map[string]any{eventlog.KeyResult: result},
	})
	return err
}

// enqueueSink dispatches the sink action with the step result bound into its
// rendering scope. No event marks dispatch; the queue's idempotency key keeps
// reprocessing from duplicating it.
func (e *Engine) enqueueSink(ctx context.Context, p *proc, step *workflow.Step, result any) error {
	kind := step.Sink.Kind
	if kind == workflow.KindNone {
		kind = workflow.KindSink
	}
	t := &task.Task{
		Step:      step.Name,
		Kind:      kind,
		Args:      step.Sink.Args,
		Auth:      step.Auth,
		Purpose:   task.PurposeSink,
		Attempt:   1,
		TimeoutMS: e.timeoutMS(step),
	}
	extra := map[string]any{"result": result}
	return e.enqueueTask(ctx, p, step, t, "sink", extra, time.Time{})
}

// onSinkDone completes the step once its sink has landed.
func (e *Engine) onSinkDone(ctx context.Context, p *proc, ev *eventlog.Event) error {
	step := p.graph.Step(ev.NodeID)
	st := p.snap.Step(ev.NodeID)
	if step == nil {
		return nil
	}
	return e.finishStep(ctx, p, ev.NodeID, ev, e.stepResult(step, st))
}

// onSinkFailed applies the sink failure policy: warn and complete, or fail
// the step.
func (e *Engine) onSinkFailed(ctx context.Context, p *proc, ev *eventlog.Event) error {
	step := p.graph.Step(ev.NodeID)
	if step == nil || step.Sink == nil {
		return nil
	}

	if step.Sink.FailPolicyOrDefault() == workflow.SinkFailStep {
		return e.failStepFrom(ctx, p, ev, ev.Error)
	}

	e.logger.Warn().
		Str("execution_id", p.snap.ExecutionID).
		Str("step", ev.NodeID).
		Interface("error", errMap(ev.Error)).
		Msg("sink failed, completing step anyway")
	return e.onSinkDone(ctx, p, ev)
}

// onStepCompleted finalizes the execution at the end step, or routes the
// step's transitions.
func (e *Engine) onStepCompleted(ctx context.Context, p *proc, ev *eventlog.Event) error {
	if ev.NodeID == workflow.EndStep {
		return e.maybeFinalize(ctx, p)
	}

	step := p.graph.Step(ev.NodeID)
	if step == nil {
		return nil
	}
	st := p.snap.Step(ev.NodeID)

	scope := e.baseScope(p.snap).Set("result", st.Result).Set("failed", false)
	targets, err := e.route(step.Next, scope, false)
	if err != nil {
		return e.failExecution(ctx, p, ev, eventlog.KindTemplateError, err.Error())
	}
	if len(targets) == 0 {
		return e.failExecution(ctx, p, ev, eventlog.KindValidation,
			"no transition matched from step "+ev.NodeID)
	}
	for _, target := range targets {
		if err := e.activate(ctx, p, target, ev); err != nil {
			return err
		}
	}
	return nil
}

// onStepFailed gives the step's error-handling transitions a chance to take
// over; an unhandled failure finalizes the execution once no other branch is
// live.
func (e *Engine) onStepFailed(ctx context.Context, p *proc, ev *eventlog.Event) error {
	step := p.graph.Step(ev.NodeID)
	if step != nil && len(step.Next) > 0 {
		info := ev.Error
		if info == nil {
			info = p.snap.Step(ev.NodeID).LastError
		}
		scope := e.baseScope(p.snap).Set("failed", true).Set("error", errMap(info))
		targets, err := e.route(step.Next, scope, true)
		if err != nil {
			return e.failExecution(ctx, p, ev, eventlog.KindTemplateError, err.Error())
		}
		if len(targets) > 0 {
			for _, target := range targets {
				if err := e.activate(ctx, p, target, ev); err != nil {
					return err
				}
			}
			return nil
		}
	}

	if p.snap.Active > 0 || len(p.snap.Children) > 0 {
		// Other branches are still live; the verdict falls at the end.
		return nil
	}
	return e.finalizeFailed(ctx, p)
}

// onChildCompleted treats a joined child like an action result: success moves
// the step toward completion, failure goes through the error retry policy
// with relaunch instead of re-enqueue.
func (e *Engine) onChildCompleted(ctx context.Context, p *proc, ev *eventlog.Event) error {
	step := p.graph.Step(ev.NodeID)
	st := p.snap.Step(ev.NodeID)
	if step == nil || st.Status.Terminal() {
		return nil
	}

	if ev.Status == "success" {
		return e.finishStep(ctx, p, ev.NodeID, ev, ev.Payload[eventlog.KeyResult])
	}

	scope := e.baseScope(p.snap).Set("error", errMap(ev.Error))
	decision, err := e.retry.DecideError(errorPolicy(step), st.Attempts, scope)
	if err != nil {
		return e.failStep(ctx, p, ev, eventlog.KindTemplateError, err.Error())
	}
	if !decision.Retry {
		return e.failStepFrom(ctx, p, ev, ev.Error)
	}

	attempt := st.Attempts + 1
	if !p.consequence(ev.ID, eventlog.TypeRetryScheduled, ev.NodeID) {
		if _, err := e.emit(ctx, eventlog.Event{
			ExecutionID: p.snap.ExecutionID,
			NodeID:      ev.NodeID,
			ParentID:    ev.ID,
			Type:        eventlog.TypeRetryScheduled,
			Payload: map[string]any{
				eventlog.KeyAttempt: attempt,
				eventlog.KeyDelay:   decision.Delay.Milliseconds(),
			},
		}); err != nil {
			return err
		}
	}
	return e.launchChild(ctx, p, step, ev, attempt)
}

// launchChild submits the child execution for a child_playbook step and
// records the linkage. The deterministic child ID makes relaunch after a
// crash resolve to the already-running child.
func (e *Engine) launchChild(ctx context.Context, p *proc, step *workflow.Step, cause *eventlog.Event, attempt int) error {
	if p.consequence(cause.ID, eventlog.TypeChildStarted, step.Name) {
		return nil
	}

	if !p.consequence(cause.ID, eventlog.TypeActionStarted, step.Name) {
		if _, err := e.emit(ctx, eventlog.Event{
			ExecutionID: p.snap.ExecutionID,
			NodeID:      step.Name,
			ParentID:    cause.ID,
			Type:        eventlog.TypeActionStarted,
			Payload:     map[string]any{eventlog.KeyAttempt: attempt},
		}); err != nil {
			return err
		}
	}

	args, _, err := template.RenderMapping(step.Args, e.baseScope(p.snap))
	if err != nil {
		return e.failStep(ctx, p, cause, eventlog.KindTemplateError, err.Error())
	}
	ref := pStr(args["playbook"])
	if ref == "" {
		return e.failStep(ctx, p, cause, eventlog.KindValidation,
			"child step "+step.Name+" requires a playbook ref")
	}
	workload, _ := args["payload"].(map[string]any)

	childID, err := e.submitChild(ctx, ref, workload, p.snap.ExecutionID, step.Name, attempt)
	if err != nil {
		return e.failStep(ctx, p, cause, eventlog.KindValidation, err.Error())
	}

	_, err = e.emit(ctx, eventlog.Event{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      step.Name,
		ParentID:    cause.ID,
		Type:        eventlog.TypeChildStarted,
		Payload: map[string]any{
			eventlog.KeyChildExecution: childID,
			eventlog.KeyPlaybookRef:    ref,
			eventlog.KeyAttempt:        attempt,
		},
	})
	return err
}

// onTerminal joins a finished child back into its parent's log. The parent
// observes the child through events only.
func (e *Engine) onTerminal(ctx context.Context, p *proc, ev *eventlog.Event) error {
	if e.metrics != nil {
		outcome := "completed"
		if ev.Type == eventlog.TypePlaybookFailed {
			outcome = "failed"
		}
		e.metrics.ExecutionsFinished.WithLabelValues(outcome).Inc()
	}
	parent := p.snap.Parent
	if parent == nil {
		return nil
	}

	parentEvents, err := e.log.Range(ctx, parent.ExecutionID, 0)
	if err != nil {
		if err == eventlog.ErrNotFound {
			return nil
		}
		return err
	}

	var childStartedID int64
	for i := range parentEvents {
		pe := &parentEvents[i]
		if pe.NodeID != parent.NodeID {
			continue
		}
		if pe.Type == eventlog.TypeChildCompleted &&
			pStr(pe.Payload[eventlog.KeyChildExecution]) == p.snap.ExecutionID {
			return nil
		}
		if pe.Type == eventlog.TypeChildStarted &&
			pStr(pe.Payload[eventlog.KeyChildExecution]) == p.snap.ExecutionID {
			childStartedID = pe.ID
		}
	}

	join := eventlog.Event{
		ExecutionID: parent.ExecutionID,
		NodeID:      parent.NodeID,
		ParentID:    childStartedID,
		Type:        eventlog.TypeChildCompleted,
		Status:      "success",
		Payload: map[string]any{
			eventlog.KeyChildExecution: p.snap.ExecutionID,
			eventlog.KeyResult:         resultsPayload(p.snap),
		},
	}
	if ev.Type == eventlog.TypePlaybookFailed {
		join.Status = "error"
		join.Error = p.snap.Cause
		if join.Error == nil {
			join.Error = ev.Error
		}
	}

	if _, err := e.log.Append(ctx, join); err != nil {
		if err == eventlog.ErrTerminalRecorded {
			return nil
		}
		return err
	}
	e.markActive(parent.ExecutionID)
	e.wake.Wake(ctx, parent.ExecutionID)
	return nil
}

// maybeFinalize closes the execution once the end step completed and no
// branch, iterator, or child remains live. A branch that failed without a
// handler makes the verdict playbook_failed even here.
func (e *Engine) maybeFinalize(ctx context.Context, p *proc) error {
	if p.snap.Done() || p.snap.Active > 0 || len(p.snap.Children) > 0 {
		return nil
	}
	if p.snap.HasUnhandledFailure() {
		return e.finalizeFailed(ctx, p)
	}
	_, err := e.emit(ctx, eventlog.Event{
		ExecutionID: p.snap.ExecutionID,
		Type:        eventlog.TypePlaybookCompleted,
		Status:      "success",
		Payload:     map[string]any{eventlog.KeyResult: resultsPayload(p.snap)},
	})
	return err
}

func (e *Engine) finalizeFailed(ctx context.Context, p *proc) error {
	if p.snap.Done() {
		return nil
	}
	ev := eventlog.Event{
		ExecutionID: p.snap.ExecutionID,
		Type:        eventlog.TypePlaybookFailed,
		Status:      "error",
		Error:       p.snap.Cause,
	}
	if p.snap.FailedStep != "" {
		ev.Payload = map[string]any{eventlog.KeyStep: p.snap.FailedStep}
	}
	_, err := e.emit(ctx, ev)
	return err
}

// route evaluates a transition list in written order. The first matching
// clause wins; the else clause is the fallback. On the failure path only
// explicit conditions are considered, so an unconditional or else clause
// never swallows an error.
func (e *Engine) route(next []workflow.Transition, scope *template.Scope, onFailure bool) ([]string, error) {
	var elseTargets []string
	for _, tr := range next {
		if tr.Else {
			elseTargets = tr.Then
			continue
		}
		if tr.When == "" {
			if onFailure {
				continue
			}
			return tr.Then, nil
		}
		match, err := template.EvalBool(tr.When, scope)
		if err != nil {
			return nil, err
		}
		if match {
			return tr.Then, nil
		}
	}
	if onFailure {
		return nil, nil
	}
	return elseTargets, nil
}

// failStep emits step_failed for the event's step with a broker-side error.
func (e *Engine) failStep(ctx context.Context, p *proc, cause *eventlog.Event, kind, message string) error {
	return e.failStepFrom(ctx, p, cause, &eventlog.ErrorInfo{Kind: kind, Message: message})
}

func (e *Engine) failStepFrom(ctx context.Context, p *proc, cause *eventlog.Event, info *eventlog.ErrorInfo) error {
	if p.consequence(cause.ID, eventlog.TypeStepFailed, cause.NodeID) {
		return nil
	}
	_, err := e.emit(ctx, eventlog.Event{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      cause.NodeID,
		ParentID:    cause.ID,
		Type:        eventlog.TypeStepFailed,
		Status:      "error",
		Error:       info,
	})
	return err
}

// failExecution finalizes the execution with a broker-side error that no
// step-level handler can absorb.
func (e *Engine) failExecution(ctx context.Context, p *proc, cause *eventlog.Event, kind, message string) error {
	if p.snap.Done() {
		return nil
	}
	ev := eventlog.Event{
		ExecutionID: p.snap.ExecutionID,
		Type:        eventlog.TypePlaybookFailed,
		Status:      "error",
		Error:       &eventlog.ErrorInfo{Kind: kind, Message: message},
	}
	if cause.NodeID != "" {
		ev.Payload = map[string]any{eventlog.KeyStep: cause.NodeID}
	}
	_, err := e.emit(ctx, ev)
	return err
}

// enqueueTask serializes and enqueues one job. Duplicate idempotency keys are
// expected on reprocessing and ignored.
func (e *Engine) enqueueTask(ctx context.Context, p *proc, step *workflow.Step, t *task.Task, slot string, extraVars map[string]any, availableAt time.Time) error {
	action, err := t.Encode()
	if err != nil {
		return err
	}
	vars := e.baseScope(p.snap).Vars()
	for k, v := range extraVars {
		vars[k] = v
	}
	contextBytes, err := task.EncodeContext(vars)
	if err != nil {
		return err
	}

	priority := step.Priority
	if priority == 0 {
		priority = e.defaults.Priority
	}

	_, err = e.queue.Enqueue(ctx, queue.Job{
		ExecutionID: p.snap.ExecutionID,
		NodeID:      step.Name,
		Slot:        slot,
		Action:      action,
		Context:     contextBytes,
		Attempt:     t.Attempt,
		MaxAttempts: e.defaults.MaxDeliveries,
		AvailableAt: availableAt,
		Priority:    priority,
	})
	if err != nil {
		if err == queue.ErrDuplicateJob {
			return nil
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.JobsEnqueued.WithLabelValues(string(t.Purpose)).Inc()
	}
	return nil
}

func (e *Engine) enqueueIteration(ctx context.Context, p *proc, step *workflow.Step, frame *state.IteratorFrame, idx int) error {
	t := &task.Task{
		Step:        step.Name,
		Kind:        step.Kind,
		Args:        step.Args,
		Auth:        step.Auth,
		Purpose:     task.PurposeIteration,
		Attempt:     1,
		Index:       idx,
		Element:     frame.Elements[idx],
		ElementName: step.Loop.Element,
		TimeoutMS:   e.timeoutMS(step),
	}
	return e.enqueueTask(ctx, p, step, t, "iter:"+strconv.Itoa(idx), nil, time.Time{})
}

// stepResult recomputes a step's final result deterministically from the
// snapshot: the pagination aggregate when the step paginates, the latest
// attached result otherwise.
func (e *Engine) stepResult(step *workflow.Step, st *state.StepState) any {
	if policy := paginationPolicy(step); policy != nil && len(st.Pages) > 0 {
		if aggregate, err := retry.Aggregate(policy, st.Pages); err == nil {
			return aggregate
		}
	}
	return st.Result
}

// baseScope builds the broker-side rendering scope: workload, execution ID,
// and every completed step's result under its step name.
func (e *Engine) baseScope(snap *state.Snapshot) *template.Scope {
	scope := template.NewScope().
		Set("workload", snap.Workload).
		Set("execution_id", snap.ExecutionID)
	for name, result := range snap.Results {
		scope.SetResult(name, result)
	}
	return scope
}

func (e *Engine) timeoutMS(step *workflow.Step) int64 {
	if step.Timeout > 0 {
		return step.Timeout.Milliseconds()
	}
	return e.defaults.Timeout.Milliseconds()
}

func paginationPolicy(step *workflow.Step) *workflow.Pagination {
	if step == nil || step.Retry == nil {
		return nil
	}
	return step.Retry.OnSuccess
}

func errorPolicy(step *workflow.Step) *workflow.ErrorRetry {
	if step == nil || step.Retry == nil {
		return nil
	}
	return step.Retry.OnError
}

// renderExpr evaluates either a bare expression or a {{ }} template and
// returns the typed value.
func renderExpr(src string, scope *template.Scope) (any, error) {
	if strings.Contains(src, "{{") {
		v, _, err := template.RenderString(src, scope)
		return v, err
	}
	return template.Eval(src, scope)
}

// resultsPayload is the terminal result map: every step result except the
// reserved routing steps.
func resultsPayload(snap *state.Snapshot) map[string]any {
	out := make(map[string]any, len(snap.Results))
	for name, result := range snap.Results {
		if name == workflow.StartStep || name == workflow.EndStep {
			continue
		}
		out[name] = result
	}
	return out
}

func flattenOverrides(params, body map[string]any) map[string]any {
	if len(params) == 0 && len(body) == 0 {
		return nil
	}
	out := make(map[string]any, len(params)+len(body))
	for k, v := range params {
		out["params."+k] = v
	}
	for k, v := range body {
		out["body."+k] = v
	}
	return out
}

func errMap(info *eventlog.ErrorInfo) map[string]any {
	if info == nil {
		return map[string]any{}
	}
	return map[string]any{
		"kind":    info.Kind,
		"message": info.Message,
		"status":  info.Status,
	}
}

func pStr(v any) string {
	s, _ := v.(string)
	return s
}

func pInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func pageSlot(page int) string {
	return "page:" + strconv.Itoa(page)
}
