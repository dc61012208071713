package state

import (
	"github.com/noetl/noetl-go/eventlog"
	"github.com/noetl/noetl-go/workflow"
)

// Fold reduces an ordered event sequence into a Snapshot. It never errors:
// unknown payload shapes degrade to nil values rather than halting
// reconstruction, so a broker can always recover as far as the log allows.
func Fold(events []eventlog.Event) *Snapshot {
	s := &Snapshot{
		Steps:           make(map[string]*StepState),
		Results:         make(map[string]any),
		Children:        make(map[string]string),
		FailedEvents:    make(map[int64]string),
		HandledFailures: make(map[int64]bool),
	}
	for i := range events {
		s.Apply(&events[i])
	}
	return s
}

// Apply folds a single event. Events must arrive in ID order.
func (s *Snapshot) Apply(ev *eventlog.Event) {
	if ev.ID > s.LastEventID {
		s.LastEventID = ev.ID
	}

	switch ev.Type {
	case eventlog.TypePlaybookStarted:
		s.ExecutionID = ev.ExecutionID
		s.PlaybookRef, _ = ev.Payload[eventlog.KeyPlaybookRef].(string)
		s.Workload = asMap(ev.Payload[eventlog.KeyWorkload])
		if parent, ok := ev.Payload[eventlog.KeyParentExecution].(string); ok && parent != "" {
			node, _ := ev.Payload[eventlog.KeyParentNode].(string)
			s.Parent = &ChildRef{ExecutionID: parent, NodeID: node}
		}

	case eventlog.TypeStepStarted:
		if _, failed := s.FailedEvents[ev.ParentID]; failed {
			s.HandledFailures[ev.ParentID] = true
		}
		st := s.Step(ev.NodeID)
		// Cycles may re-activate a step that already reached a terminal
		// status; each activation counts as one live branch.
		if st.Status == StepPending || st.Status.Terminal() {
			s.Active++
		}
		st.Status = StepRunning
		st.StartedEventID = ev.ID
		st.Frame = nil
		st.Pages = nil
		st.Attempts = 0

	case eventlog.TypeActionStarted:
		st := s.Step(ev.NodeID)
		st.Attempts++
		if st.Status == StepRetrying {
			st.Status = StepRunning
		}

	case eventlog.TypeActionCompleted:
		st := s.Step(ev.NodeID)
		st.Result = ev.Payload[eventlog.KeyResult]
		st.Pages = append(st.Pages, ev.Payload[eventlog.KeyResult])

	case eventlog.TypeActionFailed:
		st := s.Step(ev.NodeID)
		st.LastError = ev.Error

	case eventlog.TypeRetryScheduled:
		st := s.Step(ev.NodeID)
		st.Status = StepRetrying

	case eventlog.TypePaginationContinued:
		// Page results are already collected from action_completed; only
		// the request rewrite needs remembering.
		st := s.Step(ev.NodeID)
		page := asInt(ev.Payload[eventlog.KeyPage])
		if overrides := asMap(ev.Payload[eventlog.KeyOverrides]); overrides != nil && page > 0 {
			if st.PageOverrides == nil {
				st.PageOverrides = make(map[int]map[string]any)
			}
			st.PageOverrides[page] = overrides
		}

	case eventlog.TypeIteratorStarted:
		st := s.Step(ev.NodeID)
		total := asInt(ev.Payload[eventlog.KeyTotal])
		frame := &IteratorFrame{
			StepName:       ev.NodeID,
			Mode:           workflow.LoopMode(asString(ev.Payload[eventlog.KeyMode])),
			Total:          total,
			Elements:       asList(ev.Payload[eventlog.KeyElements]),
			Results:        make([]any, total),
			Errors:         make(map[int]*eventlog.ErrorInfo),
			Done:           make([]bool, total),
			FailPolicy:     workflow.FailPolicy(asString(ev.Payload[eventlog.KeyFailPolicy])),
			StartedEventID: ev.ID,
		}
		st.Frame = frame

	case eventlog.TypeIterationCompleted:
		st := s.Step(ev.NodeID)
		if st.Frame == nil {
			return
		}
		idx := asInt(ev.Payload[eventlog.KeyIndex])
		if idx < 0 || idx >= st.Frame.Total || st.Frame.Done[idx] {
			return
		}
		st.Frame.Done[idx] = true
		st.Frame.Completed++
		if ev.Error != nil {
			st.Frame.Errors[idx] = ev.Error
		} else {
			st.Frame.Results[idx] = ev.Payload[eventlog.KeyResult]
		}

	case eventlog.TypeIteratorCompleted:
		st := s.Step(ev.NodeID)
		if st.Frame != nil {
			st.Frame.Closed = true
		}
		st.Result = ev.Payload[eventlog.KeyResult]

	case eventlog.TypeStepCompleted:
		st := s.Step(ev.NodeID)
		if result, ok := ev.Payload[eventlog.KeyResult]; ok {
			st.Result = result
		}
		if st.Status == StepRunning || st.Status == StepRetrying {
			s.Active--
		}
		st.Status = StepCompleted
		st.SinkPending = false
		s.Results[ev.NodeID] = st.Result

	case eventlog.TypeStepFailed:
		st := s.Step(ev.NodeID)
		if st.Status == StepRunning || st.Status == StepRetrying {
			s.Active--
		}
		st.Status = StepFailed
		st.SinkPending = false
		s.FailedEvents[ev.ID] = ev.NodeID
		if ev.Error != nil {
			st.LastError = ev.Error
		}
		if s.Cause == nil {
			s.Cause = st.LastError
			s.FailedStep = ev.NodeID
		}
		if st.Frame != nil && !st.Frame.Closed {
			st.Frame.Aborted = true
		}

	case eventlog.TypeSinkCompleted, eventlog.TypeSinkFailed:
		st := s.Step(ev.NodeID)
		st.SinkPending = false

	case eventlog.TypeChildStarted:
		if child, ok := ev.Payload[eventlog.KeyChildExecution].(string); ok {
			s.Children[ev.NodeID] = child
		}

	case eventlog.TypeChildCompleted:
		delete(s.Children, ev.NodeID)

	case eventlog.TypePlaybookCompleted, eventlog.TypePlaybookFailed:
		copied := *ev
		s.Terminal = &copied
		if ev.Type == eventlog.TypePlaybookFailed && s.Cause == nil {
			s.Cause = ev.Error
		}
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
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
