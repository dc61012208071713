package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecodePlaybook parses the JSON interchange form of a playbook into a
// validated Graph. The YAML DSL parser is an external collaborator that
// lowers into this same form.
func DecodePlaybook(data []byte) (*Graph, error) {
	var doc playbookDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &GraphError{Message: "parse playbook: " + err.Error(), Code: "BAD_PLAYBOOK"}
	}
	if doc.Ref == "" {
		return nil, &GraphError{Message: "playbook requires a ref", Code: "BAD_PLAYBOOK"}
	}

	g := NewGraph(doc.Ref)
	for _, sd := range doc.Steps {
		step, err := sd.toStep()
		if err != nil {
			return nil, err
		}
		if err := g.Add(step); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

type playbookDoc struct {
	Ref   string    `json:"ref"`
	Steps []stepDoc `json:"steps"`
}

type stepDoc struct {
	Name     string          `json:"name"`
	Kind     string          `json:"kind,omitempty"`
	Args     map[string]any  `json:"args,omitempty"`
	Auth     string          `json:"auth,omitempty"`
	Loop     *loopDoc        `json:"loop,omitempty"`
	Retry    *retryDoc       `json:"retry,omitempty"`
	Sink     *sinkDoc        `json:"sink,omitempty"`
	Next     []transitionDoc `json:"next,omitempty"`
	Timeout  string          `json:"timeout,omitempty"`
	Priority int             `json:"priority,omitempty"`
}

type loopDoc struct {
	Collection string `json:"collection"`
	Element    string `json:"element"`
	Mode       string `json:"mode,omitempty"`
	Filter     string `json:"filter,omitempty"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
	OnFailure  string `json:"on_failure,omitempty"`
}

type retryDoc struct {
	OnError   *errorRetryDoc `json:"on_error,omitempty"`
	OnSuccess *paginationDoc `json:"on_success,omitempty"`
}

type errorRetryDoc struct {
	When         string  `json:"when,omitempty"`
	MaxAttempts  int     `json:"max_attempts"`
	InitialDelay string  `json:"initial_delay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	Jitter       float64 `json:"jitter,omitempty"`
	StopWhen     string  `json:"stop_when,omitempty"`
}

type paginationDoc struct {
	While       string `json:"while"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	NextCall    struct {
		Params map[string]string `json:"params,omitempty"`
		Body   map[string]string `json:"body,omitempty"`
	} `json:"next_call"`
	Collect struct {
		Strategy string `json:"strategy,omitempty"`
		Path     string `json:"path,omitempty"`
		Into     string `json:"into,omitempty"`
	} `json:"collect"`
}

type sinkDoc struct {
	When    string         `json:"when,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	OnError string         `json:"on_error,omitempty"`
}

type transitionDoc struct {
	When string   `json:"when,omitempty"`
	Then []string `json:"then"`
	Else bool     `json:"else,omitempty"`
}

func (sd stepDoc) toStep() (*Step, error) {
	step := &Step{
		Name:     sd.Name,
		Kind:     ToolKind(sd.Kind),
		Args:     sd.Args,
		Auth:     sd.Auth,
		Priority: sd.Priority,
	}

	var err error
	if step.Timeout, err = parseDuration(sd.Name, "timeout", sd.Timeout); err != nil {
		return nil, err
	}

	if sd.Loop != nil {
		step.Loop = &LoopSpec{
			Collection: sd.Loop.Collection,
			Element:    sd.Loop.Element,
			Mode:       LoopMode(sd.Loop.Mode),
			Filter:     sd.Loop.Filter,
			ChunkSize:  sd.Loop.ChunkSize,
			OnFailure:  FailPolicy(sd.Loop.OnFailure),
		}
	}

	if sd.Retry != nil {
		step.Retry = &RetrySpec{}
		if re := sd.Retry.OnError; re != nil {
			policy := &ErrorRetry{
				When:        re.When,
				MaxAttempts: re.MaxAttempts,
				Multiplier:  re.Multiplier,
				Jitter:      re.Jitter,
				StopWhen:    re.StopWhen,
			}
			if policy.InitialDelay, err = parseDuration(sd.Name, "initial_delay", re.InitialDelay); err != nil {
				return nil, err
			}
			if policy.MaxDelay, err = parseDuration(sd.Name, "max_delay", re.MaxDelay); err != nil {
				return nil, err
			}
			step.Retry.OnError = policy
		}
		if pg := sd.Retry.OnSuccess; pg != nil {
			step.Retry.OnSuccess = &Pagination{
				While:       pg.While,
				MaxAttempts: pg.MaxAttempts,
				NextCall: NextCall{
					Params: pg.NextCall.Params,
					Body:   pg.NextCall.Body,
				},
				Collect: Collect{
					Strategy: CollectStrategy(pg.Collect.Strategy),
					Path:     pg.Collect.Path,
					Into:     pg.Collect.Into,
				},
			}
		}
	}

	if sd.Sink != nil {
		step.Sink = &SinkSpec{
			When:    sd.Sink.When,
			Kind:    ToolKind(sd.Sink.Kind),
			Args:    sd.Sink.Args,
			OnError: SinkFailPolicy(sd.Sink.OnError),
		}
	}

	for _, td := range sd.Next {
		step.Next = append(step.Next, Transition{
			When: td.When,
			Then: td.Then,
			Else: td.Else,
		})
	}
	return step, nil
}

func parseDuration(step, field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, &GraphError{
			Message: fmt.Sprintf("step %s: invalid %s: %v", step, field, err),
			Code:    "BAD_DURATION",
		}
	}
	return d, nil
}
