package eventlog

// Payload keys shared by the broker, worker, and reconstructor. Keeping them
// here pins the wire vocabulary to the package that owns event truth.
const (
	KeyPlaybookRef     = "playbook_ref"
	KeyWorkload        = "workload"
	KeyParentExecution = "parent_execution_id"
	KeyParentNode      = "parent_node_id"
	KeyChildExecution  = "child_execution_id"
	KeyResult          = "result"
	KeyArgs            = "args"
	KeyIndex           = "index"
	KeyTotal           = "total"
	KeyMode            = "mode"
	KeyElements        = "elements"
	KeyFailPolicy      = "fail_policy"
	KeyAttempt         = "attempt"
	KeyDelay           = "delay_ms"
	KeyPage            = "page"
	KeyCause           = "cause"
	KeyStep            = "step"
	KeyPurpose         = "purpose"
	KeyOverrides       = "overrides"
	KeyErrors          = "errors"
)
