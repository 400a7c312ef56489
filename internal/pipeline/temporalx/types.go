package temporalx

const (
	// WorkflowName identifies ExecutionWorkflow for RegisterOptions so the
	// name stays stable across renames of the Go identifier.
	WorkflowName = "execution_run"
	// ActivityApply identifies Activities.ApplyMessage.
	ActivityApply = "execution_apply_message"
	// SignalMessage is the one signal channel every queued message for an
	// execution arrives on, mirroring the teacher's single job_resume signal.
	SignalMessage = "engine_message"
)

// tickResult is the activity's report back to the workflow loop: whether
// the execution reached a terminal status and the workflow can stop.
type tickResult struct {
	Done bool `json:"done"`
}
