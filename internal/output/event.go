package output

// Lifecycle event types, in the order a run emits them.
const (
	EventRunStarted   = "run.started"
	EventStepStarted  = "step.started"
	EventStepFinished = "step.finished"
	EventRunFinished  = "run.finished"
)

// Event is a lifecycle record for NDJSON streaming output.
//
// JSON mode remains an aggregate of StepResult values.
type Event struct {
	Type string `json:"type"`
	Run  string `json:"run,omitempty"`
	Step string `json:"step,omitempty"`
	*StepResult

	// Set on run.started.
	Group    string `json:"group,omitempty"`
	Kind     string `json:"kind,omitempty"`
	SHA      string `json:"sha,omitempty"`
	PRNumber int    `json:"pr_number,omitempty"`
	Trusted  bool   `json:"trusted,omitempty"`

	// Set on run.finished.
	Steps    int    `json:"steps,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

func eventFromResult(r StepResult) Event {
	return Event{Type: EventStepFinished, Run: r.Run, Step: r.Step, StepResult: &r}
}
