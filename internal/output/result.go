package output

import "time"

type Status string

const (
	StatusPass    Status = "PASS"
	StatusFail    Status = "FAIL"
	StatusSkipped Status = "SKIPPED"
	StatusError   Status = "ERROR"
)

// StepResult is the outcome of one pipeline step.
type StepResult struct {
	Step       string `json:"step"`
	Run        string `json:"run,omitempty"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	// Evidence contains simple key-value pairs supporting the result
	// (cache key, report path, coverage percentage).
	Evidence map[string]string `json:"evidence,omitempty"`
}

func NewStepResult(run, step string, status Status, message string, took time.Duration) StepResult {
	return StepResult{
		Step:       step,
		Run:        run,
		Status:     status,
		Message:    message,
		DurationMS: took.Milliseconds(),
	}
}

// WithEvidence returns r with key set to value.
func (r StepResult) WithEvidence(key, value string) StepResult {
	if value == "" {
		return r
	}
	ev := make(map[string]string, len(r.Evidence)+1)
	for k, v := range r.Evidence {
		ev[k] = v
	}
	ev[key] = value
	r.Evidence = ev
	return r
}
