package output

import (
	"encoding/json"
	"io"
)

// RunRecord is the aggregate document written by the json formats.
type RunRecord struct {
	Run      string       `json:"run,omitempty"`
	Group    string       `json:"group,omitempty"`
	Kind     string       `json:"kind,omitempty"`
	SHA      string       `json:"sha,omitempty"`
	PRNumber int          `json:"pr_number,omitempty"`
	Trusted  bool         `json:"trusted"`
	Steps    []StepResult `json:"steps"`
	Outcome  string       `json:"outcome,omitempty"`
	ExitCode int          `json:"exit_code"`
}

// add folds v into the record. Values other than Event and StepResult are
// ignored.
func (r *RunRecord) add(v any) {
	switch t := v.(type) {
	case StepResult:
		r.Steps = append(r.Steps, t)
	case Event:
		switch t.Type {
		case EventRunStarted:
			r.Run, r.Group, r.Kind = t.Run, t.Group, t.Kind
			r.SHA, r.PRNumber, r.Trusted = t.SHA, t.PRNumber, t.Trusted
		case EventRunFinished:
			r.Outcome, r.ExitCode = t.Outcome, t.ExitCode
		}
	}
}

func (r *RunRecord) encode(w io.Writer) error {
	if r.Steps == nil {
		r.Steps = []StepResult{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r); err != nil {
		return err
	}
	return flushIfPossible(w)
}

// encodeStream writes v as one NDJSON line. Results are wrapped in a
// step.finished event so every line has a type.
func encodeStream(w io.Writer, v any) error {
	var e Event
	switch t := v.(type) {
	case Event:
		e = t
	case StepResult:
		e = eventFromResult(t)
	default:
		return nil
	}
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return err
	}
	return flushIfPossible(w)
}

func flushIfPossible(w io.Writer) error {
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
