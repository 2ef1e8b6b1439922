package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

type ConsoleSink struct {
	writer io.Writer
	format string // "text", "ndjson"
	mu     sync.Mutex
}

func NewConsoleSink(w io.Writer, format string) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	if format == "" {
		format = "text"
	}
	return &ConsoleSink{writer: w, format: format}
}

var statusColors = map[Status]*color.Color{
	StatusPass:    color.New(color.FgGreen),
	StatusFail:    color.New(color.FgRed),
	StatusError:   color.New(color.FgRed, color.Bold),
	StatusSkipped: color.New(color.FgYellow),
}

func statusTag(s Status) string {
	tag := "[" + string(s) + "]"
	if c, ok := statusColors[s]; ok {
		return c.Sprint(tag)
	}
	return tag
}

func (s *ConsoleSink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.format {
	case "ndjson":
		encoder := json.NewEncoder(s.writer)
		switch t := v.(type) {
		case Event:
			if err := encoder.Encode(t); err != nil {
				return err
			}
		case StepResult:
			if err := encoder.Encode(eventFromResult(t)); err != nil {
				return err
			}
		default:
			return nil
		}
		return flushIfPossible(s.writer)
	case "text":
		if err := s.writeText(v); err != nil {
			return err
		}
		return flushIfPossible(s.writer)
	default:
		return fmt.Errorf("unsupported console format: %s", s.format)
	}
}

func (s *ConsoleSink) writeText(v any) error {
	switch t := v.(type) {
	case StepResult:
		line := fmt.Sprintf("%s %s", statusTag(t.Status), t.Step)
		if t.Message != "" {
			line += " - " + t.Message
		}
		line += fmt.Sprintf(" (%s)", (time.Duration(t.DurationMS) * time.Millisecond).String())
		_, err := fmt.Fprintln(s.writer, line)
		return err
	case Event:
		switch t.Type {
		case EventRunStarted:
			trust := "untrusted"
			if t.Trusted {
				trust = "trusted"
			}
			_, err := fmt.Fprintf(s.writer, "run %s: %s %s (group %s, %s)\n", t.Run, t.Kind, t.SHA, t.Group, trust)
			return err
		case EventRunFinished:
			bold := color.New(color.Bold)
			_, err := fmt.Fprintf(s.writer, "%s %s (exit code %d)\n", bold.Sprint("run finished:"), t.Outcome, t.ExitCode)
			return err
		}
		// step.started and step.finished events are covered by StepResult lines.
		return nil
	}
	return nil
}

func (s *ConsoleSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format != "text" && s.format != "ndjson" {
		return fmt.Errorf("unsupported console format: %s", s.format)
	}
	return nil
}
