package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SummarySink appends a Markdown run summary to a file on Close. The file is
// opened in append mode so several runs (or other workflow steps) can share
// one job summary.
type SummarySink struct {
	path   string
	mu     sync.Mutex
	record RunRecord
}

func NewSummarySink(path string) (*SummarySink, error) {
	if path == "" {
		return nil, fmt.Errorf("summary path required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create summary directory: %w", err)
		}
	}
	return &SummarySink{path: path}, nil
}

func (s *SummarySink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.add(v)
	return nil
}

func (s *SummarySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open summary file: %w", err)
	}
	if _, err := f.WriteString(RenderSummary(s.record)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var statusIcons = map[Status]string{
	StatusPass:    "✅",
	StatusFail:    "❌",
	StatusError:   "🛑",
	StatusSkipped: "⏭️",
}

// RenderSummary formats a run as Markdown.
func RenderSummary(r RunRecord) string {
	var b strings.Builder
	b.WriteString("## Coverage pipeline\n\n")

	if r.Run != "" {
		trust := "untrusted"
		if r.Trusted {
			trust = "trusted"
		}
		fmt.Fprintf(&b, "- **Run:** `%s` (%s, %s)\n", r.Run, r.Kind, trust)
		fmt.Fprintf(&b, "- **Group:** `%s`\n", r.Group)
		if r.SHA != "" {
			fmt.Fprintf(&b, "- **Commit:** `%s`\n", r.SHA)
		}
		if r.PRNumber > 0 {
			fmt.Fprintf(&b, "- **Pull request:** #%d\n", r.PRNumber)
		}
	}
	if r.Outcome != "" {
		fmt.Fprintf(&b, "- **Outcome:** %s (exit code %d)\n", r.Outcome, r.ExitCode)
	}
	for _, st := range r.Steps {
		if pct := st.Evidence["coverage"]; pct != "" {
			fmt.Fprintf(&b, "- **Coverage:** %s\n", pct)
		}
	}

	if len(r.Steps) > 0 {
		b.WriteString("\n| Step | Status | Duration | Details |\n|---|---|---|---|\n")
		for _, st := range r.Steps {
			icon := statusIcons[st.Status]
			took := (time.Duration(st.DurationMS) * time.Millisecond).String()
			fmt.Fprintf(&b, "| %s | %s %s | %s | %s |\n", st.Step, icon, st.Status, took, escapeCell(st.Message))
		}
	}
	b.WriteString("\n")
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
