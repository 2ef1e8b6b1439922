package output

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRenderSummary(t *testing.T) {
	rec := RunRecord{
		Run:      "99",
		Group:    "coverage-pr-12",
		Kind:     "pull_request",
		SHA:      "0123abc",
		PRNumber: 12,
		Steps: []StepResult{
			NewStepResult("99", "prepare", StatusPass, "", time.Second),
			NewStepResult("99", "test", StatusFail, "exit code 1 | see log", 3*time.Second).WithEvidence("coverage", "71.4%"),
		},
		Outcome:  "tests-failed",
		ExitCode: 1,
	}
	got := RenderSummary(rec)

	for _, want := range []string{
		"## Coverage pipeline",
		"- **Run:** `99` (pull_request, untrusted)",
		"- **Pull request:** #12",
		"- **Outcome:** tests-failed (exit code 1)",
		"- **Coverage:** 71.4%",
		"| prepare | ✅ PASS | 1s |  |",
		"| test | ❌ FAIL | 3s | exit code 1 \\| see log |",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary missing %q:\n%s", want, got)
		}
	}
}

func TestSummarySink_AppendsOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "step_summary.md")
	if err := os.WriteFile(path, []byte("existing\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewSummarySink(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Write(Event{Type: EventRunStarted, Run: "1", Kind: "push", Trusted: true})
	_ = s.Write(NewStepResult("1", "cache-save", StatusPass, "written", 0))

	if b, _ := os.ReadFile(path); string(b) != "existing\n" {
		t.Fatalf("summary written before Close: %q", b)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(b), "existing\n## Coverage pipeline") {
		t.Fatalf("summary not appended: %q", b)
	}
	if !strings.Contains(string(b), "(push, trusted)") {
		t.Fatalf("summary missing trust: %q", b)
	}
}

func TestNewSummarySink_RequiresPath(t *testing.T) {
	if _, err := NewSummarySink(""); err == nil {
		t.Fatal("expected error")
	}
}

func TestStepResult_WithEvidenceDoesNotAlias(t *testing.T) {
	base := StepResult{Step: "test", Evidence: map[string]string{"a": "1"}}
	derived := base.WithEvidence("b", "2")
	if _, ok := base.Evidence["b"]; ok {
		t.Fatal("WithEvidence mutated the receiver's map")
	}
	if derived.Evidence["a"] != "1" || derived.Evidence["b"] != "2" {
		t.Fatalf("Evidence = %v", derived.Evidence)
	}
	if same := base.WithEvidence("c", ""); len(same.Evidence) != 1 {
		t.Fatal("empty values should be skipped")
	}
}
