package output

import (
	"errors"
	"strings"
	"testing"
)

type recordingSink struct {
	writes   []any
	writeErr error
	closeErr error
	closes   int
}

func (s *recordingSink) Write(v any) error {
	s.writes = append(s.writes, v)
	return s.writeErr
}

func (s *recordingSink) Close() error {
	s.closes++
	return s.closeErr
}

func TestManager_FansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	mgr, err := NewManager(a, b)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []any{Event{Type: EventRunStarted}, StepResult{Step: "prepare"}} {
		if err := mgr.Write(v); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if len(a.writes) != 2 || len(b.writes) != 2 {
		t.Fatalf("writes a=%d b=%d, want 2 each", len(a.writes), len(b.writes))
	}
	if a.closes != 1 || b.closes != 1 {
		t.Fatalf("closes a=%d b=%d, want 1 each", a.closes, b.closes)
	}
}

func TestManager_RejectsNilSink(t *testing.T) {
	if _, err := NewManager(&recordingSink{}, nil); err == nil {
		t.Fatal("NewManager(nil) want error")
	}
}

func TestManager_DropsFailedSink(t *testing.T) {
	broken := &recordingSink{writeErr: errors.New("disk full")}
	healthy := &recordingSink{}
	mgr, err := NewManager(broken, healthy)
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.Write("v1"); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("first Write() err = %v", err)
	}
	if err := mgr.Write("v2"); err != nil {
		t.Fatalf("second Write() err = %v, the broken sink should be gone", err)
	}
	if len(broken.writes) != 1 || broken.closes != 1 {
		t.Fatalf("broken sink writes=%d closes=%d", len(broken.writes), broken.closes)
	}
	if len(healthy.writes) != 2 {
		t.Fatalf("healthy sink got %d writes", len(healthy.writes))
	}

	err = mgr.Close()
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Close() err = %v, want the earlier write failure", err)
	}
	if broken.closes != 1 {
		t.Fatalf("broken sink closed %d times", broken.closes)
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	s := &recordingSink{closeErr: errors.New("close-a")}
	mgr, err := NewManager(s)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Close(); err == nil || !strings.Contains(err.Error(), "close-a") {
		t.Fatalf("Close() err = %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("second Close() err = %v", err)
	}
	if s.closes != 1 {
		t.Fatalf("sink closed %d times", s.closes)
	}
	if err := mgr.Write("late"); err == nil {
		t.Fatal("Write after Close should fail")
	}
}
