package proc

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"runtime"
	"testing"
)

func TestOS_Run_ExitCodes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	ctx := context.Background()

	code, err := OS{}.Run(ctx, Cmd{Name: "sh", Args: []string{"-c", "exit 0"}})
	if err != nil || code != 0 {
		t.Fatalf("exit 0: code=%d err=%v", code, err)
	}

	code, err = OS{}.Run(ctx, Cmd{Name: "sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if code != 3 {
		t.Fatalf("code = %d, want 3", code)
	}
}

func TestOS_Run_DoesNotInheritEnvironment(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	t.Setenv("COVPIPE_PROC_SECRET", "leak")

	var out bytes.Buffer
	code, err := OS{}.Run(context.Background(), Cmd{
		Name:   "sh",
		Args:   []string{"-c", `printf '%s' "$COVPIPE_PROC_SECRET"`},
		Env:    []string{"ONLY=this"},
		Stdout: &out,
	})
	if err != nil || code != 0 {
		t.Fatalf("code=%d err=%v", code, err)
	}
	if out.String() != "" {
		t.Fatalf("child saw parent variable: %q", out.String())
	}
}

func TestOS_Run_MissingBinary(t *testing.T) {
	_, err := OS{}.Run(context.Background(), Cmd{Name: "covpipe-definitely-not-installed"})
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

func TestEnvironAndLookup(t *testing.T) {
	env := Environ(map[string]string{"B": "2", "A": "1"})
	if want := []string{"A=1", "B=2"}; !reflect.DeepEqual(env, want) {
		t.Fatalf("Environ = %v, want %v", env, want)
	}
	env = append(env, "A=3")
	if v, ok := Lookup(env, "A"); !ok || v != "3" {
		t.Fatalf("Lookup(A) = %q,%v", v, ok)
	}
	if _, ok := Lookup(env, "C"); ok {
		t.Fatal("Lookup(C) should miss")
	}
}
