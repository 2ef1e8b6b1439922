// Package proc runs pipeline step commands. Steps go through the Executor
// interface so the engine can be exercised without a container runtime or a
// toolchain on the host.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
)

// Cmd describes one step command. Env is the complete environment; nothing is
// inherited from the calling process.
type Cmd struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// ErrNotStarted reports that the command binary could not be found or launched.
var ErrNotStarted = errors.New("command could not be started")

// Executor runs a command to completion and reports its exit code. A non-zero
// exit code is not an error; err is reserved for commands that could not run
// or were cut short by ctx.
type Executor interface {
	Run(ctx context.Context, cmd Cmd) (exitCode int, err error)
}

// OS runs commands as host processes.
type OS struct{}

func (OS) Run(ctx context.Context, c Cmd) (int, error) {
	if ctx == nil {
		return -1, errors.New("proc: nil context")
	}
	if strings.TrimSpace(c.Name) == "" {
		return -1, fmt.Errorf("%w: empty command", ErrNotStarted)
	}
	if _, err := exec.LookPath(c.Name); err != nil {
		return -1, fmt.Errorf("%w: %s: %v", ErrNotStarted, c.Name, err)
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	// A nil Env would make os/exec inherit the parent environment.
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("%w: %s: %v", ErrNotStarted, c.Name, err)
}

// Environ renders a map as a sorted KEY=VALUE list.
func Environ(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

// Lookup returns the value of name in a KEY=VALUE list. Later entries win.
func Lookup(env []string, name string) (string, bool) {
	val, found := "", false
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == name {
			val, found = v, true
		}
	}
	return val, found
}
