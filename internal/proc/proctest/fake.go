// Package proctest provides a recording proc.Executor for tests.
package proctest

import (
	"context"
	"strings"
	"sync"

	"covpipe/internal/proc"
)

// Handler decides the outcome of one command.
type Handler func(ctx context.Context, cmd proc.Cmd) (int, error)

// Executor records every command it is asked to run. Handlers are matched by
// the command's first word (the binary name); unmatched commands exit 0.
type Executor struct {
	mu       sync.Mutex
	calls    []proc.Cmd
	handlers map[string]Handler
}

func New() *Executor {
	return &Executor{handlers: make(map[string]Handler)}
}

// Handle registers h for commands whose binary is name.
func (e *Executor) Handle(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

func (e *Executor) Run(ctx context.Context, cmd proc.Cmd) (int, error) {
	e.mu.Lock()
	cp := cmd
	cp.Args = append([]string(nil), cmd.Args...)
	cp.Env = append([]string(nil), cmd.Env...)
	e.calls = append(e.calls, cp)
	h := e.handlers[cmd.Name]
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if h == nil {
		return 0, nil
	}
	return h(ctx, cmd)
}

// Calls returns a snapshot of the recorded commands.
func (e *Executor) Calls() []proc.Cmd {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]proc.Cmd(nil), e.calls...)
}

// Find returns the recorded commands whose String() contains substr.
func (e *Executor) Find(substr string) []proc.Cmd {
	var out []proc.Cmd
	for _, c := range e.Calls() {
		if strings.Contains(c.String(), substr) {
			out = append(out, c)
		}
	}
	return out
}
