package engine

import (
	"context"
	"errors"

	"covpipe/internal/proc"
)

// noExec backs components built only to describe a plan.
type noExec struct{}

func (noExec) Run(context.Context, proc.Cmd) (int, error) {
	return -1, errors.New("plan mode does not run commands")
}
