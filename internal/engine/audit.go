package engine

import (
	"context"
	"fmt"
	"strings"

	"covpipe/internal/envguard"
	"covpipe/internal/proc"
)

// auditingExecutor refuses to run any command whose environment carries a
// publication credential. It wraps the executor of untrusted runs.
type auditingExecutor struct {
	next  proc.Executor
	guard *envguard.Guard
}

func (a auditingExecutor) Run(ctx context.Context, cmd proc.Cmd) (int, error) {
	if leaked := a.guard.Audit(cmd.Env); len(leaked) > 0 {
		return -1, fmt.Errorf("%w: %s carries %s", ErrCredentialExposed, cmd.Name, strings.Join(leaked, ", "))
	}
	return a.next.Run(ctx, cmd)
}
