package github

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"covpipe/internal/proc"
)

type TokenSource string

const (
	TokenSourceExplicit TokenSource = "explicit"
	TokenSourceEnv      TokenSource = "env:GITHUB_TOKEN"
	TokenSourceGHEnv    TokenSource = "env:GH_TOKEN"
	TokenSourceCLI      TokenSource = "gh"
)

// TokenResolver finds the read token used to download artifacts.
type TokenResolver struct {
	Getenv func(string) string
	// Exec runs the gh CLI fallback. Nil disables it.
	Exec proc.Executor
	// Env is the environment gh runs with.
	Env []string
}

// Resolve returns the first non-empty token from: provided, GITHUB_TOKEN,
// GH_TOKEN, then `gh auth token`. An empty token with a nil error means none
// was found; public repositories can still be read anonymously.
func (r TokenResolver) Resolve(ctx context.Context, provided string) (string, TokenSource, error) {
	if tok := strings.TrimSpace(provided); tok != "" {
		return tok, TokenSourceExplicit, nil
	}
	if r.Getenv != nil {
		if tok := strings.TrimSpace(r.Getenv("GITHUB_TOKEN")); tok != "" {
			return tok, TokenSourceEnv, nil
		}
		if tok := strings.TrimSpace(r.Getenv("GH_TOKEN")); tok != "" {
			return tok, TokenSourceGHEnv, nil
		}
	}
	if r.Exec == nil {
		return "", "", nil
	}
	tok, err := r.fromCLI(ctx)
	if err != nil || tok == "" {
		return "", "", err
	}
	return tok, TokenSourceCLI, nil
}

func (r TokenResolver) fromCLI(ctx context.Context) (string, error) {
	// A broken credential helper must not hang the command.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	env := make([]string, 0, len(r.Env)+1)
	for _, kv := range r.Env {
		if !strings.HasPrefix(kv, "GH_PAGER=") {
			env = append(env, kv)
		}
	}
	env = append(env, "GH_PAGER=cat")

	var out bytes.Buffer
	code, err := r.Exec.Run(ctx, proc.Cmd{
		Name:   "gh",
		Args:   []string{"auth", "token", "-h", "github.com"},
		Env:    env,
		Stdout: &out,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// gh is not installed.
		return "", nil
	}
	if code != 0 {
		// Not logged in. gh output is never surfaced.
		return "", nil
	}

	tok := strings.TrimSpace(out.String())
	if strings.ContainsAny(tok, " \t\n\r") {
		return "", errors.New("invalid token returned by gh: contains whitespace")
	}
	return tok, nil
}
