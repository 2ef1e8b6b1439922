// Package trigger resolves the event that started a run.
//
// The producer pipeline accepts exactly two kinds of trigger: a push to the
// primary branch and an update to a pull request targeting it. The resolved
// Event is immutable and consumed once per run.
package trigger

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v81/github"
)

type Kind string

const (
	KindPush        Kind = "push"
	KindPullRequest Kind = "pull_request"
)

// ErrUnsupported reports an event that must not start this pipeline.
var ErrUnsupported = errors.New("unsupported trigger")

type Event struct {
	Kind       Kind
	Workflow   string
	Repository string

	// Ref is the branch for pushes and the head branch for pull requests.
	Ref     string
	BaseRef string

	// SHA is the originating commit: the pushed head, or the pull request head.
	SHA string

	// PRNumber is 0 for pushes.
	PRNumber int

	// RunID identifies the run: GITHUB_RUN_ID in Actions, a generated id for
	// local runs.
	RunID string
}

// Group is the single-flight key: workflow plus branch or pull request. The
// kind is part of the key so a branch named "pr-7" never shares a group with
// pull request 7.
func (e Event) Group() string {
	if e.Kind == KindPullRequest {
		return fmt.Sprintf("%s-pr-%d", e.Workflow, e.PRNumber)
	}
	return e.Workflow + "-push-" + e.Ref
}

// Trusted reports whether the run may write shared caches: only pushes to the
// primary branch qualify.
func (e Event) Trusted(primaryBranch string) bool {
	return e.Kind == KindPush && e.Ref == primaryBranch
}

var (
	shaPattern   = regexp.MustCompile(`^[0-9a-f]{40}([0-9a-f]{24})?$`)
	runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// ValidSHA reports whether s is a full 40 or 64 hex digit commit id.
func ValidSHA(s string) bool {
	return shaPattern.MatchString(s)
}

// Validate checks the event against the accepted trigger surface.
func (e Event) Validate(primaryBranch string) error {
	if strings.TrimSpace(e.Workflow) == "" {
		return errors.New("trigger: workflow is required")
	}
	if !ValidSHA(e.SHA) {
		return fmt.Errorf("trigger: invalid commit id %q", e.SHA)
	}
	if !runIDPattern.MatchString(e.RunID) {
		return fmt.Errorf("trigger: invalid run id %q", e.RunID)
	}
	switch e.Kind {
	case KindPush:
		if e.Ref != primaryBranch {
			return fmt.Errorf("%w: push to %q (only %q runs this pipeline)", ErrUnsupported, e.Ref, primaryBranch)
		}
		if e.PRNumber != 0 {
			return errors.New("trigger: push events carry no pull request number")
		}
	case KindPullRequest:
		if e.PRNumber <= 0 {
			return fmt.Errorf("trigger: invalid pull request number %d", e.PRNumber)
		}
		if e.BaseRef != primaryBranch {
			return fmt.Errorf("%w: pull request targets %q (only %q runs this pipeline)", ErrUnsupported, e.BaseRef, primaryBranch)
		}
	default:
		return fmt.Errorf("%w: event kind %q", ErrUnsupported, e.Kind)
	}
	return nil
}

// FromGitHubEnv resolves the event from the variables a GitHub Actions job
// exposes. getenv is usually os.Getenv.
func FromGitHubEnv(getenv func(string) string) (Event, error) {
	name := strings.TrimSpace(getenv("GITHUB_EVENT_NAME"))
	if name == "" {
		return Event{}, errors.New("trigger: GITHUB_EVENT_NAME is not set")
	}
	path := strings.TrimSpace(getenv("GITHUB_EVENT_PATH"))
	if path == "" {
		return Event{}, errors.New("trigger: GITHUB_EVENT_PATH is not set")
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return Event{}, fmt.Errorf("trigger: read event payload: %w", err)
	}

	ev, err := FromPayload(name, payload)
	if err != nil {
		return Event{}, err
	}
	ev.Workflow = getenv("GITHUB_WORKFLOW")
	if ev.Repository == "" {
		ev.Repository = getenv("GITHUB_REPOSITORY")
	}
	if ev.SHA == "" {
		ev.SHA = getenv("GITHUB_SHA")
	}
	if raw := strings.TrimSpace(getenv("GITHUB_RUN_ID")); raw != "" {
		if _, err := strconv.ParseUint(raw, 10, 64); err != nil {
			return Event{}, fmt.Errorf("trigger: invalid GITHUB_RUN_ID %q", raw)
		}
		ev.RunID = raw
	}
	return ev, nil
}

// FromPayload decodes a webhook payload of the given event name.
func FromPayload(eventName string, payload []byte) (Event, error) {
	parsed, err := github.ParseWebHook(eventName, payload)
	if err != nil {
		return Event{}, fmt.Errorf("trigger: parse %s payload: %w", eventName, err)
	}

	switch p := parsed.(type) {
	case *github.PushEvent:
		return Event{
			Kind:       KindPush,
			Repository: p.GetRepo().GetFullName(),
			Ref:        BranchName(p.GetRef()),
			SHA:        p.GetAfter(),
		}, nil
	case *github.PullRequestEvent:
		pr := p.GetPullRequest()
		number := p.GetNumber()
		if number == 0 {
			number = pr.GetNumber()
		}
		return Event{
			Kind:       KindPullRequest,
			Repository: p.GetRepo().GetFullName(),
			Ref:        pr.GetHead().GetRef(),
			BaseRef:    pr.GetBase().GetRef(),
			SHA:        pr.GetHead().GetSHA(),
			PRNumber:   number,
		}, nil
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnsupported, eventName)
	}
}

// BranchName strips the refs/heads/ prefix.
func BranchName(ref string) string {
	return strings.TrimPrefix(strings.TrimSpace(ref), "refs/heads/")
}
