package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"covpipe/internal/config"
	"covpipe/internal/flags"
	"covpipe/internal/trigger"
)

// triggerFlags describe the event by hand. Without them the event comes from
// the GitHub Actions job environment.
type triggerFlags struct {
	event     string
	eventPath string
	ref       string
	sha       string
	pr        int
	runID     string
}

func (t *triggerFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&t.event, flags.FlagEvent, "", "Trigger kind: push|pull_request (default: $GITHUB_EVENT_NAME)")
	fs.StringVar(&t.eventPath, flags.FlagEventPath, "", "Webhook payload to read the trigger from (default: $GITHUB_EVENT_PATH)")
	fs.StringVar(&t.ref, flags.FlagRef, "", "Pushed branch, or the pull request head branch")
	fs.StringVar(&t.sha, flags.FlagSHA, "", "Commit under test (full hex id)")
	fs.IntVar(&t.pr, flags.FlagPR, 0, "Pull request number (with --event pull_request)")
	fs.StringVar(&t.runID, flags.FlagRunID, "", "Run identifier (default: $GITHUB_RUN_ID, or a generated id)")
}

// resolve builds the trigger event. getenv is usually os.Getenv.
func (t *triggerFlags) resolve(cfg *config.Config, getenv func(string) string) (trigger.Event, error) {
	var (
		ev  trigger.Event
		err error
	)
	switch {
	case t.eventPath != "":
		name := t.event
		if name == "" {
			name = getenv("GITHUB_EVENT_NAME")
		}
		if name == "" {
			return trigger.Event{}, fmt.Errorf("--%s needs --%s or GITHUB_EVENT_NAME", flags.FlagEventPath, flags.FlagEvent)
		}
		payload, rerr := os.ReadFile(t.eventPath)
		if rerr != nil {
			return trigger.Event{}, fmt.Errorf("read event payload: %w", rerr)
		}
		ev, err = trigger.FromPayload(name, payload)
	case t.event != "":
		ev = trigger.Event{
			Kind:     trigger.Kind(strings.TrimSpace(t.event)),
			Ref:      trigger.BranchName(t.ref),
			PRNumber: t.pr,
		}
		switch ev.Kind {
		case trigger.KindPush:
			if ev.Ref == "" {
				ev.Ref = cfg.Workflow.PrimaryBranch
			}
		case trigger.KindPullRequest:
			ev.BaseRef = cfg.Workflow.PrimaryBranch
		}
	case getenv("GITHUB_EVENT_NAME") != "":
		ev, err = trigger.FromGitHubEnv(getenv)
	default:
		return trigger.Event{}, errors.New("no trigger: pass --" + flags.FlagEvent + " or run inside GitHub Actions")
	}
	if err != nil {
		return trigger.Event{}, err
	}

	if t.sha != "" {
		ev.SHA = strings.ToLower(strings.TrimSpace(t.sha))
	}
	if ev.Workflow == "" {
		ev.Workflow = cfg.Workflow.Name
	}
	if t.runID != "" {
		ev.RunID = t.runID
	}
	if ev.RunID == "" {
		ev.RunID = newRunID()
	}
	return ev, nil
}

// newRunID returns a time-ordered id so local runs sort like Actions runs do.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
