package engine

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"covpipe/internal/config"
	"covpipe/internal/flags"
	"covpipe/internal/prepare"
	"covpipe/internal/service"
	"covpipe/internal/trigger"
)

// Plan is what a run would do for an event, without doing it.
type Plan struct {
	Event    trigger.Event
	Group    string
	Trusted  bool
	WorkDir  string
	CacheKey string
	// CacheNote explains an empty CacheKey.
	CacheNote string
	Steps     []PlannedStep
}

type PlannedStep struct {
	Name     string
	Commands []string
	Notes    []string
}

// BuildPlan resolves everything a run would decide up front. It validates the
// event but runs no commands.
func BuildPlan(ctx context.Context, cfg *config.Config, ev trigger.Event) (*Plan, error) {
	if err := ev.Validate(cfg.Workflow.PrimaryBranch); err != nil {
		return nil, &ConfigError{Err: err}
	}
	workDir, err := filepath.Abs(cfg.Runtime.WorkDir)
	if err != nil {
		return nil, err
	}
	p := &Plan{
		Event:   ev,
		Group:   ev.Group(),
		Trusted: ev.Trusted(cfg.Workflow.PrimaryBranch),
		WorkDir: workDir,
	}

	switch {
	case cfg.Cache.Disabled:
		p.CacheNote = "disabled"
	default:
		key, err := CacheKey(ctx, cfg, workDir)
		if err != nil {
			p.CacheNote = err.Error()
		} else {
			p.CacheKey = key
		}
	}

	prep, err := prepare.New(noExec{}, prepare.Options{
		Install:      cfg.Toolchain.Install,
		Packages:     cfg.Toolchain.Packages,
		CoverageTool: cfg.Toolchain.CoverageTool,
	}, nil, nil)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	prov, err := service.NewProvisioner(noExec{}, service.Options{
		Image:      cfg.Service.Image,
		Hostname:   cfg.Service.Hostname,
		Host:       cfg.Service.Host,
		Port:       cfg.Service.Port,
		ServerName: cfg.Service.ServerName,
	}, nil)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	var prepCmds []string
	for _, c := range prep.Commands() {
		prepCmds = append(prepCmds, strings.Join(c, " "))
	}
	prepNotes := []string{}
	if p.CacheKey != "" {
		prepNotes = append(prepNotes, "restore cache "+p.CacheKey)
	}
	for _, o := range cfg.Toolchain.RemoveOverrides {
		prepNotes = append(prepNotes, "remove "+o)
	}

	ep := prov.Endpoint()
	layout := Layout(cfg)
	p.Steps = []PlannedStep{
		{Name: StepPrepare, Commands: prepCmds, Notes: prepNotes},
		{
			Name:  StepProvision,
			Notes: []string{fmt.Sprintf("start %s as %s", cfg.Service.Image, prov.ContainerName(ev.RunID)), "wait for " + ep.BaseURL + cfg.Service.ReadyPath},
		},
		{
			Name:     StepTest,
			Commands: []string{strings.Join(cfg.Test.Command, " ")},
			Notes: []string{
				cfg.Test.LogEnv + "=" + cfg.Test.LogLevel,
				cfg.Test.URLEnv + "=" + pick(cfg.Test.BaseURL, ep.BaseURL),
				cfg.Test.DomainEnv + "=" + pick(cfg.Test.Domain, ep.Domain),
			},
		},
		{
			Name:  StepPackage,
			Notes: []string{fmt.Sprintf("%s.zip: %s", layout.Name, strings.Join(layout.Files(), ", "))},
		},
		{Name: StepCacheSave, Notes: []string{cacheSaveNote(p, cfg)}},
	}
	return p, nil
}

func pick(pinned, derived string) string {
	if pinned != "" {
		return pinned
	}
	return derived
}

func cacheSaveNote(p *Plan, cfg *config.Config) string {
	switch {
	case cfg.Cache.Disabled:
		return "skip (caching disabled)"
	case p.CacheKey == "":
		return "skip (no cache key)"
	case !p.Trusted:
		return "skip (untrusted run)"
	}
	return "save " + p.CacheKey + " unless it exists"
}

// Print renders the plan in the flag vocabulary of the run command.
func (p *Plan) Print(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "--%s %s --%s %s --%s %s", flags.FlagEvent, p.Event.Kind, flags.FlagSHA, p.Event.SHA, flags.FlagRunID, p.Event.RunID)
	if p.Event.Kind == trigger.KindPullRequest {
		fmt.Fprintf(&b, " --%s %d", flags.FlagPR, p.Event.PRNumber)
	} else {
		fmt.Fprintf(&b, " --%s %s", flags.FlagRef, p.Event.Ref)
	}
	b.WriteString("\n")
	trust := "untrusted"
	if p.Trusted {
		trust = "trusted"
	}
	fmt.Fprintf(&b, "group:     %s\n", p.Group)
	fmt.Fprintf(&b, "trust:     %s\n", trust)
	fmt.Fprintf(&b, "workdir:   %s\n", p.WorkDir)
	if p.CacheKey != "" {
		fmt.Fprintf(&b, "cache key: %s\n", p.CacheKey)
	} else {
		fmt.Fprintf(&b, "cache key: none (%s)\n", p.CacheNote)
	}
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.Name)
		for _, c := range s.Commands {
			fmt.Fprintf(&b, "   $ %s\n", c)
		}
		for _, n := range s.Notes {
			fmt.Fprintf(&b, "   - %s\n", n)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
