// Package testrun executes the suite under coverage instrumentation.
package testrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"covpipe/internal/envguard"
	"covpipe/internal/proc"
	"covpipe/internal/service"
)

var (
	// ErrNoReport reports that the instrumented run produced no coverage
	// report. The instrumentation or toolchain failed; nothing can be packaged.
	ErrNoReport = errors.New("coverage report was not produced")
	// ErrToolchain reports that the test command could not be started.
	ErrToolchain = errors.New("test command could not be started")
)

type Options struct {
	Command []string
	Dir     string

	LogEnv    string
	LogLevel  string
	URLEnv    string
	DomainEnv string

	// Report is the report path relative to Dir.
	Report string

	BaseEnv  []string
	ExtraEnv map[string]string
	Guard    *envguard.Guard
	Output   io.Writer
}

type Result struct {
	ReportPath  string
	ExitCode    int
	TestsFailed bool
	Summary     *Summary
}

type Runner struct {
	exec   proc.Executor
	opts   Options
	logger *slog.Logger
}

func NewRunner(exec proc.Executor, opts Options, logger *slog.Logger) (*Runner, error) {
	if exec == nil {
		return nil, errors.New("testrun: executor is nil")
	}
	if len(opts.Command) == 0 {
		return nil, errors.New("testrun: command is required")
	}
	if opts.Report == "" {
		return nil, errors.New("testrun: report path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{exec: exec, opts: opts, logger: logger}, nil
}

// ReportPath is the absolute-or-dir-relative location of the report.
func (r *Runner) ReportPath() string {
	return filepath.Join(r.opts.Dir, r.opts.Report)
}

// Env builds the environment the suite runs with. The connection variables
// come from the provisioned endpoint and nowhere else.
func (r *Runner) Env(ep service.Endpoint) []string {
	extra := make(map[string]string, len(r.opts.ExtraEnv)+3)
	for k, v := range r.opts.ExtraEnv {
		extra[k] = v
	}
	extra[r.opts.LogEnv] = r.opts.LogLevel
	extra[r.opts.URLEnv] = ep.BaseURL
	extra[r.opts.DomainEnv] = ep.Domain
	return r.opts.Guard.Build(r.opts.BaseEnv, extra)
}

// RemoveStaleReport deletes a report left behind by an earlier run, so a run
// that stops before its test step leaves no report in the work dir.
func (r *Runner) RemoveStaleReport() error {
	if err := os.Remove(r.ReportPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("testrun: remove stale report: %w", err)
	}
	return nil
}

// Run executes the suite against ep. Failing tests are not an error as long
// as the report exists; a missing report is.
func (r *Runner) Run(ctx context.Context, ep service.Endpoint) (*Result, error) {
	report := r.ReportPath()
	if err := r.RemoveStaleReport(); err != nil {
		return nil, err
	}

	cmd := proc.Cmd{
		Name:   r.opts.Command[0],
		Args:   r.opts.Command[1:],
		Dir:    r.opts.Dir,
		Env:    r.Env(ep),
		Stdout: r.opts.Output,
		Stderr: r.opts.Output,
	}
	r.logger.Info("running tests", "cmd", cmd.String(), "url", ep.BaseURL, "domain", ep.Domain)
	code, err := r.exec.Run(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrToolchain, err)
	}

	info, statErr := os.Stat(report)
	if statErr != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s (exit code %d)", ErrNoReport, r.opts.Report, code)
	}

	res := &Result{ReportPath: report, ExitCode: code, TestsFailed: code != 0}
	if s, err := Summarize(report); err == nil {
		res.Summary = s
	} else if !errors.Is(err, ErrUnknownFormat) {
		r.logger.Warn("coverage summary failed", "err", err)
	}
	r.logger.Info("tests finished", "exit_code", code, "report", r.opts.Report)
	return res, nil
}
