// Package prepare readies the work dir for the instrumented run: it restores
// the build cache, installs the toolchain and native libraries, installs the
// coverage tool, and deletes checked-in overrides.
package prepare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"covpipe/internal/cache"
	"covpipe/internal/envguard"
	"covpipe/internal/proc"
)

// ErrInstall reports that an install command failed or could not start.
var ErrInstall = errors.New("environment preparation failed")

type Options struct {
	Dir string

	Install         [][]string
	Packages        []string
	CoverageTool    []string
	RemoveOverrides []string

	// PackageInstaller is the command prefix packages are appended to.
	PackageInstaller []string

	BaseEnv  []string
	ExtraEnv map[string]string
	Guard    *envguard.Guard
	Output   io.Writer
}

// DefaultPackageInstaller installs native packages non-interactively.
var DefaultPackageInstaller = []string{"apt-get", "install", "-y", "--no-install-recommends"}

// Report records what Prepare did.
type Report struct {
	CacheKey string
	CacheHit bool
	Commands []string
	Removed  []string
}

type Preparer struct {
	exec   proc.Executor
	opts   Options
	cache  *cache.Manager
	logger *slog.Logger
}

// New returns a Preparer. cacheMgr may be nil when caching is disabled.
func New(exec proc.Executor, opts Options, cacheMgr *cache.Manager, logger *slog.Logger) (*Preparer, error) {
	if exec == nil {
		return nil, errors.New("prepare: executor is nil")
	}
	for i, c := range opts.Install {
		if len(c) == 0 {
			return nil, fmt.Errorf("prepare: install command %d is empty", i)
		}
	}
	if len(opts.PackageInstaller) == 0 {
		opts.PackageInstaller = DefaultPackageInstaller
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Preparer{exec: exec, opts: opts, cache: cacheMgr, logger: logger}, nil
}

// Commands lists the install commands in execution order.
func (p *Preparer) Commands() [][]string {
	var out [][]string
	out = append(out, p.opts.Install...)
	if len(p.opts.Packages) > 0 {
		c := append([]string(nil), p.opts.PackageInstaller...)
		out = append(out, append(c, p.opts.Packages...))
	}
	if len(p.opts.CoverageTool) > 0 {
		out = append(out, p.opts.CoverageTool)
	}
	return out
}

// Prepare runs every preparation stage in order. cacheKey may be empty, in
// which case nothing is restored. Any install failure stops preparation.
func (p *Preparer) Prepare(ctx context.Context, cacheKey string) (*Report, error) {
	rep := &Report{CacheKey: cacheKey}
	if cacheKey != "" {
		rep.CacheHit = p.cache.Restore(ctx, cacheKey)
	}

	env := p.opts.Guard.Build(p.opts.BaseEnv, p.opts.ExtraEnv)
	for _, c := range p.Commands() {
		cmd := proc.Cmd{
			Name:   c[0],
			Args:   c[1:],
			Dir:    p.opts.Dir,
			Env:    env,
			Stdout: p.opts.Output,
			Stderr: p.opts.Output,
		}
		rep.Commands = append(rep.Commands, cmd.String())
		p.logger.Info("install", "cmd", cmd.String())
		code, err := p.exec.Run(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return rep, err
			}
			return rep, fmt.Errorf("%w: %s: %w", ErrInstall, cmd, err)
		}
		if code != 0 {
			return rep, fmt.Errorf("%w: %s exited with code %d", ErrInstall, cmd, code)
		}
	}

	removed, err := p.RemoveOverrides()
	rep.Removed = removed
	if err != nil {
		return rep, err
	}
	return rep, nil
}

// RemoveOverrides deletes the configured override files. Files that are
// already gone are skipped.
func (p *Preparer) RemoveOverrides() ([]string, error) {
	var removed []string
	for _, rel := range p.opts.RemoveOverrides {
		clean := filepath.Clean(rel)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return removed, fmt.Errorf("prepare: override %q escapes the work dir", rel)
		}
		err := os.Remove(filepath.Join(p.opts.Dir, clean))
		switch {
		case err == nil:
			removed = append(removed, rel)
			p.logger.Info("removed override", "path", rel)
		case errors.Is(err, fs.ErrNotExist):
			p.logger.Debug("override absent", "path", rel)
		default:
			return removed, fmt.Errorf("%w: remove %s: %v", ErrInstall, rel, err)
		}
	}
	return removed, nil
}
