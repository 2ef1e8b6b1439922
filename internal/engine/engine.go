// Package engine runs the coverage pipeline for one trigger event.
//
// Steps run strictly in order: prepare, provision, test, package, cache save.
// The run holds a lease on its concurrency group for its whole lifetime and
// checks it before every effectful step, so a superseded run stops without
// producing an artifact or touching the cache. The sidecar is released on
// every exit path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"covpipe/internal/cache"
	"covpipe/internal/concurrency"
	"covpipe/internal/config"
	"covpipe/internal/envguard"
	"covpipe/internal/handoff"
	"covpipe/internal/output"
	"covpipe/internal/prepare"
	"covpipe/internal/proc"
	"covpipe/internal/service"
	"covpipe/internal/testrun"
	"covpipe/internal/trigger"
)

// Step names as they appear in events and summaries.
const (
	StepPrepare   = "prepare"
	StepProvision = "provision"
	StepTest      = "test"
	StepPackage   = "package"
	StepCacheSave = "cache-save"
)

// Steps lists the pipeline stages in execution order.
var Steps = []string{StepPrepare, StepProvision, StepTest, StepPackage, StepCacheSave}

// Report summarizes one run.
type Report struct {
	RunID    string
	Group    string
	Trusted  bool
	Outcome  Outcome
	ExitCode int
	Err      error

	CacheKey  string
	CacheHit  bool
	CacheSave cache.SaveResult
	Test      *testrun.Result
	Artifact  *handoff.Artifact
	Steps     []output.StepResult
}

type Engine struct {
	deps Deps
	now  func() time.Time
}

func NewEngine(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{deps: deps, now: time.Now}
}

// Run executes the pipeline and returns the process exit code.
func (e *Engine) Run(ctx context.Context, cfg *config.Config, ev trigger.Event) int {
	rep := e.Execute(ctx, cfg, ev)
	if rep.Err != nil {
		e.deps.Logger.Error("run ended", "run", rep.RunID, "outcome", rep.Outcome, "err", rep.Err)
	}
	return rep.ExitCode
}

// Execute runs the pipeline and reports what happened.
func (e *Engine) Execute(ctx context.Context, cfg *config.Config, ev trigger.Event) *Report {
	rep := &Report{
		RunID:   ev.RunID,
		Group:   ev.Group(),
		Trusted: ev.Trusted(cfg.Workflow.PrimaryBranch),
	}
	if err := ev.Validate(cfg.Workflow.PrimaryBranch); err != nil {
		rep.end(OutcomeFailed, &ConfigError{Err: err})
		return rep
	}
	if e.deps.Exec == nil || e.deps.Epochs == nil || e.deps.Artifacts == nil {
		rep.end(OutcomeFailed, &ConfigError{Err: errors.New("engine dependencies are incomplete")})
		return rep
	}

	outMgr, err := setupOutputManager(cfg, e.deps.Stdout)
	if err != nil {
		rep.end(OutcomeFailed, &ConfigError{Err: fmt.Errorf("create output sinks: %w", err)})
		return rep
	}
	defer outMgr.Close()

	r := &run{
		e:      e,
		cfg:    cfg,
		ev:     ev,
		rep:    rep,
		out:    outMgr,
		logger: e.deps.Logger.With("run", ev.RunID, "group", rep.Group),
	}
	_ = outMgr.Write(output.Event{
		Type:     output.EventRunStarted,
		Run:      ev.RunID,
		Group:    rep.Group,
		Kind:     string(ev.Kind),
		SHA:      ev.SHA,
		PRNumber: ev.PRNumber,
		Trusted:  rep.Trusted,
	})

	r.execute(ctx)

	_ = outMgr.Write(output.Event{
		Type:     output.EventRunFinished,
		Run:      ev.RunID,
		Steps:    len(rep.Steps),
		Outcome:  string(rep.Outcome),
		ExitCode: rep.ExitCode,
	})
	return rep
}

func (rep *Report) end(outcome Outcome, err error) {
	rep.Outcome = outcome
	rep.ExitCode = exitCodeForRun(outcome)
	rep.Err = err
}

// run carries the state of one Execute call.
type run struct {
	e      *Engine
	cfg    *config.Config
	ev     trigger.Event
	rep    *Report
	out    *output.Manager
	logger *slog.Logger
	lease  *concurrency.Lease
}

type components struct {
	workDir  string
	cache    *cache.Manager
	preparer *prepare.Preparer
	prov     *service.Provisioner
	runner   *testrun.Runner
	packager *handoff.Packager
}

func (r *run) components() (*components, error) {
	cfg := r.cfg
	workDir, err := filepath.Abs(cfg.Runtime.WorkDir)
	if err != nil {
		return nil, err
	}

	guard := envguard.New(cfg.GuardedVariables())
	baseEnv := guard.Scrub(r.e.deps.BaseEnv)
	stepEnv := cfg.StepEnv(workDir)

	var exec proc.Executor = r.e.deps.Exec
	if !r.rep.Trusted {
		exec = auditingExecutor{next: exec, guard: guard}
	}

	c := &components{workDir: workDir}
	if !cfg.Cache.Disabled && r.e.deps.Cache != nil {
		c.cache = cache.NewManager(r.e.deps.Cache, workDir, cfg.Cache.Paths, r.logger)
	}

	c.preparer, err = prepare.New(exec, prepare.Options{
		Dir:             workDir,
		Install:         cfg.Toolchain.Install,
		Packages:        cfg.Toolchain.Packages,
		CoverageTool:    cfg.Toolchain.CoverageTool,
		RemoveOverrides: cfg.Toolchain.RemoveOverrides,
		BaseEnv:         baseEnv,
		ExtraEnv:        stepEnv,
		Guard:           guard,
		Output:          r.e.deps.StepOutput,
	}, c.cache, r.logger)
	if err != nil {
		return nil, err
	}

	c.prov, err = service.NewProvisioner(exec, service.Options{
		Image:        cfg.Service.Image,
		Hostname:     cfg.Service.Hostname,
		Host:         cfg.Service.Host,
		Port:         cfg.Service.Port,
		Network:      cfg.Service.Network,
		Database:     cfg.Service.Database,
		ServerName:   cfg.Service.ServerName,
		ReadyPath:    cfg.Service.ReadyPath,
		ReadyTimeout: cfg.Service.ReadyTimeout,
		PollInterval: cfg.Runtime.PollInterval,
		DockerBin:    cfg.Service.DockerBin,
		BaseEnv:      baseEnv,
		Output:       r.e.deps.StepOutput,
	}, r.logger)
	if err != nil {
		return nil, err
	}

	c.runner, err = testrun.NewRunner(exec, testrun.Options{
		Command:   cfg.Test.Command,
		Dir:       workDir,
		LogEnv:    cfg.Test.LogEnv,
		LogLevel:  cfg.Test.LogLevel,
		URLEnv:    cfg.Test.URLEnv,
		DomainEnv: cfg.Test.DomainEnv,
		Report:    cfg.Test.Report,
		BaseEnv:   baseEnv,
		ExtraEnv:  stepEnv,
		Guard:     guard,
		Output:    r.e.deps.StepOutput,
	}, r.logger)
	if err != nil {
		return nil, err
	}

	c.packager, err = handoff.NewPackager(Layout(cfg), r.e.deps.Artifacts, r.logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Layout is the artifact layout the configuration describes.
func Layout(cfg *config.Config) handoff.Layout {
	return handoff.Layout{
		Name:    cfg.Artifact.Name,
		Report:  filepath.Base(cfg.Test.Report),
		PRFile:  cfg.Artifact.PRFile,
		SHAFile: cfg.Artifact.SHAFile,
	}
}

// CacheKey fingerprints workDir the way a run does before restoring.
func CacheKey(ctx context.Context, cfg *config.Config, workDir string) (string, error) {
	return cache.Key(ctx, workDir, cfg.Cache.Prefix, cfg.Cache.KeyFiles, cacheSalt(cfg))
}

// cacheSalt ties cache keys to the toolchain definition so a toolchain change
// never restores entries built by another one.
func cacheSalt(cfg *config.Config) string {
	var parts []string
	for _, c := range cfg.Toolchain.Install {
		parts = append(parts, strings.Join(c, " "))
	}
	parts = append(parts, strings.Join(cfg.Toolchain.Packages, " "), strings.Join(cfg.Toolchain.CoverageTool, " "))
	return strings.Join(parts, "\x00")
}

func (r *run) execute(ctx context.Context) {
	if r.cfg.Runtime.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Runtime.Timeout)
		defer cancel()
	}

	c, err := r.components()
	if err != nil {
		r.rep.end(OutcomeFailed, &ConfigError{Err: err})
		return
	}
	if err := c.runner.RemoveStaleReport(); err != nil {
		r.rep.end(OutcomeFailed, &InfraError{Step: StepPrepare, Err: err})
		return
	}

	ctrl := concurrency.NewController(r.e.deps.Epochs, r.cfg.Runtime.PollInterval, r.logger)
	lease, err := ctrl.Begin(ctx, r.rep.Group)
	if err != nil {
		r.rep.end(OutcomeFailed, err)
		return
	}
	defer lease.Release()
	r.lease = lease
	ctx = lease.Context()

	// Prepare
	start := r.begin(StepPrepare)
	key := ""
	if c.cache != nil {
		k, err := CacheKey(ctx, r.cfg, c.workDir)
		if err != nil {
			r.logger.Warn("cache key unavailable, caching skipped", "err", err)
		} else {
			key = k
		}
	}
	r.rep.CacheKey = key
	prep, err := c.preparer.Prepare(ctx, key)
	if prep != nil {
		r.rep.CacheHit = prep.CacheHit
	}
	if err != nil {
		r.fail(StepPrepare, start, &InfraError{Step: StepPrepare, Err: err})
		return
	}
	res := r.result(StepPrepare, start, output.StatusPass, fmt.Sprintf("%d commands, %d overrides removed", len(prep.Commands), len(prep.Removed)))
	res = res.WithEvidence("cache_key", key)
	if key != "" {
		res = res.WithEvidence("cache_hit", strconv.FormatBool(prep.CacheHit))
	}
	r.finish(res)

	// Provision
	if !r.check() {
		return
	}
	start = r.begin(StepProvision)
	inst, err := c.prov.Start(ctx, r.ev.RunID)
	if err != nil {
		r.fail(StepProvision, start, &InfraError{Step: StepProvision, Err: err})
		return
	}
	defer func() {
		if err := inst.Stop(); err != nil {
			r.logger.Warn("service release failed", "container", inst.Name, "err", err)
		}
	}()
	r.finish(r.result(StepProvision, start, output.StatusPass, inst.Name).WithEvidence("url", inst.Endpoint.BaseURL))

	// Test
	if !r.check() {
		return
	}
	start = r.begin(StepTest)
	ep := inst.Endpoint
	if r.cfg.Test.BaseURL != "" {
		ep.BaseURL = r.cfg.Test.BaseURL
	}
	if r.cfg.Test.Domain != "" {
		ep.Domain = r.cfg.Test.Domain
	}
	tr, err := c.runner.Run(ctx, ep)
	if err != nil {
		r.fail(StepTest, start, &InfraError{Step: StepTest, Err: err})
		return
	}
	r.rep.Test = tr
	testRes := r.result(StepTest, start, output.StatusPass, "")
	if tr.TestsFailed {
		testRes = r.result(StepTest, start, output.StatusFail, fmt.Sprintf("tests failed (exit code %d)", tr.ExitCode))
	}
	if tr.Summary != nil {
		testRes = testRes.WithEvidence("coverage", fmt.Sprintf("%.1f%%", tr.Summary.Percent()))
	}
	r.finish(testRes.WithEvidence("report", r.cfg.Test.Report))

	// Package
	if !r.check() {
		return
	}
	start = r.begin(StepPackage)
	art, err := c.packager.Package(ctx, filepath.Dir(c.runner.ReportPath()), handoff.Metadata{SHA: r.ev.SHA, PRNumber: r.ev.PRNumber}, r.ev.RunID)
	if err != nil {
		r.fail(StepPackage, start, &PackagingError{Err: err})
		return
	}
	r.rep.Artifact = art
	r.finish(r.result(StepPackage, start, output.StatusPass, art.Ref.Name+".zip").WithEvidence("digest", art.Digest))

	// Cache save
	if !r.check() {
		return
	}
	start = r.begin(StepCacheSave)
	switch {
	case c.cache == nil:
		r.rep.CacheSave = cache.SaveDisabled
		r.finish(r.result(StepCacheSave, start, output.StatusSkipped, string(cache.SaveDisabled)))
	case key == "":
		r.finish(r.result(StepCacheSave, start, output.StatusSkipped, "no cache key"))
	default:
		saved, err := c.cache.Save(ctx, key, r.rep.Trusted)
		r.rep.CacheSave = saved
		switch {
		case err != nil:
			// The artifact already exists; a failed save only costs the next run time.
			r.logger.Warn("cache save failed", "key", key, "err", err)
			r.finish(r.result(StepCacheSave, start, output.StatusError, err.Error()))
		case saved == cache.SaveWritten:
			r.finish(r.result(StepCacheSave, start, output.StatusPass, string(saved)).WithEvidence("cache_key", key))
		default:
			r.finish(r.result(StepCacheSave, start, output.StatusSkipped, string(saved)))
		}
	}

	if tr.TestsFailed {
		r.rep.end(OutcomeTestsFailed, nil)
		return
	}
	r.rep.end(OutcomeOK, nil)
}

func (r *run) begin(step string) time.Time {
	_ = r.out.Write(output.Event{Type: output.EventStepStarted, Run: r.ev.RunID, Step: step})
	return r.e.now()
}

func (r *run) result(step string, start time.Time, status output.Status, msg string) output.StepResult {
	return output.NewStepResult(r.ev.RunID, step, status, msg, r.e.now().Sub(start))
}

func (r *run) finish(res output.StepResult) {
	r.rep.Steps = append(r.rep.Steps, res)
	_ = r.out.Write(res)
}

// fail records a step that ended the run.
func (r *run) fail(step string, start time.Time, err error) {
	outcome := classify(err, r.lease)
	status := output.StatusError
	msg := err.Error()
	if outcome != OutcomeFailed {
		status = output.StatusSkipped
		msg = string(outcome)
	}
	r.finish(r.result(step, start, status, msg))
	r.rep.end(outcome, err)
}

// check consults the lease before an effectful step.
func (r *run) check() bool {
	err := r.lease.Check()
	if err == nil {
		return true
	}
	outcome := classify(err, r.lease)
	r.logger.Info("run stopped", "outcome", outcome, "err", err)
	r.rep.end(outcome, err)
	return false
}
