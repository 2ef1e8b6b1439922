package engine

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"covpipe/internal/cache"
	"covpipe/internal/concurrency"
	"covpipe/internal/config"
	"covpipe/internal/envguard"
	"covpipe/internal/handoff"
	"covpipe/internal/output"
	"covpipe/internal/proc"
	"covpipe/internal/proc/proctest"
	"covpipe/internal/testrun"
	"covpipe/internal/trigger"
)

const (
	pushSHA = "1111111111111111111111111111111111111111"
	headSHA = "2222222222222222222222222222222222222222"
)

type harness struct {
	cfg       *config.Config
	exec      *proctest.Executor
	epochs    *concurrency.MemoryStore
	cache     *cache.DirStore
	artifacts *handoff.LocalStore
	stdout    bytes.Buffer
	workDir   string
}

func newHarness(t *testing.T, ready http.HandlerFunc) *harness {
	t.Helper()
	if ready == nil {
		ready = func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	}
	srv := httptest.NewServer(ready)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	work := t.TempDir()
	for name, body := range map[string]string{"go.sum": "example.com/m v1.0.0 h1:abc\n", "go.work": "go 1.25\n"} {
		if err := os.WriteFile(filepath.Join(work, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.New()
	cfg.Runtime.WorkDir = work
	cfg.Runtime.PollInterval = 10 * time.Millisecond
	cfg.Service.Host = host
	cfg.Service.Port = port
	cfg.Service.ReadyTimeout = 2 * time.Second
	cfg.Store.Dir = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	h := &harness{cfg: cfg, exec: proctest.New(), epochs: concurrency.NewMemoryStore(), workDir: work}
	if h.cache, err = cache.NewDirStore(filepath.Join(cfg.Store.Dir, "cache")); err != nil {
		t.Fatal(err)
	}
	if h.artifacts, err = handoff.NewLocalStore(filepath.Join(cfg.Store.Dir, "artifacts")); err != nil {
		t.Fatal(err)
	}
	h.testsExit(0)
	return h
}

// testsExit makes the test command write a Go cover profile and exit code.
func (h *harness) testsExit(code int) {
	h.exec.Handle("go", func(ctx context.Context, cmd proc.Cmd) (int, error) {
		if len(cmd.Args) == 0 || cmd.Args[0] != "test" {
			return 0, nil
		}
		profile := "mode: atomic\nexample.com/m/a.go:1.1,2.2 3 1\nexample.com/m/a.go:3.1,4.2 1 0\n"
		if err := os.WriteFile(filepath.Join(cmd.Dir, "coverage.out"), []byte(profile), 0o644); err != nil {
			return -1, err
		}
		return code, nil
	})
}

func (h *harness) engine() *Engine {
	return NewEngine(Deps{
		Exec:      h.exec,
		Epochs:    h.epochs,
		Cache:     h.cache,
		Artifacts: h.artifacts,
		BaseEnv:   []string{"PATH=/usr/bin", "HOME=/home/runner", "CODECOV_TOKEN=secret", "GITHUB_TOKEN=ghs_x",
			"COVPIPE_S3_ACCESS_KEY=minio", "COVPIPE_S3_SECRET_KEY=s3cret"},
		Stdout:    &h.stdout,
	})
}

func pushEvent() trigger.Event {
	return trigger.Event{Kind: trigger.KindPush, Workflow: "coverage", Ref: "main", SHA: pushSHA, RunID: "100"}
}

func prEvent() trigger.Event {
	return trigger.Event{Kind: trigger.KindPullRequest, Workflow: "coverage", Ref: "feature", BaseRef: "main", SHA: headSHA, PRNumber: 7, RunID: "200"}
}

func (h *harness) assertNoCredentials(t *testing.T) {
	t.Helper()
	for _, c := range h.exec.Calls() {
		for _, name := range []string{"CODECOV_TOKEN", "GITHUB_TOKEN", "COVPIPE_S3_ACCESS_KEY", "COVPIPE_S3_SECRET_KEY"} {
			if _, ok := proc.Lookup(c.Env, name); ok {
				t.Fatalf("%s ran with %s in its environment", c, name)
			}
		}
	}
}

func stepStatuses(rep *Report) map[string]output.Status {
	out := map[string]output.Status{}
	for _, s := range rep.Steps {
		out[s.Step] = s.Status
	}
	return out
}

func TestExecute_PushToPrimaryPublishesAndSavesCache(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.Service.Network = "ci-net"

	rep := h.engine().Execute(context.Background(), h.cfg, pushEvent())
	if rep.Err != nil || rep.ExitCode != 0 || rep.Outcome != OutcomeOK {
		t.Fatalf("report = %+v", rep)
	}
	if !rep.Trusted || rep.Group != "coverage-push-main" {
		t.Fatalf("trust/group = %v %q", rep.Trusted, rep.Group)
	}
	if rep.CacheSave != cache.SaveWritten {
		t.Fatalf("CacheSave = %q, want written", rep.CacheSave)
	}
	if ok, _ := h.cache.Exists(context.Background(), rep.CacheKey); !ok {
		t.Fatalf("cache entry %q not stored", rep.CacheKey)
	}

	// Connection variables come from the provisioned service.
	tests := h.exec.Find("go test")
	if len(tests) != 1 {
		t.Fatalf("test command ran %d times", len(tests))
	}
	wantURL := h.cfg.ServiceBaseURL()
	if v, _ := proc.Lookup(tests[0].Env, "HOMESERVER_URL"); v != wantURL {
		t.Fatalf("HOMESERVER_URL = %q, want %q", v, wantURL)
	}
	if v, _ := proc.Lookup(tests[0].Env, "HOMESERVER_DOMAIN"); v != "synapse" {
		t.Fatalf("HOMESERVER_DOMAIN = %q", v)
	}
	if v, _ := proc.Lookup(tests[0].Env, "LOG_LEVEL"); v != "trace" {
		t.Fatalf("LOG_LEVEL = %q", v)
	}
	h.assertNoCredentials(t)

	// Override removed before tests.
	if _, err := os.Stat(filepath.Join(h.workDir, "go.work")); !os.IsNotExist(err) {
		t.Fatal("go.work was not removed")
	}

	c, _, err := handoff.Load(context.Background(), h.artifacts, rep.Artifact.Ref, Layout(h.cfg))
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if c.SHA != pushSHA || c.PRNumber != 0 {
		t.Fatalf("artifact contents = %+v", c)
	}

	runs := h.exec.Find("docker run")
	if len(runs) != 1 || !strings.Contains(strings.Join(runs[0].Args, " "), "--network ci-net --network-alias synapse") {
		t.Fatalf("docker run = %v, want the sidecar on ci-net as synapse", runs)
	}
	if len(h.exec.Find("docker rm")) != 1 {
		t.Fatal("sidecar was not released")
	}
	if rep.Test == nil || rep.Test.Summary == nil || rep.Test.Summary.Statements != 4 {
		t.Fatalf("test summary = %+v", rep.Test)
	}
}

func TestExecute_PullRequestWithFailingTests(t *testing.T) {
	h := newHarness(t, nil)
	h.testsExit(1)

	rep := h.engine().Execute(context.Background(), h.cfg, prEvent())
	if rep.ExitCode != 1 || rep.Outcome != OutcomeTestsFailed {
		t.Fatalf("report = %+v", rep)
	}
	if rep.CacheSave != cache.SaveUntrusted {
		t.Fatalf("CacheSave = %q, want skipped-untrusted", rep.CacheSave)
	}
	entries, _ := os.ReadDir(filepath.Join(h.cfg.Store.Dir, "cache"))
	if len(entries) != 0 {
		t.Fatalf("untrusted run wrote %d cache entries", len(entries))
	}

	ref, err := h.artifacts.Latest(context.Background(), "codecov_report", headSHA)
	if err != nil {
		t.Fatalf("artifact not stored: %v", err)
	}
	c, _, err := handoff.Load(context.Background(), h.artifacts, ref, Layout(h.cfg))
	if err != nil {
		t.Fatal(err)
	}
	if c.PRNumber != 7 {
		t.Fatalf("PRNumber = %d, want 7", c.PRNumber)
	}

	st := stepStatuses(rep)
	if st[StepTest] != output.StatusFail || st[StepPackage] != output.StatusPass || st[StepCacheSave] != output.StatusSkipped {
		t.Fatalf("step statuses = %v", st)
	}
	h.assertNoCredentials(t)
}

func TestExecute_PullRequestStepsNeverSeeStoreCredentials(t *testing.T) {
	h := newHarness(t, nil)

	rep := h.engine().Execute(context.Background(), h.cfg, prEvent())
	if rep.Err != nil || rep.Outcome != OutcomeOK || rep.Trusted {
		t.Fatalf("report = %+v", rep)
	}
	tests := h.exec.Find("go test")
	if len(tests) != 1 {
		t.Fatalf("test command ran %d times", len(tests))
	}
	for _, name := range []string{"COVPIPE_S3_ACCESS_KEY", "COVPIPE_S3_SECRET_KEY"} {
		if v, ok := proc.Lookup(tests[0].Env, name); ok {
			t.Fatalf("untrusted test step saw %s=%q", name, v)
		}
	}
	h.assertNoCredentials(t)
}

func TestExecute_SupersededRunStopsBeforePackaging(t *testing.T) {
	h := newHarness(t, nil)
	ev := prEvent()
	h.exec.Handle("go", func(ctx context.Context, cmd proc.Cmd) (int, error) {
		if len(cmd.Args) == 0 || cmd.Args[0] != "test" {
			return 0, nil
		}
		// A newer push to the same pull request starts while tests run.
		if _, err := h.epochs.Advance(ctx, ev.Group()); err != nil {
			return -1, err
		}
		return 0, os.WriteFile(filepath.Join(cmd.Dir, "coverage.out"), []byte("mode: set\n"), 0o644)
	})

	rep := h.engine().Execute(context.Background(), h.cfg, ev)
	if rep.ExitCode != 2 || rep.Outcome != OutcomeSuperseded {
		t.Fatalf("report = %+v", rep)
	}
	if !errors.Is(rep.Err, concurrency.ErrSuperseded) {
		t.Fatalf("Err = %v, want ErrSuperseded", rep.Err)
	}
	if rep.Artifact != nil {
		t.Fatal("superseded run produced an artifact")
	}
	if _, err := h.artifacts.Latest(context.Background(), "codecov_report", headSHA); !errors.Is(err, handoff.ErrNotFound) {
		t.Fatalf("Latest() err = %v, want ErrNotFound", err)
	}
	if len(h.exec.Find("docker rm")) != 1 {
		t.Fatal("sidecar was not released")
	}
}

func TestExecute_MissingReportIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.Handle("go", func(ctx context.Context, cmd proc.Cmd) (int, error) {
		if len(cmd.Args) > 0 && cmd.Args[0] == "test" {
			return 2, nil
		}
		return 0, nil
	})

	rep := h.engine().Execute(context.Background(), h.cfg, pushEvent())
	if rep.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", rep.ExitCode)
	}
	var infra *InfraError
	if !errors.As(rep.Err, &infra) || infra.Step != StepTest || !errors.Is(rep.Err, testrun.ErrNoReport) {
		t.Fatalf("Err = %v, want InfraError(test) wrapping ErrNoReport", rep.Err)
	}
	if rep.Artifact != nil {
		t.Fatal("artifact produced without a report")
	}
	if len(h.exec.Find("docker rm")) != 1 {
		t.Fatal("sidecar was not released")
	}
}

func TestExecute_InstallFailureSkipsEverythingElse(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.Handle("go", func(ctx context.Context, cmd proc.Cmd) (int, error) { return 1, nil })

	rep := h.engine().Execute(context.Background(), h.cfg, pushEvent())
	if rep.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", rep.ExitCode)
	}
	var infra *InfraError
	if !errors.As(rep.Err, &infra) || infra.Step != StepPrepare {
		t.Fatalf("Err = %v, want InfraError(prepare)", rep.Err)
	}
	if len(h.exec.Find("docker")) != 0 || len(h.exec.Find("go test")) != 0 {
		t.Fatal("steps ran after a failed install")
	}
}

func TestExecute_ServiceNeverReady(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	h.cfg.Service.ReadyTimeout = 100 * time.Millisecond
	// Left behind by an earlier run in the same work dir.
	stale := filepath.Join(h.workDir, "coverage.out")
	if err := os.WriteFile(stale, []byte("mode: set\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rep := h.engine().Execute(context.Background(), h.cfg, prEvent())
	if rep.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", rep.ExitCode)
	}
	var infra *InfraError
	if !errors.As(rep.Err, &infra) || infra.Step != StepProvision {
		t.Fatalf("Err = %v, want InfraError(provision)", rep.Err)
	}
	if len(h.exec.Find("go test")) != 0 {
		t.Fatal("tests ran without a ready service")
	}
	if len(h.exec.Find("docker rm")) != 1 {
		t.Fatal("unready container was not removed")
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("coverage report exists after a failed provision (stat err = %v)", err)
	}
}

func TestExecute_UnsupportedTriggerRunsNothing(t *testing.T) {
	h := newHarness(t, nil)
	ev := pushEvent()
	ev.Ref = "release"

	rep := h.engine().Execute(context.Background(), h.cfg, ev)
	if rep.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", rep.ExitCode)
	}
	var cfgErr *ConfigError
	if !errors.As(rep.Err, &cfgErr) || !errors.Is(rep.Err, trigger.ErrUnsupported) {
		t.Fatalf("Err = %v, want ConfigError wrapping ErrUnsupported", rep.Err)
	}
	if len(h.exec.Calls()) != 0 {
		t.Fatalf("commands ran: %v", h.exec.Calls())
	}
}

func TestExecute_CancelledRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.exec.Handle("go", func(c context.Context, cmd proc.Cmd) (int, error) {
		if len(cmd.Args) > 0 && cmd.Args[0] == "test" {
			cancel()
			return -1, c.Err()
		}
		return 0, nil
	})

	rep := h.engine().Execute(ctx, h.cfg, pushEvent())
	if rep.ExitCode != 2 || rep.Outcome != OutcomeCancelled {
		t.Fatalf("report = %+v", rep)
	}
	if len(h.exec.Find("docker rm")) != 1 {
		t.Fatal("sidecar was not released after cancellation")
	}
}

func TestExecute_SecondTrustedRunKeepsExistingCache(t *testing.T) {
	h := newHarness(t, nil)
	e := h.engine()
	first := e.Execute(context.Background(), h.cfg, pushEvent())
	if first.CacheSave != cache.SaveWritten {
		t.Fatalf("first CacheSave = %q", first.CacheSave)
	}
	ev := pushEvent()
	ev.RunID = "101"
	second := e.Execute(context.Background(), h.cfg, ev)
	if second.CacheSave != cache.SaveExists || !second.CacheHit {
		t.Fatalf("second run CacheSave = %q hit = %v", second.CacheSave, second.CacheHit)
	}
}

func TestExecute_EmitsLifecycleEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.Output.ConsoleFormat = "ndjson"

	h.engine().Execute(context.Background(), h.cfg, pushEvent())

	lines := strings.Split(strings.TrimSpace(h.stdout.String()), "\n")
	if !strings.Contains(lines[0], `"type":"run.started"`) || !strings.Contains(lines[len(lines)-1], `"type":"run.finished"`) {
		t.Fatalf("unexpected event stream:\n%s", h.stdout.String())
	}
	var started, finished int
	for _, l := range lines {
		if strings.Contains(l, `"type":"step.started"`) {
			started++
		}
		if strings.Contains(l, `"type":"step.finished"`) {
			finished++
		}
	}
	if started != len(Steps) || finished != len(Steps) {
		t.Fatalf("step events started=%d finished=%d, want %d each", started, finished, len(Steps))
	}
}

func TestAuditingExecutor_BlocksCredentials(t *testing.T) {
	inner := proctest.New()
	a := auditingExecutor{next: inner, guard: envguard.New([]string{"CODECOV_TOKEN"})}

	_, err := a.Run(context.Background(), proc.Cmd{Name: "go", Env: []string{"CODECOV_TOKEN=abc"}})
	if !errors.Is(err, ErrCredentialExposed) {
		t.Fatalf("err = %v, want ErrCredentialExposed", err)
	}
	if len(inner.Calls()) != 0 {
		t.Fatal("command ran despite a credential in its environment")
	}

	if _, err := a.Run(context.Background(), proc.Cmd{Name: "go", Env: []string{"CODECOV_TOKEN="}}); err != nil {
		t.Fatalf("empty credential should pass: %v", err)
	}
}

func TestExitCodeForRun(t *testing.T) {
	cases := map[Outcome]int{
		OutcomeOK:          0,
		OutcomeTestsFailed: 1,
		OutcomeSuperseded:  2,
		OutcomeCancelled:   2,
		OutcomeFailed:      3,
	}
	for o, want := range cases {
		if got := exitCodeForRun(o); got != want {
			t.Fatalf("exitCodeForRun(%s) = %d, want %d", o, got, want)
		}
	}
}
