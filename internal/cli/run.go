package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"covpipe/internal/engine"
)

var (
	runPipeline pipelineFlags
	runOutput   outputFlags
	runTrigger  triggerFlags
)

// openDeps is replaced in tests.
var openDeps = engine.OpenDeps

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coverage pipeline for one trigger event",
	Long: `Run the coverage pipeline for one trigger event.

Steps, in order: prepare (restore cache, install toolchain, remove overrides),
provision (start the homeserver sidecar and wait for readiness), test (run the
instrumented tests against it), package (bundle report, pr_number.txt and
sha.txt), cache-save (trusted runs only).

Only pushes to the primary branch and pull requests targeting it run. A newer
run in the same group (workflow plus branch or pull request) supersedes this
one; a superseded run stops at the next step boundary and packages nothing.

Trigger:
	Inside GitHub Actions the trigger is read from GITHUB_EVENT_NAME,
	GITHUB_EVENT_PATH and GITHUB_RUN_ID. Elsewhere describe it with --event,
	--sha and --pr or --ref.

Output:
	Console output is controlled by --console-format (default: text).
	--emit, --out and --summary add structured and Markdown outputs. NDJSON
	streams are lifecycle events: run.started, step.started, step.finished,
	run.finished.

Exit codes:
	0 = tests passed, report packaged
	1 = tests failed, report packaged
	2 = superseded or cancelled
	3 = fatal error`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runPipelineCmd(cmd, os.Getenv))
	},
}

func runPipelineCmd(cmd *cobra.Command, getenv func(string) string) int {
	stderr := cmd.ErrOrStderr()
	cfg, err := loadConfig(cmd, runPipeline.apply, runOutput.apply)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	logger := newLogger(stderr, cfg.Runtime.Verbose)

	ev, err := runTrigger.resolve(cfg, getenv)
	if err == nil {
		err = ev.Validate(cfg.Workflow.PrimaryBranch)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := openDeps(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open stores: %v\n", err)
		return 3
	}
	deps.Stdout = cmd.OutOrStdout()
	return engine.NewEngine(deps).Run(ctx, cfg, ev)
}

func init() {
	rootCmd.AddCommand(runCmd)
	runPipeline.bind(runCmd)
	runOutput.bind(runCmd)
	runTrigger.bind(runCmd)
}
