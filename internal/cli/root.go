package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"covpipe/internal/flags"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

var (
	verbose    bool
	configPath string
)

// defaultConfigFile is read from the working directory when --config is not
// given.
const defaultConfigFile = "covpipe.yaml"

var rootCmd = &cobra.Command{
	Use:   "covpipe",
	Short: "Run a CI coverage pipeline and hand its report to a privileged publisher",
	Long: `covpipe runs the unprivileged half of a coverage pipeline: it prepares the
toolchain, starts the homeserver the integration tests need, runs the tests with
coverage, and packages the report with the commit and pull request it belongs to.

The privileged half never runs untrusted code. It fetches the packaged report
with 'covpipe fetch' and uploads it with its own credentials.

Examples:
	# Run the pipeline inside GitHub Actions (trigger read from the job environment)
	covpipe run

	# Simulate a pull request run locally
	covpipe run --event pull_request --pr 7 --sha <commit>

	# Show what a run would do
	covpipe plan --event push --sha <commit>

	# Fetch the report a producer run uploaded
	covpipe fetch --repo org/repo --run-id 123456 --dest report

Exit codes:
	0 = tests passed, report packaged
	1 = tests failed, report packaged
	2 = run superseded by a newer one, or cancelled
	3 = fatal error (configuration, infrastructure, instrumentation, packaging)`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging (every command, probe and GitHub API call)")
	rootCmd.PersistentFlags().StringVar(&configPath, flags.FlagConfig, "", "Pipeline configuration file (default: ./"+defaultConfigFile+" when present)")
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func SetBuildInfo(version, commit, date string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if date != "" {
		buildDate = date
	}

	rootCmd.Version = fmt.Sprintf("%s (%s) %s", buildVersion, buildCommit, buildDate)
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func BuildInfo() (version, commit, date string) {
	return buildVersion, buildCommit, buildDate
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	}
}
