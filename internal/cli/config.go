package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"covpipe/internal/config"
	"covpipe/internal/flags"
)

// pipelineFlags override the configuration file. Only flags the user set are
// applied, so file values survive flag defaults.
type pipelineFlags struct {
	workflow      string
	primaryBranch string
	workDir       string
	stateDir      string
	timeout       time.Duration
	noCache       bool
}

func (p *pipelineFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&p.workflow, flags.FlagWorkflow, "", "Workflow name (single-flight group prefix and cache salt)")
	fs.StringVar(&p.primaryBranch, flags.FlagPrimaryBranch, "", "Primary branch; only pushes to it are trusted (default: main)")
	fs.StringVar(&p.workDir, flags.FlagWorkDir, "", "Project checkout the pipeline runs in (default: .)")
	fs.StringVar(&p.stateDir, flags.FlagStateDir, "", "Directory for epochs, local cache and local artifacts (default: .covpipe)")
	fs.DurationVar(&p.timeout, flags.FlagTimeout, 0, "Bound on the whole run (0 = none)")
	fs.BoolVar(&p.noCache, flags.FlagNoCache, false, "Neither restore nor save the dependency cache")
}

func (p *pipelineFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	if fs.Changed(flags.FlagWorkflow) {
		cfg.Workflow.Name = p.workflow
	}
	if fs.Changed(flags.FlagPrimaryBranch) {
		cfg.Workflow.PrimaryBranch = p.primaryBranch
	}
	if fs.Changed(flags.FlagWorkDir) {
		cfg.Runtime.WorkDir = p.workDir
	}
	if fs.Changed(flags.FlagStateDir) {
		cfg.Store.Dir = p.stateDir
	}
	if fs.Changed(flags.FlagTimeout) {
		cfg.Runtime.Timeout = p.timeout
	}
	if fs.Changed(flags.FlagNoCache) {
		cfg.Cache.Disabled = p.noCache
	}
}

type outputFlags struct {
	consoleFormat string
	out           string
	outFormat     string
	emit          []string
	summary       string
	noConsole     bool
}

func (o *outputFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&o.consoleFormat, flags.FlagConsoleFormat, "text", "Console output format: text|ndjson")
	fs.StringVar(&o.out, flags.FlagOut, "", "Write the run record to this path")
	fs.StringVar(&o.outFormat, flags.FlagOutFormat, "", "Format for --out: json|ndjson (default: inferred from file extension)")
	fs.StringSliceVar(&o.emit, flags.FlagEmit, nil, "Emit an additional structured stream to stdout: json|ndjson (repeatable; comma-separated accepted)")
	fs.StringVar(&o.summary, flags.FlagSummary, "", "Append a Markdown summary to this path (default: $GITHUB_STEP_SUMMARY)")
	fs.BoolVar(&o.noConsole, flags.FlagNoConsole, false, "Suppress console output (use with --emit/--out)")
}

func (o *outputFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	if fs.Changed(flags.FlagConsoleFormat) {
		cfg.Output.ConsoleFormat = o.consoleFormat
	}
	if fs.Changed(flags.FlagOut) {
		cfg.Output.Out = o.out
	}
	if fs.Changed(flags.FlagOutFormat) {
		cfg.Output.OutFormat = o.outFormat
	}
	if fs.Changed(flags.FlagEmit) {
		cfg.Output.Emit = o.emit
	}
	if fs.Changed(flags.FlagNoConsole) {
		cfg.Output.NoConsole = o.noConsole
	}
	switch {
	case fs.Changed(flags.FlagSummary):
		cfg.Output.Summary = o.summary
	case cfg.Output.Summary == "":
		cfg.Output.Summary = strings.TrimSpace(os.Getenv("GITHUB_STEP_SUMMARY"))
	}
}

type overlay func(cmd *cobra.Command, cfg *config.Config)

// loadConfig reads the configuration file, applies flag overlays in order and
// validates the result.
func loadConfig(cmd *cobra.Command, overlays ...overlay) (*config.Config, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	for _, o := range overlays {
		o(cmd, cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if verbose {
		cfg.Runtime.Verbose = true
	}
	return cfg, nil
}

func resolveConfigPath(explicit string) (string, error) {
	if p := strings.TrimSpace(explicit); p != "" {
		return p, nil
	}
	_, err := os.Stat(defaultConfigFile)
	switch {
	case err == nil:
		return defaultConfigFile, nil
	case errors.Is(err, fs.ErrNotExist):
		return "", nil
	default:
		return "", fmt.Errorf("stat %s: %w", defaultConfigFile, err)
	}
}
