package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"covpipe/internal/config"
	"covpipe/internal/engine"
	"covpipe/internal/flags"
	gh "covpipe/internal/github"
	"covpipe/internal/handoff"
	"covpipe/internal/proc"
	"covpipe/internal/trigger"
)

type fetchOptions struct {
	repo    string
	sha     string
	runID   int64
	dest    string
	fromDir string
}

var fetchOpts fetchOptions

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch and verify the report a producer run packaged",
	Long: `Fetch the handoff artifact a producer run packaged, verify it, and extract
the report, pr_number.txt and sha.txt into --dest.

This is the privileged side's only contact with producer output. It reads the
artifact's metadata as data and never executes anything from it.

Sources:
	--repo (or $GITHUB_REPOSITORY): GitHub Actions artifacts, addressed by
	  --run-id (the producer run) or --commit. Token from GITHUB_TOKEN,
	  GH_TOKEN, or 'gh auth token'.
	--from-dir: a local artifact store written by 'covpipe run'.
	neither: the configured store backend (local state dir or S3).

When $GITHUB_OUTPUT is set, sha, pr_number, report and digest are written to
it for the publishing steps.

Exit codes:
	0 = fetched, or nothing to publish
	3 = the artifact is malformed or could not be read`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(fetchCmdRun(cmd, fetchOpts, os.Getenv))
	},
}

func fetchCmdRun(cmd *cobra.Command, opts fetchOptions, getenv func(string) string) int {
	stderr := cmd.ErrOrStderr()
	stdout := cmd.OutOrStdout()
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	logger := newLogger(stderr, cfg.Runtime.Verbose)
	ctx := commandContext(cmd)
	layout := engine.Layout(cfg)

	if opts.sha != "" && !trigger.ValidSHA(opts.sha) {
		fmt.Fprintf(stderr, "Error: --%s must be a full commit id, got %q\n", flags.FlagFetchSHA, opts.sha)
		return 3
	}

	var (
		contents *handoff.Contents
		digest   string
	)
	repo := strings.TrimSpace(opts.repo)
	if repo == "" && opts.fromDir == "" {
		repo = strings.TrimSpace(getenv("GITHUB_REPOSITORY"))
	}
	if repo != "" {
		contents, digest, err = fetchFromGitHub(ctx, repo, layout, gh.Query{SHA: opts.sha, RunID: opts.runID}, getenv, logger)
		if err != nil && !errors.Is(err, handoff.ErrNotFound) {
			fmt.Fprintf(stderr, "Error: %s\n", gh.DescribeError(err, cfg.Runtime.Verbose))
			return 3
		}
	} else {
		contents, digest, err = fetchFromStore(ctx, cfg, opts, layout)
		if err != nil && !errors.Is(err, handoff.ErrNotFound) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 3
		}
	}
	if errors.Is(err, handoff.ErrNotFound) {
		fmt.Fprintf(stdout, "nothing to publish: %v\n", err)
		return 0
	}

	if err := contents.Extract(opts.dest, layout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	if path := strings.TrimSpace(getenv("GITHUB_OUTPUT")); path != "" {
		pr := ""
		if contents.IsPullRequest() {
			pr = strconv.Itoa(contents.PRNumber)
		}
		if err := writeOutputs(path, map[string]string{
			"sha":       contents.SHA,
			"pr_number": pr,
			"report":    contents.ReportName,
			"digest":    digest,
		}); err != nil {
			fmt.Fprintf(stderr, "Error: write step outputs: %v\n", err)
			return 3
		}
	}
	describeContents(stdout, contents, digest)
	fmt.Fprintf(stdout, "extracted to %s\n", opts.dest)
	return 0
}

func fetchFromGitHub(ctx context.Context, repo string, layout handoff.Layout, q gh.Query, getenv func(string) string, logger *slog.Logger) (*handoff.Contents, string, error) {
	resolver := gh.TokenResolver{Getenv: getenv, Exec: proc.OS{}, Env: os.Environ()}
	token, source, err := resolver.Resolve(ctx, "")
	if err != nil {
		return nil, "", fmt.Errorf("resolve GitHub token: %w", err)
	}
	if token == "" {
		logger.Warn("no GitHub token found, reading artifacts anonymously")
	} else {
		logger.Debug("github token resolved", "source", source)
	}
	client, err := gh.NewClient(ctx, token, gh.WithLogger(logger), gh.WithBaseURL(getenv("GITHUB_API_URL")))
	if err != nil {
		return nil, "", err
	}
	loc, err := gh.NewLocator(client, repo, logger)
	if err != nil {
		return nil, "", err
	}
	return loc.Fetch(ctx, layout, q)
}

func fetchFromStore(ctx context.Context, cfg *config.Config, opts fetchOptions, layout handoff.Layout) (*handoff.Contents, string, error) {
	if opts.sha == "" {
		return nil, "", fmt.Errorf("--%s is required without --%s", flags.FlagFetchSHA, flags.FlagRepo)
	}
	var store handoff.Store
	if opts.fromDir != "" {
		ls, err := handoff.NewLocalStore(opts.fromDir)
		if err != nil {
			return nil, "", err
		}
		store = ls
	} else {
		_, as, err := engine.OpenStores(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		store = as
	}
	ref, err := store.Latest(ctx, layout.Name, opts.sha)
	if err != nil {
		return nil, "", err
	}
	return handoff.Load(ctx, store, ref, layout)
}

func describeContents(w io.Writer, c *handoff.Contents, digest string) {
	trig := "push"
	if c.IsPullRequest() {
		trig = fmt.Sprintf("pull request #%d", c.PRNumber)
	}
	fmt.Fprintf(w, "commit:  %s\n", c.SHA)
	fmt.Fprintf(w, "trigger: %s\n", trig)
	fmt.Fprintf(w, "report:  %s (%d bytes)\n", c.ReportName, len(c.Report))
	if digest != "" {
		fmt.Fprintf(w, "digest:  %s\n", digest)
	}
}

// writeOutputs appends key=value lines in the GitHub Actions step output
// format. Values never contain newlines.
func writeOutputs(path string, kv map[string]string) error {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if strings.ContainsAny(kv[k], "\r\n") {
			return fmt.Errorf("output %s contains a newline", k)
		}
		fmt.Fprintf(&b, "%s=%s\n", k, kv[k])
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fs := fetchCmd.Flags()
	fs.StringVar(&fetchOpts.repo, flags.FlagRepo, "", "Repository the producer ran in, as OWNER/REPO (default: $GITHUB_REPOSITORY)")
	fs.StringVar(&fetchOpts.sha, flags.FlagFetchSHA, "", "Commit the report must belong to")
	fs.Int64Var(&fetchOpts.runID, flags.FlagRunID, 0, "Producer workflow run id (GitHub source only)")
	fs.StringVar(&fetchOpts.dest, flags.FlagDest, "handoff", "Directory to extract the artifact into")
	fs.StringVar(&fetchOpts.fromDir, flags.FlagFromDir, "", "Read from this local artifact store instead of GitHub")
}
