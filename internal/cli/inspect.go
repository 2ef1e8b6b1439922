package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"covpipe/internal/engine"
	"covpipe/internal/handoff"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <artifact.zip>",
	Short: "Verify a handoff artifact and print what it carries",
	Long: `Verify that a zip file is a well-formed handoff artifact (exactly the
report, pr_number.txt and sha.txt, with valid metadata) and print its commit,
trigger, report size and digest.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(inspectCmdRun(cmd, args[0]))
	},
}

func inspectCmdRun(cmd *cobra.Command, path string) int {
	stderr := cmd.ErrOrStderr()
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	c, err := handoff.Open(bytes.NewReader(raw), int64(len(raw)), engine.Layout(cfg))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
		return 3
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "artifact: %s\n", path)
	describeContents(out, c, handoff.Digest(raw))
	return 0
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
