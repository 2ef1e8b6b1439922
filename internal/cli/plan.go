package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"covpipe/internal/engine"
)

var (
	planPipeline pipelineFlags
	planTrigger  triggerFlags
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print what a run would do without running anything",
	Long: `Print what a run would do for a trigger: the resolved event, its
single-flight group, whether it is trusted, the cache key and every step's
commands. Nothing is executed and no store is touched.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(planPipelineCmd(cmd, os.Getenv))
	},
}

func planPipelineCmd(cmd *cobra.Command, getenv func(string) string) int {
	stderr := cmd.ErrOrStderr()
	cfg, err := loadConfig(cmd, planPipeline.apply)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	ev, err := planTrigger.resolve(cfg, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	p, err := engine.BuildPlan(commandContext(cmd), cfg, ev)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	if err := p.Print(cmd.OutOrStdout()); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	return 0
}

func init() {
	rootCmd.AddCommand(planCmd)
	planPipeline.bind(planCmd)
	planTrigger.bind(planCmd)
}
