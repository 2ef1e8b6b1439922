package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"covpipe/internal/engine"
)

var cacheKeyFlags pipelineFlags

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the dependency cache",
}

var cacheKeyCmd = &cobra.Command{
	Use:   "key",
	Short: "Print the cache key for the working directory",
	Long: `Print the cache key a run would restore and save for the working
directory: <prefix>-<os>-<digest of the key files and toolchain definition>.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(cacheKeyCmdRun(cmd))
	},
}

func cacheKeyCmdRun(cmd *cobra.Command) int {
	stderr := cmd.ErrOrStderr()
	cfg, err := loadConfig(cmd, cacheKeyFlags.apply)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	workDir, err := filepath.Abs(cfg.Runtime.WorkDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	key, err := engine.CacheKey(commandContext(cmd), cfg, workDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return 0
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheKeyCmd)
	cacheKeyFlags.bind(cacheKeyCmd)
}
