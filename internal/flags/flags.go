// Package flags names the CLI flags. The plan printer and error messages refer
// to flags by these names, so they live apart from the cobra wiring. Names
// carry no leading dashes.
package flags

const (
	// Pipeline definition
	FlagConfig        = "config"
	FlagWorkflow      = "workflow"
	FlagPrimaryBranch = "primary-branch"
	FlagWorkDir       = "workdir"
	FlagStateDir      = "state-dir"

	// Trigger
	FlagEvent     = "event"
	FlagEventPath = "event-path"
	FlagRef       = "ref"
	FlagSHA       = "sha"
	FlagPR        = "pr"
	FlagRunID     = "run-id"

	// Output
	FlagConsoleFormat = "console-format"
	FlagOut           = "out"
	FlagOutFormat     = "out-format"
	FlagEmit          = "emit"
	FlagSummary       = "summary"
	FlagNoConsole     = "no-console"

	// Runtime
	FlagTimeout = "timeout"
	FlagNoCache = "no-cache"

	// Fetch
	FlagRepo     = "repo"
	FlagDest     = "dest"
	FlagFromDir  = "from-dir"
	FlagFetchSHA = "commit"
)
