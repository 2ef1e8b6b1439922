package engine

import (
	"io"
	"os"

	"covpipe/internal/config"
	"covpipe/internal/output"
)

// setupOutputManager opens every configured sink. On error the sinks opened
// so far are closed.
func setupOutputManager(cfg *config.Config, stdout io.Writer) (*output.Manager, error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	var sinks []output.Sink
	fail := func(err error) (*output.Manager, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}

	if !cfg.Output.NoConsole {
		sinks = append(sinks, output.NewConsoleSink(stdout, cfg.Output.ConsoleFormat))
	}
	for _, format := range cfg.Output.Emit {
		es, err := output.NewEmitSink(stdout, format)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, es)
	}
	if cfg.Output.Out != "" {
		fs, err := output.NewFileSink(cfg.Output.Out, cfg.Output.OutFormat)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, fs)
	}
	// The CLI defaults this to $GITHUB_STEP_SUMMARY.
	if cfg.Output.Summary != "" {
		ss, err := output.NewSummarySink(cfg.Output.Summary)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, ss)
	}
	return output.NewManager(sinks...)
}
