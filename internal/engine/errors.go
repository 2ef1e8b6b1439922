package engine

import (
	"context"
	"errors"
	"fmt"

	"covpipe/internal/concurrency"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeTestsFailed Outcome = "tests-failed"
	OutcomeSuperseded  Outcome = "superseded"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeFailed      Outcome = "failed"
)

// ErrCredentialExposed reports a publication credential in the environment of
// a step belonging to an untrusted run.
var ErrCredentialExposed = errors.New("publication credential present in untrusted step environment")

// ConfigError is a problem with the pipeline definition or the trigger. It is
// raised before any step runs.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "configuration: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// InfraError is a failure of the environment the tests need: toolchain
// install, sidecar provisioning, or coverage instrumentation.
type InfraError struct {
	Step string
	Err  error
}

func (e *InfraError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }
func (e *InfraError) Unwrap() error { return e.Err }

// PackagingError is a failure to assemble or store the handoff artifact.
type PackagingError struct {
	Err error
}

func (e *PackagingError) Error() string { return "package: " + e.Err.Error() }
func (e *PackagingError) Unwrap() error { return e.Err }

func exitCodeForRun(outcome Outcome) int {
	// Exit code contract:
	// 0 = clean run, artifact produced
	// 1 = tests failed, artifact produced
	// 2 = superseded or cancelled
	// 3 = fatal error (config, infra, instrumentation, packaging)
	switch outcome {
	case OutcomeOK:
		return 0
	case OutcomeTestsFailed:
		return 1
	case OutcomeSuperseded, OutcomeCancelled:
		return 2
	default:
		return 3
	}
}

// classify maps a step error to an outcome. A superseded lease wins over
// whatever error the interrupted step happened to return.
func classify(err error, lease *concurrency.Lease) Outcome {
	if lease != nil && lease.Superseded() {
		return OutcomeSuperseded
	}
	switch {
	case errors.Is(err, concurrency.ErrSuperseded):
		return OutcomeSuperseded
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	}
	return OutcomeFailed
}
