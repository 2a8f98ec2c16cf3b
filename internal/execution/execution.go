// Package execution defines the shared request, result, and outcome types
// that flow between the registry, the runner, and the broker.
package execution

import (
	"errors"
	"time"
)

// ErrLanguageNotFound is returned when no profile exists for an identifier.
var ErrLanguageNotFound = errors.New("language not found")

// ErrRejected is returned when a caller has exhausted their admission quota.
var ErrRejected = errors.New("request rejected by admission policy")

// ErrCancelled is returned when a queued request is cancelled before dispatch.
var ErrCancelled = errors.New("request cancelled before execution")

// Outcome classifies how an execution finished.
type Outcome string

const (
	// OutcomeSuccess — every stage exited zero.
	OutcomeSuccess Outcome = "success"
	// OutcomeCompileError — a non-final stage exited nonzero.
	OutcomeCompileError Outcome = "compile_error"
	// OutcomeRuntimeError — the final stage exited nonzero.
	OutcomeRuntimeError Outcome = "runtime_error"
	// OutcomeTimeout — a stage exceeded its wall-clock limit and was killed.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeResourceExceeded — a stage was killed by a resource limit.
	OutcomeResourceExceeded Outcome = "resource_exceeded"
	// OutcomeInternalError — the broker could not run the toolchain at all.
	OutcomeInternalError Outcome = "internal_error"
)

// Request describes one code execution submitted by an untrusted caller.
type Request struct {
	// Language is the registry identifier (or a known alias).
	Language string

	// Source is the program text. Never executed on the host shell directly;
	// it is materialized into the work area and handed to the toolchain.
	Source string

	// Stdin is wired to the final stage only. Compile stages get no stdin.
	Stdin string

	// CallerID is an opaque token used solely for admission accounting.
	// It is not persisted beyond the request's lifetime.
	CallerID string

	// Limits optionally overrides the profile defaults. Overrides are
	// clamped to the registry maxima, never extended past them.
	Limits *LimitOverrides
}

// LimitOverrides are caller-supplied limit adjustments. Zero values mean
// "use the profile default".
type LimitOverrides struct {
	WallTimeout time.Duration
	CPUSeconds  int
	MemoryMB    int
}

// Result is the single structured outcome every request produces.
type Result struct {
	Outcome Outcome

	// Stdout and Stderr are capped at the configured ceiling per stream.
	// Truncation is marked, never silent.
	Stdout string
	Stderr string

	// ExitCode holds the final observed exit status. Nil on Timeout and
	// InternalError, where no meaningful status exists.
	ExitCode *int

	// Stage is the identifier of the stage that produced the outcome
	// (e.g. "compile", "run"). Empty for InternalError before any stage ran.
	Stage string

	// Duration is wall-clock time across all stages.
	Duration time.Duration

	// PeakMemoryKB is the best-effort max RSS observed, 0 if unavailable.
	PeakMemoryKB int64

	// Detail carries broker-side context for InternalError outcomes
	// (e.g. which toolchain binary was missing). Empty otherwise.
	Detail string
}

// Failed reports whether the outcome is anything other than Success.
func (r *Result) Failed() bool {
	return r.Outcome != OutcomeSuccess
}

// ExitCode wraps an exit status for Result.ExitCode.
func ExitCode(code int) *int {
	return &code
}
