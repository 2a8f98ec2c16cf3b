// Package runner executes resolved language profiles in isolation.
// One invocation = one ephemeral work area + one child process per stage.
// Every failure path is translated into an execution.Result — nothing
// escapes the Run boundary as a panic or error.
package runner

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/kimbia/internal/execution"
	"github.com/jkaninda/kimbia/internal/registry"
)

const (
	// defaultOutputLimit caps each captured stream. Truncation is marked,
	// never silent.
	defaultOutputLimit = 64 << 10 // 64 KiB

	defaultWallTimeout = 10 * time.Second
	defaultCPUSeconds  = 10
	defaultMemoryMB    = 256

	// binaryName is the artifact path ({binary}) inside the work area.
	binaryName = "program"
)

// Runner executes one resolved profile against one request in isolation.
type Runner interface {
	Run(ctx context.Context, profile *registry.Profile, req execution.Request) *execution.Result
}

// Config holds settings shared by all runner backends.
type Config struct {
	// WorkRoot is the directory work areas are created under
	// (the workspace sandbox dir). Empty = system temp dir.
	WorkRoot string

	// OutputLimitBytes caps each captured stream. 0 = 64 KiB default.
	OutputLimitBytes int

	// DefaultLimits fills profile limits left at zero. Zero fields take
	// the package defaults.
	DefaultLimits registry.Limits

	// Maxima caps request-level limit overrides.
	Maxima registry.Limits
}

func (c Config) outputLimit() int {
	if c.OutputLimitBytes > 0 {
		return c.OutputLimitBytes
	}
	return defaultOutputLimit
}

func (c Config) defaults() registry.Limits {
	d := c.DefaultLimits
	if d.WallTimeout == 0 {
		d.WallTimeout = defaultWallTimeout
	}
	if d.CPUSeconds == 0 {
		d.CPUSeconds = defaultCPUSeconds
	}
	if d.MemoryMB == 0 {
		d.MemoryMB = defaultMemoryMB
	}
	return d
}

// resolveLimits computes the effective limits for one execution:
// profile defaults, backfilled from config, clamped request overrides.
func resolveLimits(cfg Config, profile *registry.Profile, req execution.Request) registry.Limits {
	limits := profile.EffectiveLimits(req.Limits, cfg.Maxima)
	d := cfg.defaults()
	if limits.WallTimeout == 0 {
		limits.WallTimeout = d.WallTimeout
	}
	if limits.CPUSeconds == 0 {
		limits.CPUSeconds = d.CPUSeconds
	}
	if limits.MemoryMB == 0 {
		limits.MemoryMB = d.MemoryMB
	}
	return limits
}

// expandCommand substitutes the {source}, {binary}, and {dir} placeholders
// of a stage command template against a concrete work area.
func expandCommand(template []string, dir, source string) []string {
	r := strings.NewReplacer(
		"{source}", source,
		"{binary}", filepath.Join(dir, binaryName),
		"{dir}", dir,
	)
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = r.Replace(arg)
	}
	return out
}

// internalResult builds an InternalError result. Used for every broker-side
// failure (work area creation, source materialization, spawn).
func internalResult(stage, detail string, elapsed time.Duration) *execution.Result {
	return &execution.Result{
		Outcome:  execution.OutcomeInternalError,
		Stage:    stage,
		Detail:   detail,
		Duration: elapsed,
	}
}
