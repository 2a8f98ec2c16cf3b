// Package registry holds the static language catalog: one invocation profile
// per supported language, describing how to turn source text into running
// processes. Profiles are data, not code — adding a language means adding an
// entry, never a new branch.
//
// The catalog is built once at startup and never mutated afterwards. Lookup
// is a case-sensitive exact match on the identifier plus a fixed alias table.
package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/jkaninda/kimbia/internal/execution"
)

// Limits are the per-stage resource defaults for a profile.
type Limits struct {
	WallTimeout time.Duration // Wall-clock limit per stage. Expiry kills the process group.
	CPUSeconds  int           // CPU time limit (ulimit -t).
	MemoryMB    int           // Virtual memory limit (ulimit -v).
}

// Stage is one process invocation within a profile. Command is an argv
// template; the runner expands {source}, {binary}, and {dir} placeholders
// against the per-execution work area.
type Stage struct {
	Name    string   // "compile", "link", "run" — the last stage is always the run stage.
	Command []string // argv template, first element is the toolchain binary.
}

// Profile describes how to invoke one language's toolchain.
// Immutable after the catalog is built.
type Profile struct {
	ID        string   // Canonical identifier, unique catalog key.
	Aliases   []string // Additional lookup keys (e.g. "py" for "python3").
	Extension string   // Source file extension including the dot.
	Filename  string   // Source file name override. Empty = "main" + Extension.
	Stages    []Stage  // Ordered; stage N+1 runs only if stage N exits zero.
	Limits    Limits   // Defaults; request overrides are clamped to the registry maxima.
}

// SourceFile returns the file name the source is materialized under.
func (p *Profile) SourceFile() string {
	if p.Filename != "" {
		return p.Filename
	}
	return "main" + p.Extension
}

// RunStage returns the final stage, the only one that receives stdin.
func (p *Profile) RunStage() Stage {
	return p.Stages[len(p.Stages)-1]
}

// Compiled reports whether the profile has at least one pre-run stage.
func (p *Profile) Compiled() bool {
	return len(p.Stages) > 1
}

// EffectiveLimits merges request overrides onto the profile defaults,
// clamped to the registry maxima. Overrides can tighten limits freely but
// never extend past max.
func (p *Profile) EffectiveLimits(ov *execution.LimitOverrides, max Limits) Limits {
	limits := p.Limits
	if ov != nil {
		if ov.WallTimeout > 0 {
			limits.WallTimeout = ov.WallTimeout
		}
		if ov.CPUSeconds > 0 {
			limits.CPUSeconds = ov.CPUSeconds
		}
		if ov.MemoryMB > 0 {
			limits.MemoryMB = ov.MemoryMB
		}
	}
	if max.WallTimeout > 0 && limits.WallTimeout > max.WallTimeout {
		limits.WallTimeout = max.WallTimeout
	}
	if max.CPUSeconds > 0 && limits.CPUSeconds > max.CPUSeconds {
		limits.CPUSeconds = max.CPUSeconds
	}
	if max.MemoryMB > 0 && limits.MemoryMB > max.MemoryMB {
		limits.MemoryMB = max.MemoryMB
	}
	return limits
}

// Registry is the immutable language catalog.
type Registry struct {
	profiles map[string]*Profile // canonical ID → profile
	aliases  map[string]string   // alias → canonical ID
	maxima   Limits              // upper bound for request-level overrides
}

// Config tailors the catalog at build time.
type Config struct {
	// Enabled restricts the catalog to the listed canonical IDs.
	// Empty = all built-in languages.
	Enabled []string

	// Overrides replaces the default limits for individual languages.
	Overrides map[string]Limits

	// Maxima caps request-level limit overrides. Zero fields = no cap
	// beyond the profile defaults.
	Maxima Limits
}

// New builds a Registry from the built-in catalog and the given config.
// It fails on unknown IDs in Enabled or Overrides — a misconfigured catalog
// is a startup error, not something to discover per request.
func New(cfg Config) (*Registry, error) {
	enabled := map[string]bool{}
	for _, id := range cfg.Enabled {
		enabled[id] = true
	}

	r := &Registry{
		profiles: make(map[string]*Profile),
		aliases:  make(map[string]string),
		maxima:   cfg.Maxima,
	}

	for _, p := range builtins() {
		if len(enabled) > 0 && !enabled[p.ID] {
			continue
		}
		if ov, ok := cfg.Overrides[p.ID]; ok {
			if ov.WallTimeout > 0 {
				p.Limits.WallTimeout = ov.WallTimeout
			}
			if ov.CPUSeconds > 0 {
				p.Limits.CPUSeconds = ov.CPUSeconds
			}
			if ov.MemoryMB > 0 {
				p.Limits.MemoryMB = ov.MemoryMB
			}
		}
		if err := r.add(p); err != nil {
			return nil, err
		}
	}

	for id := range enabled {
		if _, ok := r.profiles[id]; !ok {
			return nil, fmt.Errorf("languages.enabled: unknown language %q", id)
		}
	}
	for id := range cfg.Overrides {
		if _, ok := r.profiles[id]; !ok {
			if len(enabled) > 0 && !enabled[id] {
				continue // override for a disabled language is harmless
			}
			return nil, fmt.Errorf("languages.overrides: unknown language %q", id)
		}
	}

	return r, nil
}

func (r *Registry) add(p Profile) error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("language %q has no stages", p.ID)
	}
	if _, exists := r.profiles[p.ID]; exists {
		return fmt.Errorf("duplicate language %q", p.ID)
	}
	stored := p
	r.profiles[p.ID] = &stored
	for _, alias := range p.Aliases {
		if prev, exists := r.aliases[alias]; exists {
			return fmt.Errorf("alias %q claimed by both %q and %q", alias, prev, p.ID)
		}
		r.aliases[alias] = p.ID
	}
	return nil
}

// Resolve looks up a profile by canonical ID or alias.
// Returns execution.ErrLanguageNotFound when no profile exists — the broker
// never attempts invocation with an unresolved profile.
func (r *Registry) Resolve(identifier string) (*Profile, error) {
	if p, ok := r.profiles[identifier]; ok {
		return p, nil
	}
	if id, ok := r.aliases[identifier]; ok {
		return r.profiles[id], nil
	}
	return nil, fmt.Errorf("%w: %q", execution.ErrLanguageNotFound, identifier)
}

// Maxima returns the configured upper bound for request-level overrides.
func (r *Registry) Maxima() Limits {
	return r.maxima
}

// Languages returns all canonical IDs, sorted.
func (r *Registry) Languages() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered languages.
func (r *Registry) Len() int {
	return len(r.profiles)
}
