// Package config handles loading and validating Kimbia configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kimbia/internal/registry"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Kimbia.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.kimbia/workspace. Override: KIMBIA_WORKSPACE env var.
	Broker        BrokerConfig         `json:"broker" yaml:"broker"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Languages     *LanguagesConfig     `json:"languages,omitempty" yaml:"languages,omitempty"`         // nil = full built-in catalog, stock limits
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = HTTP gateway disabled
	MCP           *MCPConfig           `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // nil = MCP gateway disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = stale work-area sweeping disabled
}

// BrokerConfig configures execution queue capacity.
type BrokerConfig struct {
	MaxConcurrent  int `json:"max_concurrent" yaml:"max_concurrent"`     // Global slot cap. Default: 2.
	PerCallerLimit int `json:"per_caller_limit" yaml:"per_caller_limit"` // Queued-or-running cap per caller. Default: 2.
}

// Concurrency returns the global slot cap with a default of 2.
func (b BrokerConfig) Concurrency() int {
	if b.MaxConcurrent > 0 {
		return b.MaxConcurrent
	}
	return 2
}

// CallerLimit returns the per-caller cap with a default of 2.
func (b BrokerConfig) CallerLimit() int {
	if b.PerCallerLimit > 0 {
		return b.PerCallerLimit
	}
	return 2
}

// SandboxConfig configures the execution backend.
type SandboxConfig struct {
	Type             string        `json:"type" yaml:"type"`                             // "process" (default) or "docker".
	OutputLimitBytes int           `json:"output_limit_bytes" yaml:"output_limit_bytes"` // Per-stream capture cap. Default: 65536.
	Docker           *DockerConfig `json:"docker,omitempty" yaml:"docker,omitempty"`     // Docker-specific settings.
}

// Backend returns the sandbox type, defaulting to "process".
func (s SandboxConfig) Backend() string {
	if s.Type != "" {
		return s.Type
	}
	return "process"
}

// OutputLimit returns the per-stream capture cap with a default of 64 KiB.
func (s SandboxConfig) OutputLimit() int {
	if s.OutputLimitBytes > 0 {
		return s.OutputLimitBytes
	}
	return 64 << 10
}

// DockerConfig holds Docker sandbox settings.
type DockerConfig struct {
	Image     string  `json:"image" yaml:"image"`           // Runtime image with toolchains. Default: kimbia-runtime:latest.
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`   // --cpus value. Default: 1.0.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"` // --pids-limit. Default: 64.
}

// LanguagesConfig restricts and tunes the language catalog.
// When nil, every built-in language is enabled with stock limits.
type LanguagesConfig struct {
	Enabled   []string                `json:"enabled,omitempty" yaml:"enabled,omitempty"`     // Canonical IDs to enable. Empty = all.
	Overrides map[string]LimitsConfig `json:"overrides,omitempty" yaml:"overrides,omitempty"` // Per-language limit overrides, keyed by canonical ID.
	Maxima    *LimitsConfig           `json:"maxima,omitempty" yaml:"maxima,omitempty"`       // Hard ceiling for request-level limit overrides.
}

// LimitsConfig is the serialized form of execution limits.
type LimitsConfig struct {
	WallTimeoutSeconds int `json:"wall_timeout_seconds" yaml:"wall_timeout_seconds"`
	CPUSeconds         int `json:"cpu_seconds" yaml:"cpu_seconds"`
	MemoryMB           int `json:"memory_mb" yaml:"memory_mb"`
}

func (l LimitsConfig) toLimits() registry.Limits {
	return registry.Limits{
		WallTimeout: time.Duration(l.WallTimeoutSeconds) * time.Second,
		CPUSeconds:  l.CPUSeconds,
		MemoryMB:    l.MemoryMB,
	}
}

// RegistryConfig converts the languages section into registry settings.
func (c *Config) RegistryConfig() registry.Config {
	cfg := registry.Config{
		// Request overrides may never exceed these, whatever the profile says.
		Maxima: registry.Limits{
			WallTimeout: 60 * time.Second,
			CPUSeconds:  60,
			MemoryMB:    1024,
		},
	}
	if c.Languages == nil {
		return cfg
	}
	cfg.Enabled = c.Languages.Enabled
	if len(c.Languages.Overrides) > 0 {
		cfg.Overrides = make(map[string]registry.Limits, len(c.Languages.Overrides))
		for id, l := range c.Languages.Overrides {
			cfg.Overrides[id] = l.toLimits()
		}
	}
	if c.Languages.Maxima != nil {
		cfg.Maxima = c.Languages.Maxima.toLimits()
	}
	return cfg
}

// HTTPConfig configures the HTTP gateway.
// When nil, the gateway does not start.
type HTTPConfig struct {
	Enabled   bool             `json:"enabled" yaml:"enabled"`
	Addr      string           `json:"addr" yaml:"addr"`                             // Listen address. Default: ":8080".
	Docs      bool             `json:"docs" yaml:"docs"`                             // Serve OpenAPI documentation.
	APIKeys   []string         `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Bearer keys. Empty = unauthenticated.
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ListenAddr returns the listen address with a default of ":8080".
func (h *HTTPConfig) ListenAddr() string {
	if h != nil && h.Addr != "" {
		return h.Addr
	}
	return ":8080"
}

// RateLimitConfig configures per-caller request throttling.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = RequestsPerMinute.
}

// MCPConfig configures the MCP stdio gateway.
type MCPConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kimbia"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// JanitorConfig configures the stale work-area sweeper.
type JanitorConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Schedule      string `json:"schedule" yaml:"schedule"`               // Cron expression. Default: "*/5 * * * *".
	MaxAgeSeconds int    `json:"max_age_seconds" yaml:"max_age_seconds"` // Work areas older than this are removed. Default: 600.
}

// CronSchedule returns the sweep schedule with a default of every 5 minutes.
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "*/5 * * * *"
}

// MaxAge returns the stale threshold with a default of 10m.
func (j *JanitorConfig) MaxAge() time.Duration {
	if j != nil && j.MaxAgeSeconds > 0 {
		return time.Duration(j.MaxAgeSeconds) * time.Second
	}
	return 10 * time.Minute
}

// DefaultConfigPath returns the default config file path (~/.kimbia/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kimbia.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kimbia", "config.yaml")
}

// Default returns a usable zero-file configuration: process sandbox, full
// catalog, no gateways.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides layers KIMBIA_* environment variables over file values.
func applyEnvOverrides(cfg *Config) {
	if env := os.Getenv("KIMBIA_WORKSPACE"); env != "" {
		cfg.Workspace = env
	}
	if env := os.Getenv("KIMBIA_SANDBOX_TYPE"); env != "" {
		cfg.Sandbox.Type = env
	}
	if env := os.Getenv("KIMBIA_DOCKER_IMAGE"); env != "" {
		if cfg.Sandbox.Docker == nil {
			cfg.Sandbox.Docker = &DockerConfig{}
		}
		cfg.Sandbox.Docker.Image = env
	}
	if env := os.Getenv("KIMBIA_MAX_CONCURRENT"); env != "" {
		if n, err := strconv.Atoi(env); err == nil {
			cfg.Broker.MaxConcurrent = n
		}
	}
	if env := os.Getenv("KIMBIA_PER_CALLER_LIMIT"); env != "" {
		if n, err := strconv.Atoi(env); err == nil {
			cfg.Broker.PerCallerLimit = n
		}
	}
	if env := os.Getenv("KIMBIA_HTTP_ADDR"); env != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &HTTPConfig{Enabled: true}
		}
		cfg.HTTP.Addr = env
	}
	if env := os.Getenv("KIMBIA_API_KEY"); env != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &HTTPConfig{Enabled: true}
		}
		cfg.HTTP.APIKeys = append(cfg.HTTP.APIKeys, env)
	}
	if env := os.Getenv("KIMBIA_OTLP_ENDPOINT"); env != "" {
		if cfg.Observability == nil {
			cfg.Observability = &ObservabilityConfig{}
		}
		if cfg.Observability.Tracing == nil {
			cfg.Observability.Tracing = &TracingConfig{Enabled: true}
		}
		cfg.Observability.Tracing.Endpoint = env
	}
}

// validate rejects configurations that cannot produce a working broker.
func (c *Config) validate() error {
	switch c.Sandbox.Backend() {
	case "process", "docker":
	default:
		return fmt.Errorf("sandbox.type must be %q or %q, got %q", "process", "docker", c.Sandbox.Type)
	}

	if c.Broker.MaxConcurrent < 0 {
		return fmt.Errorf("broker.max_concurrent must not be negative")
	}
	if c.Broker.PerCallerLimit < 0 {
		return fmt.Errorf("broker.per_caller_limit must not be negative")
	}
	if c.Sandbox.OutputLimitBytes < 0 {
		return fmt.Errorf("sandbox.output_limit_bytes must not be negative")
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be %q or %q, got %q", "grpc", "http", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}

	if c.Languages != nil && c.Languages.Maxima != nil {
		m := c.Languages.Maxima
		if m.WallTimeoutSeconds < 0 || m.CPUSeconds < 0 || m.MemoryMB < 0 {
			return fmt.Errorf("languages.maxima values must not be negative")
		}
	}

	return nil
}

// ResolvedWorkspace returns the workspace root, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		return ""
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
