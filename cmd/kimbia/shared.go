package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/kimbia/internal/broker"
	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/observability"
	"github.com/jkaninda/kimbia/internal/registry"
	"github.com/jkaninda/kimbia/internal/runner"
	"github.com/jkaninda/kimbia/internal/workspace"
)

// components holds everything the gateways share, with teardown tracking.
type components struct {
	cfg      *config.Config
	logger   *slog.Logger
	ws       *workspace.Workspace
	registry *registry.Registry
	runner   runner.Runner
	obs      *observability.Observability
	broker   *broker.Broker

	cleanups []func()
}

// addCleanup registers a function to run on shutdown.
// Cleanups execute in reverse order (LIFO).
func (c *components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// Cleanup runs all registered cleanup functions in reverse order.
func (c *components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

// newLogger creates the structured JSON logger used by the gateways.
// Logs go to stderr so the MCP stdio transport keeps stdout to itself.
func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// quietLogger discards everything. Used by one-shot commands where log
// lines would pollute the program's own output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loadConfig reads the config file at path. A missing file at the default
// location is not an error; the broker runs on built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == config.DefaultConfigPath() {
		return config.Default(), nil
	}
	return config.Load(path)
}

// initComponents wires the workspace, registry, runner, and broker from config.
func initComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{cfg: cfg, logger: logger}

	var (
		ws  *workspace.Workspace
		err error
	)
	if root := cfg.ResolvedWorkspace(); root != "" {
		ws, err = workspace.New(root)
	} else {
		ws, err = workspace.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace directories: %w", err)
	}
	c.ws = ws

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, err
	}
	c.obs = obs
	c.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(ctx)
	})

	reg, err := registry.New(cfg.RegistryConfig())
	if err != nil {
		return nil, fmt.Errorf("building language registry: %w", err)
	}
	c.registry = reg

	run, err := initRunner(cfg, ws, logger)
	if err != nil {
		return nil, err
	}
	c.runner = run

	c.broker = broker.New(reg, run, broker.Config{
		MaxConcurrent:  cfg.Broker.Concurrency(),
		PerCallerLimit: cfg.Broker.CallerLimit(),
	}, logger, broker.NewMetrics(obs.Registry))

	obs.Health.AddCheck("workspace", observability.WorkspaceWritableCheck(ws.SandboxDir()))
	if cfg.Sandbox.Backend() == "docker" {
		obs.Health.AddCheck("docker", observability.DockerCheck())
	}

	return c, nil
}

// initRunner creates the sandbox backend selected by config.
func initRunner(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (runner.Runner, error) {
	base := runner.Config{
		WorkRoot:         ws.SandboxDir(),
		OutputLimitBytes: cfg.Sandbox.OutputLimit(),
		Maxima:           cfg.RegistryConfig().Maxima,
	}

	switch cfg.Sandbox.Backend() {
	case "process":
		return runner.NewProcessRunner(base, logger), nil
	case "docker":
		dc := runner.DockerConfig{Config: base}
		if d := cfg.Sandbox.Docker; d != nil {
			dc.Image = d.Image
			dc.CPUCores = d.CPUCores
			dc.PIDsLimit = d.PIDsLimit
		}
		return runner.NewDockerRunner(dc, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %s", cfg.Sandbox.Type)
	}
}
