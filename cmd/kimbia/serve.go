package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/gateway/httpapi"
	"github.com/jkaninda/kimbia/internal/gateway/mcpserver"
	"github.com/jkaninda/kimbia/internal/janitor"
	"github.com/jkaninda/kimbia/internal/ratelimit"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution broker and its gateways",
	RunE:  runServe,
}

func init() {
	// Flags work on both the root command and the serve subcommand.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVarP(&serveConfigPath, "config", "c", config.DefaultConfigPath(), "Path to configuration file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig(goutils.Env("KIMBIA_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveAddr != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{Enabled: true}
		}
		cfg.HTTP.Addr = serveAddr
	}
	// With nothing configured, serve still does something useful.
	if (cfg.HTTP == nil || !cfg.HTTP.Enabled) && (cfg.MCP == nil || !cfg.MCP.Enabled) {
		logger.Info("no gateway configured, starting HTTP on defaults")
		cfg.HTTP = &config.HTTPConfig{Enabled: true}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := initComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Cleanup()

	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		j := janitor.New(comps.ws.SandboxDir(), cfg.Janitor.MaxAge(), logger)
		stopJanitor, err := j.Start(cfg.Janitor.CronSchedule())
		if err != nil {
			return fmt.Errorf("starting janitor: %w", err)
		}
		comps.addCleanup(stopJanitor)
	}

	errs := make(chan error, 2)
	var httpGW *httpapi.Gateway

	if cfg.HTTP != nil && cfg.HTTP.Enabled {
		var limiter *ratelimit.Limiter
		if rl := cfg.HTTP.RateLimit; rl != nil {
			limiter = ratelimit.NewLimiter(ratelimit.Config{
				RequestsPerMinute: rl.RequestsPerMinute,
				BurstSize:         rl.BurstSize,
			})
		}

		httpGW = httpapi.NewGateway(httpapi.Config{
			ListenAddr:      cfg.HTTP.ListenAddr(),
			EnableDocs:      cfg.HTTP.Docs,
			APIKeys:         apiKeyMap(cfg.HTTP.APIKeys),
			MetricsRegistry: comps.obs.Registry,
			MetricsPath:     metricsPath(cfg),
			HealthChecker:   comps.obs.Health,
		}, comps.broker, limiter, logger)

		go func() {
			if err := httpGW.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("http gateway: %w", err)
			}
		}()
	}

	if cfg.MCP != nil && cfg.MCP.Enabled {
		mcpSrv := mcpserver.New(comps.broker, version, logger)
		go func() {
			if err := mcpSrv.Serve(); err != nil {
				errs <- fmt.Errorf("mcp gateway: %w", err)
			}
		}()
	}

	logger.Info("kimbia started",
		slog.String("version", version),
		slog.String("sandbox", cfg.Sandbox.Backend()),
		slog.Int("max_concurrent", cfg.Broker.Concurrency()),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpGW != nil {
		if err := httpGW.Stop(shutdownCtx); err != nil {
			logger.Error("http gateway shutdown failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// apiKeyMap converts configured key entries into the key → caller mapping
// the gateway authenticates against. Each entry is either a bare key
// (caller "api", shared quota) or "key:caller" to give the key its own
// queue identity.
func apiKeyMap(entries []string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	keys := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, caller, found := strings.Cut(entry, ":")
		if !found || caller == "" {
			caller = "api"
		}
		keys[key] = caller
	}
	return keys
}

func metricsPath(cfg *config.Config) string {
	if cfg.Observability == nil {
		return ""
	}
	return cfg.Observability.Metrics.MetricsPath()
}
