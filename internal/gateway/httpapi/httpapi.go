// Package httpapi implements the HTTP gateway for the execution broker.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/kimbia/internal/broker"
	"github.com/jkaninda/kimbia/internal/execution"
	"github.com/jkaninda/kimbia/internal/observability"
	"github.com/jkaninda/kimbia/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → caller ID mapping. Empty = unauthenticated.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry         // Custom Prometheus registry for /metrics.
	MetricsPath     string                       // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker // Health checker for /readyz endpoint.
}

// Gateway is the HTTP gateway in front of the execution broker.
type Gateway struct {
	config  Config
	broker  *broker.Broker
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
	group   *okapi.Group
}

// NewGateway creates an HTTP gateway.
func NewGateway(cfg Config, b *broker.Broker, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		broker:  b,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kimbia",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute a code snippet"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/languages", g.handleLanguages,
		okapi.DocSummary("List available languages"),
		okapi.DocTags("Languages"),
		okapi.DocResponse([]LanguageInfo{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Language string      `json:"language"`
	Source   string      `json:"source"`
	Stdin    string      `json:"stdin,omitempty"`
	Limits   *LimitsBody `json:"limits,omitempty"`
}

// LimitsBody carries optional per-request limit overrides.
// Values above the configured maxima are clamped, not rejected.
type LimitsBody struct {
	WallTimeoutSeconds int `json:"wall_timeout_seconds,omitempty"`
	CPUSeconds         int `json:"cpu_seconds,omitempty"`
	MemoryMB           int `json:"memory_mb,omitempty"`
}

// ExecuteResponse is the JSON response for POST /v1/execute.
type ExecuteResponse struct {
	Outcome       string `json:"outcome"`
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	Stage         string `json:"stage,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	PeakMemoryKB  int64  `json:"peak_memory_kb,omitempty"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	callerID := c.GetString("callerID")

	if g.limiter != nil {
		if err := g.limiter.Allow(callerID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Language == "" {
		return c.AbortBadRequest("language is required")
	}
	if req.Source == "" {
		return c.AbortBadRequest("source is required")
	}

	correlationID := newCorrelationID()

	g.logger.Info("http execute",
		slog.String("caller_id", callerID),
		slog.String("language", req.Language),
		slog.String("correlation_id", correlationID),
		slog.Int("source_bytes", len(req.Source)),
	)

	var overrides *execution.LimitOverrides
	if req.Limits != nil {
		overrides = &execution.LimitOverrides{
			WallTimeout: time.Duration(req.Limits.WallTimeoutSeconds) * time.Second,
			CPUSeconds:  req.Limits.CPUSeconds,
			MemoryMB:    req.Limits.MemoryMB,
		}
	}

	res, err := g.broker.Submit(c.Context(), execution.Request{
		Language: req.Language,
		Source:   req.Source,
		Stdin:    req.Stdin,
		CallerID: callerID,
		Limits:   overrides,
	})
	if err != nil {
		switch {
		case errors.Is(err, execution.ErrLanguageNotFound):
			return c.JSON(http.StatusNotFound, okapi.M{"error": "unknown language"})
		case errors.Is(err, execution.ErrRejected):
			return c.AbortTooManyRequests("too many pending executions")
		case errors.Is(err, execution.ErrCancelled):
			// The client went away; the response is best-effort.
			return c.JSON(http.StatusRequestTimeout, okapi.M{"error": "execution cancelled"})
		default:
			g.logger.Error("execution failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			return c.AbortInternalServerError("execution failed")
		}
	}

	return c.OK(ExecuteResponse{
		Outcome:       string(res.Outcome),
		Stdout:        res.Stdout,
		Stderr:        res.Stderr,
		ExitCode:      res.ExitCode,
		Stage:         res.Stage,
		DurationMS:    res.Duration.Milliseconds(),
		PeakMemoryKB:  res.PeakMemoryKB,
		Detail:        res.Detail,
		CorrelationID: correlationID,
	})
}

// LanguageInfo describes one catalog entry in GET /v1/languages.
type LanguageInfo struct {
	ID        string   `json:"id"`
	Aliases   []string `json:"aliases,omitempty"`
	Extension string   `json:"extension"`
	Compiled  bool     `json:"compiled"`
}

func (g *Gateway) handleLanguages(c *okapi.Context) error {
	reg := g.broker.Registry()
	ids := reg.Languages()

	resp := make([]LanguageInfo, 0, len(ids))
	for _, id := range ids {
		profile, err := reg.Resolve(id)
		if err != nil {
			continue
		}
		resp = append(resp, LanguageInfo{
			ID:        profile.ID,
			Aliases:   profile.Aliases,
			Extension: profile.Extension,
			Compiled:  profile.Compiled(),
		})
	}

	return c.OK(resp)
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped caller ID.
// With no keys configured the gateway is open; callers may identify
// themselves through the X-Caller-Id header.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			callerID := c.Header("X-Caller-Id")
			if callerID == "" {
				callerID = "anonymous"
			}
			c.Set("callerID", callerID)
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		callerID := ""
		for key, caller := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				callerID = caller
			}
		}
		if callerID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
