// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// and health checks for Kimbia. All components are optional and nil-safe —
// when disabled, callers skip recording with a single nil check.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/kimbia/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Registry *prometheus.Registry
	Tracer   *TracerSetup
	Health   *HealthChecker
}

// New creates an Observability instance from config.
// Returns an instance with only the health checker when cfg is nil.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{
		Health: NewHealthChecker(logger),
	}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Registry = prometheus.NewRegistry()
		obs.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	return obs, nil
}

// MetricsHandler returns the Prometheus exposition handler, or nil when
// metrics are disabled.
func (o *Observability) MetricsHandler() http.Handler {
	if o == nil || o.Registry == nil {
		return nil
	}
	return promhttp.HandlerFor(o.Registry, promhttp.HandlerOpts{})
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}
