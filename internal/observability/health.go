package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates health from multiple subsystems.
type HealthChecker struct {
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks and returns aggregate readiness.
// Returns "ok" only if all checks pass; "degraded" if any fail.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.checks)),
	}

	for _, c := range h.checks {
		if err := c.Check(checkCtx); err != nil {
			status.Status = "degraded"
			status.Checks[c.Name] = CheckResult{
				Status:  "fail",
				Message: err.Error(),
			}
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", c.Name),
					slog.String("error", err.Error()),
				)
			}
		} else {
			status.Checks[c.Name] = CheckResult{Status: "ok"}
		}
	}

	return status
}

// WorkspaceWritableCheck verifies the sandbox work root accepts writes.
func WorkspaceWritableCheck(dir string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		probe := filepath.Join(dir, ".readyz-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0640); err != nil {
			return fmt.Errorf("work root not writable: %w", err)
		}
		return os.Remove(probe)
	}
}

// ToolchainCheck verifies a binary the catalog depends on is on PATH.
func ToolchainCheck(binary string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if _, err := exec.LookPath(binary); err != nil {
			return fmt.Errorf("toolchain %s not found: %w", binary, err)
		}
		return nil
	}
}

// DockerCheck verifies the Docker daemon responds.
func DockerCheck() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
			return fmt.Errorf("docker daemon unavailable: %w", err)
		}
		return nil
	}
}
