package observability

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/jkaninda/kimbia/internal/config"
)

func TestNewWithNilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
	if obs.Registry != nil {
		t.Error("metrics registry should be nil when disabled")
	}
	if obs.MetricsHandler() != nil {
		t.Error("MetricsHandler should be nil when metrics disabled")
	}
}

func TestMetricsExposition(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Registry == nil {
		t.Fatal("metrics registry not created")
	}

	h := obs.MetricsHandler()
	if h == nil {
		t.Fatal("MetricsHandler returned nil")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty exposition body")
	}
}

func TestHealthCheckerLiveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("always-fails", func(context.Context) error { return errors.New("down") })

	// Liveness ignores dependency checks.
	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("CheckHealth = %q, want ok", got.Status)
	}
}

func TestHealthCheckerReadiness(t *testing.T) {
	h := NewHealthChecker(nil)

	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("no checks: Status = %q, want ok", got.Status)
	}

	h.AddCheck("good", func(context.Context) error { return nil })
	h.AddCheck("bad", func(context.Context) error { return errors.New("broken") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", got.Status)
	}
	if got.Checks["good"].Status != "ok" {
		t.Errorf("good check = %+v", got.Checks["good"])
	}
	if got.Checks["bad"].Status != "fail" || got.Checks["bad"].Message == "" {
		t.Errorf("bad check = %+v", got.Checks["bad"])
	}
}

func TestWorkspaceWritableCheck(t *testing.T) {
	check := WorkspaceWritableCheck(t.TempDir())
	if err := check(context.Background()); err != nil {
		t.Errorf("writable dir: %v", err)
	}

	check = WorkspaceWritableCheck(filepath.Join(t.TempDir(), "missing"))
	if err := check(context.Background()); err == nil {
		t.Error("missing dir should fail the check")
	}
}

func TestToolchainCheck(t *testing.T) {
	if err := ToolchainCheck("sh")(context.Background()); err != nil {
		t.Errorf("sh should be present: %v", err)
	}
	if err := ToolchainCheck("no-such-binary-xyz")(context.Background()); err == nil {
		t.Error("missing binary should fail the check")
	}
}
