// Package janitor sweeps stale execution work areas out of the sandbox
// directory. The runner removes its own work area on every path, so the
// sweep only matters after a crash or SIGKILL of the broker process.
package janitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// workAreaPrefix matches directories created by the runner backends.
const workAreaPrefix = "kimbia-exec-"

// Janitor periodically removes work areas older than MaxAge.
type Janitor struct {
	dir    string
	maxAge time.Duration
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates a Janitor sweeping dir.
func New(dir string, maxAge time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		dir:    dir,
		maxAge: maxAge,
		logger: logger,
	}
}

// Start schedules the sweep and returns a stop function.
// An invalid cron expression is reported as an error; nothing is scheduled.
func (j *Janitor) Start(schedule string) (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { j.Sweep(context.Background()) }); err != nil {
		return nil, err
	}
	j.cron = c
	c.Start()

	j.logger.Info("janitor started",
		slog.String("dir", j.dir),
		slog.String("schedule", schedule),
		slog.Duration("max_age", j.maxAge),
	)

	return func() {
		ctx := c.Stop()
		<-ctx.Done()
		j.logger.Info("janitor stopped")
	}, nil
}

// Sweep removes every stale work area once. Safe to call directly, with or
// without the cron schedule running.
func (j *Janitor) Sweep(ctx context.Context) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warn("janitor cannot read sandbox dir",
				slog.String("dir", j.dir),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	cutoff := time.Now().Add(-j.maxAge)
	removed := 0

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), workAreaPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn("janitor failed to remove work area",
				slog.String("dir", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		j.logger.Info("swept stale work areas", slog.Int("removed", removed))
	}
}
