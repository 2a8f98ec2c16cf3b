package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jkaninda/kimbia/internal/execution"
	"github.com/jkaninda/kimbia/internal/registry"
)

// waitDelay bounds how long Run waits for stream copying after the process
// group is killed. A grandchild holding the pipe open cannot stall the call.
const waitDelay = 5 * time.Second

// ProcessRunner executes profile stages as isolated OS processes.
//
// Isolation guarantees:
//   - Each execution gets its own work area (removed after)
//   - Each stage runs in its own process group (Setpgid)
//   - The entire group is killed on timeout/cancel — no orphans survive
//   - No environment inheritance from the broker — only a minimal safe set
//   - CPU time and memory limits enforced via ulimit
//   - stdout/stderr drained concurrently and capped per stream
type ProcessRunner struct {
	cfg    Config
	logger *slog.Logger
}

// NewProcessRunner creates a process-based runner.
func NewProcessRunner(cfg Config, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ProcessRunner{cfg: cfg, logger: logger}
}

// stageResult is the raw observation from one child process.
type stageResult struct {
	stdout    string
	stderr    string
	exitCode  int
	signaled  bool
	signal    syscall.Signal
	peakKB    int64
	timedOut  bool
	cancelled bool
	spawnErr  error
}

// Run executes every stage of the profile in order inside one ephemeral
// work area. Stage N+1 runs only if stage N exited zero. The returned
// result is never nil and no error ever crosses this boundary.
func (r *ProcessRunner) Run(ctx context.Context, profile *registry.Profile, req execution.Request) *execution.Result {
	limits := resolveLimits(r.cfg, profile, req)
	start := time.Now()

	workDir, err := os.MkdirTemp(r.cfg.WorkRoot, "kimbia-exec-*")
	if err != nil {
		return internalResult("", fmt.Sprintf("creating work area: %v", err), time.Since(start))
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			r.logger.Warn("failed to remove work area",
				slog.String("dir", workDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	srcPath := filepath.Join(workDir, profile.SourceFile())
	if err := os.WriteFile(srcPath, []byte(req.Source), 0640); err != nil {
		return internalResult("", fmt.Sprintf("materializing source: %v", err), time.Since(start))
	}

	r.logger.Info("executing",
		slog.String("language", profile.ID),
		slog.Int("stages", len(profile.Stages)),
		slog.Int("source_bytes", len(req.Source)),
		slog.Duration("wall_timeout", limits.WallTimeout),
		slog.Int("cpu_limit_sec", limits.CPUSeconds),
		slog.Int("memory_limit_mb", limits.MemoryMB),
	)

	var peakKB int64
	for i, stage := range profile.Stages {
		final := i == len(profile.Stages)-1
		argv := expandCommand(stage.Command, workDir, srcPath)

		// A missing toolchain is a broker-side fault, not a user error.
		// Checked up front so the failure carries profile context instead
		// of a shell "not found" exit status.
		if _, lookErr := exec.LookPath(argv[0]); lookErr != nil {
			return internalResult(stage.Name,
				fmt.Sprintf("toolchain for %s unavailable: %v", profile.ID, lookErr),
				time.Since(start))
		}

		stdin := ""
		if final {
			stdin = req.Stdin
		}

		st := r.runStage(ctx, argv, workDir, stdin, limits)
		if st.peakKB > peakKB {
			peakKB = st.peakKB
		}
		elapsed := time.Since(start)

		switch {
		case st.cancelled:
			return internalResult(stage.Name, "execution cancelled", elapsed)

		case st.spawnErr != nil:
			return internalResult(stage.Name,
				fmt.Sprintf("spawning %s stage for %s: %v", stage.Name, profile.ID, st.spawnErr),
				elapsed)

		case st.timedOut:
			return &execution.Result{
				Outcome:      execution.OutcomeTimeout,
				Stdout:       st.stdout,
				Stderr:       st.stderr,
				Stage:        stage.Name,
				Duration:     elapsed,
				PeakMemoryKB: peakKB,
			}

		case st.signaled && (st.signal == syscall.SIGKILL || st.signal == syscall.SIGXCPU):
			// ulimit kills with SIGXCPU/SIGKILL when the CPU budget runs out.
			return &execution.Result{
				Outcome:      execution.OutcomeResourceExceeded,
				Stdout:       st.stdout,
				Stderr:       st.stderr,
				Stage:        stage.Name,
				Duration:     elapsed,
				PeakMemoryKB: peakKB,
			}

		case st.exitCode != 0 || st.signaled:
			outcome := execution.OutcomeRuntimeError
			if !final {
				outcome = execution.OutcomeCompileError
			}
			return &execution.Result{
				Outcome:      outcome,
				Stdout:       st.stdout,
				Stderr:       st.stderr,
				ExitCode:     execution.ExitCode(st.exitCode),
				Stage:        stage.Name,
				Duration:     elapsed,
				PeakMemoryKB: peakKB,
			}

		case final:
			return &execution.Result{
				Outcome:      execution.OutcomeSuccess,
				Stdout:       st.stdout,
				Stderr:       st.stderr,
				ExitCode:     execution.ExitCode(0),
				Stage:        stage.Name,
				Duration:     elapsed,
				PeakMemoryKB: peakKB,
			}
		}
		// Intermediate stage succeeded — continue to the next one.
	}

	// Unreachable: profiles always have at least one stage.
	return internalResult("", "profile has no stages", time.Since(start))
}

// runStage spawns one child process under the stage limits and drains both
// output streams concurrently with waiting on it.
func (r *ProcessRunner) runStage(ctx context.Context, argv []string, workDir, stdin string, limits registry.Limits) stageResult {
	stageCtx, cancel := context.WithTimeout(ctx, limits.WallTimeout)
	defer cancel()

	// The command is wrapped:
	//   sh -c 'ulimit -v KB 2>/dev/null; ulimit -t SEC 2>/dev/null; exec "$@"' _ argv...
	// Positional parameters keep the argv out of the shell string, so
	// source-controlled text is never interpolated into a shell command.
	memKB := limits.MemoryMB * 1024
	script := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, limits.CPUSeconds,
	)
	args := make([]string, 0, 3+len(argv))
	args = append(args, "-c", script, "_")
	args = append(args, argv...)

	cmd := exec.CommandContext(stageCtx, "/bin/sh", args...)
	cmd.Dir = workDir
	cmd.Env = buildEnv(workDir)
	cmd.WaitDelay = waitDelay

	// The child runs in its own process group; negative PID kills the
	// whole group on timeout/cancel, including spawned descendants.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	stdout := newCappedBuffer(r.cfg.outputLimit())
	stderr := newCappedBuffer(r.cfg.outputLimit())
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	st := stageResult{
		stdout: stdout.String(),
		stderr: stderr.String(),
	}
	if ps := cmd.ProcessState; ps != nil {
		if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil {
			st.peakKB = ru.Maxrss
		}
	}

	if runErr == nil {
		return st
	}

	switch stageCtx.Err() {
	case context.DeadlineExceeded:
		st.timedOut = true
		return st
	case context.Canceled:
		st.cancelled = true
		return st
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.signaled = true
			st.signal = ws.Signal()
			st.exitCode = -1
			return st
		}
		st.exitCode = exitErr.ExitCode()
		return st
	}

	st.spawnErr = runErr
	return st
}

// buildEnv constructs a minimal, safe environment. The broker's own
// environment is never inherited — no credentials or host paths leak into
// user code.
func buildEnv(workDir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
}
