package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/kimbia/internal/execution"
	"github.com/jkaninda/kimbia/internal/registry"
)

const (
	defaultDockerImage     = "kimbia-runtime:latest"
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0

	// containerWorkDir is where the host work area is mounted inside
	// the container. Placeholders expand against this path.
	containerWorkDir = "/sandbox"
)

// DockerConfig configures the Docker-based runner.
type DockerConfig struct {
	Config

	Image     string  // Container image with all toolchains installed.
	CPUCores  float64 // --cpus rate limit (e.g. 0.5). 0 = 1.0 default.
	PIDsLimit int     // --pids-limit (prevents fork bombs). 0 = 64 default.
}

// DockerRunner executes profile stages inside ephemeral Docker containers.
// One container per stage; the work area is a host directory bind-mounted
// into every container of the same execution, so compile artifacts carry
// over to the run stage.
//
// Hardening (beyond the process runner):
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Network stack disabled (--network=none)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
//   - Container always cleaned up, even on timeout/crash
type DockerRunner struct {
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerRunner creates a Docker-based runner.
func NewDockerRunner(cfg DockerConfig, logger *slog.Logger) *DockerRunner {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DockerRunner{cfg: cfg, logger: logger}
}

// Run executes every stage of the profile in order, each in a fresh
// container sharing one bind-mounted work area. Never returns nil and
// never lets an error cross the boundary.
func (r *DockerRunner) Run(ctx context.Context, profile *registry.Profile, req execution.Request) *execution.Result {
	limits := resolveLimits(r.cfg.Config, profile, req)
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

	srcName := profile.SourceFile()
	if err := os.WriteFile(filepath.Join(workDir, srcName), []byte(req.Source), 0644); err != nil {
		return internalResult("", fmt.Sprintf("materializing source: %v", err), time.Since(start))
	}

	r.logger.Info("executing in docker",
		slog.String("language", profile.ID),
		slog.String("image", r.cfg.Image),
		slog.Int("stages", len(profile.Stages)),
	)

	for i, stage := range profile.Stages {
		final := i == len(profile.Stages)-1
		argv := expandCommand(stage.Command, containerWorkDir, containerWorkDir+"/"+srcName)

		stdin := ""
		if final {
			stdin = req.Stdin
		}

		st := r.runStage(ctx, argv, workDir, stdin, limits)
		elapsed := time.Since(start)

		switch {
		case st.cancelled:
			return internalResult(stage.Name, "execution cancelled", elapsed)

		case st.spawnErr != nil:
			return internalResult(stage.Name,
				fmt.Sprintf("running %s stage for %s: %v", stage.Name, profile.ID, st.spawnErr),
				elapsed)

		case st.timedOut:
			return &execution.Result{
				Outcome:  execution.OutcomeTimeout,
				Stdout:   st.stdout,
				Stderr:   st.stderr,
				Stage:    stage.Name,
				Duration: elapsed,
			}

		case st.exitCode == 137:
			// 128+SIGKILL: the cgroup OOM killer or the CPU ulimit fired.
			return &execution.Result{
				Outcome:  execution.OutcomeResourceExceeded,
				Stdout:   st.stdout,
				Stderr:   st.stderr,
				Stage:    stage.Name,
				Duration: elapsed,
			}

		case st.exitCode == 126 || st.exitCode == 127:
			// The image is missing this toolchain — a host fault, not a
			// user error.
			return internalResult(stage.Name,
				fmt.Sprintf("toolchain for %s unavailable in image %s: %s",
					profile.ID, r.cfg.Image, strings.TrimSpace(st.stderr)),
				elapsed)

		case st.exitCode != 0:
			outcome := execution.OutcomeRuntimeError
			if !final {
				outcome = execution.OutcomeCompileError
			}
			return &execution.Result{
				Outcome:  outcome,
				Stdout:   st.stdout,
				Stderr:   st.stderr,
				ExitCode: execution.ExitCode(st.exitCode),
				Stage:    stage.Name,
				Duration: elapsed,
			}

		case final:
			return &execution.Result{
				Outcome:  execution.OutcomeSuccess,
				Stdout:   st.stdout,
				Stderr:   st.stderr,
				ExitCode: execution.ExitCode(0),
				Stage:    stage.Name,
				Duration: elapsed,
			}
		}
	}

	return internalResult("", "profile has no stages", time.Since(start))
}

// runStage runs one stage in a fresh hardened container.
func (r *DockerRunner) runStage(ctx context.Context, argv []string, workDir, stdin string, limits registry.Limits) stageResult {
	stageCtx, cancel := context.WithTimeout(ctx, limits.WallTimeout)
	defer cancel()

	name, err := containerName()
	if err != nil {
		return stageResult{spawnErr: fmt.Errorf("generating container name: %w", err)}
	}

	args := r.dockerArgs(name, workDir, limits, stdin != "")
	args = append(args, argv...)

	cmd := exec.CommandContext(stageCtx, "docker", args...)
	cmd.WaitDelay = waitDelay

	// Kill the docker client on cancellation; the daemon stops the
	// container when the client disconnects, and the rm safety net below
	// covers the rest.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	stdout := newCappedBuffer(r.cfg.outputLimit())
	stderr := newCappedBuffer(r.cfg.outputLimit())
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	// Safety net in case --rm didn't fire (OOM kill, daemon restart,
	// context cancel race).
	r.forceRemoveContainer(name)

	st := stageResult{
		stdout: stdout.String(),
		stderr: stderr.String(),
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
		st.exitCode = exitErr.ExitCode()
		return st
	}

	st.spawnErr = runErr
	return st
}

// dockerArgs constructs the docker run argument list with all hardening
// flags. The stage command is NOT included — the caller appends it.
func (r *DockerRunner) dockerArgs(name, workDir string, limits registry.Limits, interactive bool) []string {
	memoryFlag := strconv.Itoa(limits.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(r.cfg.CPUCores, 'f', 2, 64)

	args := []string{
		"run", "--rm",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--network=none",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // same as memory = no swap, OOM kill
		"--cpus=" + cpuFlag,
		"--pids-limit=" + strconv.Itoa(r.cfg.PIDsLimit),
		"--ulimit", "cpu=" + strconv.Itoa(limits.CPUSeconds),

		// --- Work area ---
		"--volume", workDir + ":" + containerWorkDir,
		"--workdir", containerWorkDir,

		// --- Sanitized environment ---
		"--env", "HOME=" + containerWorkDir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	if interactive {
		args = append(args, "--interactive")
	}

	args = append(args, r.cfg.Image)
	return args
}

// forceRemoveContainer removes a container by name, best effort.
func (r *DockerRunner) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !strings.Contains(string(out), "No such container") {
			r.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// containerName returns a unique container name: kimbia-sbx-<16 hex chars>.
func containerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "kimbia-sbx-" + hex.EncodeToString(b), nil
}
