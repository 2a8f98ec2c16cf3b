package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/execution"
	"github.com/jkaninda/kimbia/internal/registry"
)

var (
	runLanguage string
	runStdin    string
	runTimeout  int
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute a source file in the sandbox and print its output",
	Long: `Run executes a single source file through the same registry, queue,
and sandbox as the gateways, then exits with the program's exit code.

The language is inferred from the file extension unless --language is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVarP(&runLanguage, "language", "l", "", "Language name or alias (default: inferred from file extension)")
	runCmd.Flags().StringVar(&runStdin, "stdin", "", "Text fed to the program's standard input")
	runCmd.Flags().IntVarP(&runTimeout, "timeout", "t", 0, "Wall clock timeout in seconds (overrides the profile default)")
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(goutils.Env("KIMBIA_CONFIG", config.DefaultConfigPath()))
	if err != nil {
		return err
	}

	// One-shot mode keeps stdout/stderr for the program under execution.
	comps, err := initComponents(cfg, quietLogger())
	if err != nil {
		return err
	}
	defer comps.Cleanup()

	path := args[0]
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	language := runLanguage
	if language == "" {
		language, err = inferLanguage(comps.registry, path)
		if err != nil {
			return err
		}
	}

	var overrides *execution.LimitOverrides
	if runTimeout > 0 {
		overrides = &execution.LimitOverrides{
			WallTimeout: time.Duration(runTimeout) * time.Second,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := comps.broker.Submit(ctx, execution.Request{
		Language: language,
		Source:   string(source),
		Stdin:    runStdin,
		CallerID: "cli",
		Limits:   overrides,
	})
	if err != nil {
		return err
	}

	fmt.Print(res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)

	switch res.Outcome {
	case execution.OutcomeSuccess:
		return nil
	case execution.OutcomeCompileError, execution.OutcomeRuntimeError:
		// os.Exit skips deferred calls, so tear down explicitly first.
		comps.Cleanup()
		os.Exit(exitCodeFor(res))
		return nil
	case execution.OutcomeTimeout:
		return fmt.Errorf("execution timed out after %s", res.Duration.Round(time.Millisecond))
	case execution.OutcomeResourceExceeded:
		return fmt.Errorf("execution exceeded its resource limits: %s", res.Detail)
	default:
		return fmt.Errorf("execution failed: %s", res.Detail)
	}
}

// exitCodeFor maps a terminal result onto the one-shot process exit code:
// the program's own exit code when it carries one, 1 otherwise.
func exitCodeFor(res *execution.Result) int {
	if res.Outcome == execution.OutcomeSuccess {
		return 0
	}
	if res.ExitCode != nil && *res.ExitCode > 0 {
		return *res.ExitCode
	}
	return 1
}

// inferLanguage matches the file extension against the catalog. When
// several languages share an extension (.py is both python2 and python3),
// the one aliased by the bare extension wins; otherwise the first in
// catalog order.
func inferLanguage(reg *registry.Registry, path string) (string, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", fmt.Errorf("%s has no extension; use --language", path)
	}

	match := ""
	for _, id := range reg.Languages() {
		profile, err := reg.Resolve(id)
		if err != nil || profile.Extension != ext {
			continue
		}
		if match == "" {
			match = id
		}
		for _, alias := range profile.Aliases {
			if alias == strings.TrimPrefix(ext, ".") {
				return id, nil
			}
		}
	}
	if match == "" {
		return "", fmt.Errorf("no language registered for %s files; use --language", ext)
	}
	return match, nil
}
