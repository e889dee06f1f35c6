// Package commands wires the spindle CLI: manifest loading, factor
// registration and trigger serving behind a small cobra surface.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/spindle-run/spindle/pkg/telemetry"
)

var (
	// Global flags
	logLevel  string
	logFormat string
)

// defaultManifest is the manifest path used when none is given.
const defaultManifest = "spindle.toml"

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ioError marks err as a startup I/O problem (exit code 2 rather than the
// configuration-error 1).
func ioError(err error) error {
	return &exitError{code: 2, err: err}
}

// classifyLoadError separates unreadable paths from malformed content.
func classifyLoadError(err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return ioError(err)
	}
	return err
}

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	var coded *exitError
	if errors.As(err, &coded) {
		return coded.code
	}
	return 1
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spindle",
		Short: "Spindle - serverless WebAssembly host",
		Long: `Spindle runs WebAssembly components in response to events.

An application manifest declares components, triggers and variables; spindle
loads it, grants each component the capabilities its manifest section allows
(key-value stores, outbound HTTP, databases, inference) and serves its HTTP
and Redis triggers until interrupted.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")

	// Add subcommands
	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("spindle %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func newTelemetry(adjust ...func(*telemetry.Config)) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	for _, fn := range adjust {
		fn(cfg)
	}
	return telemetry.New(cfg)
}
