// Package cli is the run engine's process entrypoint (spec §6): a thin
// cobra boundary that parses the documented `run` flag surface into an
// already-validated option record and hands it to internal/lifecycle.
// Grounded on an earlier multi-command cobra root (the same
// cobra-root + log/slog handler-selection setup), generalized from a
// multi-command orchestrator (up/start/stop/list/ip/delete) to a
// single `run` subcommand, since spec §1 treats the CLI argument
// parser itself as an out-of-scope collaborator and this engine is
// invoked bound to exactly one VM instance at a time.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cirruslabs/vmrun/internal/vmerr"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "vmrun",
		Short: "Run a single macOS or Linux VM on Apple Silicon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.Context())
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flagJSON    bool
	flagVerbose bool
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "enable JSON log output")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (debug) logging")
}

// Execute runs the root command and translates the result into the
// process exit codes documented in spec §6: 0 normal VM exit, 1
// engine error, 2 invalid options.
func Execute(version string) {
	rootCmd.Version = version
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	switch vmerr.KindOf(err) {
	case vmerr.KindInvalidOptions, vmerr.KindInvalidSpec:
		os.Exit(2)
	default:
		os.Exit(1)
	}
}

func setupLogging(ctx context.Context) error {
	var handler slog.Handler
	if flagJSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: chooseLevel(flagVerbose)})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: chooseLevel(flagVerbose)})
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logging initialized")
	return nil
}

func chooseLevel(verbose bool) slog.Leveler {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
