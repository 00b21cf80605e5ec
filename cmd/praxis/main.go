// Package main provides the praxis CLI: one-shot agent task runs and
// cron-scheduled recurring tasks against the configured LLM providers.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "praxis",
		Short: "Praxis - plan/execute/observe agent task runner",
		Long: `Praxis runs agent tasks through a plan/execute/observe loop with
budget governance, tool gatekeeping, loop detection, and context
compaction. Tasks run once from the command line or recur on a cron
schedule.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildRunCmd(),
		buildScheduleCmd(),
	)
	return rootCmd
}
