// Package main provides the CLI entry point for the MAGI controller.
//
// MAGI orchestrates autonomous agent processes: the controller accepts
// duplex connections from agent containers, persists their message
// histories, routes control events, and enforces cost limits.
//
// # Basic Usage
//
// Start the controller:
//
//	magi serve --config magi.yaml
//
// # Environment Variables
//
//   - PORT: controller port announced in the connect handshake
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY: provider credentials
//   - P90_*, W_*: patch risk baselines and weights
//   - MAX_PATCHES_PER_HOUR, MAX_FAILURE_RATE, MAX_USER_PATCHES_PER_HOUR:
//     patch anomaly thresholds
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
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

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "magi",
		Short: "MAGI - autonomous multi-agent controller",
		Long: `MAGI runs the controller for autonomous agent processes.

The controller accepts duplex connections from agent containers,
persists per-process message histories, routes control events between
processes and the designated core process, aggregates LLM costs with
sliding-window statistics, and enforces a daily cost limit.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTDDCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
