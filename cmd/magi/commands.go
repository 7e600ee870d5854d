// commands.go contains the cobra command definitions and their flag
// configurations. Each command builder wires a command to its handler.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the controller.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		coreID     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MAGI controller",
		Long: `Start the MAGI controller.

The controller will:
1. Load configuration from the specified file (or magi.yaml)
2. Initialize the model catalog and LLM providers
3. Open the process record store
4. Start the duplex gateway for agent containers
5. Serve health checks and metrics over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM signals; message
histories are flushed before exit.`,
		Example: `  # Start with default config
  magi serve

  # Start with custom config and a named core process
  magi serve --config /etc/magi/production.yaml --core main`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, coreID, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "magi.yaml",
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&coreID, "core", "core",
		"Process id designated as the core coordinator")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print detailed version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "magi %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
			return nil
		},
	}
}
