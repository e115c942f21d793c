package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teranos/weft/cmd/weft/commands"
	"github.com/teranos/weft/logger"
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "weft - Distributed job queue for AI/compute workloads",
	Long: `weft - Distributed job queue for AI/compute workloads.

One binary runs every process of a weft deployment: the queue server,
workers, machine status publishers, and the client tooling that talks
to them.

Available commands:
  serve   - Start the queue server (broker + connection fabric)
  work    - Start a worker process (claims and runs jobs)
  machine - Start the machine status publisher
  jobs    - Submit, inspect, watch, and cancel jobs
  config  - Manage weft configuration
  mcp     - Expose the queue to MCP clients over stdio
  version - Show version information

Examples:
  weft serve                          # Start the queue server
  weft work --connectors conn.toml    # Start a worker with a manifest
  weft jobs submit --service upscale  # Submit a job
  weft jobs watch j_abc123            # Follow a job's progress
  weft config show                    # Show current configuration`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize global logger before any command runs
		// Skip for commands that don't need logging output (like 'config show')
		if cmd.Name() != "show" {
			if err := logger.Initialize(false); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
		}
		return nil
	},
}

func init() {
	// Initialize logger early so config loading during init can log.
	// Use human-readable output for better UX
	if err := logger.Initialize(false); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize logger: %v\n", err)
	}

	// Add global flags
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	// Add commands
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkCmd)
	rootCmd.AddCommand(commands.MachineCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.MCPCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
