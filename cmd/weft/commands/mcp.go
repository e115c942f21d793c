package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/teranos/weft/client"
	"github.com/teranos/weft/config"
)

// MCPCmd exposes the queue to MCP clients over stdio
var MCPCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose the queue to MCP clients over stdio",
	Long: `Run weft as a Model Context Protocol server on stdio.

Registers queue tools (submit_job, get_job, list_jobs, cancel_job,
queue_stats) backed by a running weft server, so MCP clients can
drive the queue conversationally.

Claude Desktop config example:
  {
    "mcpServers": {
      "weft": {
        "command": "weft",
        "args": ["mcp"]
      }
    }
  }`,
	RunE: runMCP,
}

var mcpServerURL string

func init() {
	MCPCmd.Flags().StringVar(&mcpServerURL, "server", "", "Server URL (overrides config)")
}

func runMCP(cmd *cobra.Command, args []string) error {
	serverURL := mcpServerURL
	if serverURL == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		serverURL = cfg.Client.ServerURL
	}
	if serverURL == "" {
		serverURL = fmt.Sprintf("http://localhost:%d", config.DefaultServerPort)
	}

	// stdio transport: stdout belongs to the protocol, so no banner here.
	return client.NewMCPServer(client.New(serverURL)).Serve()
}
