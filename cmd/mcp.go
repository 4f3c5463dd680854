package cmd

import (
	"context"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/shinyobjectz/tav/internal/mcp"
	"github.com/shinyobjectz/tav/internal/version"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve preview tools over MCP on stdio",
	Long: `Run an MCP server on stdin/stdout exposing request_preview, stop_preview,
clear_cache, preview_status, list_controls, capture_frame, test_controls,
capture_node, find_node and get_game_state. Logs go to stderr.

Example client configuration:
  {"command": "tav", "args": ["mcp"]}`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	manager := newManager(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Close(closeCtx)
	}()

	s := mcp.NewServer(manager, version.GetVersion())
	logger.Info(cmd.Context(), "MCP server ready on stdio")
	return mcpserver.ServeStdio(s)
}
