package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shinyobjectz/tav/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Run the HTTP controller API",
	Long: `Run the controller API. Clients open previews by posting a project path
and receive file-change and build events over /ws/events.

Examples:
  tav serve                      # Listen on 127.0.0.1:7420
  tav serve --port 9000          # Listen on another port
  tav serve --auto-rebuild       # Rebuild previews when files change`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 7420, "Port to serve the API on")
	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().Bool("auto-rebuild", false, "Rebuild open previews when project files change")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("preview.auto_rebuild", serveCmd.Flags().Lookup("auto-rebuild"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	manager := newManager(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			logger.Warn(closeCtx, err, "Error closing sessions")
		}
	}()

	ctx, stop := signalContext(cmd)
	defer stop()

	api := server.New(cfg.Server, manager, logger)
	fmt.Fprintf(cmd.OutOrStdout(), "Starting tav controller at http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	return api.Start(ctx)
}
