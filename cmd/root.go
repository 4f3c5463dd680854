// Package cmd provides the tav command line.
//
// Configuration is taken, highest priority first, from command-line flags,
// TAV_ prefixed environment variables (TAV_SERVER_PORT, TAV_BUILD_GODOT_PATH,
// ...), the file named by --config or TAV_CONFIG_FILE, and .tav.yml in the
// working directory. A .env file in the working directory is loaded before
// anything else so GODOT_PATH can live next to the project.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shinyobjectz/tav/internal/build"
	"github.com/shinyobjectz/tav/internal/config"
	"github.com/shinyobjectz/tav/internal/errors"
	"github.com/shinyobjectz/tav/internal/logging"
	"github.com/shinyobjectz/tav/internal/session"
)

var cfgFile string

// builderOverride replaces the Godot exporter when set.
var builderOverride build.Builder

var rootCmd = &cobra.Command{
	Use:   "tav",
	Short: "Live web preview for Godot projects",
	Long: `tav exports a Godot project for the web, serves it locally and keeps it
fresh while you edit. A bridge into the running page lets tools capture
frames, drive the game's input actions and inspect scene nodes.

Quick Start:
  tav preview ./mygame           Build, serve and print the preview URL
  tav serve                      Run the HTTP controller API
  tav mcp                        Expose the same operations as MCP tools
  tav controls ./mygame          List the game's input actions`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .tav.yml, can also use TAV_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig points viper at the config file and the TAV_ environment.
func initConfig() {
	config.LoadDotEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("TAV_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".tav")
	}

	viper.SetEnvPrefix("TAV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig reads the configuration and builds the logger from it. Logs go
// to stderr so stdout stays usable for command output and MCP framing.
func loadConfig() (*config.Config, logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, err.Error())
	}
	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	return cfg, logger, nil
}

func newManager(cfg *config.Config, logger logging.Logger) *session.Manager {
	return session.NewManager(session.Options{
		Config:  cfg,
		Builder: builderOverride,
		Logger:  logger,
	})
}

// projectArg returns the absolute project directory named by args, or the
// working directory.
func projectArg(args []string) (string, error) {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.NewIOError(errors.ErrCodeInvalidPath, "invalid project path", err)
	}
	return abs, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
