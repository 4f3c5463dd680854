package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var buildForce bool

var buildCmd = &cobra.Command{
	Use:     "build [project]",
	Aliases: []string{"b"},
	Short:   "Export a project for the web without serving it",
	Long: `Export the project for the web once. An unchanged project reuses the
cached build unless --force is given.

Examples:
  tav build                      # Build the project in the current directory
  tav build ./mygame --force     # Rebuild even if nothing changed`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().BoolVarP(&buildForce, "force", "f", false, "Rebuild even if the project is unchanged")
}

func runBuild(cmd *cobra.Command, args []string) error {
	project, err := projectArg(args)
	if err != nil {
		return err
	}
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

	ctx, stop := signalContext(cmd)
	defer stop()

	res, err := manager.Build(ctx, project, buildForce)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.Cached {
		fmt.Fprintf(out, "Up to date: %s (%s)\n", res.ArtifactPath, res.Fingerprint.Short())
		return nil
	}
	fmt.Fprintf(out, "Built %s (%s)\n", res.ArtifactPath, res.Fingerprint.Short())
	return nil
}
