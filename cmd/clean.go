package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shinyobjectz/tav/internal/errors"
)

var cleanAll bool

var cleanCmd = &cobra.Command{
	Use:   "clean [project]",
	Short: "Forget a project's cached build",
	Long: `Forget the project's cached build so the next preview rebuilds it.
With --all the exported files are removed as well.

Examples:
  tav clean ./mygame             # Drop the cache entry
  tav clean ./mygame --all       # Also delete the web export`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolVarP(&cleanAll, "all", "a", false, "Also remove the exported files")
}

func runClean(cmd *cobra.Command, args []string) error {
	project, err := projectArg(args)
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	manager := newManager(cfg, logger)
	defer manager.Close(context.Background())

	if err := manager.ClearCache(project); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Build cache cleared")

	if !cleanAll {
		return nil
	}
	outputDir := filepath.Join(project, filepath.FromSlash(cfg.Build.OutputDir))
	for _, dir := range []string{outputDir, outputDir + ".staging"} {
		if err := os.RemoveAll(dir); err != nil {
			return errors.NewIOError(errors.ErrCodeInvalidPath, "could not remove "+dir, err)
		}
	}
	fmt.Fprintf(out, "Removed %s\n", outputDir)
	return nil
}
