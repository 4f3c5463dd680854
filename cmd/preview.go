package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinyobjectz/tav/internal/session"
	"github.com/shinyobjectz/tav/internal/validation"
)

var (
	previewForce bool
	previewWatch bool
	previewOpen  bool
)

var previewCmd = &cobra.Command{
	Use:     "preview [project]",
	Aliases: []string{"p"},
	Short:   "Build a project and serve its web preview",
	Long: `Build the project for the web, or reuse the cached build when nothing
changed, serve it locally and print the URL. The preview runs until
interrupted; file changes and build results are reported as they happen.

Examples:
  tav preview                    # Preview the project in the current directory
  tav preview ./mygame --force   # Rebuild even if nothing changed
  tav preview ./mygame --watch   # Rebuild whenever project files change
  tav preview --open             # Open the preview in the default browser`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPreview,
}

func init() {
	rootCmd.AddCommand(previewCmd)

	previewCmd.Flags().BoolVarP(&previewForce, "force", "f", false, "Rebuild even if the project is unchanged")
	previewCmd.Flags().BoolVarP(&previewWatch, "watch", "w", false, "Rebuild when project files change")
	previewCmd.Flags().BoolVarP(&previewOpen, "open", "o", false, "Open the preview in the default browser")
}

func runPreview(cmd *cobra.Command, args []string) error {
	project, err := projectArg(args)
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if previewWatch {
		cfg.Preview.AutoRebuild = true
	}

	manager := newManager(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Close(closeCtx)
	}()

	ctx, stop := signalContext(cmd)
	defer stop()

	events := manager.Changes(ctx)

	res, err := manager.RequestPreview(ctx, project, previewForce)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.Cached {
		fmt.Fprintf(out, "Project unchanged, reusing cached build\n")
	}
	fmt.Fprintf(out, "Preview running at %s\n", res.Address)
	fmt.Fprintln(out, "Press Ctrl+C to stop")
	if previewOpen {
		if err := validation.OpenBrowser(res.Address); err != nil {
			logger.Warn(ctx, err, "Failed to open browser", "url", res.Address)
		}
	}

	for ev := range events {
		printEvent(out, ev)
	}
	return nil
}

func printEvent(out io.Writer, ev session.Event) {
	switch ev.Type {
	case session.EventFilesChanged:
		fmt.Fprintf(out, "Changed: %d file(s)\n", len(ev.Paths))
	case session.EventBuild:
		if ev.Build == nil {
			return
		}
		if ev.Build.Error != "" {
			fmt.Fprintf(out, "Build failed: %s\n", ev.Build.Error)
			return
		}
		fmt.Fprintf(out, "Build %s in %dms\n", ev.Build.Outcome, ev.Build.DurationMS)
	case session.EventPreviewStarted:
		fmt.Fprintf(out, "Serving %s\n", ev.Address)
	case session.EventBridge:
		if ev.Message != "" {
			fmt.Fprintf(out, "Game: %s\n", ev.Message)
		}
	}
}
