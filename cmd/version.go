package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinyobjectz/tav/internal/version"
)

var (
	versionFormat   = newOutputFormat("text", "text", "json")
	versionShort    bool
	versionDetailed bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display the tav version, commit, build time, Go version and platform.

Examples:
  tav version                    # Version and commit
  tav version --detailed         # Everything known about the build
  tav version -o json            # Machine readable`,
	Args: cobra.NoArgs,
	RunE: runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().VarP(versionFormat, "output", "o", "Output format (text|json)")
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show the version number only")
	versionCmd.Flags().BoolVar(&versionDetailed, "detailed", false, "Show detailed version information")
}

func runVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch {
	case versionFormat.String() == "json":
		return writeVersionJSON(out)
	case versionShort:
		fmt.Fprintln(out, version.GetShortVersion())
	case versionDetailed:
		fmt.Fprintln(out, version.GetDetailedVersion())
	default:
		info := version.GetBuildInfo()
		fmt.Fprintf(out, "tav %s", info.Version)
		if len(info.GitCommit) >= 7 && info.GitCommit != "unknown" {
			fmt.Fprintf(out, " (%s)", info.GitCommit[:7])
		}
		if info.Dirty {
			fmt.Fprint(out, " (dirty)")
		}
		fmt.Fprintln(out)
	}
	return nil
}

func writeVersionJSON(out io.Writer) error {
	info := version.GetBuildInfo()
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(struct {
		*version.BuildInfo
		Release bool `json:"is_release"`
	}{info, version.IsRelease()})
}
