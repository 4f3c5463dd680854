package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shinyobjectz/tav/internal/controls"
)

var controlsFormat = newOutputFormat("table", "table", "json", "yaml")

var controlsCmd = &cobra.Command{
	Use:     "controls [project]",
	Aliases: []string{"c"},
	Short:   "List a project's input actions",
	Long: `List the input actions declared in project.godot, merged with any
overrides in .tav/controls.yml.

Examples:
  tav controls ./mygame          # Table of actions and keys
  tav controls ./mygame -o yaml  # YAML, ready to edit into .tav/controls.yml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runControls,
}

func init() {
	rootCmd.AddCommand(controlsCmd)

	controlsCmd.Flags().VarP(controlsFormat, "output", "o", "Output format (table|json|yaml)")
}

func runControls(cmd *cobra.Command, args []string) error {
	project, err := projectArg(args)
	if err != nil {
		return err
	}
	table, err := controls.LoadActions(project)
	if err != nil {
		return err
	}
	return writeControls(cmd.OutOrStdout(), table, controlsFormat.String())
}

func writeControls(out io.Writer, table controls.ActionTable, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(table)
	case "yaml":
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		if err := encoder.Encode(controls.Override{Actions: table}); err != nil {
			return err
		}
		return encoder.Close()
	default:
		if len(table) == 0 {
			fmt.Fprintln(out, "No input actions declared")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ACTION\tKEYS\tDESCRIPTION")
		for _, a := range table {
			fmt.Fprintf(w, "%s\t%s\t%s\n", a.Name, strings.Join(a.Keys, ", "), a.Description)
		}
		return w.Flush()
	}
}
