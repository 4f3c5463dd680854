package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExportOutput(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []Diagnostic
	}{
		{
			name: "godot 4 parse error with location line",
			output: `Godot Engine v4.2.1.stable.official - https://godotengine.org
SCRIPT ERROR: Parse Error: Identifier "speed" not declared in the current scope.
          at: GDScript::reload (res://player.gd:14)
ERROR: Failed to load script "res://player.gd" with error "Parse error".
   at: load (modules/gdscript/gdscript.cpp:2907)`,
			want: []Diagnostic{
				{Severity: SeverityError, Kind: KindScript, File: "res://player.gd", Line: 14,
					Message: `Parse Error: Identifier "speed" not declared in the current scope.`},
				{Severity: SeverityError, Kind: KindScript,
					Message: `Failed to load script "res://player.gd" with error "Parse error".`},
			},
		},
		{
			name:   "inline location",
			output: "ERROR: res://enemy.gd:3 - Parse Error: Unexpected \"Indent\" in class body.",
			want: []Diagnostic{
				{Severity: SeverityError, Kind: KindScript, File: "res://enemy.gd", Line: 3,
					Message: `Parse Error: Unexpected "Indent" in class body.`},
			},
		},
		{
			name: "godot 3 scoped message",
			output: `SCRIPT ERROR: GDScript::reload: Parse Error: The identifier "foo" isn't declared in the current scope.
   At: res://main.gd:22.`,
			want: []Diagnostic{
				{Severity: SeverityError, Kind: KindScript, File: "res://main.gd", Line: 22,
					Message: `Parse Error: The identifier "foo" isn't declared in the current scope.`},
			},
		},
		{
			name: "missing templates spread over lines",
			output: `ERROR: Cannot export project with preset "Web" due to configuration errors:
No export template found at the expected path:
/home/dev/.local/share/godot/export_templates/4.2.1.stable/web_debug.zip

   at: _fs_changed (editor/editor_node.cpp:1028)`,
			want: []Diagnostic{
				{Severity: SeverityError, Kind: KindExportTemplate,
					Message: `Cannot export project with preset "Web" due to configuration errors: No export template found at the expected path: /home/dev/.local/share/godot/export_templates/4.2.1.stable/web_debug.zip`},
			},
		},
		{
			name:   "resource and warning",
			output: "WARNING: Node name contains invalid characters.\nERROR: Failed loading resource: res://level.tscn. Make sure resources have been imported.",
			want: []Diagnostic{
				{Severity: SeverityWarning, Kind: KindGeneral, Message: "Node name contains invalid characters."},
				{Severity: SeverityError, Kind: KindResource,
					Message: "Failed loading resource: res://level.tscn. Make sure resources have been imported."},
			},
		},
		{
			name:   "no headers",
			output: "savepack: begin\nsavepack: end\n",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseExportOutput(tt.output)
			require.Len(t, got, len(tt.want))
			for i, want := range tt.want {
				assert.Equal(t, want.Severity, got[i].Severity)
				assert.Equal(t, want.Kind, got[i].Kind)
				assert.Equal(t, want.File, got[i].File)
				assert.Equal(t, want.Line, got[i].Line)
				assert.Equal(t, want.Message, got[i].Message)
				assert.NotEmpty(t, got[i].Raw)
			}
		})
	}
}

func TestParseExportOutputDeduplicates(t *testing.T) {
	line := "ERROR: Failed loading resource: res://a.png.\n"
	diags := ParseExportOutput(line + line + line)
	assert.Len(t, diags, 1)
}

func TestParseExportOutputBounded(t *testing.T) {
	var output string
	for i := 0; i < maxDiagnostics+20; i++ {
		output += fmt.Sprintf("ERROR: problem %d\n", i)
	}
	assert.Len(t, ParseExportOutput(output), maxDiagnostics)
}

func TestDiagnosticString(t *testing.T) {
	assert.Equal(t, "res://a.gd:3: boom", Diagnostic{File: "res://a.gd", Line: 3, Message: "boom"}.String())
	assert.Equal(t, "res://a.gd: boom", Diagnostic{File: "res://a.gd", Message: "boom"}.String())
	assert.Equal(t, "boom", Diagnostic{Message: "boom"}.String())
}

func TestErrorsFiltersWarnings(t *testing.T) {
	diags := []Diagnostic{
		{Severity: SeverityWarning, Message: "w"},
		{Severity: SeverityError, Message: "e"},
	}
	got := Errors(diags)
	require.Len(t, got, 1)
	assert.Equal(t, "e", got[0].Message)
}

func TestDiagnosticsOf(t *testing.T) {
	assert.Nil(t, DiagnosticsOf(nil))
	assert.Nil(t, DiagnosticsOf(fmt.Errorf("plain")))
	assert.Nil(t, DiagnosticsOf(NewBuildError("x", "no diagnostics here", nil)))

	err := fmt.Errorf("wrapped: %w", NewBuildError("x", "ERROR: Export preset \"Web\" not found.", nil))
	diags := DiagnosticsOf(err)
	require.Len(t, diags, 1)
	assert.Equal(t, KindPreset, diags[0].Kind)
}
