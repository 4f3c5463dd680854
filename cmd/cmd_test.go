package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/shinyobjectz/tav/internal/build"
	"github.com/shinyobjectz/tav/internal/controls"
	"github.com/shinyobjectz/tav/internal/session"
)

const projectGodot = `config_version=5

[application]
config/name="Demo"

[input]

jump={
"deadzone": 0.5,
"events": [Object(InputEventKey,"physical_keycode":32)]
}
move_right={
"deadzone": 0.5,
"events": [Object(InputEventKey,"physical_keycode":68)]
}
`

func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.godot"), []byte(projectGodot), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.gd"), []byte("extends Node\n"), 0o644))
	return dir
}

// useFakeBuilder swaps the Godot exporter for one that writes a stub export.
func useFakeBuilder(t *testing.T) *int {
	t.Helper()
	calls := 0
	builderOverride = build.BuilderFunc(func(_ context.Context, projectPath string) (build.BuildOutput, error) {
		calls++
		out := filepath.Join(projectPath, ".tav", "web")
		if err := os.MkdirAll(out, 0o755); err != nil {
			return build.BuildOutput{}, err
		}
		return build.BuildOutput{ArtifactPath: out},
			os.WriteFile(filepath.Join(out, "index.html"), []byte("<html><head></head><body></body></html>"), 0o644)
	})
	t.Cleanup(func() { builderOverride = nil })
	return &calls
}

func testCommand() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetContext(context.Background())
	return cmd, &buf
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "preview", "build", "clean", "controls", "mcp", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestOutputFormat(t *testing.T) {
	f := newOutputFormat("table", "table", "json", "yaml")
	assert.Equal(t, "table", f.String())
	assert.Equal(t, "format", f.Type())

	require.NoError(t, f.Set("JSON"))
	assert.Equal(t, "json", f.String())

	err := f.Set("csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table, json, yaml")
	assert.Equal(t, "json", f.String())
}

func TestProjectArg(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	p, err := projectArg(nil)
	require.NoError(t, err)
	assert.Equal(t, wd, p)

	p, err = projectArg([]string{"game"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "game"), p)
}

func TestWriteControls(t *testing.T) {
	table := controls.ActionTable{
		{Name: "jump", Keys: []string{"Space"}, Description: "Jump"},
		{Name: "move_right", Keys: []string{"D", "Right"}, Description: "Move right"},
	}

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeControls(&buf, table, "table"))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)
		assert.True(t, strings.HasPrefix(lines[0], "ACTION"))
		assert.Contains(t, lines[2], "D, Right")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeControls(&buf, table, "json"))
		var decoded []map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		require.Len(t, decoded, 2)
		assert.Equal(t, "jump", decoded[0]["action"])
	})

	t.Run("yaml round trips as an override file", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeControls(&buf, table, "yaml"))
		var o controls.Override
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &o))
		assert.Equal(t, table, o.Actions)
	})

	t.Run("empty table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeControls(&buf, nil, "table"))
		assert.Contains(t, buf.String(), "No input actions")
	})
}

func TestRunControls(t *testing.T) {
	project := newProject(t)
	cmd, buf := testCommand()

	require.NoError(t, runControls(cmd, []string{project}))
	assert.Contains(t, buf.String(), "jump")
	assert.Contains(t, buf.String(), "move_right")

	require.Error(t, runControls(cmd, []string{t.TempDir()}))
}

func TestRunBuildThenClean(t *testing.T) {
	calls := useFakeBuilder(t)
	project := newProject(t)

	cmd, buf := testCommand()
	buildForce = false
	require.NoError(t, runBuild(cmd, []string{project}))
	assert.Contains(t, buf.String(), "Built ")
	assert.Equal(t, 1, *calls)
	assert.FileExists(t, filepath.Join(project, ".tav", "web", "index.html"))

	// The cache manifest survives the process, so a second run reuses it.
	buf.Reset()
	require.NoError(t, runBuild(cmd, []string{project}))
	assert.Contains(t, buf.String(), "Up to date")
	assert.Equal(t, 1, *calls)

	buf.Reset()
	cleanAll = true
	t.Cleanup(func() { cleanAll = false })
	require.NoError(t, runClean(cmd, []string{project}))
	assert.Contains(t, buf.String(), "Build cache cleared")
	assert.NoDirExists(t, filepath.Join(project, ".tav", "web"))

	buf.Reset()
	require.NoError(t, runBuild(cmd, []string{project}))
	assert.Contains(t, buf.String(), "Built ")
	assert.Equal(t, 2, *calls)
}

func TestRunVersion(t *testing.T) {
	cmd, buf := testCommand()
	require.NoError(t, runVersion(cmd, nil))
	assert.True(t, strings.HasPrefix(buf.String(), "tav "))

	buf.Reset()
	require.NoError(t, versionFormat.Set("json"))
	t.Cleanup(func() { _ = versionFormat.Set("text") })
	require.NoError(t, runVersion(cmd, nil))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "version")
	assert.Contains(t, decoded, "is_release")
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	printEvent(&buf, session.Event{Type: session.EventFilesChanged, Paths: []string{"a.gd", "b.tscn"}})
	printEvent(&buf, session.Event{Type: session.EventBuild, Build: &session.BuildEvent{Outcome: build.OutcomeBuilt, DurationMS: 1200}})
	printEvent(&buf, session.Event{Type: session.EventBuild, Build: &session.BuildEvent{Error: "export failed"}})
	printEvent(&buf, session.Event{Type: session.EventPreviewStarted, Address: "http://127.0.0.1:8080/", Time: time.Now()})

	out := buf.String()
	assert.Contains(t, out, "Changed: 2 file(s)")
	assert.Contains(t, out, "Build built in 1200ms")
	assert.Contains(t, out, "Build failed: export failed")
	assert.Contains(t, out, "Serving http://127.0.0.1:8080/")
}
