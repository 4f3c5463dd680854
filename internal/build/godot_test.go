package build

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyobjectz/tav/internal/config"
	"github.com/shinyobjectz/tav/internal/errors"
)

const exportOK = `#!/bin/sh
# --headless --path <project> --export-debug <preset> <out>
out="$6"
echo "exporting preset $5"
echo '<html><head></head><body></body></html>' > "$out"
echo 'wasm' > "$(dirname "$out")/index.wasm"
`

const exportFails = `#!/bin/sh
echo "ERROR: No export template found" >&2
exit 1
`

const exportNoIndex = `#!/bin/sh
out="$6"
echo 'pck' > "$(dirname "$out")/index.pck"
`

func fakeGodot(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
	path := filepath.Join(t.TempDir(), "godot")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newExporter(binary string) *GodotExporter {
	return NewGodotExporter(config.BuildConfig{
		GodotPath:    binary,
		ExportPreset: "Web",
		OutputDir:    ".tav/web",
	}, nil)
}

func TestGodotExporter_Build(t *testing.T) {
	project := newTestProject(t)
	exporter := newExporter(fakeGodot(t, exportOK))

	out, err := exporter.Build(context.Background(), project)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(project, ".tav", "web"), out.ArtifactPath)
	assert.FileExists(t, filepath.Join(out.ArtifactPath, "index.html"))
	assert.FileExists(t, filepath.Join(out.ArtifactPath, "index.wasm"))
	assert.NoDirExists(t, out.ArtifactPath+".staging")
	assert.Contains(t, out.Log, "exporting preset Web")

	presets, err := os.ReadFile(filepath.Join(project, "export_presets.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(presets), `name="Web"`)
	assert.Contains(t, string(presets), `platform="Web"`)
}

func TestGodotExporter_KeepsExistingPreset(t *testing.T) {
	project := newTestProject(t)
	custom := "[preset.0]\nname=\"Web\"\ncustom=true\n"
	require.NoError(t, os.WriteFile(filepath.Join(project, "export_presets.cfg"), []byte(custom), 0o644))

	_, err := newExporter(fakeGodot(t, exportOK)).Build(context.Background(), project)
	require.NoError(t, err)

	presets, err := os.ReadFile(filepath.Join(project, "export_presets.cfg"))
	require.NoError(t, err)
	assert.Equal(t, custom, string(presets))
}

func TestGodotExporter_FailureKeepsPreviousArtifact(t *testing.T) {
	project := newTestProject(t)

	_, err := newExporter(fakeGodot(t, exportOK)).Build(context.Background(), project)
	require.NoError(t, err)

	_, err = newExporter(fakeGodot(t, exportFails)).Build(context.Background(), project)
	require.Error(t, err)
	assert.True(t, errors.IsBuildError(err))
	assert.Contains(t, errors.UserMessage(err), "No export template found")

	assert.FileExists(t, filepath.Join(project, ".tav", "web", "index.html"))
	assert.NoDirExists(t, filepath.Join(project, ".tav", "web.staging"))
}

func TestGodotExporter_MissingIndex(t *testing.T) {
	project := newTestProject(t)

	_, err := newExporter(fakeGodot(t, exportNoIndex)).Build(context.Background(), project)
	require.Error(t, err)
	assert.True(t, errors.IsBuildError(err))
	assert.Contains(t, err.Error(), "index.html not found")
	assert.Contains(t, err.Error(), "index.pck")
}

func TestGodotExporter_RejectsFlagLikePreset(t *testing.T) {
	exporter := NewGodotExporter(config.BuildConfig{
		GodotPath:    fakeGodot(t, exportOK),
		ExportPreset: "--script=evil.gd",
		OutputDir:    ".tav/web",
	}, nil)

	_, err := exporter.Build(context.Background(), newTestProject(t))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConfig, errors.TypeOf(err))
}

func TestFindGodot(t *testing.T) {
	t.Run("configured path wins", func(t *testing.T) {
		p, err := FindGodot("/opt/godot", t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, "/opt/godot", p)
	})

	t.Run("project env", func(t *testing.T) {
		project := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(project, ".env"), []byte("GODOT_PATH=/env/godot\n"), 0o644))

		p, err := FindGodot("", project)
		require.NoError(t, err)
		assert.Equal(t, "/env/godot", p)
	})

	t.Run("path lookup", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("executable bits required")
		}
		bin := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(bin, "godot4"), []byte("#!/bin/sh\n"), 0o755))
		t.Setenv("PATH", bin)

		p, err := FindGodot("", t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(bin, "godot4"), p)
	})

	t.Run("not found", func(t *testing.T) {
		t.Setenv("PATH", t.TempDir())

		_, err := FindGodot("", t.TempDir())
		require.Error(t, err)
		var te *errors.TavError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, errors.ErrCodeBuilderMissing, te.Code)
	})
}
