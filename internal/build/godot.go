package build

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shinyobjectz/tav/internal/config"
	"github.com/shinyobjectz/tav/internal/errors"
	"github.com/shinyobjectz/tav/internal/logging"
	"github.com/shinyobjectz/tav/internal/validation"
)

// godotCandidates are looked up on PATH when no binary is configured.
var godotCandidates = []string{"godot", "godot4", "Godot"}

// GodotExporter exports a Godot project for the web using the headless
// editor binary.
type GodotExporter struct {
	binary    string
	preset    string
	outputDir string
	logger    logging.Logger
}

// NewGodotExporter creates an exporter from build configuration. The binary
// is resolved lazily per project so a project-local .env can supply it.
func NewGodotExporter(cfg config.BuildConfig, logger logging.Logger) *GodotExporter {
	if logger == nil {
		logger = logging.Nop()
	}
	return &GodotExporter{
		binary:    cfg.GodotPath,
		preset:    cfg.ExportPreset,
		outputDir: cfg.OutputDir,
		logger:    logger.WithComponent("godot"),
	}
}

// OutputDir returns the export directory for projectPath.
func (g *GodotExporter) OutputDir(projectPath string) string {
	return filepath.Join(projectPath, filepath.FromSlash(g.outputDir))
}

// FindGodot resolves the editor binary: the configured path, GODOT_PATH from
// the project's .env, then well-known names on PATH.
func FindGodot(configured, projectPath string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if p := config.ReadProjectEnv(projectPath)["GODOT_PATH"]; p != "" {
		return p, nil
	}
	for _, name := range godotCandidates {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", &errors.TavError{
		Type:    errors.ErrorTypeBuild,
		Code:    errors.ErrCodeBuilderMissing,
		Message: "godot executable not found; set build.godot_path or GODOT_PATH",
	}
}

// Build runs the web export. The export lands in a staging directory that
// replaces the output directory only after index.html is verified, so a
// failed export never disturbs the previous artifact.
func (g *GodotExporter) Build(ctx context.Context, projectPath string) (BuildOutput, error) {
	binary, err := FindGodot(g.binary, projectPath)
	if err != nil {
		return BuildOutput{}, err
	}
	if err := validation.ValidateArgument(g.preset); err != nil {
		return BuildOutput{}, errors.NewConfigError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("invalid export preset %q: %v", g.preset, err))
	}

	if err := g.ensurePreset(projectPath); err != nil {
		return BuildOutput{}, err
	}

	outDir := g.OutputDir(projectPath)
	staging := outDir + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return BuildOutput{}, errors.NewIOError(errors.ErrCodeInternalError, "clear staging directory", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return BuildOutput{}, errors.NewIOError(errors.ErrCodeInternalError, "create staging directory", err)
	}

	g.logger.Info(ctx, "Running export",
		"binary", binary,
		"project", projectPath,
		"preset", g.preset)

	cmd := exec.CommandContext(ctx, binary,
		"--headless",
		"--path", projectPath,
		"--export-debug", g.preset,
		filepath.Join(staging, "index.html"),
	)
	cmd.Dir = projectPath

	output, err := cmd.CombinedOutput()
	log := string(output)
	if err != nil {
		_ = os.RemoveAll(staging)
		if ctx.Err() != nil {
			return BuildOutput{}, errors.NewBuildError("export timed out", log, ctx.Err())
		}
		return BuildOutput{}, errors.NewBuildError("export failed", log, err)
	}

	if _, err := os.Stat(filepath.Join(staging, "index.html")); err != nil {
		files := listDir(staging)
		_ = os.RemoveAll(staging)
		msg := "export completed but index.html not found; make sure Godot web export templates are installed"
		if len(files) > 0 {
			msg = fmt.Sprintf("export completed but index.html not found; files in export dir: %s",
				strings.Join(files, ", "))
		}
		return BuildOutput{}, errors.NewBuildError(msg, log, nil).
			WithContext("code", errors.ErrCodeArtifactMissing)
	}

	if err := os.RemoveAll(outDir); err != nil {
		return BuildOutput{}, errors.NewIOError(errors.ErrCodeInternalError, "remove previous artifact", err)
	}
	if err := os.Rename(staging, outDir); err != nil {
		return BuildOutput{}, errors.NewIOError(errors.ErrCodeInternalError, "publish artifact", err)
	}

	return BuildOutput{ArtifactPath: outDir, Log: log}, nil
}

func (g *GodotExporter) ensurePreset(projectPath string) error {
	path := filepath.Join(projectPath, "export_presets.cfg")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(webExportPreset(g.preset)), 0o644); err != nil {
		return errors.NewIOError(errors.ErrCodeInternalError, "write export presets", err)
	}
	return nil
}

func listDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func webExportPreset(name string) string {
	return fmt.Sprintf(`[preset.0]

name=%q
platform="Web"
runnable=true
dedicated_server=false
custom_features=""
export_filter="all_resources"
include_filter=""
exclude_filter=""
export_path=".tav/web/index.html"
encryption_include_filters=""
encryption_exclude_filters=""
encrypt_pck=false
encrypt_directory=false

[preset.0.options]

custom_template/debug=""
custom_template/release=""
variant/extensions_support=false
vram_texture_compression/for_desktop=true
vram_texture_compression/for_mobile=false
html/export_icon=true
html/custom_html_shell=""
html/head_include=""
html/canvas_resize_policy=2
html/focus_canvas_on_start=true
html/experimental_virtual_keyboard=false
progressive_web_app/enabled=false
`, name)
}
