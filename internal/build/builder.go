package build

import "context"

// BuildOutput is what a successful external build reports.
type BuildOutput struct {
	// ArtifactPath is the directory holding the servable artifact.
	ArtifactPath string
	// Log is the tool's combined output.
	Log string
}

// Builder turns a project directory into a servable artifact. A failed build
// returns an error carrying the tool's diagnostic text.
type Builder interface {
	Build(ctx context.Context, projectPath string) (BuildOutput, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(ctx context.Context, projectPath string) (BuildOutput, error)

// Build calls f.
func (f BuilderFunc) Build(ctx context.Context, projectPath string) (BuildOutput, error) {
	return f(ctx, projectPath)
}
