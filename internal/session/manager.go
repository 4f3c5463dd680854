// Package session ties the pipeline together for each open project: the
// build orchestrator, the file watcher, the preview server and the bridge
// to the running artifact.
package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shinyobjectz/tav/internal/bridge"
	"github.com/shinyobjectz/tav/internal/build"
	"github.com/shinyobjectz/tav/internal/config"
	"github.com/shinyobjectz/tav/internal/controls"
	"github.com/shinyobjectz/tav/internal/errors"
	"github.com/shinyobjectz/tav/internal/fingerprint"
	"github.com/shinyobjectz/tav/internal/logging"
	"github.com/shinyobjectz/tav/internal/preview"
)

// Options configures a Manager. Only Config is required.
type Options struct {
	Config *config.Config
	// Builder defaults to the Godot web exporter.
	Builder build.Builder
	// Actions defaults to reading project.godot.
	Actions controls.ActionSource
	Logger  logging.Logger
}

// PreviewResult is the answer to a preview request.
type PreviewResult struct {
	SessionID    string                  `json:"sessionId"`
	ProjectID    string                  `json:"projectId"`
	Address      string                  `json:"address,omitempty"`
	ArtifactPath string                  `json:"artifactPath,omitempty"`
	Fingerprint  fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	Outcome      build.Outcome           `json:"outcome"`
	// Cached is set when an existing artifact was reused.
	Cached bool `json:"cached"`
	// Deferred is set when a build was already running. The request has
	// been folded into one follow-up build.
	Deferred bool `json:"deferred"`
}

// Status is a snapshot of one session.
type Status struct {
	SessionID       string                `json:"sessionId"`
	ProjectID       string                `json:"projectId"`
	Build           build.Session         `json:"build"`
	Preview         *preview.Handle       `json:"preview,omitempty"`
	Watching        bool                  `json:"watching"`
	BridgeConnected bool                  `json:"bridgeConnected"`
	Bridge          bridge.Stats          `json:"bridge"`
	Metrics         build.MetricsSnapshot `json:"metrics"`
}

// Manager owns one Session per open project.
type Manager struct {
	cfg           *config.Config
	builder       build.Builder
	actions       controls.ActionSource
	cache         *build.BuildCache
	fingerprinter *fingerprint.Fingerprinter
	previews      *preview.Server
	logger        logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byID     map[string]*Session
	closed   bool

	subMu       sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewManager creates a Manager with no open sessions.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	builder := opts.Builder
	if builder == nil {
		builder = build.NewGodotExporter(cfg.Build, logger)
	}
	actions := opts.Actions
	if actions == nil {
		actions = controls.ProjectSource{}
	}

	m := &Manager{
		cfg:     cfg,
		builder: builder,
		actions: actions,
		cache:   build.NewBuildCache(cfg.Build.CacheProjects, cfg.Build.PersistCache),
		fingerprinter: fingerprint.New(fingerprint.Options{
			Salt:        preview.HelperVersion,
			ExcludeDirs: outputExcludes(cfg.Build.OutputDir),
		}),
		logger:      logger.WithComponent("session"),
		sessions:    make(map[string]*Session),
		byID:        make(map[string]*Session),
		subscribers: make(map[chan Event]struct{}),
	}
	m.previews = preview.NewServer(preview.Options{
		Host:      cfg.Preview.Host,
		PortStart: cfg.Preview.PortStart,
		PortEnd:   cfg.Preview.PortEnd,
		Compress:  cfg.Preview.Compress,
		Bridge:    m.bridgeHandler,
		Helper:    m.helperConfig,
		Logger:    logger,
	})
	return m
}

// outputExcludes keeps the export directory and its staging twin out of
// the fingerprint.
func outputExcludes(outputDir string) []string {
	dir := filepath.ToSlash(filepath.Clean(outputDir))
	return []string{dir, dir + ".staging"}
}

// RequestPreview builds or reuses the project's artifact and makes sure it
// is being served. A deferred request returns the current address, if any,
// without touching the server.
func (m *Manager) RequestPreview(ctx context.Context, projectPath string, force bool) (*PreviewResult, error) {
	s, err := m.open(projectPath)
	if err != nil {
		return nil, err
	}

	outcome, err := s.orch.RequestPreview(ctx, force)
	if err != nil {
		return nil, err
	}

	snap := s.orch.Snapshot()
	result := &PreviewResult{
		SessionID:    s.id,
		ProjectID:    s.projectID,
		ArtifactPath: snap.ArtifactPath,
		Fingerprint:  snap.Fingerprint,
		Outcome:      outcome,
		Cached:       outcome == build.OutcomeCached,
		Deferred:     outcome == build.OutcomeDeferred,
	}

	if outcome == build.OutcomeDeferred {
		if h, ok := m.previews.Lookup(s.id); ok {
			result.Address = h.URL()
		}
		return result, nil
	}

	handle, err := s.serve(ctx, snap.ArtifactPath)
	if err != nil {
		return nil, err
	}
	result.Address = handle.URL()

	if err := s.startWatching(); err != nil {
		m.logger.Warn(ctx, err, "File watching unavailable", "project", s.projectID)
	}
	return result, nil
}

// Build builds or reuses the project's artifact without serving it. When a
// build is already running it waits for that build, and the follow-up it
// schedules, to settle.
func (m *Manager) Build(ctx context.Context, projectPath string, force bool) (*PreviewResult, error) {
	s, err := m.open(projectPath)
	if err != nil {
		return nil, err
	}

	outcome, err := s.orch.RequestPreview(ctx, force)
	if err != nil {
		return nil, err
	}
	if outcome == build.OutcomeDeferred {
		if err := s.orch.WaitIdle(ctx); err != nil {
			return nil, err
		}
	}

	snap := s.orch.Snapshot()
	if snap.State == build.StateError {
		return nil, errors.NewBuildError("project failed to build", snap.LastError, nil)
	}
	return &PreviewResult{
		SessionID:    s.id,
		ProjectID:    s.projectID,
		ArtifactPath: snap.ArtifactPath,
		Fingerprint:  snap.Fingerprint,
		Outcome:      outcome,
		Cached:       outcome == build.OutcomeCached,
		Deferred:     outcome == build.OutcomeDeferred,
	}, nil
}

// StopPreview stops the project's server, watcher and bridge. The session
// itself stays registered: its build state and cache slot outlive the
// preview, so Status keeps reporting the last build and the next request is
// served from the cache without rebuilding. Close releases every session.
func (m *Manager) StopPreview(ctx context.Context, projectPath string) error {
	s, err := m.lookup(projectPath)
	if err != nil {
		return err
	}
	return s.stop(ctx)
}

// ClearCache drops the project's cached artifact so the next request
// rebuilds.
func (m *Manager) ClearCache(projectPath string) error {
	s, err := m.open(projectPath)
	if err != nil {
		return err
	}
	return s.orch.ClearCache()
}

// CaptureFrame captures the running game's canvas. A nil frame with a nil
// error means the game did not answer in time.
func (m *Manager) CaptureFrame(ctx context.Context, projectPath string) (*bridge.Frame, error) {
	s, err := m.running(projectPath)
	if err != nil {
		return nil, err
	}
	return s.client().CaptureFrame(ctx)
}

// TestControls resolves request onto the project's actions and drives them
// for duration.
func (m *Manager) TestControls(ctx context.Context, projectPath, request string, duration time.Duration) (*controls.Report, error) {
	s, err := m.running(projectPath)
	if err != nil {
		return nil, err
	}
	return s.tester().Test(ctx, request, duration)
}

// CaptureNode renders a scene node from several angles.
func (m *Manager) CaptureNode(ctx context.Context, projectPath, nodeID string, opts bridge.NodeCaptureOptions) (*bridge.NodeCapture, error) {
	if nodeID == "" {
		return nil, errors.NewValidationError(errors.ErrCodeInvalidRequest, "node id is required")
	}
	s, err := m.running(projectPath)
	if err != nil {
		return nil, err
	}
	return s.client().CaptureNode(ctx, nodeID, opts)
}

// GameState returns the running game's state snapshot.
func (m *Manager) GameState(ctx context.Context, projectPath string) (json.RawMessage, error) {
	s, err := m.running(projectPath)
	if err != nil {
		return nil, err
	}
	return s.client().GetState(ctx)
}

// FindNode looks a scene node up by name.
func (m *Manager) FindNode(ctx context.Context, projectPath, name string) (*bridge.NodeMatch, error) {
	s, err := m.running(projectPath)
	if err != nil {
		return nil, err
	}
	return s.client().FindNode(ctx, name)
}

// Focus gives the game canvas input focus.
func (m *Manager) Focus(ctx context.Context, projectPath string) error {
	s, err := m.running(projectPath)
	if err != nil {
		return err
	}
	return s.client().Focus(ctx)
}

// Controls returns the project's declared input actions.
func (m *Manager) Controls(projectPath string) (controls.ActionTable, error) {
	abs, err := projectDir(projectPath)
	if err != nil {
		return nil, err
	}
	return m.actions.Actions(abs)
}

// Status reports on the project's session.
func (m *Manager) Status(projectPath string) (*Status, error) {
	s, err := m.lookup(projectPath)
	if err != nil {
		return nil, err
	}
	st := s.status()
	return &st, nil
}

// Sessions reports on every open session, ordered by project.
func (m *Manager) Sessions() []Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Close stops every session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.previews.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

func projectDir(projectPath string) (string, error) {
	if projectPath == "" {
		return "", errors.NewValidationError(errors.ErrCodeInvalidPath, "project path is required")
	}
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return "", errors.NewValidationError(errors.ErrCodeInvalidPath, err.Error())
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", errors.NewIOError(errors.ErrCodeInvalidPath, fmt.Sprintf("project %s not found", abs), err)
	}
	if !info.IsDir() {
		return "", errors.NewValidationError(errors.ErrCodeInvalidPath, fmt.Sprintf("%s is not a directory", abs))
	}
	return abs, nil
}

// open returns the project's session, creating it on first use.
func (m *Manager) open(projectPath string) (*Session, error) {
	abs, err := projectDir(projectPath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "session manager is closed", nil)
	}
	if s, ok := m.sessions[abs]; ok {
		return s, nil
	}

	s := newSession(m, uuid.NewString(), abs)
	m.sessions[abs] = s
	m.byID[s.id] = s
	m.logger.Info(context.Background(), "Session opened", "project", abs, "session", s.id)
	return s, nil
}

func (m *Manager) lookup(projectPath string) (*Session, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, errors.NewValidationError(errors.ErrCodeInvalidPath, err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[abs]
	if !ok {
		return nil, errors.NewValidationError(errors.ErrCodeNoSession,
			fmt.Sprintf("no session for %s; request a preview first", abs))
	}
	return s, nil
}

// running returns the session only while its preview is being served.
func (m *Manager) running(projectPath string) (*Session, error) {
	s, err := m.lookup(projectPath)
	if err != nil {
		return nil, err
	}
	if _, ok := m.previews.Lookup(s.id); !ok {
		return nil, errors.NewValidationError(errors.ErrCodeNotReady,
			fmt.Sprintf("no preview running for %s", s.projectID))
	}
	return s, nil
}

func (m *Manager) byIDLookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

func (m *Manager) bridgeHandler(sessionID string) http.Handler {
	s, ok := m.byIDLookup(sessionID)
	if !ok {
		return nil
	}
	return s.hubHandler()
}

func (m *Manager) helperConfig(sessionID string) preview.HelperConfig {
	cfg := preview.HelperConfig{
		Version:        preview.HelperVersion,
		SessionID:      sessionID,
		BridgePath:     preview.BridgePath,
		CaptureTimeout: m.cfg.Bridge.CaptureNodeTimeout.Milliseconds(),
		ActionKeys:     preview.DefaultActionKeys(),
	}

	s, ok := m.byIDLookup(sessionID)
	if !ok {
		return cfg
	}
	table, err := m.actions.Actions(s.projectPath)
	if err != nil {
		return cfg
	}
	for action, key := range table.SimulationKeys() {
		cfg.ActionKeys[action] = key
	}
	return cfg
}
