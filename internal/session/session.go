package session

import (
	"context"
	stderrors "errors"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/shinyobjectz/tav/internal/bridge"
	"github.com/shinyobjectz/tav/internal/build"
	"github.com/shinyobjectz/tav/internal/controls"
	"github.com/shinyobjectz/tav/internal/logging"
	"github.com/shinyobjectz/tav/internal/preview"
	"github.com/shinyobjectz/tav/internal/watcher"
)

// Session is the pipeline for one open project.
type Session struct {
	id          string
	projectID   string
	projectPath string
	manager     *Manager
	orch        *build.Orchestrator
	logger      logging.Logger

	mu         sync.Mutex
	hub        *bridge.Hub
	channel    *bridge.Channel
	bridgeAPI  *bridge.Client
	ctrlTester *controls.Tester
	watcher    *watcher.FileWatcher
	stopWatch  context.CancelFunc
}

func newSession(m *Manager, id, projectPath string) *Session {
	logger := m.logger.With("project", projectPath, "session", id)
	s := &Session{
		id:          id,
		projectPath: projectPath,
		manager:     m,
		logger:      logger,
		orch: build.NewOrchestrator(build.Options{
			ProjectPath:   projectPath,
			Fingerprinter: m.fingerprinter,
			Builder:       m.builder,
			Cache:         m.cache,
			Logger:        logger,
			Timeout:       m.cfg.Build.Timeout,
		}),
	}
	s.projectID = s.orch.ProjectID()
	s.orch.Subscribe(s.onBuild)
	s.attachBridge()
	return s
}

// attachBridge creates a fresh hub and channel. A stopped session gets a
// new pair on its next preview.
func (s *Session) attachBridge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachBridgeLocked()
}

func (s *Session) attachBridgeLocked() {
	cfg := s.manager.cfg.Bridge
	s.hub = bridge.NewHub(s.logger)
	s.channel = bridge.NewChannel(s.hub, bridge.Options{
		Timeout: cfg.Timeout,
		Logger:  s.logger,
	})
	s.channel.OnEvent(s.onBridgeEvent)
	s.bridgeAPI = bridge.NewClient(s.channel, cfg.CaptureNodeTimeout)
	s.ctrlTester = controls.NewTester(s.bridgeAPI, s.manager.actions, s.projectPath, s.logger)
}

func (s *Session) hubHandler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hub == nil {
		return nil
	}
	return s.hub
}

func (s *Session) client() *bridge.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridgeAPI
}

func (s *Session) tester() *controls.Tester {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrlTester
}

// serve makes sure artifactPath is being served. An unchanged artifact
// keeps its server so the connected page survives rebuilds.
func (s *Session) serve(ctx context.Context, artifactPath string) (preview.Handle, error) {
	previews := s.manager.previews
	if h, ok := previews.Lookup(s.id); ok && h.ArtifactPath == artifactPath {
		return h, nil
	}

	s.mu.Lock()
	if s.hub == nil {
		s.attachBridgeLocked()
	}
	s.mu.Unlock()

	h, err := previews.Start(ctx, s.id, artifactPath)
	if err != nil {
		return preview.Handle{}, err
	}
	s.manager.emit(Event{
		Type:      EventPreviewStarted,
		ProjectID: s.projectID,
		SessionID: s.id,
		Address:   h.URL(),
	})
	return h, nil
}

func (s *Session) startWatching() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}

	cfg := s.manager.cfg
	fw, err := watcher.NewFileWatcher(cfg.Watch.Debounce, s.logger)
	if err != nil {
		return err
	}
	fw.AddFilter(watcher.ProjectFilter(s.projectPath, cfg.Watch.Extensions))
	for _, dir := range outputExcludes(cfg.Build.OutputDir) {
		fw.IgnoreDir(filepath.Join(s.projectPath, filepath.FromSlash(dir)))
	}
	fw.AddHandler(s.onChanges)
	if err := fw.AddRecursive(s.projectPath); err != nil {
		_ = fw.Stop()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := fw.Start(ctx); err != nil {
		cancel()
		_ = fw.Stop()
		return err
	}
	s.watcher = fw
	s.stopWatch = cancel
	return nil
}

func (s *Session) onChanges(batch watcher.ChangeBatch) error {
	paths := make([]string, 0, batch.Len())
	for _, p := range batch.Paths() {
		if rel, err := filepath.Rel(s.projectPath, p); err == nil {
			p = filepath.ToSlash(rel)
		}
		paths = append(paths, p)
	}

	s.manager.emit(Event{
		Type:      EventFilesChanged,
		ProjectID: s.projectID,
		SessionID: s.id,
		Paths:     paths,
	})

	if s.manager.cfg.Preview.AutoRebuild {
		go func() {
			ctx := context.Background()
			if _, err := s.orch.RequestPreview(ctx, false); err != nil {
				s.logger.Warn(ctx, err, "Automatic rebuild failed")
			}
		}()
	}
	return nil
}

func (s *Session) onBuild(r build.BuildResult) {
	s.manager.emit(Event{
		Type:      EventBuild,
		ProjectID: s.projectID,
		SessionID: s.id,
		Build:     newBuildEvent(r),
	})
}

func (s *Session) onBridgeEvent(msg bridge.Message) {
	s.manager.emit(Event{
		Type:      EventBridge,
		ProjectID: s.projectID,
		SessionID: s.id,
		Message:   msg.Type,
	})
}

// stop shuts the server, watcher and bridge down. Pending bridge calls
// resolve as no-response.
func (s *Session) stop(ctx context.Context) error {
	s.mu.Lock()
	fw, cancel := s.watcher, s.stopWatch
	hub, ch := s.hub, s.channel
	s.watcher, s.stopWatch = nil, nil
	s.hub, s.channel = nil, nil
	s.mu.Unlock()

	_, wasServing := s.manager.previews.Lookup(s.id)

	var errs []error
	if err := s.manager.previews.StopSession(ctx, s.id); err != nil {
		errs = append(errs, err)
	}
	if cancel != nil {
		cancel()
	}
	if fw != nil {
		if err := fw.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if ch != nil {
		ch.Close()
	}
	if hub != nil {
		if err := hub.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if wasServing {
		s.manager.emit(Event{Type: EventPreviewStopped, ProjectID: s.projectID, SessionID: s.id})
		s.logger.Info(ctx, "Preview stopped")
	}
	return stderrors.Join(errs...)
}

func (s *Session) status() Status {
	st := Status{
		SessionID: s.id,
		ProjectID: s.projectID,
		Build:     s.orch.Snapshot(),
		Metrics:   s.orch.Metrics(),
	}
	if h, ok := s.manager.previews.Lookup(s.id); ok {
		st.Preview = &h
	}

	s.mu.Lock()
	st.Watching = s.watcher != nil
	if s.hub != nil {
		st.BridgeConnected = s.hub.Connected()
	}
	if s.channel != nil {
		st.Bridge = s.channel.Stats()
	}
	s.mu.Unlock()
	return st
}
