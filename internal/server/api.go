// Package server exposes the session controller over HTTP and a websocket
// event stream.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shinyobjectz/tav/internal/bridge"
	"github.com/shinyobjectz/tav/internal/config"
	"github.com/shinyobjectz/tav/internal/controls"
	"github.com/shinyobjectz/tav/internal/errors"
	"github.com/shinyobjectz/tav/internal/logging"
	"github.com/shinyobjectz/tav/internal/session"
	"github.com/shinyobjectz/tav/internal/validation"
)

// Controller is the session surface the API drives. *session.Manager
// implements it.
type Controller interface {
	RequestPreview(ctx context.Context, projectPath string, force bool) (*session.PreviewResult, error)
	StopPreview(ctx context.Context, projectPath string) error
	ClearCache(projectPath string) error
	CaptureFrame(ctx context.Context, projectPath string) (*bridge.Frame, error)
	TestControls(ctx context.Context, projectPath, request string, duration time.Duration) (*controls.Report, error)
	CaptureNode(ctx context.Context, projectPath, nodeID string, opts bridge.NodeCaptureOptions) (*bridge.NodeCapture, error)
	GameState(ctx context.Context, projectPath string) (json.RawMessage, error)
	FindNode(ctx context.Context, projectPath, name string) (*bridge.NodeMatch, error)
	Focus(ctx context.Context, projectPath string) error
	Controls(projectPath string) (controls.ActionTable, error)
	Status(projectPath string) (*session.Status, error)
	Sessions() []session.Status
	Changes(ctx context.Context) <-chan session.Event
}

var _ Controller = (*session.Manager)(nil)

// APIServer serves the controller API.
type APIServer struct {
	cfg        config.ServerConfig
	controller Controller
	logger     logging.Logger
	errs       *errors.ErrorHandler

	serverMutex sync.Mutex
	httpServer  *http.Server
	listener    net.Listener

	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates an API server. Nothing listens until Start.
func New(cfg config.ServerConfig, controller Controller, logger logging.Logger) *APIServer {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("api")
	return &APIServer{
		cfg:        cfg,
		controller: controller,
		logger:     logger,
		errs:       errors.NewErrorHandler(logger),
		done:       make(chan struct{}),
	}
}

// Handler returns the API routes with middleware applied.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/preview", s.handleRequestPreview)
	mux.HandleFunc("DELETE /api/preview", s.handleStopPreview)
	mux.HandleFunc("DELETE /api/cache", s.handleClearCache)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/controls", s.handleControls)
	mux.HandleFunc("POST /api/capture", s.handleCapture)
	mux.HandleFunc("POST /api/test-controls", s.handleTestControls)
	mux.HandleFunc("POST /api/capture-node", s.handleCaptureNode)
	mux.HandleFunc("POST /api/state", s.handleGameState)
	mux.HandleFunc("POST /api/find-node", s.handleFindNode)
	mux.HandleFunc("POST /api/focus", s.handleFocus)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	return s.addMiddleware(s.rateLimit(mux))
}

// Addr returns the bound address once Start has bound.
func (s *APIServer) Addr() string {
	s.serverMutex.Lock()
	defer s.serverMutex.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds and serves until ctx is done or Shutdown is called.
func (s *APIServer) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.NewBindError(fmt.Sprintf("could not listen on %s", addr), err)
	}

	s.serverMutex.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = s.Shutdown(shutdownCtx)
		case <-s.done:
		}
	}()

	s.logger.Info(ctx, "API server listening", "address", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *APIServer) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.done)

		s.serverMutex.Lock()
		server := s.httpServer
		s.serverMutex.Unlock()

		if server != nil {
			err = server.Shutdown(ctx)
		}
	})
	return err
}

func (s *APIServer) addMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !s.checkRequest(w, r) {
			return
		}

		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(r.Context(), "Request served", "method", r.Method, "path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *APIServer) isAllowedOrigin(origin string) bool {
	return validation.ValidateOrigin(origin, s.cfg.AllowedOrigins) == nil
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error       string              `json:"error"`
	Type        string              `json:"type,omitempty"`
	Code        string              `json:"code,omitempty"`
	Diagnostics []errors.Diagnostic `json:"diagnostics,omitempty"`
}

func (s *APIServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.errs.Handle(r.Context(), err)

	resp := errorResponse{
		Error:       errors.UserMessage(err),
		Type:        string(errors.TypeOf(err)),
		Diagnostics: errors.DiagnosticsOf(err),
	}
	var te *errors.TavError
	if stderrors.As(err, &te) {
		resp.Code = te.Code
	}
	writeJSON(w, StatusFor(err), resp)
}

// StatusFor maps an error onto an HTTP status.
func StatusFor(err error) int {
	var te *errors.TavError
	if !stderrors.As(err, &te) {
		return http.StatusInternalServerError
	}

	switch te.Code {
	case errors.ErrCodeNoSession:
		return http.StatusNotFound
	case errors.ErrCodeNotReady:
		return http.StatusConflict
	case errors.ErrCodeInvalidPath:
		return http.StatusBadRequest
	}

	switch te.Type {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeBuild:
		return http.StatusUnprocessableEntity
	case errors.ErrorTypeBind:
		return http.StatusServiceUnavailable
	case errors.ErrorTypeBridge:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
