// Package preview serves exported artifacts on local ports, one server per
// session, and injects the page helper the bridge talks to.
package preview

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shinyobjectz/tav/internal/errors"
	"github.com/shinyobjectz/tav/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Handle identifies one running preview server.
type Handle struct {
	SessionID    string `json:"sessionId"`
	Address      string `json:"address"`
	ArtifactPath string `json:"artifactPath"`
}

// URL returns the address as an http URL.
func (h Handle) URL() string {
	return "http://" + h.Address + "/"
}

// Options configures a Server.
type Options struct {
	Host string
	// PortStart and PortEnd bound the port scan. When both are zero an
	// ephemeral port is used.
	PortStart int
	PortEnd   int
	Compress  bool
	// Bridge returns the websocket endpoint of a session's bridge, or nil.
	Bridge func(sessionID string) http.Handler
	// Helper returns the helper config injected into a session's index.html.
	Helper func(sessionID string) HelperConfig
	Logger logging.Logger
}

type instance struct {
	handle   Handle
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// Server runs one HTTP server per session.
type Server struct {
	opts   Options
	logger logging.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

// NewServer creates a Server. Nothing is bound until Start.
func NewServer(opts Options) *Server {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Server{
		opts:      opts,
		logger:    opts.Logger.WithComponent("preview"),
		instances: make(map[string]*instance),
	}
}

// Start serves artifactPath for sessionID. A server already running for the
// session is shut down before the new one binds.
func (s *Server) Start(ctx context.Context, sessionID, artifactPath string) (Handle, error) {
	if _, err := os.Stat(filepath.Join(artifactPath, "index.html")); err != nil {
		return Handle{}, errors.NewIOError(errors.ErrCodeArtifactMissing,
			fmt.Sprintf("index.html not found in %s", artifactPath), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.instances[sessionID]; ok {
		if err := s.shutdownLocked(ctx, sessionID, old); err != nil {
			s.logger.Warn(ctx, err, "Replaced preview server did not shut down cleanly",
				"session", sessionID, "address", old.handle.Address)
		}
	}

	ln, err := s.listen()
	if err != nil {
		return Handle{}, err
	}

	handle := Handle{
		SessionID:    sessionID,
		Address:      ln.Addr().String(),
		ArtifactPath: artifactPath,
	}
	inst := &instance{
		handle:   handle,
		listener: ln,
		done:     make(chan struct{}),
		server: &http.Server{
			Handler:           s.routes(sessionID, artifactPath),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.instances[sessionID] = inst

	go func() {
		defer close(inst.done)
		if err := inst.server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), err, "Preview server stopped", "session", sessionID)
		}
	}()

	s.logger.Info(ctx, "Preview server started", "session", sessionID, "address", handle.Address,
		"artifact", artifactPath)
	return handle, nil
}

// Stop shuts down the server behind handle. Stopping a handle that has
// already been replaced or stopped is a no-op.
func (s *Server) Stop(ctx context.Context, handle Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[handle.SessionID]
	if !ok || inst.handle.Address != handle.Address {
		return nil
	}
	return s.shutdownLocked(ctx, handle.SessionID, inst)
}

// StopSession shuts down whatever server sessionID has.
func (s *Server) StopSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[sessionID]
	if !ok {
		return nil
	}
	return s.shutdownLocked(ctx, sessionID, inst)
}

// Lookup returns the running handle for sessionID.
func (s *Server) Lookup(sessionID string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[sessionID]
	if !ok {
		return Handle{}, false
	}
	return inst.handle, true
}

// Handles lists running servers ordered by session.
func (s *Server) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := make([]Handle, 0, len(s.instances))
	for _, inst := range s.instances {
		handles = append(handles, inst.handle)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].SessionID < handles[j].SessionID })
	return handles
}

// Close stops every server.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, inst := range s.instances {
		if err := s.shutdownLocked(ctx, id, inst); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (s *Server) shutdownLocked(ctx context.Context, sessionID string, inst *instance) error {
	delete(s.instances, sessionID)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	err := inst.server.Shutdown(shutdownCtx)
	if err != nil {
		// Hijacked bridge connections are not tracked by Shutdown.
		err = inst.server.Close()
	}
	<-inst.done

	s.logger.Info(ctx, "Preview server stopped", "session", sessionID, "address", inst.handle.Address)
	return err
}

// listen binds the first free port in the configured range.
func (s *Server) listen() (net.Listener, error) {
	if s.opts.PortStart == 0 && s.opts.PortEnd == 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.opts.Host, "0"))
		if err != nil {
			return nil, errors.NewBindError("could not bind an ephemeral port", err)
		}
		return ln, nil
	}

	var lastErr error
	for port := s.opts.PortStart; port <= s.opts.PortEnd; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, errors.NewBindError(
		fmt.Sprintf("no free port in %d-%d", s.opts.PortStart, s.opts.PortEnd), lastErr)
}
