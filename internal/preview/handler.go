package preview

import (
	"bytes"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
)

// mimeTypes covers what a web export ships. Unknown extensions fall back to
// content sniffing.
var mimeTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".mjs":  "text/javascript; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".json": "application/json",
	".wasm": "application/wasm",
	".pck":  "application/octet-stream",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".webp": "image/webp",
}

// ContentType returns the MIME type served for name, or "" when unknown.
func ContentType(name string) string {
	return mimeTypes[strings.ToLower(filepath.Ext(name))]
}

func (s *Server) routes(sessionID, artifactPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(BridgePath, func(w http.ResponseWriter, r *http.Request) {
		var bridge http.Handler
		if s.opts.Bridge != nil {
			bridge = s.opts.Bridge(sessionID)
		}
		if bridge == nil {
			http.Error(w, "bridge unavailable", http.StatusServiceUnavailable)
			return
		}
		bridge.ServeHTTP(w, r)
	})

	var assets http.Handler = &assetHandler{
		root:      artifactPath,
		sessionID: sessionID,
		server:    s,
		files:     http.FileServer(http.Dir(artifactPath)),
	}
	if s.opts.Compress {
		assets = gzhttp.GzipHandler(assets)
	}
	mux.Handle("/", assets)

	return isolationHeaders(mux)
}

// isolationHeaders sets the cross-origin isolation headers threaded web
// exports need for SharedArrayBuffer.
func isolationHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Cross-Origin-Embedder-Policy", "require-corp")
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}

type assetHandler struct {
	root      string
	sessionID string
	server    *Server
	files     http.Handler
}

func (a *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := path.Clean("/" + r.URL.Path)
	if name == "/" || name == "/index.html" {
		a.serveIndex(w, r)
		return
	}

	if ct := ContentType(name); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	a.files.ServeHTTP(w, r)
}

// serveIndex serves index.html with the helper injected. The file on disk
// is left untouched.
func (a *assetHandler) serveIndex(w http.ResponseWriter, r *http.Request) {
	indexPath := filepath.Join(a.root, "index.html")
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		http.Error(w, "index.html not found", http.StatusNotFound)
		return
	}

	cfg := HelperConfig{
		Version:    HelperVersion,
		SessionID:  a.sessionID,
		BridgePath: BridgePath,
		ActionKeys: DefaultActionKeys(),
	}
	if a.server.opts.Helper != nil {
		cfg = a.server.opts.Helper(a.sessionID)
		if cfg.BridgePath == "" {
			cfg.BridgePath = BridgePath
		}
		if cfg.Version == "" {
			cfg.Version = HelperVersion
		}
	}

	body, err := InjectHelper(r.Context(), raw, cfg)
	if err != nil {
		a.server.logger.Warn(r.Context(), err, "Serving index.html without helper", "session", a.sessionID)
		body = raw
	}

	modTime := time.Time{}
	if info, err := os.Stat(indexPath); err == nil {
		modTime = info.ModTime()
	}
	w.Header().Set("Content-Type", mimeTypes[".html"])
	http.ServeContent(w, r, "index.html", modTime, bytes.NewReader(body))
}
