package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyobjectz/tav/internal/bridge"
	"github.com/shinyobjectz/tav/internal/build"
	"github.com/shinyobjectz/tav/internal/config"
	"github.com/shinyobjectz/tav/internal/controls"
	"github.com/shinyobjectz/tav/internal/errors"
	"github.com/shinyobjectz/tav/internal/session"
)

type fakeController struct {
	mu sync.Mutex

	previewErr    error
	deferred      bool
	frame         *bridge.Frame
	report        *controls.Report
	lastRequest   string
	lastDuration  time.Duration
	lastForce     bool
	previewed     []string
	stopped       []string
	cleared       []string
	events        chan session.Event
	statusErr     error
	controlsTable controls.ActionTable
}

func newFakeController() *fakeController {
	return &fakeController{events: make(chan session.Event, 8)}
}

func (f *fakeController) previewCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.previewed...)
}

func (f *fakeController) RequestPreview(_ context.Context, project string, force bool) (*session.PreviewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastForce = force
	f.previewed = append(f.previewed, project)
	if f.previewErr != nil {
		return nil, f.previewErr
	}
	outcome := build.OutcomeBuilt
	if f.deferred {
		outcome = build.OutcomeDeferred
	}
	return &session.PreviewResult{
		SessionID: "s1",
		ProjectID: project,
		Address:   "http://127.0.0.1:8080/",
		Outcome:   outcome,
		Deferred:  f.deferred,
	}, nil
}

func (f *fakeController) StopPreview(_ context.Context, project string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, project)
	return nil
}

func (f *fakeController) ClearCache(project string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, project)
	return nil
}

func (f *fakeController) CaptureFrame(context.Context, string) (*bridge.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame, nil
}

// with runs fn under the controller's lock.
func (f *fakeController) with(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeController) TestControls(_ context.Context, _ string, request string, d time.Duration) (*controls.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRequest = request
	f.lastDuration = d
	return f.report, nil
}

func (f *fakeController) CaptureNode(_ context.Context, _ string, nodeID string, _ bridge.NodeCaptureOptions) (*bridge.NodeCapture, error) {
	if nodeID == "" {
		return nil, errors.NewValidationError(errors.ErrCodeInvalidRequest, "node id is required")
	}
	return &bridge.NodeCapture{Captures: map[string]string{"front": "data:x"}}, nil
}

func (f *fakeController) GameState(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{"score":3}`), nil
}

func (f *fakeController) FindNode(_ context.Context, _ string, name string) (*bridge.NodeMatch, error) {
	return &bridge.NodeMatch{Found: name == "Player", Path: "/root/Main/Player"}, nil
}

func (f *fakeController) Focus(context.Context, string) error { return nil }

func (f *fakeController) Controls(string) (controls.ActionTable, error) {
	return f.controlsTable, nil
}

func (f *fakeController) Status(project string) (*session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &session.Status{SessionID: "s1", ProjectID: project}, nil
}

func (f *fakeController) Sessions() []session.Status {
	return []session.Status{{SessionID: "s1", ProjectID: "/p"}}
}

func (f *fakeController) Changes(ctx context.Context) <-chan session.Event {
	out := make(chan session.Event)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-f.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func newTestAPI(t *testing.T, fc *fakeController, origins ...string) *httptest.Server {
	t.Helper()
	api := New(config.ServerConfig{Host: "127.0.0.1", AllowedOrigins: origins}, fc, nil)
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	ts := newTestAPI(t, newFakeController())
	resp, body := do(t, http.MethodGet, ts.URL+"/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["sessions"])
}

func TestRequestPreview(t *testing.T) {
	fc := newFakeController()
	ts := newTestAPI(t, fc)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/preview", map[string]interface{}{"project": "/game", "force": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://127.0.0.1:8080/", body["address"])
	assert.Equal(t, "built", body["outcome"])
	fc.with(func() { assert.True(t, fc.lastForce) })

	fc.with(func() { fc.deferred = true })
	resp, body = do(t, http.MethodPost, ts.URL+"/api/preview?project=/game", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["deferred"])
}

func TestRequestPreviewErrors(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
		prefix string
	}{
		{"build", errors.NewBuildError("export failed", "parse error at line 3", nil), http.StatusUnprocessableEntity, "project failed to build"},
		{"bind", errors.NewBindError("no free port in 8080-8999", nil), http.StatusServiceUnavailable, "could not serve preview locally"},
		{"fingerprint", errors.NewFingerprintError("a.gd", assert.AnError), http.StatusInternalServerError, "could not read project files"},
		{"invalid path", errors.NewValidationError(errors.ErrCodeInvalidPath, "missing"), http.StatusBadRequest, "[ERR_INVALID_PATH] missing"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fc := newFakeController()
			fc.previewErr = tc.err
			ts := newTestAPI(t, fc)

			resp, body := do(t, http.MethodPost, ts.URL+"/api/preview", map[string]string{"project": "/game"})
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.True(t, strings.HasPrefix(body["error"].(string), tc.prefix), body["error"])
		})
	}
}

func TestBuildErrorCarriesDiagnostics(t *testing.T) {
	fc := newFakeController()
	fc.previewErr = errors.NewBuildError("export failed",
		"SCRIPT ERROR: Parse Error: Expected end of statement.\n   at: GDScript::reload (res://player.gd:7)\n", nil)
	ts := newTestAPI(t, fc)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/preview", map[string]string{"project": "/game"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	diags, ok := body["diagnostics"].([]interface{})
	require.True(t, ok, body)
	require.Len(t, diags, 1)
	first := diags[0].(map[string]interface{})
	assert.Equal(t, "res://player.gd", first["file"])
	assert.Equal(t, float64(7), first["line"])
	assert.Equal(t, "script", first["kind"])
}

func TestMissingProject(t *testing.T) {
	ts := newTestAPI(t, newFakeController())
	resp, body := do(t, http.MethodPost, ts.URL+"/api/preview", map[string]bool{"force": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, errors.ErrCodeInvalidPath, body["code"])

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/preview", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopAndClear(t *testing.T) {
	fc := newFakeController()
	ts := newTestAPI(t, fc)

	resp, body := do(t, http.MethodDelete, ts.URL+"/api/preview", map[string]string{"project": "/game"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["stopped"])

	resp, body = do(t, http.MethodDelete, ts.URL+"/api/cache?project=/game", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cleared"])

	fc.with(func() {
		assert.Equal(t, []string{"/game"}, fc.stopped)
		assert.Equal(t, []string{"/game"}, fc.cleared)
	})
}

func TestStatus(t *testing.T) {
	fc := newFakeController()
	ts := newTestAPI(t, fc)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/status?project=/game", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/game", body["projectId"])

	_, body = do(t, http.MethodGet, ts.URL+"/api/status", nil)
	assert.Len(t, body["sessions"], 1)

	fc.with(func() { fc.statusErr = errors.NewValidationError(errors.ErrCodeNoSession, "no session") })
	resp, _ = do(t, http.MethodGet, ts.URL+"/api/status?project=/other", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestControlsEndpoint(t *testing.T) {
	fc := newFakeController()
	fc.controlsTable = controls.ActionTable{{Name: "jump", Keys: []string{"Space"}, Description: "Make character jump"}}
	ts := newTestAPI(t, fc)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/controls?project=/game", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	actions := body["actions"].([]interface{})
	require.Len(t, actions, 1)
	assert.Equal(t, "jump", actions[0].(map[string]interface{})["action"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/controls", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCaptureNoResponse(t *testing.T) {
	fc := newFakeController()
	ts := newTestAPI(t, fc)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/capture", map[string]string{"project": "/game"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["noResponse"])

	fc.with(func() { fc.frame = &bridge.Frame{Data: "data:image/png;base64,AA", Width: 2, Height: 1} })
	_, body = do(t, http.MethodPost, ts.URL+"/api/capture", map[string]string{"project": "/game"})
	assert.Equal(t, float64(2), body["width"])
}

func TestTestControlsEndpoint(t *testing.T) {
	fc := newFakeController()
	fc.report = &controls.Report{Request: "jump", Resolved: []string{"jump"}}
	ts := newTestAPI(t, fc)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/test-controls", map[string]interface{}{
		"project":     "/game",
		"request":     "jump",
		"actions":     []string{"move_left"},
		"duration_ms": 1500,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	fc.with(func() {
		assert.Equal(t, "jump move_left", fc.lastRequest)
		assert.Equal(t, 1500*time.Millisecond, fc.lastDuration)
	})
	assert.Equal(t, []interface{}{"jump"}, body["resolved"])
}

func TestNodeEndpoints(t *testing.T) {
	ts := newTestAPI(t, newFakeController())

	resp, body := do(t, http.MethodPost, ts.URL+"/api/capture-node", map[string]string{"project": "/game", "nodeId": "Player"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["captures"])

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/capture-node", map[string]string{"project": "/game"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = do(t, http.MethodPost, ts.URL+"/api/find-node", map[string]string{"project": "/game", "name": "Player"})
	assert.Equal(t, true, body["found"])

	_, body = do(t, http.MethodPost, ts.URL+"/api/state", map[string]string{"project": "/game"})
	assert.Equal(t, map[string]interface{}{"score": float64(3)}, body["state"])

	_, body = do(t, http.MethodPost, ts.URL+"/api/focus", map[string]string{"project": "/game"})
	assert.Equal(t, true, body["focused"])
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestAPI(t, newFakeController())
	resp, _ := do(t, http.MethodGet, ts.URL+"/api/preview", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	ts := newTestAPI(t, newFakeController(), "http://localhost:5173")

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/preview", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestEventStream(t *testing.T) {
	fc := newFakeController()
	ts := newTestAPI(t, fc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	fc.events <- session.Event{Type: session.EventFilesChanged, ProjectID: "/game", Paths: []string{"player.gd"}}

	var ev session.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, session.EventFilesChanged, ev.Type)
	assert.Equal(t, []string{"player.gd"}, ev.Paths)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assert.AnError))
	assert.Equal(t, http.StatusConflict, StatusFor(errors.NewValidationError(errors.ErrCodeNotReady, "x")))
	assert.Equal(t, http.StatusBadGateway, StatusFor(errors.NewBridgeError(errors.ErrCodeBridgeNotConnected, "x")))
}

func TestStartAndShutdown(t *testing.T) {
	api := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, newFakeController(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- api.Start(ctx) }()

	require.Eventually(t, func() bool { return api.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + api.Addr() + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestCrossOriginWritesRejected(t *testing.T) {
	fc := newFakeController()
	ts := newTestAPI(t, fc, "http://localhost:5173")

	send := func(method, path, origin, contentType, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	preview := `{"project":"/victim","force":true}`

	resp := send(http.MethodPost, "/api/preview", "http://evil.example", "text/plain", preview)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = send(http.MethodPost, "/api/preview", "http://evil.example", "application/json", preview)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = send(http.MethodDelete, "/api/cache?project=/victim", "http://evil.example", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/capture", strings.NewReader(`{"project":"/victim"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Empty(t, fc.previewCalls(), "rejected requests never reach the controller")
	fc.mu.Lock()
	assert.Empty(t, fc.cleared)
	fc.mu.Unlock()

	resp = send(http.MethodPost, "/api/preview", "http://localhost:5173", "application/json", `{"project":"/game"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = send(http.MethodGet, "/api/health", "http://evil.example", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostRequiresJSONContentType(t *testing.T) {
	fc := newFakeController()
	ts := newTestAPI(t, fc)

	for _, contentType := range []string{"", "text/plain", "application/x-www-form-urlencoded", "multipart/form-data; boundary=x"} {
		t.Run(fmt.Sprintf("%q", contentType), func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/preview", strings.NewReader(`{"project":"/game","force":true}`))
			require.NoError(t, err)
			if contentType != "" {
				req.Header.Set("Content-Type", contentType)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
		})
	}
	assert.Empty(t, fc.previewCalls())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/preview", strings.NewReader(`{"project":"/game"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
