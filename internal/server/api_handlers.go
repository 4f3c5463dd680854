package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shinyobjectz/tav/internal/bridge"
	"github.com/shinyobjectz/tav/internal/errors"
	"github.com/shinyobjectz/tav/internal/version"
)

const maxRequestBody = 1 << 20

// projectRequest is embedded by every request that targets a project.
type projectRequest struct {
	Project string `json:"project"`
}

type previewRequest struct {
	projectRequest
	Force bool `json:"force"`
}

type testControlsRequest struct {
	projectRequest
	Request    string   `json:"request"`
	Actions    []string `json:"actions"`
	DurationMS int64    `json:"duration_ms"`
}

type captureNodeRequest struct {
	projectRequest
	NodeID  string                    `json:"nodeId"`
	Options bridge.NodeCaptureOptions `json:"options"`
}

type findNodeRequest struct {
	projectRequest
	Name string `json:"name"`
}

// noResponse is returned when the game did not answer in time. The call can
// be retried.
type noResponse struct {
	NoResponse bool   `json:"noResponse"`
	Message    string `json:"message"`
}

func noResponseBody() noResponse {
	return noResponse{NoResponse: true, Message: "the running game did not answer in time"}
}

// decode reads a JSON body into v. An empty body leaves v untouched, and a
// ?project= query parameter fills in a missing project.
func decode(r *http.Request, v interface{}, project *string) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return errors.NewValidationError(errors.ErrCodeInvalidRequest, "could not read request body")
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, v); err != nil {
			return errors.NewValidationError(errors.ErrCodeInvalidRequest, "invalid JSON: "+err.Error())
		}
	}
	if *project == "" {
		*project = r.URL.Query().Get("project")
	}
	if *project == "" {
		return errors.NewValidationError(errors.ErrCodeInvalidPath, "project is required")
	}
	return nil
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"timestamp":  time.Now().UTC(),
		"version":    version.GetShortVersion(),
		"build_info": version.GetBuildInfo(),
		"sessions":   len(s.controller.Sessions()),
	})
}

func (s *APIServer) handleRequestPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decode(r, &req, &req.Project); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.controller.RequestPreview(r.Context(), req.Project, req.Force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Deferred {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *APIServer) handleStopPreview(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := decode(r, &req, &req.Project); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.controller.StopPreview(r.Context(), req.Project); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stopped": true, "project": req.Project})
}

func (s *APIServer) handleClearCache(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := decode(r, &req, &req.Project); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.controller.ClearCache(req.Project); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true, "project": req.Project})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.controller.Sessions()})
		return
	}

	st, err := s.controller.Status(project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *APIServer) handleControls(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		s.writeError(w, r, errors.NewValidationError(errors.ErrCodeInvalidPath, "project is required"))
		return
	}

	table, err := s.controller.Controls(project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": table})
}

func (s *APIServer) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := decode(r, &req, &req.Project); err != nil {
		s.writeError(w, r, err)
		return
	}

	frame, err := s.controller.CaptureFrame(r.Context(), req.Project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if frame == nil {
		writeJSON(w, http.StatusOK, noResponseBody())
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

func (s *APIServer) handleTestControls(w http.ResponseWriter, r *http.Request) {
	var req testControlsRequest
	if err := decode(r, &req, &req.Project); err != nil {
		s.writeError(w, r, err)
		return
	}

	request := req.Request
	if len(req.Actions) > 0 {
		request = strings.TrimSpace(request + " " + strings.Join(req.Actions, " "))
	}
	duration := time.Duration(req.DurationMS) * time.Millisecond

	report, err := s.controller.TestControls(r.Context(), req.Project, request, duration)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *APIServer) handleCaptureNode(w http.ResponseWriter, r *http.Request) {
	var req captureNodeRequest
	if err := decode(r, &req, &req.Project); err != nil {
		s.writeError(w, r, err)
		return
	}

	capture, err := s.controller.CaptureNode(r.Context(), req.Project, req.NodeID, req.Options)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if capture == nil {
		writeJSON(w, http.StatusOK, noResponseBody())
		return
	}
	writeJSON(w, http.StatusOK, capture)
}

func (s *APIServer) handleGameState(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := decode(r, &req, &req.Project); err != nil {
		s.writeError(w, r, err)
		return
	}

	state, err := s.controller.GameState(r.Context(), req.Project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if state == nil {
		writeJSON(w, http.StatusOK, noResponseBody())
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"state": state})
}

func (s *APIServer) handleFindNode(w http.ResponseWriter, r *http.Request) {
	var req findNodeRequest
	if err := decode(r, &req, &req.Project); err != nil {
		s.writeError(w, r, err)
		return
	}

	match, err := s.controller.FindNode(r.Context(), req.Project, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if match == nil {
		writeJSON(w, http.StatusOK, noResponseBody())
		return
	}
	writeJSON(w, http.StatusOK, match)
}

func (s *APIServer) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := decode(r, &req, &req.Project); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.controller.Focus(r.Context(), req.Project); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"focused": true})
}
