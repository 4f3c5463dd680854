package server

import (
	"mime"
	"net/http"
	"strings"
)

// safeMethod reports whether a request method cannot change state.
func safeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// checkRequest rejects state-changing requests from foreign pages. An Origin
// must be allowlisted when present, and a POST body must be declared as
// JSON so it cannot arrive as a preflight-free simple request.
func (s *APIServer) checkRequest(w http.ResponseWriter, r *http.Request) bool {
	if safeMethod(r.Method) {
		return true
	}

	origin := r.Header.Get("Origin")
	switch {
	case origin != "" && !s.isAllowedOrigin(origin):
		s.logger.Warn(r.Context(), nil, "Rejected cross-origin request",
			"origin", origin, "method", r.Method, "path", r.URL.Path)
		writeJSON(w, http.StatusForbidden, errorResponse{
			Error: "origin not allowed",
			Code:  "ERR_ORIGIN_FORBIDDEN",
		})
		return false
	case origin == "" && strings.EqualFold(r.Header.Get("Sec-Fetch-Site"), "cross-site"):
		s.logger.Warn(r.Context(), nil, "Rejected cross-site request",
			"method", r.Method, "path", r.URL.Path)
		writeJSON(w, http.StatusForbidden, errorResponse{
			Error: "cross-site request not allowed",
			Code:  "ERR_ORIGIN_FORBIDDEN",
		})
		return false
	}

	if r.Method == http.MethodPost {
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/json" {
			writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{
				Error: "request body must be application/json",
				Code:  "ERR_UNSUPPORTED_MEDIA_TYPE",
			})
			return false
		}
	}
	return true
}
