package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/model"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/updates", s.handleSendUpdate)
	mux.HandleFunc("GET /v1/updates", s.handleListUpdates)
	mux.HandleFunc("POST /v1/updates/{id}/read", s.handleMarkRead)
	mux.HandleFunc("GET /v1/stages/{stage}/statuses", s.handleStageStatuses)
	mux.HandleFunc("GET /v1/notifications", s.handleNotifications)
	mux.HandleFunc("POST /v1/documents", s.handleSendDocument)
	mux.HandleFunc("GET /v1/documents", s.handleListDocuments)
	mux.HandleFunc("GET /v1/documents/{id}/content", s.handleDownloadDocument)
	mux.HandleFunc("POST /v1/documents/{id}/review", s.handleReviewDocument)
	mux.HandleFunc("POST /v1/proposals", s.handlePropose)
	mux.HandleFunc("GET /v1/proposals", s.handleListProposals)
	mux.HandleFunc("POST /v1/proposals/{id}/accept", s.handleAcceptProposal)
	mux.HandleFunc("POST /v1/proposals/{id}/reject", s.handleRejectProposal)
	mux.HandleFunc("POST /v1/reset", s.handleReset)
	mux.HandleFunc("POST /v1/reload", s.handleReload)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/presence", s.handlePresence)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	return AuthMiddleware(authToken, mux)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"origin":  s.hub.Origin(),
		"updates": s.hub.Log().Len(),
	}
	if s.sync != nil {
		resp["sync"] = s.sync.Status()
	}
	if err := s.ping(r.Context()); err != nil {
		resp["status"] = "degraded"
		resp["store"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReset handles POST /v1/reset.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	err := s.hub.ResetToDefault(r.Context())
	s.Presence.Reset()
	if s.sync != nil {
		s.sync.Trigger()
	}
	writeResult(w, http.StatusOK, map[string]any{
		"status": "reset",
		"at":     time.Now().UTC(),
	}, err)
}

// handleReload handles POST /v1/reload.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	err := s.hub.Reload(r.Context())
	writeResult(w, http.StatusOK, map[string]any{
		"status":  "reloaded",
		"updates": s.hub.Log().Len(),
	}, err)
}

// queryRole parses an optional role query parameter.
func queryRole(r *http.Request, name string) (model.Role, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", nil
	}
	role := model.Role(v)
	if !role.IsValid() {
		return "", inputError("unknown role " + `"` + v + `"`)
	}
	return role, nil
}

// queryStage parses an optional stage query parameter.
func queryStage(r *http.Request, name string) (model.Stage, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", nil
	}
	stage := model.Stage(v)
	if !stage.IsValid() {
		return "", inputError("unknown stage " + `"` + v + `"`)
	}
	return stage, nil
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return inputError("invalid JSON body")
	}
	return nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
