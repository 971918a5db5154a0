package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/presence"
)

// handlePresence handles GET /v1/presence.
// Returns the live viewer roster and the distinct active roles.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	// Parse optional stale_threshold_secs query param.
	staleThreshold := s.presenceStale
	if v := r.URL.Query().Get("stale_threshold_secs"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			staleThreshold = time.Duration(secs) * time.Second
		}
	}

	viewers := s.Presence.Roster(staleThreshold)
	if viewers == nil {
		viewers = []presence.Entry{}
	}
	roles := s.Presence.ActiveRoles(staleThreshold)
	if roles == nil {
		roles = []model.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"viewers": viewers,
		"roles":   roles,
		"streams": s.sseHub.clientCount(),
	})
}
