package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/views"
)

// sendUpdateInput is the POST /v1/updates body. Data is decoded according to
// Type once the type is known to be valid.
type sendUpdateInput struct {
	ID          string           `json:"id,omitempty"`
	Type        model.UpdateType `json:"type"`
	Stage       model.Stage      `json:"stage"`
	Role        model.Role       `json:"role"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Data        json.RawMessage  `json:"data,omitempty"`
	Timestamp   *time.Time       `json:"timestamp,omitempty"`
}

func (in sendUpdateInput) record() (model.UpdateRecord, error) {
	if !in.Type.IsValid() {
		return model.UpdateRecord{}, inputError(`unknown update type "` + string(in.Type) + `"`)
	}
	if ep := in.Type.Endpoint(); ep != "" {
		return model.UpdateRecord{}, inputError(string(in.Type) + " is sent with " + ep)
	}
	var data model.Payload
	if len(in.Data) > 0 {
		p, err := model.DecodePayload(in.Type, in.Data)
		if err != nil {
			return model.UpdateRecord{}, inputError(err.Error())
		}
		data = p
	}
	r := model.UpdateRecord{
		ID:          in.ID,
		Type:        in.Type,
		Stage:       in.Stage,
		Role:        in.Role,
		Title:       in.Title,
		Description: in.Description,
		Data:        data,
	}
	if in.Timestamp != nil {
		r.Timestamp = in.Timestamp.UTC()
	}
	return r, nil
}

// handleSendUpdate handles POST /v1/updates.
func (s *Server) handleSendUpdate(w http.ResponseWriter, r *http.Request) {
	var in sendUpdateInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := in.record()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := s.hub.SendUpdate(r.Context(), rec)
	if err == nil || stored.ID != "" {
		s.touch(rec.Role, rec.Stage)
	}
	writeResult(w, http.StatusCreated, stored, err)
}

// handleListUpdates handles GET /v1/updates.
func (s *Server) handleListUpdates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f model.UpdateFilter
	var err error
	if f.Stage, err = queryStage(r, "stage"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Role, err = queryRole(r, "role"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := q.Get("type"); v != "" {
		f.Type = model.UpdateType(v)
		if !f.Type.IsValid() {
			writeError(w, http.StatusBadRequest, `unknown update type "`+v+`"`)
			return
		}
	}
	if v := q.Get("unread"); v != "" {
		unread, perr := strconv.ParseBool(v)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "unread must be a boolean")
			return
		}
		f.Unread = unread
	}

	records := s.hub.Log().Filter(f)
	if q.Get("order") == "timeline" {
		records = views.Timeline(records, model.UpdateFilter{})
	}
	if records == nil {
		records = []model.UpdateRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"updates": records,
		"total":   len(records),
	})
}

// handleMarkRead handles POST /v1/updates/{id}/read.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	err := s.hub.MarkAsRead(r.Context(), id)
	rec, ok := s.hub.Log().Get(id)
	writeResult(w, http.StatusOK, map[string]any{
		"id":    id,
		"found": ok,
		"read":  ok && rec.Read,
	}, err)
}

// handleStageStatuses handles GET /v1/stages/{stage}/statuses.
func (s *Server) handleStageStatuses(w http.ResponseWriter, r *http.Request) {
	stage := model.Stage(r.PathValue("stage"))
	if !stage.IsValid() {
		writeError(w, http.StatusBadRequest, `unknown stage "`+string(stage)+`"`)
		return
	}
	records := s.hub.Updates()
	statuses := views.LatestStatuses(records, stage)
	if statuses == nil {
		statuses = []views.ItemStatus{}
	}
	completed := false
	for _, st := range views.CompletedStages(records) {
		if st == stage {
			completed = true
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stage":     stage,
		"statuses":  statuses,
		"completed": completed,
	})
}

// handleNotifications handles GET /v1/notifications?role=.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	role, err := queryRole(r, "role")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if role == "" {
		writeError(w, http.StatusBadRequest, "role is required")
		return
	}
	s.touch(role, "")

	notes := views.Notifications(s.hub.Updates(), role)
	if notes == nil {
		notes = []model.UpdateRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":          role,
		"notifications": notes,
		"unread":        len(notes),
	})
}
