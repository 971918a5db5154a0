package server

import (
	"net/http"
	"strconv"

	"github.com/alfredjeanlab/conveyance/internal/documents"
	"github.com/alfredjeanlab/conveyance/internal/model"
)

// handleSendDocument handles POST /v1/documents. Content is base64 in JSON.
func (s *Server) handleSendDocument(w http.ResponseWriter, r *http.Request) {
	var in documents.SendInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := s.hub.SendDocument(r.Context(), in)
	if doc.ID != "" {
		s.touch(in.UploadedBy, in.Stage)
	}
	writeResult(w, http.StatusCreated, doc, err)
}

// handleListDocuments handles GET /v1/documents?role=&stage=.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	role, err := queryRole(r, "role")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stage, err := queryStage(r, "stage")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var docs []model.DocumentRecord
	if role == "" {
		for _, d := range s.hub.Documents().All() {
			if stage == "" || d.Stage == stage {
				docs = append(docs, d)
			}
		}
	} else {
		s.touch(role, stage)
		docs = s.hub.GetDocumentsForRole(role, stage)
	}
	if docs == nil {
		docs = []model.DocumentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"total":     len(docs),
	})
}

// handleDownloadDocument handles GET /v1/documents/{id}/content?role=.
// The body is the raw document bytes.
func (s *Server) handleDownloadDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	role, err := queryRole(r, "role")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if role == "" {
		writeError(w, http.StatusBadRequest, "role is required")
		return
	}

	data, err := s.hub.DownloadDocument(r.Context(), id, role)
	if err != nil && !isPersistence(err) {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	doc, ok := s.hub.Documents().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	s.touch(role, doc.Stage)

	if err != nil {
		w.Header().Set("X-Warning", err.Error())
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.Name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Document-Status", string(doc.Status))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// reviewInput is the POST /v1/documents/{id}/review body.
type reviewInput struct {
	Role model.Role `json:"role"`
}

// handleReviewDocument handles POST /v1/documents/{id}/review.
func (s *Server) handleReviewDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in reviewInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Role != "" && !in.Role.IsValid() {
		writeError(w, http.StatusBadRequest, `unknown role "`+string(in.Role)+`"`)
		return
	}

	err := s.hub.MarkDocumentAsReviewed(r.Context(), id, in.Role)
	if err != nil && !isPersistence(err) {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	doc, _ := s.hub.Documents().Get(id)
	if in.Role != "" {
		s.touch(in.Role, doc.Stage)
	}
	writeResult(w, http.StatusOK, doc, err)
}
