package server

import (
	"net/http"

	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/proposals"
)

// handlePropose handles POST /v1/proposals.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var in proposals.ProposeInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.proposals.Propose(r.Context(), in)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	s.touch(in.ProposedBy, model.StageCompletionDate)
	writeJSON(w, http.StatusCreated, p)
}

// handleListProposals handles GET /v1/proposals?transaction=.
func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	tx := r.URL.Query().Get("transaction")
	list := s.proposals.List(tx)
	if list == nil {
		list = []model.CompletionProposal{}
	}
	resp := map[string]any{
		"proposals": list,
		"total":     len(list),
	}
	if tx != "" {
		if accepted, ok := s.proposals.Accepted(tx); ok {
			resp["accepted"] = accepted
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// decisionInput is the body of accept and reject requests.
type decisionInput struct {
	Role    model.Role `json:"role"`
	Message string     `json:"message,omitempty"`
}

// handleAcceptProposal handles POST /v1/proposals/{id}/accept.
func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, model.DecisionAccept)
}

// handleRejectProposal handles POST /v1/proposals/{id}/reject.
func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, model.DecisionReject)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, d model.Decision) {
	id := r.PathValue("id")
	var in decisionInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !in.Role.IsValid() {
		writeError(w, http.StatusBadRequest, `unknown role "`+string(in.Role)+`"`)
		return
	}

	var (
		dec proposals.Decision
		err error
	)
	if d == model.DecisionAccept {
		dec, err = s.proposals.Accept(r.Context(), id, in.Role, in.Message)
	} else {
		dec, err = s.proposals.Reject(r.Context(), id, in.Role, in.Message)
	}
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	s.touch(in.Role, model.StageCompletionDate)
	writeJSON(w, http.StatusOK, dec)
}
