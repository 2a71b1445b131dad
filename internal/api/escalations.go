package api

import (
	"net/http"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	escs, err := s.Escalations.ListEscalations(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": escs})
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.Escalator.Rules(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

type rulesRequest struct {
	Rules []models.EscalationRule `json:"rules" validate:"required"`
}

func (s *Server) handlePutRules(w http.ResponseWriter, r *http.Request) {
	var req rulesRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.Escalator.SetRules(r.Context(), req.Rules, operator(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": req.Rules, "version": entry.Version, "updated_by": entry.UpdatedBy})
}
