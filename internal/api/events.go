package api

import (
	"net/http"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/events"
)

// publish validates an inbound workflow event and hands it to the bus.
func (s *Server) publish(w http.ResponseWriter, r *http.Request, e events.Event) {
	if err := events.Validate(e); err != nil {
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	if err := s.Bus.Publish(r.Context(), e); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event": string(e.Kind()), "status": "accepted"})
}

func (s *Server) handleApproved(w http.ResponseWriter, r *http.Request) {
	var e events.TimesheetApproved
	if err := s.decodeJSON(r, &e); err != nil {
		s.writeError(w, r, err)
		return
	}
	if e.ApprovedAt.IsZero() {
		e.ApprovedAt = s.now().UTC()
	}
	s.publish(w, r, e)
}

func (s *Server) handleRejected(w http.ResponseWriter, r *http.Request) {
	var e events.TimesheetRejected
	if err := s.decodeJSON(r, &e); err != nil {
		s.writeError(w, r, err)
		return
	}
	if e.RejectedAt.IsZero() {
		e.RejectedAt = s.now().UTC()
	}
	s.publish(w, r, e)
}
