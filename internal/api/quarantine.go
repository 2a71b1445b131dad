package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/quarantine"
)

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest(fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}

// dateParam accepts YYYY-MM-DD or RFC 3339. A date-only upper bound covers
// the whole day.
func dateParam(r *http.Request, name string, endOfDay bool) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		if endOfDay {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, badRequest(fmt.Sprintf("%s must be YYYY-MM-DD or RFC 3339", name))
	}
	return &t, nil
}

func quarantineFilter(r *http.Request) (models.QuarantineFilter, error) {
	q := r.URL.Query()
	f := models.QuarantineFilter{
		Status:     models.QuarantineStatus(q.Get("status")),
		EntityType: models.EntityType(q.Get("entity_type")),
		Priority:   models.Severity(q.Get("priority")),
		Reason:     q.Get("reason"),
		EntityID:   q.Get("entity_id"),
	}
	var err error
	if f.DateFrom, err = dateParam(r, "date_from", false); err != nil {
		return f, err
	}
	if f.DateTo, err = dateParam(r, "date_to", true); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	f, err := quarantineFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := intParam(r, "page", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", quarantine.DefaultPageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Quarantine.List(r.Context(), f, page, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQuarantineStats(w http.ResponseWriter, r *http.Request) {
	from, err := dateParam(r, "date_from", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := dateParam(r, "date_to", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.Quarantine.Stats(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExportQuarantine(w http.ResponseWriter, r *http.Request) {
	f, err := quarantineFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := fmt.Sprintf("quarantine-%s.xlsx", s.now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := s.Quarantine.ExportXLSX(r.Context(), f, w); err != nil {
		s.Logger.Error().Err(err).Msg("quarantine export failed")
	}
}

func (s *Server) handleGetQuarantine(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Quarantine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleQuarantineHistory(w http.ResponseWriter, r *http.Request) {
	audit, err := s.Quarantine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": audit})
}

func (s *Server) handleStartReview(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Quarantine.StartReview(r.Context(), chi.URLParam(r, "id"), operator(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type reviewRequest struct {
	Status         models.QuarantineStatus `json:"status" validate:"required,oneof=resolved rejected"`
	Notes          string                  `json:"notes" validate:"max=2000"`
	CorrectedData  json.RawMessage         `json:"corrected_data,omitempty"`
	ExpectedStatus models.QuarantineStatus `json:"expected_status,omitempty" validate:"omitempty,oneof=quarantined under_review"`
}

func (rr reviewRequest) review(reviewer string) quarantine.Review {
	return quarantine.Review{
		ReviewedBy:     reviewer,
		Status:         rr.Status,
		Notes:          rr.Notes,
		CorrectedData:  rr.CorrectedData,
		ExpectedStatus: rr.ExpectedStatus,
	}
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.CorrectedData) > 0 && !json.Valid(req.CorrectedData) {
		s.writeError(w, r, badRequest("corrected_data must be valid JSON"))
		return
	}
	rec, err := s.Quarantine.Review(r.Context(), chi.URLParam(r, "id"), req.review(operator(r)))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type bulkReviewRequest struct {
	IDs    []string      `json:"ids" validate:"required,min=1,max=200,dive,required"`
	Review reviewRequest `json:"review"`
}

func (s *Server) handleBulkReview(w http.ResponseWriter, r *http.Request) {
	var req bulkReviewRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Review.CorrectedData) > 0 {
		s.writeError(w, r, badRequest("corrected_data is only accepted for single reviews"))
		return
	}
	res := s.Quarantine.BulkReview(r.Context(), dedupe(req.IDs), req.Review.review(operator(r)))
	s.Logger.Info().Int("updated", len(res.Updated)).Int("failed", len(res.Failed)).Str("operator", operator(r)).Msg("bulk quarantine review")
	writeJSON(w, http.StatusOK, res)
}
