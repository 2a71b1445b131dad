package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/queue"
)

func (s *Server) knownQueue(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "queue")
		if !s.queues[name] {
			writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown queue %q", name)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleQueueCounts(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]models.JobCounts, len(s.Queues))
	for _, q := range s.Queues {
		c, err := s.Broker.Counts(r.Context(), q)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out[q] = c
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueueCount(w http.ResponseWriter, r *http.Request) {
	c, err := s.Broker.Counts(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if err := s.Broker.Pause(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Logger.Info().Str("queue", name).Str("operator", operator(r)).Msg("queue paused")
	writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if err := s.Broker.Resume(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Logger.Info().Str("queue", name).Str("operator", operator(r)).Msg("queue resumed")
	writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "resumed"})
}

// handleClear purges jobs of one status, completed by default, older than
// the older_than duration (0 by default).
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	status := models.JobStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.JobCompleted
	}
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, r, badRequest("older_than must be a non-negative duration such as 24h"))
			return
		}
		olderThan = d
	}
	n, err := s.Broker.Purge(r.Context(), name, status, olderThan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Logger.Info().Str("queue", name).Str("status", string(status)).Int("removed", n).Str("operator", operator(r)).Msg("queue cleared")
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "status": status, "removed": n})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	n, err := s.Broker.RetryAll(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Logger.Info().Str("queue", name).Int("retried", n).Str("operator", operator(r)).Msg("failed jobs retried")
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "retried": n})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Broker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Broker.Retry(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.JobWaiting)})
}

type syncSubmissionsRequest struct {
	SubmissionIDs  []string `json:"submission_ids" validate:"required,min=1,max=500,dive,required"`
	UpdateExisting bool     `json:"update_existing"`
}

type enqueueResponse struct {
	Jobs     []string `json:"jobs"`
	Degraded bool     `json:"degraded,omitempty"`
}

func (s *Server) handleSyncSubmissions(w http.ResponseWriter, r *http.Request) {
	var req syncSubmissionsRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := enqueueResponse{Jobs: make([]string, 0, len(req.SubmissionIDs))}
	for _, id := range dedupe(req.SubmissionIDs) {
		jobID, err := s.Broker.Enqueue(r.Context(), models.QueueTimesheetSync, models.SyncTimesheetPayload{
			SubmissionID:   id,
			Trigger:        models.TriggerManual,
			UpdateExisting: req.UpdateExisting,
		}, queue.ManualOptions())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if jobID == "" {
			resp.Degraded = true
			continue
		}
		resp.Jobs = append(resp.Jobs, jobID)
	}
	s.Logger.Info().Int("jobs", len(resp.Jobs)).Str("operator", operator(r)).Msg("manual sync enqueued")
	writeJSON(w, http.StatusAccepted, resp)
}

type syncRangeRequest struct {
	DateFrom string `json:"date_from" validate:"required,datetime=2006-01-02"`
	DateTo   string `json:"date_to" validate:"required,datetime=2006-01-02"`
}

func (s *Server) handleSyncRange(w http.ResponseWriter, r *http.Request) {
	var req syncRangeRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.DateTo < req.DateFrom {
		s.writeError(w, r, badRequest("date_to is before date_from"))
		return
	}
	jobID, err := s.Broker.Enqueue(r.Context(), models.QueueBatchSync, models.BatchSyncPayload{
		DateFrom:    req.DateFrom,
		DateTo:      req.DateTo,
		Trigger:     models.TriggerManual,
		RequestedBy: operator(r),
	}, queue.ManualOptions())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := enqueueResponse{Jobs: []string{}}
	if jobID == "" {
		resp.Degraded = true
	} else {
		resp.Jobs = append(resp.Jobs, jobID)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit > 500 {
		limit = 500
	}
	logs, err := s.Logs.RecentSyncLogs(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleSyncRates(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, r, badRequest("window must be a positive duration such as 24h"))
			return
		}
		window = d
	}
	rates, err := s.Logs.SyncRates(r.Context(), s.now().Add(-window))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rates)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
