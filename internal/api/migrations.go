package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

type migrationRequest struct {
	BatchSize             int    `json:"batch_size" validate:"gte=0,lte=500"`
	DelayBetweenBatchesMs int64  `json:"delay_between_batches_ms" validate:"gte=0"`
	MaxRetries            int    `json:"max_retries" validate:"gte=0,lte=10"`
	DryRun                bool   `json:"dry_run"`
	DateFrom              string `json:"date_from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DateTo                string `json:"date_to,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

func (mr migrationRequest) config(requestedBy string) models.MigrationConfig {
	cfg := models.MigrationConfig{
		BatchSize:             mr.BatchSize,
		DelayBetweenBatchesMs: mr.DelayBetweenBatchesMs,
		MaxRetries:            mr.MaxRetries,
		DryRun:                mr.DryRun,
		RequestedBy:           requestedBy,
	}
	if t, err := time.Parse(time.DateOnly, mr.DateFrom); err == nil {
		cfg.DateFrom = &t
	}
	if t, err := time.Parse(time.DateOnly, mr.DateTo); err == nil {
		end := t.Add(24*time.Hour - time.Nanosecond)
		cfg.DateTo = &end
	}
	return cfg
}

// decodeMigration accepts an empty body as the default config.
func (s *Server) decodeMigration(r *http.Request) (migrationRequest, error) {
	var req migrationRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := s.decodeJSON(r, &req)
	return req, err
}

func (s *Server) handleAnalyzeMigration(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeMigration(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.Migrations.Analyze(r.Context(), req.config(operator(r)))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleValidateMigration(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeMigration(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Migrations.Validate(r.Context(), req.config(operator(r)))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStartMigration(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeMigration(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.Migrations.Start(r.Context(), req.config(operator(r)))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Migrations.Progress(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleListMigrations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"migrations": s.Migrations.List()})
}

func (s *Server) handleMigrationProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.Migrations.Progress(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) migrationCommand(w http.ResponseWriter, r *http.Request, cmd func(id string) error) {
	id := chi.URLParam(r, "id")
	if err := cmd(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Migrations.Progress(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Logger.Info().Str("migration_id", id).Str("status", string(p.Status)).Str("operator", operator(r)).Msg("migration command applied")
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePauseMigration(w http.ResponseWriter, r *http.Request) {
	s.migrationCommand(w, r, s.Migrations.Pause)
}

func (s *Server) handleResumeMigration(w http.ResponseWriter, r *http.Request) {
	s.migrationCommand(w, r, s.Migrations.Resume)
}

func (s *Server) handleCancelMigration(w http.ResponseWriter, r *http.Request) {
	s.migrationCommand(w, r, s.Migrations.Cancel)
}
