package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

func (s *Store) AppendSyncLog(ctx context.Context, e models.SyncLogEntry) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	details, err := json.Marshal(e.Details)
	if err != nil {
		return 0, fmt.Errorf("marshal sync log details: %w", err)
	}
	if e.Details == nil {
		details = []byte("{}")
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO sync_logs (submission_id, operation, status, error, details, trigger, duration_ms, job_id, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, emptyToNil(e.SubmissionID), e.Operation, e.Status, emptyToNil(e.Error), details, e.Trigger,
		e.Duration.Milliseconds(), emptyToNil(e.JobID), created, e.CompletedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert sync log: %w", err)
	}
	return id, nil
}

func (s *Store) HasSuccess(ctx context.Context, submissionID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM sync_logs WHERE submission_id = $1 AND operation = $2 AND status = $3)
	`, submissionID, models.OpSyncTimesheet, models.SyncSuccess).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query sync success: %w", err)
	}
	return ok, nil
}

func (s *Store) SyncedSubmissionIDs(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT submission_id FROM sync_logs
		WHERE operation = $1 AND status = $2 AND submission_id IS NOT NULL
	`, models.OpSyncTimesheet, models.SyncSuccess)
	if err != nil {
		return nil, fmt.Errorf("query synced submissions: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan synced submission: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) RecentSyncLogs(ctx context.Context, limit int) ([]models.SyncLogEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, submission_id, operation, status, error, details, trigger, duration_ms, job_id, created_at, completed_at
		FROM sync_logs ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync logs: %w", err)
	}
	defer rows.Close()

	var out []models.SyncLogEntry
	for rows.Next() {
		var e models.SyncLogEntry
		var subID, errText, jobID pgtype.Text
		var details []byte
		var durMs int64
		if err := rows.Scan(&e.ID, &subID, &e.Operation, &e.Status, &errText, &details, &e.Trigger, &durMs, &jobID, &e.CreatedAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal sync log details: %w", err)
			}
		}
		e.SubmissionID, e.Error, e.JobID = subID.String, errText.String, jobID.String
		e.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) SyncRates(ctx context.Context, since time.Time) (models.SyncRates, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	r := models.SyncRates{Since: since}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = $2),
		       COUNT(*) FILTER (WHERE status = $3),
		       COUNT(*) FILTER (WHERE status = $4)
		FROM sync_logs WHERE operation = $1 AND created_at >= $5
	`, models.OpSyncTimesheet, models.SyncSuccess, models.SyncFailure, models.SyncPartial, since).Scan(&r.Success, &r.Failure, &r.Partial)
	if err != nil {
		return r, fmt.Errorf("query sync rates: %w", err)
	}
	if total := r.Success + r.Failure + r.Partial; total > 0 {
		r.SuccessRate = float64(r.Success) / float64(total)
	}
	return r, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
