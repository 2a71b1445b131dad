package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store"
)

func (s *Store) InsertEscalation(ctx context.Context, esc models.Escalation) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	errs, err := json.Marshal(esc.Errors)
	if err != nil {
		return fmt.Errorf("marshal escalation errors: %w", err)
	}
	recipients := esc.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO escalations (id, rule, entity_type, entity_id, severity, summary, errors, recipients, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, esc.ID, esc.Rule, string(esc.EntityType), esc.EntityID, string(esc.Severity), esc.Summary, errs, recipients, esc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

func (s *Store) ListEscalations(ctx context.Context, limit int) ([]models.Escalation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, rule, entity_type, entity_id, severity, summary, errors, recipients, created_at
		FROM escalations ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var out []models.Escalation
	for rows.Next() {
		var esc models.Escalation
		var entityType, severity string
		var errs []byte
		if err := rows.Scan(&esc.ID, &esc.Rule, &entityType, &esc.EntityID, &severity, &esc.Summary, &errs, &esc.Recipients, &esc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		esc.EntityType = models.EntityType(entityType)
		esc.Severity = models.Severity(severity)
		if err := json.Unmarshal(errs, &esc.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal escalation errors: %w", err)
		}
		out = append(out, esc)
	}
	return out, rows.Err()
}

func (s *Store) GetConfig(ctx context.Context, key string) (models.ConfigEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var e models.ConfigEntry
	var by pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT key, value, version, updated_at, updated_by FROM system_config WHERE key = $1
	`, key).Scan(&e.Key, &e.Value, &e.Version, &e.UpdatedAt, &by)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, fmt.Errorf("config %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return e, fmt.Errorf("scan config: %w", err)
	}
	e.UpdatedBy = by.String
	return e, nil
}

// PutConfig upserts key and bumps its version.
func (s *Store) PutConfig(ctx context.Context, key string, value []byte, updatedBy string) (models.ConfigEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var e models.ConfigEntry
	var by pgtype.Text
	err := s.pool.QueryRow(ctx, `
		INSERT INTO system_config (key, value, version, updated_at, updated_by)
		VALUES ($1, $2, 1, NOW(), $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, version = system_config.version + 1, updated_at = NOW(), updated_by = EXCLUDED.updated_by
		RETURNING key, value, version, updated_at, updated_by
	`, key, value, emptyToNil(updatedBy)).Scan(&e.Key, &e.Value, &e.Version, &e.UpdatedAt, &by)
	if err != nil {
		return e, fmt.Errorf("upsert config: %w", err)
	}
	e.UpdatedBy = by.String
	return e, nil
}
