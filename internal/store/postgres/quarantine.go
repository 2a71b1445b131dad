package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store"
)

const quarantineColumns = `id, entity_type, entity_id, original_data, transformed_data, reason, status, errors,
	priority, quarantined_at, quarantined_by, reviewed_at, reviewed_by, resolution_notes, metadata`

func (s *Store) InsertQuarantine(ctx context.Context, rec models.QuarantineRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	errs, err := json.Marshal(rec.Errors)
	if err != nil {
		return fmt.Errorf("marshal quarantine errors: %w", err)
	}
	meta, err := marshalNullable(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO quarantine_records (`+quarantineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, rec.ID, string(rec.EntityType), rec.EntityID, []byte(rec.OriginalData), rawOrNil(rec.TransformedData),
		rec.Reason, string(rec.Status), errs, string(rec.Priority), rec.QuarantinedAt, rec.QuarantinedBy,
		rec.ReviewedAt, emptyToNil(rec.ReviewedBy), emptyToNil(rec.ResolutionNotes), meta)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("quarantine %s/%s: %w", rec.EntityType, rec.EntityID, store.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert quarantine record: %w", err)
	}
	return nil
}

func (s *Store) GetQuarantine(ctx context.Context, id string) (models.QuarantineRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.pool.QueryRow(ctx, `SELECT `+quarantineColumns+` FROM quarantine_records WHERE id = $1`, id)
	rec, err := scanQuarantine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("quarantine %s: %w", id, store.ErrNotFound)
	}
	return rec, err
}

func (s *Store) FindActiveQuarantine(ctx context.Context, entityType models.EntityType, entityID string) (models.QuarantineRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.pool.QueryRow(ctx, `
		SELECT `+quarantineColumns+` FROM quarantine_records
		WHERE entity_type = $1 AND entity_id = $2 AND status IN ($3, $4)
	`, string(entityType), entityID, string(models.QuarantineQuarantined), string(models.QuarantineUnderReview))
	rec, err := scanQuarantine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, store.ErrNotFound
	}
	return rec, err
}

// UpdateQuarantine is a compare-and-set on status.
func (s *Store) UpdateQuarantine(ctx context.Context, rec models.QuarantineRecord, expected models.QuarantineStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	meta, err := marshalNullable(rec.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE quarantine_records
		SET status = $3, reviewed_at = $4, reviewed_by = $5, resolution_notes = $6, metadata = $7, transformed_data = $8
		WHERE id = $1 AND status = $2
	`, rec.ID, string(expected), string(rec.Status), rec.ReviewedAt, emptyToNil(rec.ReviewedBy),
		emptyToNil(rec.ResolutionNotes), meta, rawOrNil(rec.TransformedData))
	if err != nil {
		return fmt.Errorf("update quarantine record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM quarantine_records WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check quarantine record: %w", err)
	}
	if !exists {
		return fmt.Errorf("quarantine %s: %w", rec.ID, store.ErrNotFound)
	}
	return fmt.Errorf("quarantine %s: %w", rec.ID, store.ErrConflict)
}

func (s *Store) ListQuarantine(ctx context.Context, f models.QuarantineFilter, offset, limit int) ([]models.QuarantineRecord, int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.EntityType != "" {
		add("entity_type = $%d", string(f.EntityType))
	}
	if f.Priority != "" {
		add("priority = $%d", string(f.Priority))
	}
	if f.Reason != "" {
		add("reason = $%d", f.Reason)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.DateFrom != nil {
		add("quarantined_at >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("quarantined_at <= $%d", *f.DateTo)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM quarantine_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count quarantine records: %w", err)
	}

	query := `SELECT ` + quarantineColumns + ` FROM quarantine_records` + where + ` ORDER BY quarantined_at DESC, id`
	if limit > 0 {
		args = append(args, limit, offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query quarantine records: %w", err)
	}
	defer rows.Close()

	var out []models.QuarantineRecord
	for rows.Next() {
		rec, err := scanQuarantine(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (s *Store) AppendQuarantineAudit(ctx context.Context, a models.QuarantineAudit) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quarantine_audit (id, quarantine_id, action, from_status, to_status, actor, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.QuarantineID, a.Action, emptyToNil(string(a.FromStatus)), string(a.ToStatus), a.Actor, emptyToNil(a.Notes), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert quarantine audit: %w", err)
	}
	return nil
}

func (s *Store) ListQuarantineAudit(ctx context.Context, quarantineID string) ([]models.QuarantineAudit, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT id, quarantine_id, action, from_status, to_status, actor, notes, created_at
		FROM quarantine_audit WHERE quarantine_id = $1 ORDER BY created_at, id
	`, quarantineID)
	if err != nil {
		return nil, fmt.Errorf("query quarantine audit: %w", err)
	}
	defer rows.Close()

	var out []models.QuarantineAudit
	for rows.Next() {
		var a models.QuarantineAudit
		var from, notes pgtype.Text
		var to string
		if err := rows.Scan(&a.ID, &a.QuarantineID, &a.Action, &from, &to, &a.Actor, &notes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quarantine audit: %w", err)
		}
		a.FromStatus = models.QuarantineStatus(from.String)
		a.ToStatus = models.QuarantineStatus(to)
		a.Notes = notes.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanQuarantine(row pgx.Row) (models.QuarantineRecord, error) {
	var rec models.QuarantineRecord
	var entityType, status, priority string
	var original, transformed, errs, meta []byte
	var reviewedBy, notes pgtype.Text
	err := row.Scan(&rec.ID, &entityType, &rec.EntityID, &original, &transformed, &rec.Reason, &status, &errs,
		&priority, &rec.QuarantinedAt, &rec.QuarantinedBy, &rec.ReviewedAt, &reviewedBy, &notes, &meta)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan quarantine record: %w", err)
	}
	rec.EntityType = models.EntityType(entityType)
	rec.Status = models.QuarantineStatus(status)
	rec.Priority = models.Severity(priority)
	rec.OriginalData = original
	rec.TransformedData = transformed
	rec.ReviewedBy = reviewedBy.String
	rec.ResolutionNotes = notes.String
	if err := json.Unmarshal(errs, &rec.Errors); err != nil {
		return rec, fmt.Errorf("unmarshal quarantine errors: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return rec, fmt.Errorf("unmarshal quarantine metadata: %w", err)
		}
	}
	return rec, nil
}

func marshalNullable(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
