// Package postgres implements the store interfaces on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

var _ store.Store = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, opTimeout time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, opTimeout: opTimeout}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// GetSubmission loads a submission with its entries and the rates needed to
// transform them.
func (s *Store) GetSubmission(ctx context.Context, id string) (models.Submission, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var sub models.Submission
	var approvedBy pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT s.id, s.user_id, u.name, u.default_rate, s.status, s.week_start_date,
		       s.approved_by, s.approved_at, s.total_hours, s.total_billable
		FROM timesheet_submissions s
		JOIN users u ON u.id = s.user_id
		WHERE s.id = $1
	`, id).Scan(&sub.ID, &sub.UserID, &sub.UserName, &sub.UserRate, &sub.Status, &sub.WeekStartDate,
		&approvedBy, &sub.ApprovedAt, &sub.TotalHours, &sub.TotalBillable)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Submission{}, fmt.Errorf("submission %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return models.Submission{}, fmt.Errorf("scan submission: %w", err)
	}
	sub.ApprovedBy = approvedBy.String

	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.entry_date, e.hours, e.description, e.billable, e.bill_rate,
		       p.id, p.name, p.default_rate, COALESCE(p.ledger_ref, ''), COALESCE(e.task_name, ''),
		       COALESCE(c.ledger_ref, c.id, '')
		FROM time_entries e
		JOIN projects p ON p.id = e.project_id
		LEFT JOIN clients c ON c.id = p.client_id
		WHERE e.submission_id = $1
		ORDER BY e.entry_date, e.id
	`, id)
	if err != nil {
		return models.Submission{}, fmt.Errorf("query time entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e models.TimeEntry
		if err := rows.Scan(&e.ID, &e.Date, &e.Hours, &e.Description, &e.Billable, &e.BillRate,
			&e.ProjectID, &e.ProjectName, &e.ProjectRate, &e.ProjectRef, &e.TaskName, &e.ClientID); err != nil {
			return models.Submission{}, fmt.Errorf("scan time entry: %w", err)
		}
		sub.Entries = append(sub.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return models.Submission{}, fmt.Errorf("iterate time entries: %w", err)
	}
	return sub, nil
}

// ListApproved returns approved submissions whose week starts within the range.
func (s *Store) ListApproved(ctx context.Context, from, to *time.Time) ([]models.SubmissionSummary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, week_start_date, COALESCE(approved_at, week_start_date::timestamptz)
		FROM timesheet_submissions
		WHERE status = $1
		  AND ($2::date IS NULL OR week_start_date >= $2::date)
		  AND ($3::date IS NULL OR week_start_date <= $3::date)
		ORDER BY week_start_date, id
	`, string(models.SubmissionApproved), from, to)
	if err != nil {
		return nil, fmt.Errorf("query approved submissions: %w", err)
	}
	defer rows.Close()

	var out []models.SubmissionSummary
	for rows.Next() {
		var sum models.SubmissionSummary
		if err := rows.Scan(&sum.ID, &sum.UserID, &sum.WeekStartDate, &sum.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan submission summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var p models.Project
	var clientID, clientRef pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT p.id, p.code, p.name, p.client_id, COALESCE(c.ledger_ref, ''), p.budget, p.default_rate,
		       p.active, p.start_date, p.end_date
		FROM projects p
		LEFT JOIN clients c ON c.id = p.client_id
		WHERE p.id = $1
	`, id).Scan(&p.ID, &p.Code, &p.Name, &clientID, &clientRef, &p.Budget, &p.DefaultRate, &p.Active, &p.StartDate, &p.EndDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Project{}, fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("scan project: %w", err)
	}
	p.ClientID = clientID.String
	p.ClientRef = clientRef.String
	return p, nil
}

func (s *Store) GetClient(ctx context.Context, id string) (models.Client, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var c models.Client
	var email, phone, tax pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, tax_number, active FROM clients WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &email, &phone, &tax, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Client{}, fmt.Errorf("client %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return models.Client{}, fmt.Errorf("scan client: %w", err)
	}
	c.Email, c.Phone, c.TaxNumber = email.String, phone.String, tax.String
	return c, nil
}
