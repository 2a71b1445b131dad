// Package store declares the persistence boundaries of the sync pipeline. The
// postgres subpackage backs them with pgx; the memory subpackage serves tests
// and single-process deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded update finds the row changed.
	ErrConflict = errors.New("conflicting update")
	// ErrDuplicate is returned when an active record already exists for a key.
	ErrDuplicate = errors.New("duplicate record")
)

// SubmissionSource reads the internal records that feed the sync.
type SubmissionSource interface {
	GetSubmission(ctx context.Context, id string) (models.Submission, error)
	ListApproved(ctx context.Context, from, to *time.Time) ([]models.SubmissionSummary, error)
	GetProject(ctx context.Context, id string) (models.Project, error)
	GetClient(ctx context.Context, id string) (models.Client, error)
}

// SyncLogStore is the append-only sync history.
type SyncLogStore interface {
	AppendSyncLog(ctx context.Context, entry models.SyncLogEntry) (int64, error)
	HasSuccess(ctx context.Context, submissionID string) (bool, error)
	SyncedSubmissionIDs(ctx context.Context) (map[string]bool, error)
	RecentSyncLogs(ctx context.Context, limit int) ([]models.SyncLogEntry, error)
	SyncRates(ctx context.Context, since time.Time) (models.SyncRates, error)
}

// QuarantineStore persists quarantine records and their audit trail.
type QuarantineStore interface {
	InsertQuarantine(ctx context.Context, rec models.QuarantineRecord) error
	GetQuarantine(ctx context.Context, id string) (models.QuarantineRecord, error)
	FindActiveQuarantine(ctx context.Context, entityType models.EntityType, entityID string) (models.QuarantineRecord, error)
	// UpdateQuarantine writes rec only if the stored status still equals expected.
	UpdateQuarantine(ctx context.Context, rec models.QuarantineRecord, expected models.QuarantineStatus) error
	// ListQuarantine returns one page, newest first, and the total match count.
	// A non-positive limit returns every match.
	ListQuarantine(ctx context.Context, filter models.QuarantineFilter, offset, limit int) ([]models.QuarantineRecord, int, error)
	AppendQuarantineAudit(ctx context.Context, audit models.QuarantineAudit) error
	ListQuarantineAudit(ctx context.Context, quarantineID string) ([]models.QuarantineAudit, error)
}

// EscalationStore keeps escalation records.
type EscalationStore interface {
	InsertEscalation(ctx context.Context, esc models.Escalation) error
	ListEscalations(ctx context.Context, limit int) ([]models.Escalation, error)
}

// ConfigStore is the versioned system configuration table.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (models.ConfigEntry, error)
	PutConfig(ctx context.Context, key string, value []byte, updatedBy string) (models.ConfigEntry, error)
}

// Store aggregates every persistence boundary.
type Store interface {
	SubmissionSource
	SyncLogStore
	QuarantineStore
	EscalationStore
	ConfigStore
	Ping(ctx context.Context) error
	Close()
}

// MatchesQuarantineFilter reports whether rec satisfies f.
func MatchesQuarantineFilter(rec models.QuarantineRecord, f models.QuarantineFilter) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.EntityType != "" && rec.EntityType != f.EntityType {
		return false
	}
	if f.Priority != "" && rec.Priority != f.Priority {
		return false
	}
	if f.Reason != "" && rec.Reason != f.Reason {
		return false
	}
	if f.EntityID != "" && rec.EntityID != f.EntityID {
		return false
	}
	if f.DateFrom != nil && rec.QuarantinedAt.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && rec.QuarantinedAt.After(*f.DateTo) {
		return false
	}
	return true
}
