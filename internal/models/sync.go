package models

import "time"

// Sync log operations.
const (
	OpSyncTimesheet     = "SYNC_TIMESHEET"
	OpSyncTimeEntry     = "SYNC_TIME_ENTRY"
	OpSyncProject       = "SYNC_PROJECT"
	OpSyncContact       = "SYNC_CONTACT"
	OpTimesheetRejected = "TIMESHEET_REJECTED"
	OpResubmit          = "QUARANTINE_RESUBMIT"
)

// Sync log statuses.
const (
	SyncSuccess = "SUCCESS"
	SyncPartial = "PARTIAL"
	SyncFailure = "FAILURE"
	SyncSkipped = "SKIPPED"
	SyncAudit   = "AUDIT"
)

// SyncLogEntry is one append-only record of a sync attempt.
type SyncLogEntry struct {
	ID           int64          `json:"id"`
	SubmissionID string         `json:"submission_id,omitempty"`
	Operation    string         `json:"operation"`
	Status       string         `json:"status"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details"`
	Trigger      string         `json:"trigger"`
	Duration     time.Duration  `json:"duration"`
	JobID        string         `json:"job_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// SyncRates is the success/failure tally over a window.
type SyncRates struct {
	Since       time.Time `json:"since"`
	Success     int       `json:"success"`
	Failure     int       `json:"failure"`
	Partial     int       `json:"partial"`
	SuccessRate float64   `json:"success_rate"`
}

// Record outcomes inside one submission sync.
const (
	RecordCreated = "created"
	RecordUpdated = "updated"
	RecordSkipped = "skipped"
	RecordFailed  = "failed"
	RecordDryRun  = "dry_run"
)

// RecordResult is the outcome of one constituent record.
type RecordResult struct {
	EntryID      string            `json:"entry_id"`
	ExternalID   string            `json:"external_id,omitempty"`
	Outcome      string            `json:"outcome"`
	Warning      string            `json:"warning,omitempty"`
	Errors       []ValidationError `json:"errors,omitempty"`
	QuarantineID string            `json:"quarantine_id,omitempty"`
	Retryable    bool              `json:"retryable,omitempty"`
}

// SyncResult is the submission-level outcome.
type SyncResult struct {
	SubmissionID string            `json:"submission_id"`
	Success      bool              `json:"success"`
	Partial      bool              `json:"partial"`
	DryRun       bool              `json:"dry_run"`
	Synced       int               `json:"synced"`
	Skipped      int               `json:"skipped"`
	Failed       int               `json:"failed"`
	Records      []RecordResult    `json:"records"`
	Errors       []ValidationError `json:"errors,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	Retryable    bool              `json:"retryable"`
	Escalated    bool              `json:"escalated"`
	Quarantined  []string          `json:"quarantined,omitempty"`
	Duration     time.Duration     `json:"duration"`
}
