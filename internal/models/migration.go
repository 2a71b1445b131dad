package models

import "time"

// MigrationStatus is the lifecycle of one batch migration run.
type MigrationStatus string

const (
	MigrationPending   MigrationStatus = "pending"
	MigrationRunning   MigrationStatus = "running"
	MigrationPaused    MigrationStatus = "paused"
	MigrationCompleted MigrationStatus = "completed"
	MigrationFailed    MigrationStatus = "failed"
)

// MigrationConfig controls one migration run.
type MigrationConfig struct {
	BatchSize             int        `json:"batch_size"`
	DelayBetweenBatchesMs int64      `json:"delay_between_batches_ms"`
	MaxRetries            int        `json:"max_retries"`
	DryRun                bool       `json:"dry_run"`
	DateFrom              *time.Time `json:"date_from,omitempty"`
	DateTo                *time.Time `json:"date_to,omitempty"`
	RequestedBy           string     `json:"requested_by,omitempty"`
}

// MigrationError is one failure recorded during a run.
type MigrationError struct {
	SubmissionID string    `json:"submission_id,omitempty"`
	Batch        int       `json:"batch"`
	Message      string    `json:"message"`
	System       bool      `json:"system,omitempty"`
	At           time.Time `json:"at"`
}

// BatchMigrationProgress is the live accounting of one run.
type BatchMigrationProgress struct {
	ID                    string           `json:"id"`
	Status                MigrationStatus  `json:"status"`
	DryRun                bool             `json:"dry_run"`
	TotalRecords          int              `json:"total_records"`
	ProcessedRecords      int              `json:"processed_records"`
	SuccessfulRecords     int              `json:"successful_records"`
	FailedRecords         int              `json:"failed_records"`
	ValidationErrors      int              `json:"validation_errors"`
	CurrentBatch          int              `json:"current_batch"`
	TotalBatches          int              `json:"total_batches"`
	StartedAt             time.Time        `json:"started_at"`
	EstimatedCompletionAt *time.Time       `json:"estimated_completion_at,omitempty"`
	LastBatchAt           *time.Time       `json:"last_batch_at,omitempty"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
	Errors                []MigrationError `json:"errors"`
}

// MigrationSummary describes what a migration would touch.
type MigrationSummary struct {
	TotalApproved     int           `json:"total_approved"`
	AlreadySynced     int           `json:"already_synced"`
	Pending           int           `json:"pending"`
	OldestPending     *time.Time    `json:"oldest_pending,omitempty"`
	NewestPending     *time.Time    `json:"newest_pending,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// MigrationValidation is the dry validation report over all pending submissions.
type MigrationValidation struct {
	Checked    int                          `json:"checked"`
	Valid      int                          `json:"valid"`
	Invalid    int                          `json:"invalid"`
	ErrorCount int                          `json:"error_count"`
	Errors     map[string][]ValidationError `json:"errors"`
}
