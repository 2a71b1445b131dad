package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// JobStatus enumerates lifecycle states held by the queue broker.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDelayed   JobStatus = "delayed"
)

// JobKind discriminates job payloads.
type JobKind string

const (
	JobSyncTimesheet JobKind = "sync-timesheet"
	JobBatchSync     JobKind = "batch-sync"
	JobHealthCheck   JobKind = "health-check"
)

// Queue names used by the pipeline.
const (
	QueueTimesheetSync = "timesheet-sync"
	QueueBatchSync     = "batch-sync"
	QueueMaintenance   = "maintenance"
)

// Priorities; lower values dispatch first.
const (
	PriorityApproval  = 1
	PriorityManual    = 5
	PriorityScheduled = 10
)

// Triggers recorded on sync jobs and log entries.
const (
	TriggerApproval  = "approval"
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerMigration = "migration"
	TriggerReview    = "quarantine_review"
)

// SyncJob is a unit of work owned by the queue broker.
type SyncJob struct {
	ID          string          `json:"id"`
	QueueName   string          `json:"queue_name"`
	JobType     JobKind         `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	DelayMs     int64           `json:"delay_ms"`
	Stalls      int             `json:"stalls"`
	Status      JobStatus       `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	Result      string          `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// JobCounts is the per-status breakdown of one queue.
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// JobPayload is implemented by every job kind's payload.
type JobPayload interface {
	Kind() JobKind
}

// SyncTimesheetPayload requests a sync of one approved submission.
type SyncTimesheetPayload struct {
	SubmissionID   string `json:"submission_id" validate:"required"`
	Trigger        string `json:"trigger" validate:"required,oneof=approval manual scheduled migration quarantine_review"`
	ApprovedBy     string `json:"approved_by,omitempty"`
	UpdateExisting bool   `json:"update_existing,omitempty"`
}

func (SyncTimesheetPayload) Kind() JobKind { return JobSyncTimesheet }

// BatchSyncPayload requests a sync of many submissions, either by id or by week range.
type BatchSyncPayload struct {
	SubmissionIDs []string `json:"submission_ids,omitempty" validate:"required_without=DateFrom,dive,required"`
	DateFrom      string   `json:"date_from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DateTo        string   `json:"date_to,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Trigger       string   `json:"trigger" validate:"required"`
	RequestedBy   string   `json:"requested_by,omitempty"`
}

func (BatchSyncPayload) Kind() JobKind { return JobBatchSync }

// HealthCheckPayload triggers a connectivity probe of the ledger and queues.
type HealthCheckPayload struct {
	RequestedAt time.Time `json:"requested_at"`
}

func (HealthCheckPayload) Kind() JobKind { return JobHealthCheck }

var payloadValidator = newPayloadValidator()

func newPayloadValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		p := sl.Current().Interface().(BatchSyncPayload)
		if (p.DateFrom == "") != (p.DateTo == "") {
			sl.ReportError(p.DateTo, "DateTo", "date_to", "daterange", "")
		}
	}, BatchSyncPayload{})
	return v
}

// ValidatePayload checks a payload's struct constraints before it is enqueued.
func ValidatePayload(p JobPayload) error {
	if p == nil {
		return fmt.Errorf("job payload is required")
	}
	if err := payloadValidator.Struct(p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", p.Kind(), err)
	}
	return nil
}

// DecodePayload unmarshals a job's payload into the variant named by its JobType.
func DecodePayload(job SyncJob) (JobPayload, error) {
	var (
		p   JobPayload
		err error
	)
	switch job.JobType {
	case JobSyncTimesheet:
		var v SyncTimesheetPayload
		err = json.Unmarshal(job.Payload, &v)
		p = v
	case JobBatchSync:
		var v BatchSyncPayload
		err = json.Unmarshal(job.Payload, &v)
		p = v
	case JobHealthCheck:
		var v HealthCheckPayload
		if len(job.Payload) > 0 {
			err = json.Unmarshal(job.Payload, &v)
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown job type %q", job.JobType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", job.JobType, err)
	}
	return p, nil
}
