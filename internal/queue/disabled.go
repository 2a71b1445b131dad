package queue

import (
	"context"
	"time"

	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

// Disabled stands in for the broker when the queue is turned off or its store
// is unreachable. Producer and consumer calls succeed as logged no-ops;
// operator commands that would mutate stored jobs report ErrUnavailable.
type Disabled struct {
	logger *log.Logger
}

// NewDisabled returns the degraded broker variant.
func NewDisabled(logger *log.Logger) *Disabled {
	return &Disabled{logger: logger}
}

func (d *Disabled) Enqueue(_ context.Context, queueName string, payload models.JobPayload, _ EnqueueOptions) (string, error) {
	if err := models.ValidatePayload(payload); err != nil {
		return "", err
	}
	d.logger.Warn().Str("queue", queueName).Str("job_type", string(payload.Kind())).Msg("queue degraded, enqueue dropped")
	return "", nil
}

func (d *Disabled) Dequeue(context.Context, string) (*models.SyncJob, error) { return nil, nil }

func (d *Disabled) Heartbeat(context.Context, string, string) error { return nil }

func (d *Disabled) Complete(_ context.Context, job *models.SyncJob, _ string) error {
	d.logger.Warn().Str("job_id", job.ID).Msg("queue degraded, completion not recorded")
	return nil
}

func (d *Disabled) Fail(_ context.Context, job *models.SyncJob, cause error, _ bool) (FailOutcome, error) {
	d.logger.Warn().Str("job_id", job.ID).Err(cause).Msg("queue degraded, failure not recorded")
	return FailOutcome{Attempts: job.Attempts}, nil
}

func (d *Disabled) PromoteDelayed(context.Context, string, time.Time) (int, error) { return 0, nil }

func (d *Disabled) RequeueStalled(context.Context, string, time.Time) (StallReport, error) {
	return StallReport{}, nil
}

func (d *Disabled) Counts(context.Context, string) (models.JobCounts, error) {
	return models.JobCounts{}, nil
}

func (d *Disabled) Pause(context.Context, string) error  { return ErrUnavailable }
func (d *Disabled) Resume(context.Context, string) error { return ErrUnavailable }

func (d *Disabled) Purge(context.Context, string, models.JobStatus, time.Duration) (int, error) {
	return 0, ErrUnavailable
}

func (d *Disabled) Retry(context.Context, string) error { return ErrUnavailable }

func (d *Disabled) RetryAll(context.Context, string) (int, error) { return 0, ErrUnavailable }

func (d *Disabled) Get(context.Context, string) (*models.SyncJob, error) { return nil, ErrJobNotFound }
