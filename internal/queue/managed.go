package queue

import (
	"context"
	"time"

	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/config"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

type healthReporter interface {
	Healthy() bool
}

// Managed routes every call to the live broker while the connection manager
// reports the store healthy and to the disabled broker otherwise, so callers
// never branch on availability.
type Managed struct {
	live     Broker
	disabled Broker
	health   healthReporter
}

// NewManaged pairs a live broker with the degraded fallback.
func NewManaged(live Broker, health healthReporter, logger *log.Logger) *Managed {
	return &Managed{live: live, disabled: NewDisabled(logger), health: health}
}

// New selects the broker variant from config: Disabled when the queue is
// switched off, otherwise a Managed Redis broker.
func New(cfg config.Config, conn *ConnManager, logger *log.Logger) Broker {
	if !cfg.QueueEnabled || conn == nil {
		return NewDisabled(logger)
	}
	return NewManaged(NewRedisBroker(conn.Client(), OptionsFromConfig(cfg)), conn, logger)
}

func (m *Managed) current() Broker {
	if m.health.Healthy() {
		return m.live
	}
	return m.disabled
}

func (m *Managed) Enqueue(ctx context.Context, queueName string, payload models.JobPayload, opts EnqueueOptions) (string, error) {
	return m.current().Enqueue(ctx, queueName, payload, opts)
}

func (m *Managed) Dequeue(ctx context.Context, queueName string) (*models.SyncJob, error) {
	return m.current().Dequeue(ctx, queueName)
}

func (m *Managed) Heartbeat(ctx context.Context, queueName, jobID string) error {
	return m.current().Heartbeat(ctx, queueName, jobID)
}

func (m *Managed) Complete(ctx context.Context, job *models.SyncJob, result string) error {
	return m.current().Complete(ctx, job, result)
}

func (m *Managed) Fail(ctx context.Context, job *models.SyncJob, cause error, retryable bool) (FailOutcome, error) {
	return m.current().Fail(ctx, job, cause, retryable)
}

func (m *Managed) PromoteDelayed(ctx context.Context, queueName string, now time.Time) (int, error) {
	return m.current().PromoteDelayed(ctx, queueName, now)
}

func (m *Managed) RequeueStalled(ctx context.Context, queueName string, now time.Time) (StallReport, error) {
	return m.current().RequeueStalled(ctx, queueName, now)
}

func (m *Managed) Counts(ctx context.Context, queueName string) (models.JobCounts, error) {
	return m.current().Counts(ctx, queueName)
}

func (m *Managed) Pause(ctx context.Context, queueName string) error {
	return m.current().Pause(ctx, queueName)
}

func (m *Managed) Resume(ctx context.Context, queueName string) error {
	return m.current().Resume(ctx, queueName)
}

func (m *Managed) Purge(ctx context.Context, queueName string, status models.JobStatus, olderThan time.Duration) (int, error) {
	return m.current().Purge(ctx, queueName, status, olderThan)
}

func (m *Managed) Retry(ctx context.Context, jobID string) error {
	return m.current().Retry(ctx, jobID)
}

func (m *Managed) RetryAll(ctx context.Context, queueName string) (int, error) {
	return m.current().RetryAll(ctx, queueName)
}

func (m *Managed) Get(ctx context.Context, jobID string) (*models.SyncJob, error) {
	return m.current().Get(ctx, jobID)
}
