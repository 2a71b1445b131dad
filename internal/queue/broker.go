// Package queue implements the durable job broker backed by Redis, the
// connection manager that guards it, and the disabled stand-in used while the
// store is unreachable.
package queue

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/config"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrLeaseLost     = errors.New("job lease lost")
	ErrNotRetryable  = errors.New("job is not in the failed state")
	ErrUnavailable   = errors.New("queue store unavailable")
	ErrInvalidStatus = errors.New("invalid job status for this operation")
)

// EnqueueOptions controls dispatch order and the retry budget of one job.
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
}

// ApprovalOptions: approval-triggered jobs dispatch first, immediately, and retry harder.
func ApprovalOptions() EnqueueOptions {
	return EnqueueOptions{Priority: models.PriorityApproval, MaxAttempts: 5}
}

// ManualOptions spreads operator-triggered jobs slightly to avoid a thundering herd.
func ManualOptions() EnqueueOptions {
	return EnqueueOptions{Priority: models.PriorityManual, Delay: 2 * time.Second, MaxAttempts: 3}
}

// ScheduledOptions is used by cron and batch triggers.
func ScheduledOptions() EnqueueOptions {
	return EnqueueOptions{Priority: models.PriorityScheduled, Delay: 5 * time.Second, MaxAttempts: 3}
}

func (o EnqueueOptions) withDefaults() EnqueueOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Priority < 0 {
		o.Priority = 0
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// FailOutcome reports what the broker did with a failed job.
type FailOutcome struct {
	Retried      bool
	DeadLettered bool
	Attempts     int
	NextRunAt    time.Time
}

// StallReport lists jobs whose lease expired during one sweep.
type StallReport struct {
	Requeued []string
	Failed   []string
}

// Broker is the durable, at-least-once job store.
type Broker interface {
	Enqueue(ctx context.Context, queueName string, payload models.JobPayload, opts EnqueueOptions) (string, error)
	Dequeue(ctx context.Context, queueName string) (*models.SyncJob, error)
	Heartbeat(ctx context.Context, queueName, jobID string) error
	Complete(ctx context.Context, job *models.SyncJob, result string) error
	Fail(ctx context.Context, job *models.SyncJob, cause error, retryable bool) (FailOutcome, error)
	PromoteDelayed(ctx context.Context, queueName string, now time.Time) (int, error)
	RequeueStalled(ctx context.Context, queueName string, now time.Time) (StallReport, error)
	Counts(ctx context.Context, queueName string) (models.JobCounts, error)
	Pause(ctx context.Context, queueName string) error
	Resume(ctx context.Context, queueName string) error
	Purge(ctx context.Context, queueName string, status models.JobStatus, olderThan time.Duration) (int, error)
	Retry(ctx context.Context, jobID string) error
	RetryAll(ctx context.Context, queueName string) (int, error)
	Get(ctx context.Context, jobID string) (*models.SyncJob, error)
}

// Options tunes the Redis broker.
type Options struct {
	Prefix         string
	Visibility     time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxStalls      int
	OpTimeout      time.Duration
	PromoteLimit   int64
}

// OptionsFromConfig maps shared config onto broker options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Prefix:         "psa",
		Visibility:     cfg.VisibilityTimeout,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		MaxStalls:      cfg.MaxStalls,
		OpTimeout:      cfg.StoreOpTimeout,
		PromoteLimit:   int64(cfg.ScheduledBatchSize),
	}
}

// Backoff returns base doubled per prior attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if max > 0 && (wait > max || wait <= 0) {
		return max
	}
	return wait
}
