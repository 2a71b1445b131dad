// Package schedule registers the worker's recurring jobs on a cron scheduler:
// the queue/ledger health probe and the optional nightly catch-up sync.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/orchestrator"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/queue"
)

// Entries holds the cron expressions; an empty expression disables its job.
type Entries struct {
	HealthCheck string
	NightlySync string
	// NightlyWindow is how many days back the nightly sync reaches.
	NightlyWindow int
}

type Scheduler struct {
	cron    *cron.Cron
	enq     orchestrator.Enqueuer
	entries Entries
	logger  *log.Logger
	now     func() time.Time
	timeout time.Duration
}

func New(enq orchestrator.Enqueuer, entries Entries, logger *log.Logger) *Scheduler {
	if entries.NightlyWindow <= 0 {
		entries.NightlyWindow = 7
	}
	return &Scheduler{
		cron:    cron.New(),
		enq:     enq,
		entries: entries,
		logger:  logger,
		now:     time.Now,
		timeout: 10 * time.Second,
	}
}

// Start registers the configured entries and starts the cron loop.
func (s *Scheduler) Start() error {
	if s.entries.HealthCheck != "" {
		if _, err := s.cron.AddFunc(s.entries.HealthCheck, s.enqueueHealthCheck); err != nil {
			return fmt.Errorf("health check schedule %q: %w", s.entries.HealthCheck, err)
		}
		s.logger.Info().Str("cron_expr", s.entries.HealthCheck).Msg("health check scheduled")
	}
	if s.entries.NightlySync != "" {
		if _, err := s.cron.AddFunc(s.entries.NightlySync, s.enqueueNightlySync); err != nil {
			return fmt.Errorf("nightly sync schedule %q: %w", s.entries.NightlySync, err)
		}
		s.logger.Info().Str("cron_expr", s.entries.NightlySync).Int("window_days", s.entries.NightlyWindow).Msg("nightly sync scheduled")
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for running entries.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) enqueueHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	id, err := s.enq.Enqueue(ctx, models.QueueMaintenance,
		models.HealthCheckPayload{RequestedAt: s.now().UTC()},
		queue.EnqueueOptions{Priority: models.PriorityScheduled, MaxAttempts: 1})
	if err != nil {
		s.logger.Warn().Err(err).Msg("enqueue health check")
		return
	}
	s.logger.Debug().Str("job_id", id).Msg("health check enqueued")
}

// NightlyPayload is the range sync covering the last window days up to yesterday.
func NightlyPayload(now time.Time, window int) models.BatchSyncPayload {
	end := now.UTC().AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -(window - 1))
	return models.BatchSyncPayload{
		DateFrom:    start.Format(time.DateOnly),
		DateTo:      end.Format(time.DateOnly),
		Trigger:     models.TriggerScheduled,
		RequestedBy: "scheduler",
	}
}

func (s *Scheduler) enqueueNightlySync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	payload := NightlyPayload(s.now(), s.entries.NightlyWindow)
	id, err := s.enq.Enqueue(ctx, models.QueueBatchSync, payload, queue.ScheduledOptions())
	if err != nil {
		s.logger.Warn().Err(err).Msg("enqueue nightly sync")
		return
	}
	s.logger.Info().Str("job_id", id).Str("from", payload.DateFrom).Str("to", payload.DateTo).Msg("nightly sync enqueued")
}
