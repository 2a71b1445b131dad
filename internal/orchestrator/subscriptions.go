package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/events"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/queue"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/telemetry"
)

// Enqueuer is the slice of the broker the approval subscriber needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload models.JobPayload, opts queue.EnqueueOptions) (string, error)
}

// Concern names used on the bus.
const (
	ConcernSyncTrigger  = "sync-trigger"
	ConcernAuditLog     = "audit-log"
	ConcernNotification = "notification"
	ConcernMonitoring   = "monitoring"
)

// Job outcomes as reported on the monitoring counter.
const (
	OutcomeCompleted    = "completed"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

// Subscribe wires the pipeline's reactions to workflow events: approval
// enqueues a sync, rejection is audit-logged, completion is announced, and
// worker and health reports feed the monitoring metrics.
func Subscribe(bus *events.Bus, enq Enqueuer, logs store.SyncLogStore, logger *log.Logger) error {
	return errors.Join(
		bus.Subscribe(events.KindTimesheetApproved, ConcernSyncTrigger, onApproved(enq, logger)),
		bus.Subscribe(events.KindTimesheetRejected, ConcernAuditLog, onRejected(logs, logger)),
		bus.Subscribe(events.KindSyncCompleted, ConcernNotification, onSyncCompleted(logger)),
		bus.Subscribe(events.KindJobFinished, ConcernMonitoring, onJobFinished(logger)),
		bus.Subscribe(events.KindQueueHealth, ConcernMonitoring, onQueueHealth(logger)),
	)
}

func onApproved(enq Enqueuer, logger *log.Logger) events.Handler {
	return func(ctx context.Context, e events.Event) error {
		ev, ok := e.(events.TimesheetApproved)
		if !ok {
			return fmt.Errorf("unexpected event %T", e)
		}
		id, err := enq.Enqueue(ctx, models.QueueTimesheetSync, models.SyncTimesheetPayload{
			SubmissionID: ev.SubmissionID,
			Trigger:      models.TriggerApproval,
			ApprovedBy:   ev.ApprovedBy,
		}, queue.ApprovalOptions())
		if err != nil {
			return fmt.Errorf("enqueue sync for %s: %w", ev.SubmissionID, err)
		}
		logger.Info().Str("submission_id", ev.SubmissionID).Str("job_id", id).Str("approved_by", ev.ApprovedBy).Msg("approval sync enqueued")
		return nil
	}
}

func onRejected(logs store.SyncLogStore, logger *log.Logger) events.Handler {
	return func(ctx context.Context, e events.Event) error {
		ev, ok := e.(events.TimesheetRejected)
		if !ok {
			return fmt.Errorf("unexpected event %T", e)
		}
		at := ev.RejectedAt
		if at.IsZero() {
			at = time.Now()
		}
		at = at.UTC()
		_, err := logs.AppendSyncLog(ctx, models.SyncLogEntry{
			SubmissionID: ev.SubmissionID,
			Operation:    models.OpTimesheetRejected,
			Status:       models.SyncAudit,
			Details: map[string]any{
				"user_id":          ev.UserID,
				"rejected_by":      ev.RejectedBy,
				"rejection_reason": ev.RejectionReason,
			},
			Trigger:     "rejection",
			CreatedAt:   at,
			CompletedAt: &at,
		})
		if err != nil {
			return fmt.Errorf("audit rejection of %s: %w", ev.SubmissionID, err)
		}
		logger.Info().Str("submission_id", ev.SubmissionID).Str("rejected_by", ev.RejectedBy).Msg("timesheet rejection recorded")
		return nil
	}
}

func onSyncCompleted(logger *log.Logger) events.Handler {
	return func(_ context.Context, e events.Event) error {
		ev, ok := e.(events.SyncCompleted)
		if !ok {
			return fmt.Errorf("unexpected event %T", e)
		}
		if !ev.Notify {
			return nil
		}
		r := ev.Result
		lg := logger.Info()
		if !r.Success {
			lg = logger.Warn()
		}
		lg.Str("submission_id", r.SubmissionID).
			Bool("success", r.Success).
			Bool("partial", r.Partial).
			Int("synced", r.Synced).
			Int("failed", r.Failed).
			Int("quarantined", len(r.Quarantined)).
			Msg("timesheet sync completed")
		return nil
	}
}

func jobOutcome(ev events.JobFinished) string {
	switch {
	case ev.DeadLettered:
		return OutcomeDeadLettered
	case ev.Error != "":
		return OutcomeRetried
	}
	return OutcomeCompleted
}

func onJobFinished(logger *log.Logger) events.Handler {
	return func(_ context.Context, e events.Event) error {
		ev, ok := e.(events.JobFinished)
		if !ok {
			return fmt.Errorf("unexpected event %T", e)
		}
		outcome := jobOutcome(ev)
		telemetry.JobOutcomes.WithLabelValues(ev.QueueName, string(ev.JobType), outcome).Inc()
		if outcome != OutcomeDeadLettered {
			return nil
		}
		logger.Error().
			Str("job_id", ev.JobID).
			Str("queue", ev.QueueName).
			Str("job_type", string(ev.JobType)).
			Int("attempts", ev.Attempts).
			Str("error", ev.Error).
			Msg("job reached the dead-letter set")
		return nil
	}
}

func onQueueHealth(logger *log.Logger) events.Handler {
	return func(_ context.Context, e events.Event) error {
		ev, ok := e.(events.QueueHealth)
		if !ok {
			return fmt.Errorf("unexpected event %T", e)
		}
		if ev.LedgerConnected {
			telemetry.LedgerConnected.Set(1)
		} else {
			telemetry.LedgerConnected.Set(0)
		}
		for q, c := range ev.Queues {
			telemetry.QueueDepth.WithLabelValues(q, string(models.JobWaiting)).Set(float64(c.Waiting))
			telemetry.QueueDepth.WithLabelValues(q, string(models.JobActive)).Set(float64(c.Active))
			telemetry.QueueDepth.WithLabelValues(q, string(models.JobDelayed)).Set(float64(c.Delayed))
			telemetry.QueueDepth.WithLabelValues(q, string(models.JobFailed)).Set(float64(c.Failed))
		}
		if ev.Degraded || !ev.LedgerConnected {
			logger.Warn().
				Bool("degraded", ev.Degraded).
				Bool("ledger_connected", ev.LedgerConnected).
				Str("ledger_error", ev.LedgerError).
				Msg("sync pipeline unhealthy")
		}
		return nil
	}
}
