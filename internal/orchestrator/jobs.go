package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/classifier"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/events"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/queue"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/worker"
)

// Queues lists every queue the pipeline consumes.
var Queues = []string{models.QueueTimesheetSync, models.QueueBatchSync, models.QueueMaintenance}

// handledError marks a job failure whose records were already quarantined or
// escalated, so the dead-letter path does not act on it again.
type handledError struct{ err error }

func (e handledError) Error() string { return e.err.Error() }
func (e handledError) Unwrap() error { return e.err }

// Jobs adapts the orchestrator to queue job handlers.
type Jobs struct {
	orch    *Orchestrator
	broker  queue.Broker
	healthy func() bool
	logger  *log.Logger
}

// NewJobs builds the job handlers. healthy reports queue store reachability
// and may be nil.
func NewJobs(o *Orchestrator, b queue.Broker, healthy func() bool, logger *log.Logger) *Jobs {
	return &Jobs{orch: o, broker: b, healthy: healthy, logger: logger}
}

// Register binds every job kind and the dead-letter callback to p.
func (j *Jobs) Register(p *worker.Processor) {
	p.RegisterHandler(models.JobSyncTimesheet, j.SyncTimesheet)
	p.RegisterHandler(models.JobBatchSync, j.BatchSync)
	p.RegisterHandler(models.JobHealthCheck, j.HealthCheck)
	p.OnDeadLetter(j.DeadLetter)
}

type jobSummary struct {
	SubmissionID string `json:"submission_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Synced       int    `json:"synced"`
	Skipped      int    `json:"skipped"`
	Failed       int    `json:"failed"`
	Submissions  int    `json:"submissions,omitempty"`
}

func (s jobSummary) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (j *Jobs) SyncTimesheet(ctx context.Context, job *models.SyncJob, payload models.JobPayload) (string, error) {
	p, ok := payload.(models.SyncTimesheetPayload)
	if !ok {
		return "", worker.Final(fmt.Errorf("unexpected payload %T", payload))
	}
	sub, err := j.orch.LoadSubmission(ctx, p.SubmissionID)
	if err != nil {
		var ce *classifier.Error
		if errors.As(err, &ce) {
			return "", worker.Final(err)
		}
		return "", err
	}

	res, err := j.orch.SyncSubmission(ctx, sub, Options{
		ValidateData:       true,
		UpdateExisting:     p.UpdateExisting,
		NotifyOnCompletion: p.Trigger == models.TriggerApproval,
		Trigger:            p.Trigger,
		JobID:              job.ID,
		CanRetry:           job.Attempts < job.MaxAttempts,
	})
	if err != nil {
		return "", err
	}
	summary := jobSummary{SubmissionID: sub.ID, Synced: res.Synced, Skipped: res.Skipped, Failed: res.Failed}
	return summary.String(), outcomeError(res)
}

// outcomeError maps a sync result onto worker retry semantics.
func outcomeError(res models.SyncResult) error {
	switch {
	case res.Retryable:
		return worker.Retry(fmt.Errorf("submission %s: %s", res.SubmissionID, firstError(res)))
	case res.Success || res.Partial:
		return nil
	case len(res.Errors) == 0 && res.Failed == 0:
		// Every entry already present in the ledger.
		return nil
	}
	return worker.Final(handledError{fmt.Errorf("submission %s: %s", res.SubmissionID, firstError(res))})
}

// BatchSync syncs submissions one after another, skipping those already synced.
// A transient failure retries the whole batch; finished submissions are then skipped.
func (j *Jobs) BatchSync(ctx context.Context, job *models.SyncJob, payload models.JobPayload) (string, error) {
	p, ok := payload.(models.BatchSyncPayload)
	if !ok {
		return "", worker.Final(fmt.Errorf("unexpected payload %T", payload))
	}
	ids, err := j.orch.batchTargets(ctx, p)
	if err != nil {
		return "", err
	}

	summary := jobSummary{Submissions: len(ids)}
	var retry []string
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary.String(), err
		}
		done, err := j.orch.logs.HasSuccess(ctx, id)
		if err != nil {
			return summary.String(), err
		}
		if done {
			summary.Skipped++
			continue
		}
		sub, err := j.orch.LoadSubmission(ctx, id)
		if err != nil {
			j.logger.Warn().Err(err).Str("job_id", job.ID).Str("submission_id", id).Msg("batch entry skipped")
			summary.Failed++
			continue
		}
		res, err := j.orch.SyncSubmission(ctx, sub, Options{
			ValidateData: true,
			Trigger:      p.Trigger,
			JobID:        job.ID,
			CanRetry:     job.Attempts < job.MaxAttempts,
		})
		if err != nil {
			return summary.String(), err
		}
		summary.Synced += res.Synced
		summary.Failed += res.Failed
		if res.Retryable {
			retry = append(retry, id)
		}
	}
	if len(retry) > 0 {
		return summary.String(), worker.Retry(fmt.Errorf("%d submissions hit transient failures", len(retry)))
	}
	return summary.String(), nil
}

// batchTargets resolves a batch payload into submission ids.
func (o *Orchestrator) batchTargets(ctx context.Context, p models.BatchSyncPayload) ([]string, error) {
	if len(p.SubmissionIDs) > 0 {
		return p.SubmissionIDs, nil
	}
	from, err := time.Parse(time.DateOnly, p.DateFrom)
	if err != nil {
		return nil, worker.Final(fmt.Errorf("date_from: %w", err))
	}
	to, err := time.Parse(time.DateOnly, p.DateTo)
	if err != nil {
		return nil, worker.Final(fmt.Errorf("date_to: %w", err))
	}
	to = to.Add(24*time.Hour - time.Nanosecond)
	approved, err := o.source.ListApproved(ctx, &from, &to)
	if err != nil {
		return nil, fmt.Errorf("list approved submissions: %w", err)
	}
	ids := make([]string, 0, len(approved))
	for _, s := range approved {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// HealthCheck probes the ledger and every queue and publishes the report.
func (j *Jobs) HealthCheck(ctx context.Context, job *models.SyncJob, _ models.JobPayload) (string, error) {
	report := j.Health(ctx)
	if j.orch.events != nil {
		if err := j.orch.events.Publish(ctx, report); err != nil {
			j.logger.Warn().Err(err).Str("job_id", job.ID).Msg("queue health event not delivered")
		}
	}
	b, _ := json.Marshal(report)
	return string(b), nil
}

// Health builds a queue health report without publishing it.
func (j *Jobs) Health(ctx context.Context) events.QueueHealth {
	status := j.orch.ledger.ConnectionStatus(ctx)
	report := events.QueueHealth{
		CheckedAt:       j.orch.now().UTC(),
		Degraded:        j.healthy != nil && !j.healthy(),
		LedgerConnected: status.Connected,
		LedgerError:     status.Error,
		Queues:          make(map[string]models.JobCounts, len(Queues)),
	}
	for _, q := range Queues {
		counts, err := j.broker.Counts(ctx, q)
		if err != nil {
			report.Degraded = true
			continue
		}
		report.Queues[q] = counts
	}
	return report
}

// DeadLetter quarantines the submission behind a job that exhausted its
// retries without its records being handled.
func (j *Jobs) DeadLetter(ctx context.Context, job *models.SyncJob, cause error) {
	var handled handledError
	if errors.As(cause, &handled) {
		return
	}
	lg := j.logger.Error().Str("job_id", job.ID).Str("queue", job.QueueName).Str("job_type", string(job.JobType)).Int("attempt", job.Attempts)

	payload, err := models.DecodePayload(*job)
	if err != nil {
		lg.Err(err).Msg("dead-lettered job has unreadable payload")
		return
	}
	var ids []string
	switch p := payload.(type) {
	case models.SyncTimesheetPayload:
		ids = []string{p.SubmissionID}
	case models.BatchSyncPayload:
		ids = p.SubmissionIDs
	}
	if len(ids) == 0 {
		lg.Err(cause).Msg("job dead-lettered")
		return
	}

	for _, id := range ids {
		if ok, _ := j.orch.logs.HasSuccess(ctx, id); ok {
			continue
		}
		failure := classifier.Failure{
			EntityType:   models.EntityTimesheet,
			EntityID:     id,
			OriginalData: map[string]any{"job_id": job.ID, "queue": job.QueueName, "attempts": job.Attempts},
			Err:          cause,
			Metadata:     map[string]any{"job_id": job.ID, "dead_lettered": true},
		}
		if sub, err := j.orch.source.GetSubmission(ctx, id); err == nil {
			failure.OriginalData = sub
		}
		out, err := j.orch.failures.Handle(ctx, failure)
		if err != nil {
			lg.Err(err).Str("submission_id", id).Msg("dead-lettered submission could not be quarantined")
			continue
		}
		lg.Str("submission_id", id).Str("quarantine_id", out.QuarantineID).Bool("escalated", out.Escalated).Msg("dead-lettered submission quarantined")
	}
}

func firstError(res models.SyncResult) string {
	if len(res.Errors) > 0 {
		return res.Errors[0].Message
	}
	for _, r := range res.Records {
		if len(r.Errors) > 0 {
			return r.Errors[0].Message
		}
	}
	return "sync failed"
}
