// Package orchestrator runs the per-entity sync: transform, validate, find the
// matching ledger record, create or update it, and record the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/classifier"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/events"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ledger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/telemetry"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/transform"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/validation"
)

// Options controls one submission sync.
type Options struct {
	DryRun             bool
	ValidateData       bool
	UpdateExisting     bool
	NotifyOnCompletion bool
	Trigger            string
	JobID              string
	// CanRetry tells the classifier the caller will retry transient failures.
	CanRetry bool
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Source    store.SubmissionSource
	Logs      store.SyncLogStore
	Ledger    ledger.Client
	Validator *validation.Engine
	Failures  *classifier.Handler
	Events    events.Publisher
	Logger    *log.Logger
}

type Orchestrator struct {
	source    store.SubmissionSource
	logs      store.SyncLogStore
	ledger    ledger.Client
	validator *validation.Engine
	failures  *classifier.Handler
	events    events.Publisher
	logger    *log.Logger
	now       func() time.Time
}

func New(d Deps) *Orchestrator {
	if d.Validator == nil {
		d.Validator = validation.NewEngine()
	}
	return &Orchestrator{
		source:    d.Source,
		logs:      d.Logs,
		ledger:    d.Ledger,
		validator: d.Validator,
		failures:  d.Failures,
		events:    d.Events,
		logger:    d.Logger,
		now:       time.Now,
	}
}

// SyncSubmission pushes every time entry of an approved submission to the
// ledger. Per-record failures never abort the loop; a returned error means the
// outcome could not be recorded and the caller should retry.
func (o *Orchestrator) SyncSubmission(ctx context.Context, sub models.Submission, opts Options) (models.SyncResult, error) {
	start := o.now()
	res := models.SyncResult{SubmissionID: sub.ID, DryRun: opts.DryRun, Records: []models.RecordResult{}}

	if sub.Status != models.SubmissionApproved {
		ve := notApprovedError(sub)
		res.Errors = append(res.Errors, ve)
		if !opts.DryRun {
			if err := o.handleFailure(ctx, &res, classifier.Failure{
				EntityType:   models.EntityTimesheet,
				EntityID:     sub.ID,
				OriginalData: sub,
				Errors:       []models.ValidationError{ve},
			}); err != nil {
				return res, err
			}
		}
		return o.finish(ctx, sub, opts, res, start)
	}

	if status := o.ledger.ConnectionStatus(ctx); !status.Connected {
		res.Retryable = true
		res.Errors = append(res.Errors, disconnectedError(status))
		return o.finish(ctx, sub, opts, res, start)
	}

	entries := transform.Submission(sub)
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, err := o.syncEntry(ctx, sub, sub.Entries[i], entry, opts)
		if err != nil {
			return res, err
		}
		res.Records = append(res.Records, rec)
		if rec.Warning != "" {
			res.Warnings = append(res.Warnings, rec.Warning)
		}
		if rec.QuarantineID != "" {
			res.Quarantined = append(res.Quarantined, rec.QuarantineID)
		}
		switch rec.Outcome {
		case models.RecordCreated, models.RecordUpdated, models.RecordDryRun:
			res.Synced++
		case models.RecordSkipped:
			res.Skipped++
		case models.RecordFailed:
			res.Failed++
			res.Errors = append(res.Errors, rec.Errors...)
			res.Retryable = res.Retryable || rec.Retryable
		}
		telemetry.RecordsSynced.WithLabelValues(string(models.EntityTimeEntry), rec.Outcome).Inc()
	}
	return o.finish(ctx, sub, opts, res, start)
}

// syncEntry validates and writes one time entry. The error return is reserved
// for failures that leave the record unaccounted for.
func (o *Orchestrator) syncEntry(ctx context.Context, sub models.Submission, source models.TimeEntry, entry models.LedgerTimeEntry, opts Options) (models.RecordResult, error) {
	rec := models.RecordResult{EntryID: source.ID}

	var vr models.ValidationResult
	if opts.ValidateData {
		vr = o.validator.Validate(entry, models.EntityTimeEntry)
		for _, w := range vr.Warnings {
			rec.Warning = joinWarning(rec.Warning, w.Message)
		}
		if !vr.IsValid {
			rec.Outcome = models.RecordFailed
			rec.Errors = vr.Errors
			if opts.DryRun {
				return rec, nil
			}
			err := o.recordFailure(ctx, &rec, classifier.Failure{
				EntityType:      models.EntityTimeEntry,
				EntityID:        source.ID,
				OriginalData:    source,
				TransformedData: entry,
				Errors:          vr.Errors,
				Metadata:        map[string]any{"submission_id": sub.ID},
			})
			return rec, err
		}
	}

	if opts.DryRun {
		rec.Outcome = models.RecordDryRun
		return rec, nil
	}

	existing, err := o.ledger.FindMatchingTimeEntry(ctx, criteriaFor(entry))
	if err == nil && existing != nil {
		rec.ExternalID = existing.ID
		if !opts.UpdateExisting {
			rec.Outcome = models.RecordSkipped
			rec.Warning = joinWarning(rec.Warning, fmt.Sprintf("time entry %s already exists in the ledger as %s", source.ID, existing.ID))
			return rec, nil
		}
		entry.ID = existing.ID
	}
	var externalID string
	if err == nil {
		externalID, err = o.ledger.CreateOrUpdateTimeEntry(ctx, entry)
	}
	if err != nil {
		rec.Outcome = models.RecordFailed
		ferr := o.recordFailure(ctx, &rec, classifier.Failure{
			EntityType:      models.EntityTimeEntry,
			EntityID:        source.ID,
			OriginalData:    source,
			TransformedData: entry,
			Err:             err,
			CanRetry:        opts.CanRetry,
			Metadata:        map[string]any{"submission_id": sub.ID},
		})
		return rec, ferr
	}

	rec.ExternalID = externalID
	rec.Outcome = models.RecordCreated
	if entry.ID != "" {
		rec.Outcome = models.RecordUpdated
	}
	if opts.ValidateData && vr.Checksum != "" {
		if w := o.verifyWrite(ctx, entry, vr.Checksum); w != "" {
			rec.Warning = joinWarning(rec.Warning, w)
		}
	}
	return rec, nil
}

// verifyWrite reads the entry back and compares its critical fields.
func (o *Orchestrator) verifyWrite(ctx context.Context, sent models.LedgerTimeEntry, checksum string) string {
	synced, err := o.ledger.FindMatchingTimeEntry(ctx, models.TimeEntryCriteria{
		DescriptionTag: sent.DescriptionTag,
		ProjectID:      sent.ProjectID,
		UserID:         sent.UserID,
		Date:           sent.Date,
	})
	if err != nil || synced == nil {
		return ""
	}
	report := validation.VerifyPostSyncIntegrity(sent, *synced, checksum)
	if len(report.FieldMismatches) == 0 {
		return ""
	}
	fields := make([]string, 0, len(report.FieldMismatches))
	for _, m := range report.FieldMismatches {
		fields = append(fields, m.Field)
	}
	o.logger.Warn().Str("entry_id", sent.SourceID).Strs("fields", fields).Msg("ledger record differs from what was sent")
	return fmt.Sprintf("ledger copy of %s differs in %v", sent.SourceID, fields)
}

func (o *Orchestrator) recordFailure(ctx context.Context, rec *models.RecordResult, f classifier.Failure) error {
	out, err := o.failures.Handle(ctx, f)
	rec.Errors = out.Errors
	rec.Retryable = out.CanRetry
	rec.QuarantineID = out.QuarantineID
	return err
}

// Abandon quarantines a submission its caller has stopped retrying while the
// last outcome was still transient.
func (o *Orchestrator) Abandon(ctx context.Context, sub models.Submission, errs []models.ValidationError, cause error, meta map[string]any) (classifier.Outcome, error) {
	return o.failures.Handle(ctx, classifier.Failure{
		EntityType:   models.EntityTimesheet,
		EntityID:     sub.ID,
		OriginalData: sub,
		Errors:       errs,
		Err:          cause,
		Metadata:     meta,
	})
}

func (o *Orchestrator) handleFailure(ctx context.Context, res *models.SyncResult, f classifier.Failure) error {
	out, err := o.failures.Handle(ctx, f)
	if err != nil {
		return err
	}
	res.Escalated = res.Escalated || out.Escalated
	if out.QuarantineID != "" {
		res.Quarantined = append(res.Quarantined, out.QuarantineID)
	}
	return nil
}

// finish aggregates the result, writes the sync log and emits the completion event.
func (o *Orchestrator) finish(ctx context.Context, sub models.Submission, opts Options, res models.SyncResult, start time.Time) (models.SyncResult, error) {
	res.Success = res.Synced >= 1 && res.Failed == 0 && len(res.Errors) == 0
	res.Partial = res.Synced >= 1 && res.Failed > 0
	res.Duration = o.now().Sub(start)

	status := models.SyncFailure
	switch {
	case res.Success:
		status = models.SyncSuccess
	case res.Partial:
		status = models.SyncPartial
	case res.Synced == 0 && res.Failed == 0 && len(res.Errors) == 0:
		status = models.SyncSkipped
		if len(res.Records) == 0 {
			res.Warnings = append(res.Warnings, "submission has no time entries")
		}
	}

	lg := o.logger.Info()
	if status == models.SyncFailure {
		lg = o.logger.Warn()
	}
	lg.Str("submission_id", sub.ID).
		Str("status", status).
		Bool("dry_run", opts.DryRun).
		Int("synced", res.Synced).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Dur("duration", res.Duration).
		Msg("submission sync finished")

	if opts.DryRun {
		return res, nil
	}

	if err := o.appendLog(ctx, sub.ID, models.OpSyncTimesheet, status, res, opts, start); err != nil {
		return res, err
	}
	if o.events != nil {
		if err := o.events.Publish(ctx, events.SyncCompleted{Result: res, Notify: opts.NotifyOnCompletion}); err != nil {
			o.logger.Warn().Err(err).Str("submission_id", sub.ID).Msg("sync completed event not delivered")
		}
	}
	return res, nil
}

func (o *Orchestrator) appendLog(ctx context.Context, submissionID, op, status string, res models.SyncResult, opts Options, start time.Time) error {
	completed := o.now().UTC()
	entry := models.SyncLogEntry{
		SubmissionID: submissionID,
		Operation:    op,
		Status:       status,
		Details: map[string]any{
			"synced":      res.Synced,
			"skipped":     res.Skipped,
			"failed":      res.Failed,
			"records":     res.Records,
			"warnings":    res.Warnings,
			"quarantined": res.Quarantined,
			"escalated":   res.Escalated,
		},
		Trigger:     opts.Trigger,
		Duration:    completed.Sub(start),
		JobID:       opts.JobID,
		CreatedAt:   start.UTC(),
		CompletedAt: &completed,
	}
	if len(res.Errors) > 0 {
		entry.Error = res.Errors[0].Message
		entry.Details["errors"] = res.Errors
	}
	if _, err := o.logs.AppendSyncLog(ctx, entry); err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// LoadSubmission reads a submission, classifying a missing one as permanent.
func (o *Orchestrator) LoadSubmission(ctx context.Context, id string) (models.Submission, error) {
	sub, err := o.source.GetSubmission(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return sub, classifier.Wrap(err, validation.NewError("submission_id",
			fmt.Sprintf("submission %s does not exist", id),
			"The submission was deleted or never approved. No action is needed unless it should exist.",
			models.SeverityHigh, models.CategoryDataIntegrity, models.ErrorPermanent,
			"Check the submission id", "Re-approve the timesheet if it was recreated"))
	}
	if err != nil {
		return sub, fmt.Errorf("load submission %s: %w", id, err)
	}
	return sub, nil
}

func criteriaFor(e models.LedgerTimeEntry) models.TimeEntryCriteria {
	return models.TimeEntryCriteria{
		DescriptionTag: e.DescriptionTag,
		ProjectID:      e.ProjectID,
		UserID:         e.UserID,
		Date:           e.Date,
		Duration:       e.Duration,
	}
}

func notApprovedError(sub models.Submission) models.ValidationError {
	ve := validation.NewError("status",
		fmt.Sprintf("submission %s is %s, only approved submissions are synced", sub.ID, sub.Status),
		"Approve the timesheet before syncing it.",
		models.SeverityHigh, models.CategoryBusinessRule, models.ErrorPermanent,
		"Check the timesheet approval state", "Reject this quarantine record once the timesheet is approved")
	ve.Value = string(sub.Status)
	return ve
}

func disconnectedError(status models.ConnectionStatus) models.ValidationError {
	msg := "ledger is not connected"
	if status.Error != "" {
		msg += ": " + status.Error
	}
	return validation.NewError("connection", msg,
		"The sync will be retried once the ledger connection is restored.",
		models.SeverityMedium, models.CategoryNetwork, models.ErrorTransient,
		"Check the ledger connection status", "Reconnect the integration if credentials expired")
}

func joinWarning(have, add string) string {
	if have == "" {
		return add
	}
	return have + "; " + add
}
