package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/classifier"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/telemetry"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/transform"
)

// SyncProject pushes one internal project to the ledger.
func (o *Orchestrator) SyncProject(ctx context.Context, p models.Project, opts Options) (models.RecordResult, error) {
	out := transform.Project(p)
	return o.syncRecord(ctx, models.EntityProject, models.OpSyncProject, p.ID, p, out, opts,
		func(ctx context.Context) (string, error) {
			existing, err := o.ledger.FindProject(ctx, out.SourceID)
			if err != nil || existing == nil {
				return "", err
			}
			return existing.ID, nil
		},
		func(ctx context.Context, id string) (string, error) {
			out.ID = id
			return o.ledger.CreateOrUpdateProject(ctx, out)
		})
}

// SyncContact pushes one internal client to the ledger as a contact.
func (o *Orchestrator) SyncContact(ctx context.Context, c models.Client, opts Options) (models.RecordResult, error) {
	out := transform.Contact(c)
	return o.syncRecord(ctx, models.EntityContact, models.OpSyncContact, c.ID, c, out, opts,
		func(ctx context.Context) (string, error) {
			existing, err := o.ledger.FindContact(ctx, out.SourceID)
			if err != nil || existing == nil {
				return "", err
			}
			return existing.ID, nil
		},
		func(ctx context.Context, id string) (string, error) {
			out.ID = id
			return o.ledger.CreateOrUpdateContact(ctx, out)
		})
}

// syncRecord is the validate, find, write path shared by projects and contacts.
func (o *Orchestrator) syncRecord(
	ctx context.Context,
	entity models.EntityType,
	op, sourceID string,
	original, transformed any,
	opts Options,
	find func(context.Context) (string, error),
	write func(context.Context, string) (string, error),
) (models.RecordResult, error) {
	start := o.now()
	rec := models.RecordResult{EntryID: sourceID}

	defer func() {
		telemetry.RecordsSynced.WithLabelValues(string(entity), rec.Outcome).Inc()
	}()

	if opts.ValidateData {
		vr := o.validator.Validate(transformed, entity)
		for _, w := range vr.Warnings {
			rec.Warning = joinWarning(rec.Warning, w.Message)
		}
		if !vr.IsValid {
			rec.Outcome = models.RecordFailed
			rec.Errors = vr.Errors
			if opts.DryRun {
				return rec, nil
			}
			if err := o.recordFailure(ctx, &rec, classifier.Failure{
				EntityType: entity, EntityID: sourceID, OriginalData: original, TransformedData: transformed, Errors: vr.Errors,
			}); err != nil {
				return rec, err
			}
			return rec, o.logRecord(ctx, op, rec, opts, start)
		}
	}
	if opts.DryRun {
		rec.Outcome = models.RecordDryRun
		return rec, nil
	}

	existingID, err := find(ctx)
	if err == nil && existingID != "" && !opts.UpdateExisting {
		rec.ExternalID = existingID
		rec.Outcome = models.RecordSkipped
		rec.Warning = joinWarning(rec.Warning, fmt.Sprintf("%s %s already exists in the ledger as %s", entity, sourceID, existingID))
		return rec, o.logRecord(ctx, op, rec, opts, start)
	}
	var externalID string
	if err == nil {
		externalID, err = write(ctx, existingID)
	}
	if err != nil {
		rec.Outcome = models.RecordFailed
		if ferr := o.recordFailure(ctx, &rec, classifier.Failure{
			EntityType: entity, EntityID: sourceID, OriginalData: original, TransformedData: transformed, Err: err, CanRetry: opts.CanRetry,
		}); ferr != nil {
			return rec, ferr
		}
		return rec, o.logRecord(ctx, op, rec, opts, start)
	}

	rec.ExternalID = externalID
	rec.Outcome = models.RecordCreated
	if existingID != "" {
		rec.Outcome = models.RecordUpdated
	}
	return rec, o.logRecord(ctx, op, rec, opts, start)
}

func (o *Orchestrator) logRecord(ctx context.Context, op string, rec models.RecordResult, opts Options, start time.Time) error {
	if opts.DryRun {
		return nil
	}
	res := models.SyncResult{Records: []models.RecordResult{rec}, Errors: rec.Errors, Quarantined: nonEmpty(rec.QuarantineID)}
	status := models.SyncSuccess
	switch rec.Outcome {
	case models.RecordSkipped:
		status = models.SyncSkipped
		res.Skipped = 1
		res.Warnings = nonEmpty(rec.Warning)
	case models.RecordFailed:
		status = models.SyncFailure
		res.Failed = 1
	default:
		res.Synced = 1
	}
	return o.appendLog(ctx, "", op, status, res, opts, start)
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// Resubmit syncs a quarantined record again after an operator resolved it.
// corrected is merged over the stored original before the sync.
func (o *Orchestrator) Resubmit(ctx context.Context, rec models.QuarantineRecord, corrected json.RawMessage) error {
	start := o.now()
	opts := Options{ValidateData: true, UpdateExisting: true, Trigger: models.TriggerReview}
	lg := o.logger.Info().Str("quarantine_id", rec.ID).Str("entity_type", string(rec.EntityType)).Str("entity_id", rec.EntityID)

	switch rec.EntityType {
	case models.EntityTimeEntry:
		var entry models.TimeEntry
		if err := applyCorrection(&entry, rec.OriginalData, corrected); err != nil {
			return err
		}
		subID, _ := rec.Metadata["submission_id"].(string)
		sub, err := o.LoadSubmission(ctx, subID)
		if err != nil {
			return err
		}
		if sub.Status != models.SubmissionApproved {
			return fmt.Errorf("submission %s is %s", sub.ID, sub.Status)
		}
		r, err := o.syncEntry(ctx, sub, entry, transform.TimeEntry(sub, entry), opts)
		if err != nil {
			return err
		}
		res := models.SyncResult{SubmissionID: sub.ID, Records: []models.RecordResult{r}, Errors: r.Errors}
		status := models.SyncSuccess
		if r.Outcome == models.RecordFailed {
			status = models.SyncFailure
			res.Failed = 1
		} else {
			res.Synced = 1
		}
		if err := o.appendLog(ctx, sub.ID, models.OpResubmit, status, res, opts, start); err != nil {
			return err
		}
		lg.Str("outcome", r.Outcome).Msg("quarantined entry resubmitted")
		return recordError(r)

	case models.EntityTimesheet:
		sub, err := o.LoadSubmission(ctx, rec.EntityID)
		if err != nil {
			return err
		}
		if err := applyCorrection(&sub, nil, corrected); err != nil {
			return err
		}
		opts.UpdateExisting = false
		res, err := o.SyncSubmission(ctx, sub, opts)
		if err != nil {
			return err
		}
		lg.Int("synced", res.Synced).Int("failed", res.Failed).Msg("quarantined submission resubmitted")
		if res.Failed > 0 || len(res.Errors) > 0 {
			return fmt.Errorf("resubmitted submission %s: %d records failed", sub.ID, max(res.Failed, 1))
		}
		return nil

	case models.EntityProject:
		var p models.Project
		if err := applyCorrection(&p, rec.OriginalData, corrected); err != nil {
			return err
		}
		r, err := o.SyncProject(ctx, p, opts)
		if err != nil {
			return err
		}
		lg.Str("outcome", r.Outcome).Msg("quarantined project resubmitted")
		return recordError(r)

	case models.EntityContact:
		var c models.Client
		if err := applyCorrection(&c, rec.OriginalData, corrected); err != nil {
			return err
		}
		r, err := o.SyncContact(ctx, c, opts)
		if err != nil {
			return err
		}
		lg.Str("outcome", r.Outcome).Msg("quarantined contact resubmitted")
		return recordError(r)
	}
	return fmt.Errorf("cannot resubmit entity type %q", rec.EntityType)
}

// applyCorrection decodes original into dst, then merges corrected over it.
func applyCorrection(dst any, original, corrected json.RawMessage) error {
	if len(original) > 0 {
		if err := json.Unmarshal(original, dst); err != nil {
			return fmt.Errorf("decode quarantined data: %w", err)
		}
	}
	if len(corrected) > 0 {
		if err := json.Unmarshal(corrected, dst); err != nil {
			return fmt.Errorf("decode corrected data: %w", err)
		}
	}
	return nil
}

func recordError(r models.RecordResult) error {
	if r.Outcome != models.RecordFailed {
		return nil
	}
	msg := "sync failed"
	if len(r.Errors) > 0 {
		msg = r.Errors[0].Message
	}
	return fmt.Errorf("record %s: %s", r.EntryID, msg)
}
