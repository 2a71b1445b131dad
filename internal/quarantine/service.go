// Package quarantine holds records that could not be synced automatically
// until an operator resolves or rejects them.
package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/telemetry"
)

var (
	ErrNotFound          = errors.New("quarantine record not found")
	ErrInvalidTransition = errors.New("invalid quarantine status transition")
	ErrConcurrentReview  = errors.New("quarantine record changed during review")
	ErrNoErrors          = errors.New("quarantine requires at least one error")
)

// Audit actions.
const (
	ActionQuarantined   = "quarantined"
	ActionRequarantined = "requarantined"
	ActionReviewStarted = "review_started"
	ActionResolved      = "resolved"
	ActionRejected      = "rejected"
	ActionResubmitted   = "resubmitted"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Resubmitter pushes corrected data back through the sync path.
type Resubmitter interface {
	Resubmit(ctx context.Context, rec models.QuarantineRecord, corrected json.RawMessage) error
}

// Request describes a record to quarantine.
type Request struct {
	EntityType      models.EntityType
	EntityID        string
	OriginalData    any
	TransformedData any
	Errors          []models.ValidationError
	QuarantinedBy   string
	Metadata        map[string]any
}

// Review is an operator decision on one record.
type Review struct {
	ReviewedBy    string                  `json:"reviewed_by" validate:"required"`
	Status        models.QuarantineStatus `json:"status" validate:"required,oneof=resolved rejected"`
	Notes         string                  `json:"notes,omitempty"`
	CorrectedData json.RawMessage         `json:"corrected_data,omitempty"`
	// ExpectedStatus is the status the reviewer last saw; empty skips the check.
	ExpectedStatus models.QuarantineStatus `json:"expected_status,omitempty"`
}

// Page is one page of a listing.
type Page struct {
	Records []models.QuarantineRecord `json:"records"`
	Total   int                       `json:"total"`
	Page    int                       `json:"page"`
	Limit   int                       `json:"limit"`
}

// BulkResult reports a bulk review per record.
type BulkResult struct {
	Updated []string          `json:"updated"`
	Failed  map[string]string `json:"failed"`
}

type Service struct {
	store       store.QuarantineStore
	logger      *log.Logger
	resubmitter Resubmitter
	now         func() time.Time
}

func NewService(st store.QuarantineStore, logger *log.Logger) *Service {
	return &Service{store: st, logger: logger, now: time.Now}
}

// SetResubmitter wires the sync path used when a review resolves with corrected data.
func (s *Service) SetResubmitter(r Resubmitter) {
	s.resubmitter = r
}

// Quarantine stores a new record, or folds the errors into the active record
// already held for the same entity.
func (s *Service) Quarantine(ctx context.Context, req Request) (models.QuarantineRecord, error) {
	if len(req.Errors) == 0 {
		return models.QuarantineRecord{}, ErrNoErrors
	}
	if req.QuarantinedBy == "" {
		req.QuarantinedBy = "system"
	}

	existing, err := s.store.FindActiveQuarantine(ctx, req.EntityType, req.EntityID)
	switch {
	case err == nil:
		return s.requarantine(ctx, existing, req)
	case !errors.Is(err, store.ErrNotFound):
		return models.QuarantineRecord{}, fmt.Errorf("find active quarantine: %w", err)
	}

	original, err := json.Marshal(req.OriginalData)
	if err != nil {
		original = mustJSON(map[string]string{"unserializable": err.Error()})
	}
	var transformed json.RawMessage
	if req.TransformedData != nil {
		if transformed, err = json.Marshal(req.TransformedData); err != nil {
			transformed = nil
		}
	}

	rec := models.QuarantineRecord{
		ID:              uuid.NewString(),
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		OriginalData:    original,
		TransformedData: transformed,
		Reason:          Reason(req.Errors),
		Status:          models.QuarantineQuarantined,
		Errors:          req.Errors,
		Priority:        models.MaxSeverity(req.Errors),
		QuarantinedAt:   s.now().UTC(),
		QuarantinedBy:   req.QuarantinedBy,
		Metadata:        req.Metadata,
	}
	if err := s.store.InsertQuarantine(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			if existing, ferr := s.store.FindActiveQuarantine(ctx, req.EntityType, req.EntityID); ferr == nil {
				return s.requarantine(ctx, existing, req)
			}
		}
		return models.QuarantineRecord{}, fmt.Errorf("insert quarantine: %w", err)
	}
	s.audit(ctx, rec.ID, ActionQuarantined, "", rec.Status, req.QuarantinedBy, rec.Reason)

	telemetry.Quarantined.WithLabelValues(string(rec.EntityType), string(rec.Priority)).Inc()
	s.logger.Warn().
		Str("quarantine_id", rec.ID).
		Str("entity_type", string(rec.EntityType)).
		Str("entity_id", rec.EntityID).
		Str("priority", string(rec.Priority)).
		Str("reason", rec.Reason).
		Msg("record quarantined")
	return rec, nil
}

func (s *Service) requarantine(ctx context.Context, rec models.QuarantineRecord, req Request) (models.QuarantineRecord, error) {
	expected := rec.Status
	rec.Errors = mergeErrors(rec.Errors, req.Errors)
	rec.Priority = models.MaxSeverity(rec.Errors)
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	occurrences, _ := rec.Metadata["occurrences"].(float64)
	if occurrences == 0 {
		occurrences = 1
	}
	rec.Metadata["occurrences"] = occurrences + 1
	rec.Metadata["last_seen_at"] = s.now().UTC().Format(time.RFC3339)

	if err := s.store.UpdateQuarantine(ctx, rec, expected); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.QuarantineRecord{}, ErrConcurrentReview
		}
		return models.QuarantineRecord{}, fmt.Errorf("update quarantine: %w", err)
	}
	s.audit(ctx, rec.ID, ActionRequarantined, expected, rec.Status, req.QuarantinedBy, Reason(req.Errors))
	return rec, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.QuarantineRecord, error) {
	rec, err := s.store.GetQuarantine(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return rec, ErrNotFound
	}
	return rec, err
}

// History returns the audit trail of one record, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]models.QuarantineAudit, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListQuarantineAudit(ctx, id)
}

// List returns a 1-based page of matching records, newest first.
func (s *Service) List(ctx context.Context, filter models.QuarantineFilter, page, limit int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	recs, total, err := s.store.ListQuarantine(ctx, filter, (page-1)*limit, limit)
	if err != nil {
		return Page{}, fmt.Errorf("list quarantine: %w", err)
	}
	if recs == nil {
		recs = []models.QuarantineRecord{}
	}
	return Page{Records: recs, Total: total, Page: page, Limit: limit}, nil
}

// StartReview claims a quarantined record for review.
func (s *Service) StartReview(ctx context.Context, id, reviewer string) (models.QuarantineRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return rec, err
	}
	if !CanTransition(rec.Status, models.QuarantineUnderReview) {
		return rec, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, models.QuarantineUnderReview)
	}
	from := rec.Status
	rec.Status = models.QuarantineUnderReview
	rec.ReviewedBy = reviewer
	if err := s.update(ctx, rec, from); err != nil {
		return rec, err
	}
	s.audit(ctx, rec.ID, ActionReviewStarted, from, rec.Status, reviewer, "")
	return rec, nil
}

// Review resolves or rejects a record. Resolving with corrected data resubmits it.
func (s *Service) Review(ctx context.Context, id string, r Review) (models.QuarantineRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return rec, err
	}
	if r.ExpectedStatus != "" && rec.Status != r.ExpectedStatus {
		return rec, ErrConcurrentReview
	}
	if !r.Status.Terminal() || !CanTransition(rec.Status, r.Status) {
		return rec, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, r.Status)
	}

	from := rec.Status
	now := s.now().UTC()
	rec.Status = r.Status
	rec.ReviewedAt = &now
	rec.ReviewedBy = r.ReviewedBy
	rec.ResolutionNotes = r.Notes
	if len(r.CorrectedData) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = map[string]any{}
		}
		rec.Metadata["corrected_data"] = r.CorrectedData
	}
	if err := s.update(ctx, rec, from); err != nil {
		return rec, err
	}

	action := ActionRejected
	if r.Status == models.QuarantineResolved {
		action = ActionResolved
	}
	s.audit(ctx, rec.ID, action, from, rec.Status, r.ReviewedBy, r.Notes)
	s.logger.Info().
		Str("quarantine_id", rec.ID).
		Str("entity_type", string(rec.EntityType)).
		Str("entity_id", rec.EntityID).
		Str("status", string(rec.Status)).
		Str("reviewed_by", r.ReviewedBy).
		Msg("quarantine record reviewed")

	if r.Status == models.QuarantineResolved && len(r.CorrectedData) > 0 && s.resubmitter != nil {
		if err := s.resubmitter.Resubmit(ctx, rec, r.CorrectedData); err != nil {
			return rec, fmt.Errorf("resubmit corrected record: %w", err)
		}
		s.audit(ctx, rec.ID, ActionResubmitted, rec.Status, rec.Status, r.ReviewedBy, "")
	}
	return rec, nil
}

// BulkReview applies one decision to many records; failures are reported per id.
func (s *Service) BulkReview(ctx context.Context, ids []string, r Review) BulkResult {
	res := BulkResult{Updated: []string{}, Failed: map[string]string{}}
	for _, id := range ids {
		if _, err := s.Review(ctx, id, r); err != nil {
			res.Failed[id] = err.Error()
			continue
		}
		res.Updated = append(res.Updated, id)
	}
	return res
}

// Stats summarizes records quarantined within [from, to]; nil bounds are open.
func (s *Service) Stats(ctx context.Context, from, to *time.Time) (models.QuarantineStats, error) {
	recs, _, err := s.store.ListQuarantine(ctx, models.QuarantineFilter{DateFrom: from, DateTo: to}, 0, 0)
	if err != nil {
		return models.QuarantineStats{}, fmt.Errorf("list quarantine: %w", err)
	}
	stats := models.QuarantineStats{
		Total:      len(recs),
		ByStatus:   map[models.QuarantineStatus]int{},
		ByPriority: map[models.Severity]int{},
		ByReason:   map[string]int{},
	}
	var resolvedHours float64
	var resolvedCount int
	for _, rec := range recs {
		stats.ByStatus[rec.Status]++
		stats.ByPriority[rec.Priority]++
		stats.ByReason[rec.Reason]++
		if rec.Status.Terminal() && rec.ReviewedAt != nil {
			resolvedHours += rec.ReviewedAt.Sub(rec.QuarantinedAt).Hours()
			resolvedCount++
		}
		if rec.Status.Active() && (stats.OldestUnresolved == nil || rec.QuarantinedAt.Before(*stats.OldestUnresolved)) {
			t := rec.QuarantinedAt
			stats.OldestUnresolved = &t
		}
	}
	if resolvedCount > 0 {
		stats.AvgResolutionHours = resolvedHours / float64(resolvedCount)
	}
	return stats, nil
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to models.QuarantineStatus) bool {
	switch from {
	case models.QuarantineQuarantined:
		return to == models.QuarantineUnderReview || to.Terminal()
	case models.QuarantineUnderReview:
		return to.Terminal()
	}
	return false
}

// Reason names the category of the most severe error.
func Reason(errs []models.ValidationError) string {
	sorted := append([]models.ValidationError(nil), errs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
	})
	if len(sorted) == 0 || sorted[0].Category == "" {
		return "unknown"
	}
	return string(sorted[0].Category)
}

func (s *Service) update(ctx context.Context, rec models.QuarantineRecord, expected models.QuarantineStatus) error {
	err := s.store.UpdateQuarantine(ctx, rec, expected)
	switch {
	case errors.Is(err, store.ErrConflict):
		return ErrConcurrentReview
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("update quarantine: %w", err)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, id, action string, from, to models.QuarantineStatus, actor, notes string) {
	err := s.store.AppendQuarantineAudit(ctx, models.QuarantineAudit{
		ID:           uuid.NewString(),
		QuarantineID: id,
		Action:       action,
		FromStatus:   from,
		ToStatus:     to,
		Actor:        actor,
		Notes:        notes,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("quarantine_id", id).Str("action", action).Msg("failed to append quarantine audit")
	}
}

func mergeErrors(have, add []models.ValidationError) []models.ValidationError {
	seen := make(map[string]bool, len(have))
	for _, e := range have {
		seen[e.Field+"\x00"+e.Message] = true
	}
	out := append([]models.ValidationError(nil), have...)
	for _, e := range add {
		key := e.Field + "\x00" + e.Message
		if !seen[key] {
			seen[key] = true
			out = append(out, e)
		}
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
