package quarantine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/logger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store/memory"
)

type recordingResubmitter struct {
	calls []json.RawMessage
	err   error
}

func (r *recordingResubmitter) Resubmit(_ context.Context, _ models.QuarantineRecord, corrected json.RawMessage) error {
	r.calls = append(r.calls, corrected)
	return r.err
}

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	svc := NewService(st, logger.Nop())
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, st
}

func permissionError() models.ValidationError {
	return models.ValidationError{Field: "auth", Message: "unauthorized", Severity: models.SeverityHigh, Category: models.CategoryPermission, Type: models.ErrorPermanent}
}

func rateError() models.ValidationError {
	return models.ValidationError{Field: "unitAmount", Message: "billable entry has no rate", Severity: models.SeverityCritical, Category: models.CategoryBusinessRule, Type: models.ErrorPermanent}
}

func TestQuarantineRequiresErrors(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Quarantine(context.Background(), Request{EntityType: models.EntityTimeEntry, EntityID: "e1"})
	assert.ErrorIs(t, err, ErrNoErrors)
}

func TestQuarantineDerivesPriorityAndReason(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Quarantine(ctx, Request{
		EntityType:   models.EntityTimeEntry,
		EntityID:     "e1",
		OriginalData: map[string]any{"id": "e1"},
		Errors:       []models.ValidationError{permissionError(), rateError()},
	})
	require.NoError(t, err)
	assert.Equal(t, models.QuarantineQuarantined, rec.Status)
	assert.Equal(t, models.SeverityCritical, rec.Priority)
	assert.Equal(t, "business_rule", rec.Reason)
	assert.Equal(t, "system", rec.QuarantinedBy)
	assert.JSONEq(t, `{"id":"e1"}`, string(rec.OriginalData))

	audits, err := st.ListQuarantineAudit(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, ActionQuarantined, audits[0].Action)
}

func TestQuarantineFoldsIntoActiveRecord(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Quarantine(ctx, Request{EntityType: models.EntityTimeEntry, EntityID: "e1", Errors: []models.ValidationError{permissionError()}})
	require.NoError(t, err)
	second, err := svc.Quarantine(ctx, Request{EntityType: models.EntityTimeEntry, EntityID: "e1", Errors: []models.ValidationError{permissionError(), rateError()}})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Errors, 2)
	assert.Equal(t, models.SeverityCritical, second.Priority)
	assert.EqualValues(t, 2, second.Metadata["occurrences"])

	page, err := svc.List(ctx, models.QuarantineFilter{EntityID: "e1"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestReviewLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	rec, err := svc.Quarantine(ctx, Request{EntityType: models.EntityTimeEntry, EntityID: "e1", Errors: []models.ValidationError{permissionError()}})
	require.NoError(t, err)

	rec, err = svc.StartReview(ctx, rec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.QuarantineUnderReview, rec.Status)

	_, err = svc.StartReview(ctx, rec.ID, "bob")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	rec, err = svc.Review(ctx, rec.ID, Review{ReviewedBy: "alice", Status: models.QuarantineRejected, Notes: "duplicate"})
	require.NoError(t, err)
	assert.Equal(t, models.QuarantineRejected, rec.Status)
	require.NotNil(t, rec.ReviewedAt)

	_, err = svc.Review(ctx, rec.ID, Review{ReviewedBy: "alice", Status: models.QuarantineResolved})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Review(ctx, rec.ID, Review{ReviewedBy: "alice", Status: models.QuarantineQuarantined})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	history, err := svc.History(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, ActionRejected, history[2].Action)
	assert.Equal(t, models.QuarantineUnderReview, history[2].FromStatus)
}

func TestReviewRejectsStaleReviewer(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	rec, err := svc.Quarantine(ctx, Request{EntityType: models.EntityTimeEntry, EntityID: "e1", Errors: []models.ValidationError{permissionError()}})
	require.NoError(t, err)
	_, err = svc.StartReview(ctx, rec.ID, "alice")
	require.NoError(t, err)

	_, err = svc.Review(ctx, rec.ID, Review{ReviewedBy: "bob", Status: models.QuarantineResolved, ExpectedStatus: models.QuarantineQuarantined})
	assert.ErrorIs(t, err, ErrConcurrentReview)
}

func TestResolveWithCorrectedDataResubmits(t *testing.T) {
	svc, _ := newTestService(t)
	resub := &recordingResubmitter{}
	svc.SetResubmitter(resub)
	ctx := context.Background()
	rec, err := svc.Quarantine(ctx, Request{EntityType: models.EntityTimeEntry, EntityID: "e1", Errors: []models.ValidationError{rateError()}})
	require.NoError(t, err)

	corrected := json.RawMessage(`{"bill_rate":150}`)
	rec, err = svc.Review(ctx, rec.ID, Review{ReviewedBy: "alice", Status: models.QuarantineResolved, CorrectedData: corrected})
	require.NoError(t, err)
	require.Len(t, resub.calls, 1)
	assert.JSONEq(t, `{"bill_rate":150}`, string(resub.calls[0]))

	// A fresh failure for the same entity opens a new record once the old one is closed.
	again, err := svc.Quarantine(ctx, Request{EntityType: models.EntityTimeEntry, EntityID: "e1", Errors: []models.ValidationError{rateError()}})
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, again.ID)
}

func TestResubmitFailureIsReported(t *testing.T) {
	svc, _ := newTestService(t)
	svc.SetResubmitter(&recordingResubmitter{err: errors.New("ledger down")})
	ctx := context.Background()
	rec, err := svc.Quarantine(ctx, Request{EntityType: models.EntityTimeEntry, EntityID: "e1", Errors: []models.ValidationError{rateError()}})
	require.NoError(t, err)

	rec, err = svc.Review(ctx, rec.ID, Review{ReviewedBy: "alice", Status: models.QuarantineResolved, CorrectedData: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger down")
	assert.Equal(t, models.QuarantineResolved, rec.Status)
}

func TestBulkReviewAndStats(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	var ids []string
	for _, id := range []string{"e1", "e2", "e3"} {
		rec, err := svc.Quarantine(ctx, Request{EntityType: models.EntityTimeEntry, EntityID: id, Errors: []models.ValidationError{permissionError()}})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	start := svc.now()
	svc.now = func() time.Time { return start.Add(2 * time.Hour) }
	res := svc.BulkReview(ctx, append(ids[:2:2], "missing"), Review{ReviewedBy: "ops", Status: models.QuarantineResolved})
	assert.ElementsMatch(t, ids[:2], res.Updated)
	assert.Contains(t, res.Failed, "missing")

	stats, err := svc.Stats(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[models.QuarantineResolved])
	assert.Equal(t, 1, stats.ByStatus[models.QuarantineQuarantined])
	assert.Equal(t, 3, stats.ByPriority[models.SeverityHigh])
	assert.Equal(t, 3, stats.ByReason["permission"])
	assert.InDelta(t, 2.0, stats.AvgResolutionHours, 0.001)
	require.NotNil(t, stats.OldestUnresolved)
}

func TestListPaging(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := svc.Quarantine(ctx, Request{EntityType: models.EntityTimeEntry, EntityID: id, Errors: []models.ValidationError{permissionError()}})
		require.NoError(t, err)
	}
	page, err := svc.List(ctx, models.QuarantineFilter{}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Records, 1)

	page, err = svc.List(ctx, models.QuarantineFilter{}, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, page.Limit)
	assert.Equal(t, 1, page.Page)
}

func TestExportXLSX(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Quarantine(ctx, Request{EntityType: models.EntityTimeEntry, EntityID: "e1", Errors: []models.ValidationError{rateError()}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, svc.ExportXLSX(ctx, models.QuarantineFilter{}, &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Entity ID", rows[0][2])
	assert.Equal(t, "e1", rows[1][2])
	assert.Equal(t, "critical", rows[1][4])
}
