package classifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ledger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/logger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/quarantine"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store/memory"
)

func TestClassifyAPIStatus(t *testing.T) {
	cases := []struct {
		status   int
		category models.ErrorCategory
		severity models.Severity
		typ      models.ErrorType
	}{
		{http.StatusTooManyRequests, models.CategoryRateLimit, models.SeverityMedium, models.ErrorTransient},
		{http.StatusUnauthorized, models.CategoryPermission, models.SeverityHigh, models.ErrorPermanent},
		{http.StatusForbidden, models.CategoryPermission, models.SeverityHigh, models.ErrorPermanent},
		{http.StatusBadRequest, models.CategoryValidation, models.SeverityHigh, models.ErrorPermanent},
		{http.StatusUnprocessableEntity, models.CategoryValidation, models.SeverityHigh, models.ErrorPermanent},
		{http.StatusBadGateway, models.CategoryNetwork, models.SeverityMedium, models.ErrorTransient},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			err := fmt.Errorf("create time entry: %w", &ledger.APIError{StatusCode: tc.status, Endpoint: "/api/v1/time-entries"})
			got := Classify(err)
			assert.Equal(t, tc.category, got.Category)
			assert.Equal(t, tc.severity, got.Severity)
			assert.Equal(t, tc.typ, got.Type)
			assert.NotEmpty(t, got.ID)
			assert.NotEmpty(t, got.ResolutionSteps)
		})
	}
}

func TestClassifyHeuristics(t *testing.T) {
	assert.Equal(t, models.CategoryNetwork, Classify(context.DeadlineExceeded).Category)
	assert.Equal(t, models.CategoryRateLimit, Classify(errors.New("Too Many Requests")).Category)
	assert.Equal(t, models.CategoryPermission, Classify(errors.New("token expired")).Category)
	assert.Equal(t, models.CategoryNetwork, Classify(errors.New("dial tcp: connection refused")).Category)

	assert.Equal(t, models.CategoryPermission, Classify(errors.New("ledger returned 401")).Category)
	assert.Equal(t, models.CategoryRateLimit, Classify(errors.New("status 429: slow down")).Category)
	assert.Equal(t, models.CategoryValidation, Classify(errors.New("HTTP (400) bad payload")).Category)

	// Status-like digits inside identifiers are not status codes.
	for _, msg := range []string{"write sub-14015 lost", "entry e401a missing", "batch 4290 aborted"} {
		got := Classify(errors.New(msg))
		assert.Equal(t, models.CategoryAPIError, got.Category, msg)
		assert.Equal(t, models.ErrorTransient, got.Type, msg)
	}

	unknown := Classify(errors.New("nil map write"))
	assert.Equal(t, models.CategoryAPIError, unknown.Category)
	assert.Equal(t, models.SeverityCritical, unknown.Severity)
	assert.Equal(t, models.ErrorTransient, unknown.Type)

	wrapped := Wrap(errors.New("status rejected"), models.ValidationError{Field: "status", Message: "not approved", Severity: models.SeverityHigh, Category: models.CategoryBusinessRule, Type: models.ErrorPermanent})
	got := Classify(fmt.Errorf("sync: %w", wrapped))
	assert.Equal(t, models.CategoryBusinessRule, got.Category)
	assert.Equal(t, "status", got.Field)
}

func TestDecide(t *testing.T) {
	transient := models.ValidationError{Severity: models.SeverityMedium, Type: models.ErrorTransient}
	permanent := models.ValidationError{Severity: models.SeverityHigh, Type: models.ErrorPermanent}
	criticalTransient := models.ValidationError{Severity: models.SeverityCritical, Type: models.ErrorTransient}
	criticalPermanent := models.ValidationError{Severity: models.SeverityCritical, Type: models.ErrorPermanent}

	next, esc, retry := Decide([]models.ValidationError{transient}, true)
	assert.Equal(t, ActionRetry, next)
	assert.False(t, esc)
	assert.True(t, retry)

	next, _, retry = Decide([]models.ValidationError{transient}, false)
	assert.Equal(t, ActionQuarantine, next)
	assert.False(t, retry)

	next, _, retry = Decide([]models.ValidationError{transient, permanent}, true)
	assert.Equal(t, ActionQuarantine, next)
	assert.False(t, retry)

	next, esc, retry = Decide([]models.ValidationError{criticalTransient}, true)
	assert.Equal(t, ActionEscalate, next)
	assert.True(t, esc)
	assert.True(t, retry)

	_, esc, retry = Decide([]models.ValidationError{criticalPermanent}, true)
	assert.True(t, esc)
	assert.False(t, retry)
}

func newTestHandler(t *testing.T) (*Handler, *memory.Store) {
	t.Helper()
	st := memory.New()
	q := quarantine.NewService(st, logger.Nop())
	esc := NewEscalator(st, st, logger.Nop(), LogNotifier{Logger: logger.Nop()})
	return NewHandler(q, esc, logger.Nop()), st
}

func TestHandleUnauthorizedQuarantines(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()

	out, err := h.Handle(ctx, Failure{
		EntityType: models.EntityTimeEntry,
		EntityID:   "e1",
		Err:        &ledger.APIError{StatusCode: http.StatusUnauthorized},
		CanRetry:   true,
	})
	require.NoError(t, err)
	assert.True(t, out.Quarantined)
	assert.False(t, out.CanRetry)
	assert.False(t, out.Escalated)
	assert.Equal(t, ActionQuarantine, out.NextAction)

	rec, err := st.GetQuarantine(ctx, out.QuarantineID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityHigh, rec.Priority)
	assert.Equal(t, "permission", rec.Reason)
}

func TestHandleRateLimitRetries(t *testing.T) {
	h, st := newTestHandler(t)
	out, err := h.Handle(context.Background(), Failure{
		EntityType: models.EntityTimeEntry,
		EntityID:   "e1",
		Err:        &ledger.APIError{StatusCode: http.StatusTooManyRequests},
		CanRetry:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionRetry, out.NextAction)
	assert.True(t, out.CanRetry)
	assert.False(t, out.Quarantined)

	_, total, err := st.ListQuarantine(context.Background(), models.QuarantineFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestHandleCriticalEscalatesAndQuarantines(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()
	out, err := h.Handle(ctx, Failure{
		EntityType: models.EntityTimeEntry,
		EntityID:   "e2",
		Errors: []models.ValidationError{{
			Field: "unitAmount", Message: "billable entry has no rate",
			Severity: models.SeverityCritical, Category: models.CategoryBusinessRule, Type: models.ErrorPermanent,
		}},
		CanRetry: true,
	})
	require.NoError(t, err)
	assert.True(t, out.Escalated)
	assert.True(t, out.Quarantined)
	assert.False(t, out.CanRetry)
	assert.Equal(t, ActionEscalate, out.NextAction)

	escs, err := st.ListEscalations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, CriticalRule, escs[0].Rule)
	assert.Equal(t, []string{"finance-ops"}, escs[0].Recipients)
}

func TestCriticalEscalatesWithoutMatchingRule(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()
	_, err := h.Escalator().SetRules(ctx, []models.EscalationRule{{
		Name: "auth", CategoryFilter: []models.ErrorCategory{models.CategoryPermission},
		ErrorCountThreshold: 1, EscalateTo: []string{"it"},
	}}, "ops")
	require.NoError(t, err)

	out, err := h.Handle(ctx, Failure{EntityType: models.EntityTimeEntry, EntityID: "e3", Err: errors.New("boom"), CanRetry: true})
	require.NoError(t, err)
	assert.True(t, out.Escalated)
	assert.True(t, out.CanRetry)
	assert.False(t, out.Quarantined)

	escs, err := st.ListEscalations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, CriticalRule, escs[0].Rule)
}

func TestBurstEscalation(t *testing.T) {
	st := memory.New()
	esc := NewEscalator(st, st, logger.Nop())
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	esc.now = func() time.Time { return now }
	ctx := context.Background()

	netErr := []models.ValidationError{{Severity: models.SeverityMedium, Category: models.CategoryNetwork, Type: models.ErrorTransient}}
	for i := 0; i < 9; i++ {
		fired, err := esc.Evaluate(ctx, models.EntityTimeEntry, fmt.Sprintf("e%d", i), netErr, false)
		require.NoError(t, err)
		assert.Empty(t, fired)
	}

	// Hits older than the window no longer count.
	now = now.Add(6 * time.Minute)
	fired, err := esc.Evaluate(ctx, models.EntityTimeEntry, "late", netErr, false)
	require.NoError(t, err)
	assert.Empty(t, fired)

	for i := 0; i < 9; i++ {
		fired, err = esc.Evaluate(ctx, models.EntityTimeEntry, fmt.Sprintf("b%d", i), netErr, false)
		require.NoError(t, err)
	}
	require.Len(t, fired, 1)
	assert.Equal(t, "ledger_outage", fired[0].Rule)
}

func TestSetRulesValidation(t *testing.T) {
	st := memory.New()
	esc := NewEscalator(st, st, logger.Nop())
	ctx := context.Background()

	_, err := esc.SetRules(ctx, []models.EscalationRule{{Name: "", ErrorCountThreshold: 1, EscalateTo: []string{"x"}}}, "ops")
	assert.ErrorIs(t, err, ErrInvalidRules)
	_, err = esc.SetRules(ctx, []models.EscalationRule{{Name: "a", ErrorCountThreshold: 0, EscalateTo: []string{"x"}}}, "ops")
	assert.Error(t, err)
	_, err = esc.SetRules(ctx, []models.EscalationRule{{Name: "a", ErrorCountThreshold: 5, EscalateTo: []string{"x"}}}, "ops")
	assert.Error(t, err)

	entry, err := esc.SetRules(ctx, []models.EscalationRule{{Name: "a", ErrorCountThreshold: 2, TimeWindowMinutes: 5, EscalateTo: []string{"x"}}}, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Version)

	rules, err := esc.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "a", rules[0].Name)
}
