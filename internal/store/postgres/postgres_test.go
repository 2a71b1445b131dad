package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate())
	return s
}

func TestSyncLogRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	subID := "sub-" + uuid.NewString()

	_, err := s.AppendSyncLog(ctx, models.SyncLogEntry{
		SubmissionID: subID, Operation: models.OpSyncTimesheet, Status: models.SyncSuccess,
		Trigger: models.TriggerApproval, Duration: 1500 * time.Millisecond, Details: map[string]any{"synced": 3},
	})
	require.NoError(t, err)

	ok, err := s.HasSuccess(ctx, subID)
	require.NoError(t, err)
	assert.True(t, ok)

	recent, err := s.RecentSyncLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, subID, recent[0].SubmissionID)
	assert.Equal(t, 1500*time.Millisecond, recent[0].Duration)
}

func TestQuarantineCompareAndSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := models.QuarantineRecord{
		ID: uuid.NewString(), EntityType: models.EntityTimeEntry, EntityID: "e-" + uuid.NewString(),
		OriginalData: []byte(`{"id":"e1"}`), Reason: "validation", Status: models.QuarantineQuarantined,
		Errors:   []models.ValidationError{{ID: "v1", Message: "bad", Severity: models.SeverityHigh}},
		Priority: models.SeverityHigh, QuarantinedAt: time.Now().UTC(), QuarantinedBy: "system",
	}
	require.NoError(t, s.InsertQuarantine(ctx, rec))

	dup := rec
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.InsertQuarantine(ctx, dup), store.ErrDuplicate)

	rec.Status = models.QuarantineUnderReview
	require.NoError(t, s.UpdateQuarantine(ctx, rec, models.QuarantineQuarantined))
	assert.ErrorIs(t, s.UpdateQuarantine(ctx, rec, models.QuarantineQuarantined), store.ErrConflict)

	got, err := s.GetQuarantine(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QuarantineUnderReview, got.Status)
	require.Len(t, got.Errors, 1)
}

func TestConfigVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "test-" + uuid.NewString()
	e, err := s.PutConfig(ctx, key, []byte(`{"a":1}`), "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, e.Version)
	e, err = s.PutConfig(ctx, key, []byte(`{"a":2}`), "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Version)
}
