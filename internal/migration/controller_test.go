package migration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/archive"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/classifier"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ledger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ledger/ledgertest"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/logger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/orchestrator"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/quarantine"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store/memory"
)

type fixture struct {
	ctrl   *Controller
	store  *memory.Store
	ledger *ledgertest.Fake
}

func newFixture(t *testing.T, up archive.Uploader) *fixture {
	t.Helper()
	st := memory.New()
	lg := logger.Nop()
	fake := ledgertest.New()
	q := quarantine.NewService(st, lg)
	orch := orchestrator.New(orchestrator.Deps{
		Source:   st,
		Logs:     st,
		Ledger:   fake,
		Failures: classifier.NewHandler(q, classifier.NewEscalator(st, st, lg), lg),
		Logger:   lg,
	})
	ctrl := New(Deps{Source: st, Logs: st, Syncer: orch, Archive: up, Logger: lg})
	ctrl.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	t.Cleanup(ctrl.Close)
	return &fixture{ctrl: ctrl, store: st, ledger: fake}
}

func rate(v float64) *float64 { return &v }

// seed stores n approved submissions; every tenth has a billable entry without a rate.
func (f *fixture) seed(n int) {
	week := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("s%03d", i)
		start := week.AddDate(0, 0, 7*(i%20))
		approved := start.AddDate(0, 0, 5)
		var billRate *float64
		if i%10 != 0 {
			billRate = rate(100)
		}
		f.store.PutSubmission(models.Submission{
			ID:            id,
			UserID:        "u1",
			UserName:      "Sam",
			Status:        models.SubmissionApproved,
			WeekStartDate: start,
			ApprovedAt:    &approved,
			Entries: []models.TimeEntry{{
				ID:          id + "-e1",
				Date:        start,
				Hours:       2,
				Description: "Backfill " + id,
				Billable:    true,
				BillRate:    billRate,
				ProjectID:   "p1",
				ProjectName: "Apollo",
			}},
		})
	}
}

func TestAnalyzeSkipsSyncedSubmissions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(5)
	_, err := f.store.AppendSyncLog(ctx, models.SyncLogEntry{
		SubmissionID: "s001", Operation: models.OpSyncTimesheet, Status: models.SyncSuccess, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	sum, err := f.ctrl.Analyze(ctx, models.MigrationConfig{BatchSize: 2, DelayBetweenBatchesMs: 1000})
	require.NoError(t, err)
	assert.Equal(t, 5, sum.TotalApproved)
	assert.Equal(t, 1, sum.AlreadySynced)
	assert.Equal(t, 4, sum.Pending)
	require.NotNil(t, sum.OldestPending)
	require.NotNil(t, sum.NewestPending)
	assert.True(t, sum.OldestPending.Before(*sum.NewestPending))
	assert.Equal(t, 4*perRecordEstimate+time.Second, sum.EstimatedDuration)
}

func TestValidateReportsWithoutWriting(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(20)

	res, err := f.ctrl.Validate(context.Background(), models.MigrationConfig{})
	require.NoError(t, err)
	assert.Equal(t, 20, res.Checked)
	assert.Equal(t, 18, res.Valid)
	assert.Equal(t, 2, res.Invalid)
	assert.Equal(t, 2, res.ErrorCount)
	assert.Contains(t, res.Errors, "s000")
	assert.Contains(t, res.Errors, "s010")
	assert.Zero(t, f.ledger.Writes)
	assert.Empty(t, f.store.SyncLogs())
}

func TestDryRunMatchesLiveRun(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, archive.NewLocal(dir))
	ctx := context.Background()
	f.seed(150)

	id, err := f.ctrl.Start(ctx, models.MigrationConfig{BatchSize: 50, DryRun: true})
	require.NoError(t, err)
	dry, err := f.ctrl.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, models.MigrationCompleted, dry.Status)
	assert.Equal(t, 3, dry.TotalBatches)
	assert.Equal(t, 150, dry.TotalRecords)
	assert.Equal(t, 150, dry.ProcessedRecords)
	assert.Equal(t, dry.ProcessedRecords, dry.SuccessfulRecords+dry.FailedRecords)
	assert.Equal(t, 15, dry.ValidationErrors)
	assert.Zero(t, f.ledger.Writes)
	assert.Empty(t, f.store.SyncLogs())

	id, err = f.ctrl.Start(ctx, models.MigrationConfig{BatchSize: 50})
	require.NoError(t, err)
	live, err := f.ctrl.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, models.MigrationCompleted, live.Status)
	assert.Equal(t, dry.ValidationErrors, live.ValidationErrors)
	assert.Equal(t, 135, live.SuccessfulRecords)
	assert.Equal(t, 15, live.FailedRecords)
	assert.Equal(t, 135, f.ledger.Writes)
	assert.FileExists(t, dir+"/migrations/"+id+".json")

	// A second live run only sees the submissions that never succeeded.
	sum, err := f.ctrl.Analyze(ctx, models.MigrationConfig{})
	require.NoError(t, err)
	assert.Equal(t, 15, sum.Pending)
}

func TestPauseResumeCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(150)

	paused := make(chan int, 3)
	var mu sync.Mutex
	var id string
	calls := 0
	f.ctrl.sleep = func(ctx context.Context, _ time.Duration) error {
		mu.Lock()
		calls++
		n, mid := calls, id
		mu.Unlock()
		// Pause once after each completed batch.
		assert.NoError(t, f.ctrl.Pause(mid))
		paused <- n
		return ctx.Err()
	}

	mu.Lock()
	started, err := f.ctrl.Start(ctx, models.MigrationConfig{BatchSize: 50, DelayBetweenBatchesMs: 10})
	id = started
	mu.Unlock()
	require.NoError(t, err)

	require.Equal(t, 1, <-paused)
	p := waitFor(t, f.ctrl, id, func(p models.BatchMigrationProgress) bool { return p.Status == models.MigrationPaused })
	assert.Equal(t, 1, p.CurrentBatch)
	assert.Equal(t, 50, p.ProcessedRecords)
	assert.Equal(t, p.ProcessedRecords, p.SuccessfulRecords+p.FailedRecords)
	assert.NotNil(t, p.EstimatedCompletionAt)

	// Still halted before batch 2.
	time.Sleep(20 * time.Millisecond)
	p, err = f.ctrl.Progress(id)
	require.NoError(t, err)
	assert.Equal(t, 1, p.CurrentBatch)
	assert.Equal(t, 50, p.ProcessedRecords)

	require.NoError(t, f.ctrl.Resume(id))
	require.Equal(t, 2, <-paused)
	p = waitFor(t, f.ctrl, id, func(p models.BatchMigrationProgress) bool { return p.Status == models.MigrationPaused })
	assert.Equal(t, 2, p.CurrentBatch)
	assert.Equal(t, 100, p.ProcessedRecords)

	require.NoError(t, f.ctrl.Cancel(id))
	final, err := f.ctrl.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MigrationFailed, final.Status)
	assert.Equal(t, 100, final.ProcessedRecords)
	require.NotEmpty(t, final.Errors)
	last := final.Errors[len(final.Errors)-1]
	assert.True(t, last.System)
	assert.Contains(t, last.Message, "cancelled")
	assert.NotNil(t, final.CompletedAt)

	assert.ErrorIs(t, f.ctrl.Resume(id), ErrInvalidState)
	assert.ErrorIs(t, f.ctrl.Cancel(id), ErrInvalidState)
}

func waitFor(t *testing.T, c *Controller, id string, cond func(models.BatchMigrationProgress) bool) models.BatchMigrationProgress {
	t.Helper()
	var p models.BatchMigrationProgress
	require.Eventually(t, func() bool {
		var err error
		p, err = c.Progress(id)
		return err == nil && cond(p)
	}, 2*time.Second, 5*time.Millisecond)
	return p
}

func TestTransientFailuresRetryPerRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(2)
	rateLimited := &ledger.APIError{StatusCode: http.StatusTooManyRequests, Message: "slow down"}
	f.ledger.FailNext(rateLimited, rateLimited)

	id, err := f.ctrl.Start(ctx, models.MigrationConfig{MaxRetries: 3})
	require.NoError(t, err)
	p, err := f.ctrl.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, models.MigrationCompleted, p.Status)
	assert.Equal(t, 2, p.ProcessedRecords)
	// s000 lacks a rate; s001 succeeds after two rate-limited writes.
	assert.Equal(t, 1, p.SuccessfulRecords)
	assert.Equal(t, 1, p.FailedRecords)
	assert.Equal(t, 1, f.ledger.Writes)
	assert.Len(t, f.ledger.Entries(), 1)
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(2)
	down := errors.New("connection reset by peer")
	f.ledger.FailNext(down, down)

	id, err := f.ctrl.Start(ctx, models.MigrationConfig{MaxRetries: -1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Empty(t, id)

	id, err = f.ctrl.Start(ctx, models.MigrationConfig{MaxRetries: 1})
	require.NoError(t, err)
	p, err := f.ctrl.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, p.FailedRecords)
	assert.Zero(t, f.ledger.Writes)
	require.Len(t, p.Errors, 2)
	assert.Equal(t, "s001", p.Errors[1].SubmissionID)
}

func TestDisconnectedLedgerQuarantinesAfterRetries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(2)
	f.ledger.Disconnected = true

	id, err := f.ctrl.Start(ctx, models.MigrationConfig{MaxRetries: 1})
	require.NoError(t, err)
	p, err := f.ctrl.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, p.FailedRecords)
	assert.Zero(t, f.ledger.Writes)

	// s000 fails validation, s001 exhausts its retries against the dead ledger.
	for _, sub := range []string{"s000", "s001"} {
		rec, err := f.store.FindActiveQuarantine(ctx, models.EntityTimesheet, sub)
		require.NoError(t, err, sub)
		assert.Equal(t, sub, rec.EntityID)
	}
	rec, err := f.store.FindActiveQuarantine(ctx, models.EntityTimesheet, "s001")
	require.NoError(t, err)
	assert.Equal(t, true, rec.Metadata["retries_exhausted"])
	assert.Equal(t, id, rec.Metadata["migration_id"])

	recs, total, err := f.store.ListQuarantine(ctx, models.QuarantineFilter{}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, recs, 2)
}

func TestUnknownMigration(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.ctrl.Progress("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.ctrl.Pause("nope"), ErrNotFound)
}
