package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/events"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ledger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/logger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/queue"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/worker"
)

func newBroker(t *testing.T) *queue.RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisBroker(client, queue.Options{BackoffInitial: time.Second})
}

// runOnce leases the next job, runs it and acknowledges it the way the worker does.
func runOnce(t *testing.T, ctx context.Context, b *queue.RedisBroker, jobs *Jobs, queueName string) (*models.SyncJob, error) {
	t.Helper()
	_, err := b.PromoteDelayed(ctx, queueName, time.Now().Add(time.Hour))
	require.NoError(t, err)
	job, err := b.Dequeue(ctx, queueName)
	require.NoError(t, err)
	require.NotNil(t, job)

	payload, err := models.DecodePayload(*job)
	require.NoError(t, err)
	var handler worker.Handler
	switch job.JobType {
	case models.JobSyncTimesheet:
		handler = jobs.SyncTimesheet
	case models.JobBatchSync:
		handler = jobs.BatchSync
	default:
		handler = jobs.HealthCheck
	}
	result, runErr := handler(ctx, job, payload)
	if runErr == nil {
		require.NoError(t, b.Complete(ctx, job, result))
		return job, nil
	}
	out, err := b.Fail(ctx, job, runErr, !worker.IsFinal(runErr))
	require.NoError(t, err)
	if out.DeadLettered {
		jobs.DeadLetter(ctx, job, runErr)
	}
	return job, runErr
}

func TestRateLimitedSyncRetriesThenCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := newBroker(t)
	jobs := NewJobs(f.orch, b, nil, logger.Nop())
	f.store.PutSubmission(submission("s1", entry("e1", 2, rate(100))))

	tooMany := &ledger.APIError{StatusCode: http.StatusTooManyRequests, Endpoint: "/api/v1/time-entries"}
	f.ledger.FailNext(tooMany, tooMany, tooMany)

	id, err := b.Enqueue(ctx, models.QueueTimesheetSync, models.SyncTimesheetPayload{SubmissionID: "s1", Trigger: models.TriggerApproval}, queue.ApprovalOptions())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := runOnce(t, ctx, b, jobs, models.QueueTimesheetSync)
		require.Error(t, err)
		assert.False(t, worker.IsFinal(err))
	}
	_, err = runOnce(t, ctx, b, jobs, models.QueueTimesheetSync)
	require.NoError(t, err)

	job, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, job.Attempts)
	assert.Equal(t, models.JobCompleted, job.Status)

	_, total, err := f.store.ListQuarantine(ctx, models.QuarantineFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	ok, err := f.store.HasSuccess(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnauthorizedSyncIsQuarantinedWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := newBroker(t)
	jobs := NewJobs(f.orch, b, nil, logger.Nop())
	f.store.PutSubmission(submission("s1", entry("e1", 2, rate(100))))
	f.ledger.FailNext(&ledger.APIError{StatusCode: http.StatusUnauthorized})

	id, err := b.Enqueue(ctx, models.QueueTimesheetSync, models.SyncTimesheetPayload{SubmissionID: "s1", Trigger: models.TriggerApproval}, queue.ApprovalOptions())
	require.NoError(t, err)

	_, err = runOnce(t, ctx, b, jobs, models.QueueTimesheetSync)
	require.Error(t, err)
	assert.True(t, worker.IsFinal(err))

	job, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, models.JobFailed, job.Status)

	recs, total, err := f.store.ListQuarantine(ctx, models.QuarantineFilter{}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, models.EntityTimeEntry, recs[0].EntityType)
	assert.Equal(t, models.SeverityHigh, recs[0].Priority)
	assert.Equal(t, models.CategoryPermission, recs[0].Errors[0].Category)
}

func TestExhaustedJobQuarantinesSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := newBroker(t)
	jobs := NewJobs(f.orch, b, nil, logger.Nop())
	f.store.PutSubmission(submission("s1", entry("e1", 2, rate(100))))
	f.ledger.Disconnected = true

	_, err := b.Enqueue(ctx, models.QueueTimesheetSync, models.SyncTimesheetPayload{SubmissionID: "s1", Trigger: models.TriggerManual}, queue.EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := runOnce(t, ctx, b, jobs, models.QueueTimesheetSync)
		require.Error(t, err)
	}

	recs, total, err := f.store.ListQuarantine(ctx, models.QuarantineFilter{}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, models.EntityTimesheet, recs[0].EntityType)
	assert.Equal(t, "s1", recs[0].EntityID)
	assert.Len(t, f.store.SyncLogs(), 2)
}

func TestMissingSubmissionFailsFinal(t *testing.T) {
	f := newFixture(t)
	jobs := NewJobs(f.orch, newBroker(t), nil, logger.Nop())
	job := &models.SyncJob{ID: "j1", QueueName: models.QueueTimesheetSync, JobType: models.JobSyncTimesheet, Attempts: 1, MaxAttempts: 5}
	_, err := jobs.SyncTimesheet(context.Background(), job, models.SyncTimesheetPayload{SubmissionID: "nope", Trigger: models.TriggerManual})
	require.Error(t, err)
	assert.True(t, worker.IsFinal(err))
}

func TestBatchSyncSkipsSyncedSubmissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := newBroker(t)
	jobs := NewJobs(f.orch, b, nil, logger.Nop())

	s1 := submission("s1", entry("e1", 2, rate(100)))
	s2 := submission("s2", entry("e2", 1, rate(100)))
	s2.WeekStartDate = time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC)
	f.store.PutSubmission(s1)
	f.store.PutSubmission(s2)
	_, err := f.orch.SyncSubmission(ctx, s1, liveOptions())
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, models.QueueBatchSync, models.BatchSyncPayload{DateFrom: "2024-01-01", DateTo: "2024-01-31", Trigger: models.TriggerScheduled}, queue.ScheduledOptions())
	require.NoError(t, err)
	job, err := runOnce(t, ctx, b, jobs, models.QueueBatchSync)
	require.NoError(t, err)

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"synced":1,"skipped":1,"failed":0,"submissions":2}`, got.Result)
	assert.Equal(t, 2, f.ledger.Writes)
}

func TestHealthCheckPublishesQueueHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := newBroker(t)
	jobs := NewJobs(f.orch, b, func() bool { return true }, logger.Nop())

	var got []events.QueueHealth
	require.NoError(t, f.bus.Subscribe(events.KindQueueHealth, "test", func(_ context.Context, e events.Event) error {
		got = append(got, e.(events.QueueHealth))
		return nil
	}))
	_, err := b.Enqueue(ctx, models.QueueTimesheetSync, models.SyncTimesheetPayload{SubmissionID: "s1", Trigger: models.TriggerManual}, queue.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, models.QueueMaintenance, models.HealthCheckPayload{RequestedAt: time.Now()}, queue.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	_, err = runOnce(t, ctx, b, jobs, models.QueueMaintenance)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].LedgerConnected)
	assert.False(t, got[0].Degraded)
	assert.EqualValues(t, 1, got[0].Queues[models.QueueTimesheetSync].Waiting)
}

func TestApprovalEventEnqueuesAndRejectionAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := newBroker(t)
	require.NoError(t, Subscribe(f.bus, b, f.store, logger.Nop()))

	err := f.bus.Publish(ctx, events.TimesheetApproved{SubmissionID: "s1", UserID: "u1", ApprovedBy: "manager", ApprovedAt: time.Now()})
	require.NoError(t, err)
	job, err := b.Dequeue(ctx, models.QueueTimesheetSync)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.PriorityApproval, job.Priority)
	assert.Equal(t, 5, job.MaxAttempts)

	err = f.bus.Publish(ctx, events.TimesheetRejected{SubmissionID: "s2", UserID: "u1", RejectedBy: "manager", RejectionReason: "missing hours"})
	require.NoError(t, err)
	logs := f.store.SyncLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.OpTimesheetRejected, logs[0].Operation)
	assert.Equal(t, models.SyncAudit, logs[0].Status)
	assert.Equal(t, "missing hours", logs[0].Details["rejection_reason"])

	assert.ErrorIs(t, Subscribe(f.bus, b, f.store, logger.Nop()), events.ErrDuplicateSubscriber)
}

func TestOutcomeError(t *testing.T) {
	assert.NoError(t, outcomeError(models.SyncResult{Success: true, Synced: 1}))
	assert.NoError(t, outcomeError(models.SyncResult{Partial: true}))
	assert.NoError(t, outcomeError(models.SyncResult{Skipped: 2}))

	err := outcomeError(models.SyncResult{Retryable: true})
	assert.False(t, worker.IsFinal(err))

	err = outcomeError(models.SyncResult{Failed: 1})
	assert.True(t, worker.IsFinal(err))
	var handled handledError
	assert.True(t, errors.As(err, &handled))
}
