package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

const testQueue = models.QueueTimesheetSync

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBroker(t *testing.T) (*RedisBroker, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{t: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	b := NewRedisBroker(client, Options{
		Visibility:     30 * time.Second,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     time.Minute,
		MaxStalls:      1,
	})
	b.now = clock.now
	return b, clock, mr
}

func syncPayload(id string) models.SyncTimesheetPayload {
	return models.SyncTimesheetPayload{SubmissionID: id, Trigger: models.TriggerApproval}
}

func TestDequeueHonorsPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBroker(t)

	low1, err := b.Enqueue(ctx, testQueue, syncPayload("low-1"), EnqueueOptions{Priority: 10, MaxAttempts: 3})
	require.NoError(t, err)
	high, err := b.Enqueue(ctx, testQueue, syncPayload("high"), ApprovalOptions())
	require.NoError(t, err)
	low2, err := b.Enqueue(ctx, testQueue, syncPayload("low-2"), EnqueueOptions{Priority: 10, MaxAttempts: 3})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		job, err := b.Dequeue(ctx, testQueue)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, models.JobActive, job.Status)
		assert.Equal(t, 1, job.Attempts)
		got = append(got, job.ID)
	}
	assert.Equal(t, []string{high, low1, low2}, got)

	job, err := b.Dequeue(ctx, testQueue)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	b, _, _ := newTestBroker(t)
	_, err := b.Enqueue(context.Background(), testQueue, models.SyncTimesheetPayload{Trigger: models.TriggerApproval}, ApprovalOptions())
	assert.Error(t, err)
}

func TestDelayedJobsWaitForPromotion(t *testing.T) {
	ctx := context.Background()
	b, clock, _ := newTestBroker(t)

	id, err := b.Enqueue(ctx, testQueue, syncPayload("s1"), ManualOptions())
	require.NoError(t, err)

	counts, err := b.Counts(ctx, testQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Delayed)

	n, err := b.PromoteDelayed(ctx, testQueue, clock.now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.advance(3 * time.Second)
	n, err = b.PromoteDelayed(ctx, testQueue, clock.now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := b.Dequeue(ctx, testQueue)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.JobSyncTimesheet, job.JobType)
	assert.EqualValues(t, 2000, job.DelayMs)
}

func TestFailRetriesWithBackoffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	b, clock, _ := newTestBroker(t)

	_, err := b.Enqueue(ctx, testQueue, syncPayload("s1"), EnqueueOptions{Priority: 1, MaxAttempts: 3})
	require.NoError(t, err)

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		job, err := b.Dequeue(ctx, testQueue)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", i+1)

		out, err := b.Fail(ctx, job, errors.New("429 too many requests"), true)
		require.NoError(t, err)
		assert.True(t, out.Retried)
		assert.Equal(t, clock.now().Add(want), out.NextRunAt)

		clock.advance(want)
		_, err = b.PromoteDelayed(ctx, testQueue, clock.now())
		require.NoError(t, err)
	}

	job, err := b.Dequeue(ctx, testQueue)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.Attempts)

	out, err := b.Fail(ctx, job, errors.New("still failing"), true)
	require.NoError(t, err)
	assert.True(t, out.DeadLettered)
	assert.False(t, out.Retried)

	stored, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.LessOrEqual(t, stored.Attempts, stored.MaxAttempts)
	assert.Equal(t, "still failing", stored.LastError)
	require.NotNil(t, stored.FinishedAt)

	counts, err := b.Counts(ctx, testQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Failed)
	assert.EqualValues(t, 0, counts.Delayed+counts.Waiting+counts.Active)
}

func TestNonRetryableFailureDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBroker(t)

	_, err := b.Enqueue(ctx, testQueue, syncPayload("s1"), ApprovalOptions())
	require.NoError(t, err)
	job, err := b.Dequeue(ctx, testQueue)
	require.NoError(t, err)

	out, err := b.Fail(ctx, job, errors.New("401 unauthorized"), false)
	require.NoError(t, err)
	assert.True(t, out.DeadLettered)
	assert.Equal(t, 1, out.Attempts)
}

func TestCompleteRequiresLease(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBroker(t)

	_, err := b.Enqueue(ctx, testQueue, syncPayload("s1"), ApprovalOptions())
	require.NoError(t, err)
	job, err := b.Dequeue(ctx, testQueue)
	require.NoError(t, err)

	require.NoError(t, b.Complete(ctx, job, "synced 3 records"))
	assert.ErrorIs(t, b.Complete(ctx, job, "again"), ErrLeaseLost)

	stored, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, stored.Status)
	assert.Equal(t, "synced 3 records", stored.Result)
}

func TestStalledJobRequeuedOnceThenFailed(t *testing.T) {
	ctx := context.Background()
	b, clock, _ := newTestBroker(t)

	id, err := b.Enqueue(ctx, testQueue, syncPayload("s1"), ApprovalOptions())
	require.NoError(t, err)

	_, err = b.Dequeue(ctx, testQueue)
	require.NoError(t, err)
	clock.advance(31 * time.Second)

	report, err := b.RequeueStalled(ctx, testQueue, clock.now())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Requeued)
	assert.Empty(t, report.Failed)

	job, err := b.Dequeue(ctx, testQueue)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Stalls)
	assert.Equal(t, 2, job.Attempts)

	clock.advance(31 * time.Second)
	report, err = b.RequeueStalled(ctx, testQueue, clock.now())
	require.NoError(t, err)
	assert.Empty(t, report.Requeued)
	assert.Equal(t, []string{id}, report.Failed)

	stored, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	ctx := context.Background()
	b, clock, _ := newTestBroker(t)

	_, err := b.Enqueue(ctx, testQueue, syncPayload("s1"), ApprovalOptions())
	require.NoError(t, err)
	job, err := b.Dequeue(ctx, testQueue)
	require.NoError(t, err)

	clock.advance(20 * time.Second)
	require.NoError(t, b.Heartbeat(ctx, testQueue, job.ID))
	clock.advance(20 * time.Second)

	report, err := b.RequeueStalled(ctx, testQueue, clock.now())
	require.NoError(t, err)
	assert.Empty(t, report.Requeued)

	assert.ErrorIs(t, b.Heartbeat(ctx, testQueue, "missing"), ErrLeaseLost)
}

func TestStallOnFinalAttemptIsReportedFailed(t *testing.T) {
	ctx := context.Background()
	b, clock, _ := newTestBroker(t)

	id, err := b.Enqueue(ctx, testQueue, syncPayload("s1"), EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = b.Dequeue(ctx, testQueue)
	require.NoError(t, err)

	// The stalled run consumed the only attempt.
	clock.advance(time.Minute)
	report, err := b.RequeueStalled(ctx, testQueue, clock.now())
	require.NoError(t, err)
	assert.Empty(t, report.Requeued)
	assert.Equal(t, []string{id}, report.Failed)

	job, err := b.Dequeue(ctx, testQueue)
	require.NoError(t, err)
	assert.Nil(t, job)

	stored, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "job stalled on its final attempt", stored.LastError)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBroker(t)

	_, err := b.Enqueue(ctx, testQueue, syncPayload("s1"), ApprovalOptions())
	require.NoError(t, err)
	require.NoError(t, b.Pause(ctx, testQueue))

	job, err := b.Dequeue(ctx, testQueue)
	require.NoError(t, err)
	assert.Nil(t, job)

	counts, err := b.Counts(ctx, testQueue)
	require.NoError(t, err)
	assert.True(t, counts.Paused)
	assert.EqualValues(t, 1, counts.Waiting)

	require.NoError(t, b.Resume(ctx, testQueue))
	job, err = b.Dequeue(ctx, testQueue)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestRetryFailedJobs(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBroker(t)

	for _, s := range []string{"a", "b"} {
		_, err := b.Enqueue(ctx, testQueue, syncPayload(s), EnqueueOptions{MaxAttempts: 1})
		require.NoError(t, err)
		job, err := b.Dequeue(ctx, testQueue)
		require.NoError(t, err)
		_, err = b.Fail(ctx, job, errors.New("boom"), true)
		require.NoError(t, err)
	}

	n, err := b.RetryAll(ctx, testQueue)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	job, err := b.Dequeue(ctx, testQueue)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.LastError)

	assert.ErrorIs(t, b.Retry(ctx, job.ID), ErrNotRetryable)
	assert.ErrorIs(t, b.Retry(ctx, "missing"), ErrJobNotFound)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	b, clock, _ := newTestBroker(t)

	_, err := b.Enqueue(ctx, testQueue, syncPayload("done"), ApprovalOptions())
	require.NoError(t, err)
	job, err := b.Dequeue(ctx, testQueue)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, job, "ok"))

	_, err = b.Enqueue(ctx, testQueue, syncPayload("waiting"), ApprovalOptions())
	require.NoError(t, err)

	n, err := b.Purge(ctx, testQueue, models.JobCompleted, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.advance(2 * time.Hour)
	n, err = b.Purge(ctx, testQueue, models.JobCompleted, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = b.Purge(ctx, testQueue, models.JobWaiting, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = b.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = b.Purge(ctx, testQueue, models.JobActive, 0)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, time.Minute, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, time.Minute, 2))
	assert.Equal(t, 16*time.Second, Backoff(base, time.Minute, 4))
	assert.Equal(t, time.Minute, Backoff(base, time.Minute, 10))
	assert.Equal(t, 64*time.Second, Backoff(base, 0, 6))
}
