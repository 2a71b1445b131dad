package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/telemetry"
)

// priorityStride separates priority bands in the waiting set score so that
// equal-priority jobs keep FIFO order by their enqueue sequence.
const priorityStride = 1e12

// RedisBroker coordinates waiting, delayed, active, completed and failed job
// sets per queue in Redis. Job state lives in one hash per job.
type RedisBroker struct {
	client *redis.Client
	opts   Options
	now    func() time.Time
}

// NewRedisBroker builds a broker over an existing client.
func NewRedisBroker(client *redis.Client, opts Options) *RedisBroker {
	if opts.Prefix == "" {
		opts.Prefix = "psa"
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.MaxStalls <= 0 {
		opts.MaxStalls = 1
	}
	if opts.PromoteLimit <= 0 {
		opts.PromoteLimit = 100
	}
	return &RedisBroker{client: client, opts: opts, now: time.Now}
}

func (b *RedisBroker) key(queueName, part string) string {
	return fmt.Sprintf("%s:queue:%s:%s", b.opts.Prefix, queueName, part)
}

func (b *RedisBroker) jobKey(jobID string) string {
	return b.opts.Prefix + ":job:" + jobID
}

func (b *RedisBroker) jobPrefix() string {
	return b.opts.Prefix + ":job:"
}

func (b *RedisBroker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.opts.OpTimeout)
}

func waitingScore(priority int, seq int64) float64 {
	return float64(priority)*priorityStride + float64(seq)
}

// Enqueue validates the payload and inserts the job into the waiting or delayed set.
func (b *RedisBroker) Enqueue(ctx context.Context, queueName string, payload models.JobPayload, opts EnqueueOptions) (string, error) {
	if queueName == "" {
		return "", errors.New("queue name is required")
	}
	if err := models.ValidatePayload(payload); err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	opts = opts.withDefaults()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	seq, err := b.client.Incr(ctx, b.key(queueName, "seq")).Result()
	if err != nil {
		return "", fmt.Errorf("allocate sequence: %w", err)
	}

	id := uuid.New().String()
	now := b.now()
	status := models.JobWaiting
	if opts.Delay > 0 {
		status = models.JobDelayed
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(id), map[string]any{
		"queue":        queueName,
		"type":         string(payload.Kind()),
		"payload":      string(raw),
		"priority":     opts.Priority,
		"attempts":     0,
		"max_attempts": opts.MaxAttempts,
		"delay_ms":     opts.Delay.Milliseconds(),
		"stalls":       0,
		"status":       string(status),
		"created_at":   now.UnixMilli(),
	})
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, b.key(queueName, "delayed"), redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: id})
	} else {
		pipe.ZAdd(ctx, b.key(queueName, "waiting"), redis.Z{Score: waitingScore(opts.Priority, seq), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	telemetry.JobsEnqueued.WithLabelValues(queueName, string(payload.Kind())).Inc()
	return id, nil
}

// Dequeue claims the lowest-score waiting job and leases it. It returns nil when
// the queue is empty or paused.
func (b *RedisBroker) Dequeue(ctx context.Context, queueName string) (*models.SyncJob, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	now := b.now()
	keys := []string{
		b.key(queueName, "waiting"),
		b.key(queueName, "active"),
		b.key(queueName, "failed"),
		b.key(queueName, "paused"),
	}
	res, err := dequeueScript.Run(ctx, b.client, keys,
		now.Add(b.opts.Visibility).UnixMilli(), now.UnixMilli(), b.jobPrefix()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return b.get(ctx, jobID)
}

// Heartbeat pushes the lease deadline of an active job forward.
func (b *RedisBroker) Heartbeat(ctx context.Context, queueName, jobID string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	res, err := heartbeatScript.Run(ctx, b.client, []string{b.key(queueName, "active")},
		jobID, b.now().Add(b.opts.Visibility).UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete acknowledges an active job.
func (b *RedisBroker) Complete(ctx context.Context, job *models.SyncJob, result string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	now := b.now().UnixMilli()
	if err := b.finish(ctx, job, "completed", models.JobCompleted, float64(now), "result", result, now); err != nil {
		return err
	}
	job.Status = models.JobCompleted
	job.Result = result
	telemetry.JobsCompleted.WithLabelValues(job.QueueName, string(job.JobType)).Inc()
	return nil
}

// Fail schedules a retry with exponential backoff while attempts remain and the
// failure is retryable; otherwise the job is dead-lettered.
func (b *RedisBroker) Fail(ctx context.Context, job *models.SyncJob, cause error, retryable bool) (FailOutcome, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := b.now()
	out := FailOutcome{Attempts: job.Attempts}

	if retryable && job.Attempts < job.MaxAttempts {
		next := now.Add(Backoff(b.opts.BackoffInitial, b.opts.BackoffMax, job.Attempts))
		if err := b.finish(ctx, job, "delayed", models.JobDelayed, float64(next.UnixMilli()), "error", msg, 0); err != nil {
			return out, err
		}
		job.Status = models.JobDelayed
		job.LastError = msg
		out.Retried = true
		out.NextRunAt = next
		telemetry.JobsRetried.WithLabelValues(job.QueueName, string(job.JobType)).Inc()
		return out, nil
	}

	if err := b.finish(ctx, job, "failed", models.JobFailed, float64(now.UnixMilli()), "error", msg, now.UnixMilli()); err != nil {
		return out, err
	}
	job.Status = models.JobFailed
	job.LastError = msg
	out.DeadLettered = true
	telemetry.JobsDeadLettered.WithLabelValues(job.QueueName, string(job.JobType)).Inc()
	return out, nil
}

func (b *RedisBroker) finish(ctx context.Context, job *models.SyncJob, set string, status models.JobStatus, score float64, field, value string, finishedAt int64) error {
	finished := ""
	if finishedAt > 0 {
		finished = strconv.FormatInt(finishedAt, 10)
	}
	keys := []string{b.key(job.QueueName, "active"), b.key(job.QueueName, set), b.jobKey(job.ID)}
	res, err := finishScript.Run(ctx, b.client, keys, job.ID, score, string(status), field, value, finished).Int()
	if err != nil {
		return fmt.Errorf("move job to %s: %w", set, err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

// PromoteDelayed moves due delayed jobs into the waiting set. It returns how many were promoted.
func (b *RedisBroker) PromoteDelayed(ctx context.Context, queueName string, now time.Time) (int, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	keys := []string{b.key(queueName, "delayed"), b.key(queueName, "waiting"), b.key(queueName, "seq")}
	n, err := promoteScript.Run(ctx, b.client, keys, now.UnixMilli(), b.opts.PromoteLimit, b.jobPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return n, nil
}

// RequeueStalled reclaims expired leases. A job is requeued at most MaxStalls
// times; the next stall fails it, as does a stall on its last attempt.
func (b *RedisBroker) RequeueStalled(ctx context.Context, queueName string, now time.Time) (StallReport, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	keys := []string{
		b.key(queueName, "active"),
		b.key(queueName, "waiting"),
		b.key(queueName, "failed"),
		b.key(queueName, "seq"),
	}
	res, err := stalledScript.Run(ctx, b.client, keys, now.UnixMilli(), b.opts.PromoteLimit, b.jobPrefix(), b.opts.MaxStalls).Result()
	if err != nil {
		return StallReport{}, fmt.Errorf("requeue stalled: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return StallReport{}, fmt.Errorf("unexpected reply from stalled script: %T", res)
	}
	report := StallReport{Requeued: toStrings(arr[0]), Failed: toStrings(arr[1])}
	if n := len(report.Requeued) + len(report.Failed); n > 0 {
		telemetry.JobsStalled.WithLabelValues(queueName).Add(float64(n))
	}
	return report, nil
}

// Counts returns per-status queue sizes.
func (b *RedisBroker) Counts(ctx context.Context, queueName string) (models.JobCounts, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	pipe := b.client.Pipeline()
	waiting := pipe.ZCard(ctx, b.key(queueName, "waiting"))
	active := pipe.ZCard(ctx, b.key(queueName, "active"))
	completed := pipe.ZCard(ctx, b.key(queueName, "completed"))
	failed := pipe.ZCard(ctx, b.key(queueName, "failed"))
	delayed := pipe.ZCard(ctx, b.key(queueName, "delayed"))
	paused := pipe.Exists(ctx, b.key(queueName, "paused"))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.JobCounts{}, fmt.Errorf("queue counts: %w", err)
	}
	counts := models.JobCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() == 1,
	}
	telemetry.QueueDepth.WithLabelValues(queueName, string(models.JobWaiting)).Set(float64(counts.Waiting))
	telemetry.QueueDepth.WithLabelValues(queueName, string(models.JobActive)).Set(float64(counts.Active))
	telemetry.QueueDepth.WithLabelValues(queueName, string(models.JobDelayed)).Set(float64(counts.Delayed))
	telemetry.QueueDepth.WithLabelValues(queueName, string(models.JobFailed)).Set(float64(counts.Failed))
	return counts, nil
}

// Pause stops dispatch from a queue; in-flight jobs finish normally.
func (b *RedisBroker) Pause(ctx context.Context, queueName string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.client.Set(ctx, b.key(queueName, "paused"), "1", 0).Err()
}

// Resume re-enables dispatch from a queue.
func (b *RedisBroker) Resume(ctx context.Context, queueName string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.client.Del(ctx, b.key(queueName, "paused")).Err()
}

// Purge deletes jobs in the given status older than olderThan. Active jobs cannot be purged.
func (b *RedisBroker) Purge(ctx context.Context, queueName string, status models.JobStatus, olderThan time.Duration) (int, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	cutoff := b.now().Add(-olderThan).UnixMilli()
	set := b.key(queueName, string(status))

	var ids []string
	switch status {
	case models.JobCompleted, models.JobFailed:
		var err error
		ids, err = b.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(cutoff, 10)}).Result()
		if err != nil {
			return 0, fmt.Errorf("list %s jobs: %w", status, err)
		}
	case models.JobWaiting, models.JobDelayed:
		all, err := b.client.ZRange(ctx, set, 0, -1).Result()
		if err != nil {
			return 0, fmt.Errorf("list %s jobs: %w", status, err)
		}
		pipe := b.client.Pipeline()
		created := make([]*redis.StringCmd, len(all))
		for i, id := range all {
			created[i] = pipe.HGet(ctx, b.jobKey(id), "created_at")
		}
		if len(all) > 0 {
			if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
				return 0, fmt.Errorf("read job timestamps: %w", err)
			}
		}
		for i, id := range all {
			ts, _ := strconv.ParseInt(created[i].Val(), 10, 64)
			if ts <= cutoff {
				ids = append(ids, id)
			}
		}
	default:
		return 0, ErrInvalidStatus
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, set, id)
		pipe.Del(ctx, b.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("purge %s jobs: %w", status, err)
	}
	return len(ids), nil
}

// Retry moves a dead-lettered job back to waiting with a fresh attempt budget.
func (b *RedisBroker) Retry(ctx context.Context, jobID string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	queueName, err := b.client.HGet(ctx, b.jobKey(jobID), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	keys := []string{b.key(queueName, "failed"), b.key(queueName, "waiting"), b.key(queueName, "seq"), b.jobKey(jobID)}
	res, err := retryScript.Run(ctx, b.client, keys, jobID).Int()
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if res == 0 {
		return ErrNotRetryable
	}
	return nil
}

// RetryAll retries every dead-lettered job of a queue.
func (b *RedisBroker) RetryAll(ctx context.Context, queueName string) (int, error) {
	ids, err := b.client.ZRange(ctx, b.key(queueName, "failed"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list failed jobs: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := b.Retry(ctx, id); err != nil {
			if errors.Is(err, ErrNotRetryable) || errors.Is(err, ErrJobNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Get loads one job.
func (b *RedisBroker) Get(ctx context.Context, jobID string) (*models.SyncJob, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.get(ctx, jobID)
}

func (b *RedisBroker) get(ctx context.Context, jobID string) (*models.SyncJob, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	job := &models.SyncJob{
		ID:        jobID,
		QueueName: fields["queue"],
		JobType:   models.JobKind(fields["type"]),
		Payload:   json.RawMessage(fields["payload"]),
		Status:    models.JobStatus(fields["status"]),
		LastError: fields["error"],
		Result:    fields["result"],
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	job.Stalls, _ = strconv.Atoi(fields["stalls"])
	job.DelayMs, _ = strconv.ParseInt(fields["delay_ms"], 10, 64)
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["finished_at"], 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms).UTC()
		job.FinishedAt = &t
	}
	return job, nil
}

// Ping reports whether the backing store answers.
func (b *RedisBroker) Ping(ctx context.Context) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.client.Ping(ctx).Err()
}

func toStrings(v any) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
