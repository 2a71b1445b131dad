package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/config"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/events"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/queue"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/telemetry"
)

// Handler executes one job. The returned string is stored as the job result.
type Handler func(ctx context.Context, job *models.SyncJob, payload models.JobPayload) (string, error)

// DeadLetterFunc is invoked once a job has exhausted retries or failed permanently.
type DeadLetterFunc func(ctx context.Context, job *models.SyncJob, cause error)

// QueueSpec names a queue and the number of jobs processed from it concurrently.
type QueueSpec struct {
	Name        string
	Concurrency int
}

// Options tunes the polling loop.
type Options struct {
	PollInterval        time.Duration
	MaxPollBackoff      time.Duration
	HeartbeatInterval   time.Duration
	MaintenanceInterval time.Duration
	JobTimeout          time.Duration
}

// OptionsFromConfig derives polling options from shared config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		PollInterval:        cfg.WorkerPollInterval,
		MaxPollBackoff:      10 * cfg.WorkerPollInterval,
		HeartbeatInterval:   cfg.VisibilityTimeout / 3,
		MaintenanceInterval: cfg.WorkerPollInterval,
		JobTimeout:          5 * cfg.VisibilityTimeout,
	}
}

// Processor drives per-queue worker pools against the broker.
type Processor struct {
	broker     queue.Broker
	opts       Options
	logger     *log.Logger
	publisher  events.Publisher
	handlers   map[models.JobKind]Handler
	deadLetter DeadLetterFunc
	now        func() time.Time
}

func NewProcessor(b queue.Broker, opts Options, logger *log.Logger) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxPollBackoff < opts.PollInterval {
		opts.MaxPollBackoff = 10 * opts.PollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = opts.PollInterval
	}
	return &Processor{
		broker:   b,
		opts:     opts,
		logger:   logger,
		handlers: make(map[models.JobKind]Handler),
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind models.JobKind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// OnDeadLetter sets the callback for jobs that reach the failed state.
func (p *Processor) OnDeadLetter(fn DeadLetterFunc) {
	p.deadLetter = fn
}

// Publish routes JobFinished events to pub.
func (p *Processor) Publish(pub events.Publisher) {
	p.publisher = pub
}

// RunAll runs one pool per spec and returns when all have stopped.
func (p *Processor) RunAll(ctx context.Context, specs ...QueueSpec) error {
	var wg sync.WaitGroup
	errs := make([]error, len(specs))
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec QueueSpec) {
			defer wg.Done()
			if err := p.Run(ctx, spec); err != nil && !errors.Is(err, context.Canceled) {
				errs[i] = fmt.Errorf("queue %s: %w", spec.Name, err)
			}
		}(i, spec)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Run processes one queue until ctx is cancelled. In-flight jobs are allowed to
// finish before Run returns.
func (p *Processor) Run(ctx context.Context, spec QueueSpec) error {
	if spec.Concurrency <= 0 {
		spec.Concurrency = 1
	}
	p.logger.Info().Str("queue", spec.Name).Int("concurrency", spec.Concurrency).Msg("worker pool starting")

	sem := make(chan struct{}, spec.Concurrency)
	var wg sync.WaitGroup
	pollNow := make(chan struct{}, 1)
	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}

	maintenance := time.NewTicker(p.opts.MaintenanceInterval)
	defer maintenance.Stop()

	backoff := p.opts.PollInterval
	p.maintain(ctx, spec.Name)
	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Str("queue", spec.Name).Msg("worker pool draining")
			wg.Wait()
			return ctx.Err()

		case <-maintenance.C:
			p.maintain(ctx, spec.Name)

		case <-time.After(backoff):
			triggerPoll()

		case <-pollNow:
			claimed := 0
			for len(sem) < cap(sem) {
				job, err := p.broker.Dequeue(ctx, spec.Name)
				if err != nil {
					p.logger.Error().Err(err).Str("queue", spec.Name).Msg("dequeue failed")
					break
				}
				if job == nil {
					break
				}
				claimed++
				sem <- struct{}{}
				wg.Add(1)
				go func(job *models.SyncJob) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					p.process(ctx, job)
				}(job)
			}
			if claimed == 0 {
				backoff *= 2
				if backoff > p.opts.MaxPollBackoff {
					backoff = p.opts.MaxPollBackoff
				}
				continue
			}
			backoff = p.opts.PollInterval
		}
	}
}

// maintain promotes due delayed jobs and reclaims expired leases.
func (p *Processor) maintain(ctx context.Context, queueName string) {
	now := p.now()
	if n, err := p.broker.PromoteDelayed(ctx, queueName, now); err != nil {
		p.logger.Error().Err(err).Str("queue", queueName).Msg("promote delayed failed")
	} else if n > 0 {
		p.logger.Debug().Str("queue", queueName).Int("promoted", n).Msg("delayed jobs promoted")
	}

	report, err := p.broker.RequeueStalled(ctx, queueName, now)
	if err != nil {
		p.logger.Error().Err(err).Str("queue", queueName).Msg("stalled sweep failed")
		return
	}
	for _, id := range report.Requeued {
		p.logger.Warn().Str("queue", queueName).Str("job_id", id).Msg("stalled job requeued")
	}
	for _, id := range report.Failed {
		job, err := p.broker.Get(ctx, id)
		if err != nil {
			p.logger.Error().Err(err).Str("queue", queueName).Str("job_id", id).Msg("stalled job dead-lettered, load failed")
			continue
		}
		p.logger.Error().Str("queue", queueName).Str("job_id", id).Str("reason", job.LastError).Msg("stalled job dead-lettered")
		cause := errors.New(job.LastError)
		p.notifyDeadLetter(ctx, job, cause)
		p.publish(ctx, job, "", cause, true)
	}
	if _, err := p.broker.Counts(ctx, queueName); err != nil {
		p.logger.Debug().Err(err).Str("queue", queueName).Msg("queue counts unavailable")
	}
}

func (p *Processor) process(ctx context.Context, job *models.SyncJob) {
	telemetry.InFlight.WithLabelValues(job.QueueName).Inc()
	defer telemetry.InFlight.WithLabelValues(job.QueueName).Dec()

	// Acknowledgement must survive shutdown of the poll loop.
	ackCtx := context.WithoutCancel(ctx)
	lg := p.logger.Info().Str("queue", job.QueueName).Str("job_id", job.ID).Str("job_type", string(job.JobType)).Int("attempt", job.Attempts)
	lg.Msg("job started")

	result, err := p.runJob(ackCtx, job)
	if err == nil {
		if cerr := p.broker.Complete(ackCtx, job, result); cerr != nil {
			p.logger.Error().Err(cerr).Str("job_id", job.ID).Msg("complete job failed")
			return
		}
		p.logger.Info().Str("queue", job.QueueName).Str("job_id", job.ID).Str("result", result).Msg("job completed")
		p.publish(ackCtx, job, result, nil, false)
		return
	}

	retryable := !IsFinal(err)
	out, ferr := p.broker.Fail(ackCtx, job, err, retryable)
	if ferr != nil {
		p.logger.Error().Err(ferr).Str("job_id", job.ID).Msg("fail job failed")
		return
	}
	if out.Retried {
		p.logger.Warn().Err(err).Str("queue", job.QueueName).Str("job_id", job.ID).
			Int("attempt", out.Attempts).Time("next_run_at", out.NextRunAt).Msg("job failed, retry scheduled")
	} else if out.DeadLettered {
		p.logger.Error().Err(err).Str("queue", job.QueueName).Str("job_id", job.ID).
			Int("attempt", out.Attempts).Msg("job dead-lettered")
		p.notifyDeadLetter(ackCtx, job, err)
	} else {
		// The broker went degraded mid-job; the lease expires and the sweep
		// decides the job's fate once the store is back.
		p.logger.Warn().Err(err).Str("queue", job.QueueName).Str("job_id", job.ID).
			Int("attempt", out.Attempts).Msg("job failure not recorded, queue degraded")
		return
	}
	p.publish(ackCtx, job, "", err, out.DeadLettered)
}

// runJob decodes the payload and executes the handler under a heartbeat.
func (p *Processor) runJob(ctx context.Context, job *models.SyncJob) (result string, err error) {
	handler, ok := p.handlers[job.JobType]
	if !ok {
		return "", Final(fmt.Errorf("no handler registered for type %q", job.JobType))
	}
	payload, err := models.DecodePayload(*job)
	if err != nil {
		return "", Final(err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, job)

	runCtx := ctx
	if p.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.opts.JobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(runCtx, job, payload)
}

func (p *Processor) heartbeat(ctx context.Context, job *models.SyncJob) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.broker.Heartbeat(ctx, job.QueueName, job.ID); err != nil {
				p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("heartbeat failed")
				if errors.Is(err, queue.ErrLeaseLost) {
					return
				}
			}
		}
	}
}

func (p *Processor) notifyDeadLetter(ctx context.Context, job *models.SyncJob, cause error) {
	if p.deadLetter == nil {
		return
	}
	p.deadLetter(ctx, job, cause)
}

func (p *Processor) publish(ctx context.Context, job *models.SyncJob, result string, cause error, deadLettered bool) {
	if p.publisher == nil {
		return
	}
	ev := events.JobFinished{
		JobID:        job.ID,
		QueueName:    job.QueueName,
		JobType:      job.JobType,
		Status:       job.Status,
		Attempts:     job.Attempts,
		Result:       result,
		DeadLettered: deadLettered,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := p.publisher.Publish(ctx, ev); err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("job event not delivered")
	}
}
