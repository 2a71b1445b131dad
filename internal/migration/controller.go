// Package migration drives historical backfills: it selects approved
// submissions without a successful sync and feeds them through the
// orchestrator in fixed-size batches, honouring pause, resume and cancel at
// batch boundaries. Runs live in process memory and do not survive a restart;
// re-running is safe because already-synced submissions are never selected.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/archive"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/classifier"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/orchestrator"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/queue"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/telemetry"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/transform"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/validation"
)

const (
	DefaultBatchSize  = 50
	DefaultMaxRetries = 3
	MaxBatchSize      = 500

	TriggerMigration = "migration"

	// perRecordEstimate feeds the duration estimate before any batch has run.
	perRecordEstimate = 2 * time.Second
	retryBase         = 2 * time.Second
	retryMax          = 30 * time.Second
)

var (
	ErrNotFound      = errors.New("migration not found")
	ErrInvalidState  = errors.New("invalid migration state")
	ErrInvalidConfig = errors.New("invalid migration config")
)

// Syncer is the slice of the orchestrator a migration drives.
type Syncer interface {
	LoadSubmission(ctx context.Context, id string) (models.Submission, error)
	SyncSubmission(ctx context.Context, sub models.Submission, opts orchestrator.Options) (models.SyncResult, error)
	Abandon(ctx context.Context, sub models.Submission, errs []models.ValidationError, cause error, meta map[string]any) (classifier.Outcome, error)
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Source    store.SubmissionSource
	Logs      store.SyncLogStore
	Syncer    Syncer
	Validator *validation.Engine
	Archive   archive.Uploader
	Logger    *log.Logger
}

type Controller struct {
	source    store.SubmissionSource
	logs      store.SyncLogStore
	syncer    Syncer
	validator *validation.Engine
	archive   archive.Uploader
	logger    *log.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*run
}

type run struct {
	mu       sync.Mutex
	progress models.BatchMigrationProgress
	cfg      models.MigrationConfig
	wake     chan struct{}
	done     chan struct{}
}

func New(d Deps) *Controller {
	if d.Validator == nil {
		d.Validator = validation.NewEngine()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		source:    d.Source,
		logs:      d.Logs,
		syncer:    d.Syncer,
		validator: d.Validator,
		archive:   d.Archive,
		logger:    d.Logger,
		now:       time.Now,
		sleep:     sleepCtx,
		baseCtx:   ctx,
		cancel:    cancel,
		runs:      make(map[string]*run),
	}
}

// Close interrupts running migrations and waits for them to finalize.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// Normalize applies defaults and rejects impossible settings.
func Normalize(cfg models.MigrationConfig) (models.MigrationConfig, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	switch {
	case cfg.BatchSize < 0 || cfg.BatchSize > MaxBatchSize:
		return cfg, fmt.Errorf("%w: batch_size must be between 1 and %d", ErrInvalidConfig, MaxBatchSize)
	case cfg.MaxRetries < 0:
		return cfg, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidConfig)
	case cfg.DelayBetweenBatchesMs < 0:
		return cfg, fmt.Errorf("%w: delay_between_batches_ms must not be negative", ErrInvalidConfig)
	case cfg.DateFrom != nil && cfg.DateTo != nil && cfg.DateTo.Before(*cfg.DateFrom):
		return cfg, fmt.Errorf("%w: date_to is before date_from", ErrInvalidConfig)
	}
	return cfg, nil
}

// pending lists approved submissions in the range that have no successful sync.
func (c *Controller) pending(ctx context.Context, cfg models.MigrationConfig) ([]models.SubmissionSummary, int, error) {
	approved, err := c.source.ListApproved(ctx, cfg.DateFrom, cfg.DateTo)
	if err != nil {
		return nil, 0, fmt.Errorf("list approved submissions: %w", err)
	}
	synced, err := c.logs.SyncedSubmissionIDs(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list synced submissions: %w", err)
	}
	out := make([]models.SubmissionSummary, 0, len(approved))
	for _, s := range approved {
		if !synced[s.ID] {
			out = append(out, s)
		}
	}
	return out, len(approved), nil
}

// Analyze reports what a migration with cfg would touch.
func (c *Controller) Analyze(ctx context.Context, cfg models.MigrationConfig) (models.MigrationSummary, error) {
	cfg, err := Normalize(cfg)
	if err != nil {
		return models.MigrationSummary{}, err
	}
	pending, total, err := c.pending(ctx, cfg)
	if err != nil {
		return models.MigrationSummary{}, err
	}
	sum := models.MigrationSummary{
		TotalApproved: total,
		AlreadySynced: total - len(pending),
		Pending:       len(pending),
	}
	for _, p := range pending {
		at := p.ApprovedAt
		if at.IsZero() {
			at = p.WeekStartDate
		}
		if sum.OldestPending == nil || at.Before(*sum.OldestPending) {
			t := at
			sum.OldestPending = &t
		}
		if sum.NewestPending == nil || at.After(*sum.NewestPending) {
			t := at
			sum.NewestPending = &t
		}
	}
	sum.EstimatedDuration = estimate(len(pending), cfg)
	return sum, nil
}

func estimate(records int, cfg models.MigrationConfig) time.Duration {
	if records == 0 {
		return 0
	}
	batches := totalBatches(records, cfg.BatchSize)
	return time.Duration(records)*perRecordEstimate +
		time.Duration(batches-1)*time.Duration(cfg.DelayBetweenBatchesMs)*time.Millisecond
}

func totalBatches(records, size int) int {
	if records == 0 {
		return 0
	}
	return (records + size - 1) / size
}

// Validate transforms and validates every pending submission without writing.
func (c *Controller) Validate(ctx context.Context, cfg models.MigrationConfig) (models.MigrationValidation, error) {
	cfg, err := Normalize(cfg)
	if err != nil {
		return models.MigrationValidation{}, err
	}
	pending, _, err := c.pending(ctx, cfg)
	if err != nil {
		return models.MigrationValidation{}, err
	}
	out := models.MigrationValidation{Errors: make(map[string][]models.ValidationError)}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		sub, err := c.syncer.LoadSubmission(ctx, p.ID)
		if err != nil {
			return out, err
		}
		out.Checked++
		var errs []models.ValidationError
		for _, entry := range transform.Submission(sub) {
			res := c.validator.Validate(entry, models.EntityTimeEntry)
			errs = append(errs, res.Errors...)
		}
		if len(errs) == 0 {
			out.Valid++
			continue
		}
		out.Invalid++
		out.ErrorCount += len(errs)
		out.Errors[sub.ID] = errs
	}
	return out, nil
}

// Start launches a migration in the background and returns its id.
func (c *Controller) Start(ctx context.Context, cfg models.MigrationConfig) (string, error) {
	cfg, err := Normalize(cfg)
	if err != nil {
		return "", err
	}
	if err := c.baseCtx.Err(); err != nil {
		return "", fmt.Errorf("migration controller closed: %w", err)
	}
	pending, _, err := c.pending(ctx, cfg)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	r := &run{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		progress: models.BatchMigrationProgress{
			ID:           id,
			Status:       models.MigrationPending,
			DryRun:       cfg.DryRun,
			TotalRecords: len(pending),
			TotalBatches: totalBatches(len(pending), cfg.BatchSize),
			StartedAt:    c.now().UTC(),
			Errors:       []models.MigrationError{},
		},
	}
	c.mu.Lock()
	c.runs[id] = r
	c.mu.Unlock()

	c.logger.Info().
		Str("migration_id", id).
		Int("records", len(pending)).
		Int("batches", r.progress.TotalBatches).
		Bool("dry_run", cfg.DryRun).
		Str("requested_by", cfg.RequestedBy).
		Msg("migration started")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(r.done)
		c.execute(c.baseCtx, id, r, pending)
	}()
	return id, nil
}

func (c *Controller) execute(ctx context.Context, id string, r *run, pending []models.SubmissionSummary) {
	r.mu.Lock()
	if r.progress.Status == models.MigrationPending {
		r.progress.Status = models.MigrationRunning
	}
	r.mu.Unlock()

	batches := r.progress.TotalBatches
	for b := 0; b < batches; b++ {
		if !c.checkpoint(ctx, r) {
			break
		}
		lo := b * r.cfg.BatchSize
		hi := min(lo+r.cfg.BatchSize, len(pending))

		r.mu.Lock()
		r.progress.CurrentBatch = b + 1
		r.mu.Unlock()

		for _, p := range pending[lo:hi] {
			if ctx.Err() != nil {
				break
			}
			c.migrateOne(ctx, id, r, b+1, p.ID)
		}
		c.afterBatch(r)

		if b < batches-1 {
			delay := time.Duration(r.cfg.DelayBetweenBatchesMs) * time.Millisecond
			if err := c.sleep(ctx, delay); err != nil {
				break
			}
		}
	}
	c.finalize(ctx, id, r)
}

// checkpoint blocks while the run is paused and reports whether the next
// batch may start.
func (c *Controller) checkpoint(ctx context.Context, r *run) bool {
	for {
		r.mu.Lock()
		status := r.progress.Status
		r.mu.Unlock()
		switch status {
		case models.MigrationRunning:
			return ctx.Err() == nil
		case models.MigrationPaused:
			select {
			case <-r.wake:
			case <-ctx.Done():
				return false
			}
		default:
			return false
		}
	}
}

func (c *Controller) migrateOne(ctx context.Context, id string, r *run, batch int, submissionID string) {
	res, err := c.syncWithRetry(ctx, id, r.cfg, submissionID)

	r.mu.Lock()
	defer r.mu.Unlock()
	p := &r.progress
	p.ProcessedRecords++
	p.ValidationErrors += countValidation(res.Errors)

	failed := err != nil || res.Failed > 0 || len(res.Errors) > 0
	if !failed {
		p.SuccessfulRecords++
		telemetry.MigrationRecords.WithLabelValues("success").Inc()
		return
	}
	p.FailedRecords++
	telemetry.MigrationRecords.WithLabelValues("failed").Inc()

	msg := ""
	switch {
	case err != nil:
		msg = err.Error()
	case len(res.Errors) > 0:
		msg = res.Errors[0].Message
		if n := len(res.Errors); n > 1 {
			msg = fmt.Sprintf("%s (and %d more)", msg, n-1)
		}
	default:
		msg = fmt.Sprintf("%d of %d records failed", res.Failed, len(res.Records))
	}
	p.Errors = append(p.Errors, models.MigrationError{
		SubmissionID: submissionID,
		Batch:        batch,
		Message:      msg,
		At:           c.now().UTC(),
	})
}

// syncWithRetry retries transient outcomes up to MaxRetries times.
func (c *Controller) syncWithRetry(ctx context.Context, id string, cfg models.MigrationConfig, submissionID string) (models.SyncResult, error) {
	sub, err := c.syncer.LoadSubmission(ctx, submissionID)
	if err != nil {
		return models.SyncResult{SubmissionID: submissionID}, err
	}
	var res models.SyncResult
	for attempt := 1; ; attempt++ {
		opts := orchestrator.Options{
			DryRun:       cfg.DryRun,
			ValidateData: true,
			Trigger:      TriggerMigration,
			JobID:        id,
			CanRetry:     attempt <= cfg.MaxRetries,
		}
		res, err = c.syncer.SyncSubmission(ctx, sub, opts)
		retryable := err != nil || res.Retryable
		if !retryable || ctx.Err() != nil {
			return res, err
		}
		if attempt > cfg.MaxRetries {
			c.abandon(ctx, id, sub, &res, err, attempt)
			return res, err
		}
		wait := queue.Backoff(retryBase, retryMax, attempt)
		c.logger.Warn().
			Str("migration_id", id).
			Str("submission_id", submissionID).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(err).
			Msg("migration record failed, retrying")
		if serr := c.sleep(ctx, wait); serr != nil {
			return res, serr
		}
	}
}

// abandon quarantines a record whose retries ran out on a transient failure.
func (c *Controller) abandon(ctx context.Context, id string, sub models.Submission, res *models.SyncResult, cause error, attempts int) {
	meta := map[string]any{"migration_id": id, "attempts": attempts, "retries_exhausted": true}
	out, err := c.syncer.Abandon(ctx, sub, res.Errors, cause, meta)
	lg := c.logger.Error().Str("migration_id", id).Str("submission_id", sub.ID).Int("attempts", attempts)
	if err != nil {
		lg.Err(err).Msg("exhausted migration record could not be quarantined")
		return
	}
	res.Retryable = false
	res.Escalated = res.Escalated || out.Escalated
	if out.QuarantineID != "" {
		res.Quarantined = append(res.Quarantined, out.QuarantineID)
	}
	lg.Str("quarantine_id", out.QuarantineID).Msg("migration record quarantined after retries")
}

func countValidation(errs []models.ValidationError) int {
	n := 0
	for _, e := range errs {
		switch e.Category {
		case models.CategoryValidation, models.CategoryBusinessRule, models.CategoryDataIntegrity:
			n++
		}
	}
	return n
}

func (c *Controller) afterBatch(r *run) {
	now := c.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &r.progress
	p.LastBatchAt = &now
	if p.ProcessedRecords == 0 {
		return
	}
	perRecord := now.Sub(p.StartedAt) / time.Duration(p.ProcessedRecords)
	remaining := p.TotalRecords - p.ProcessedRecords
	remainingBatches := p.TotalBatches - p.CurrentBatch
	eta := now.Add(time.Duration(remaining)*perRecord +
		time.Duration(remainingBatches)*time.Duration(r.cfg.DelayBetweenBatchesMs)*time.Millisecond)
	p.EstimatedCompletionAt = &eta
}

func (c *Controller) finalize(ctx context.Context, id string, r *run) {
	now := c.now().UTC()
	r.mu.Lock()
	p := &r.progress
	switch p.Status {
	case models.MigrationRunning, models.MigrationPaused:
		if ctx.Err() != nil {
			p.Status = models.MigrationFailed
			p.Errors = append(p.Errors, models.MigrationError{
				Batch:   p.CurrentBatch,
				Message: "migration interrupted by shutdown",
				System:  true,
				At:      now,
			})
		} else {
			p.Status = models.MigrationCompleted
		}
	}
	if p.CompletedAt == nil {
		p.CompletedAt = &now
	}
	p.EstimatedCompletionAt = nil
	report := cloneProgress(*p)
	r.mu.Unlock()

	c.logger.Info().
		Str("migration_id", id).
		Str("status", string(report.Status)).
		Int("processed", report.ProcessedRecords).
		Int("successful", report.SuccessfulRecords).
		Int("failed", report.FailedRecords).
		Int("validation_errors", report.ValidationErrors).
		Msg("migration finished")

	if c.archive == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	loc, err := archive.UploadJSON(actx, c.archive, "migrations/"+id+".json", report)
	if err != nil {
		c.logger.Warn().Err(err).Str("migration_id", id).Msg("archive migration report")
		return
	}
	c.logger.Info().Str("migration_id", id).Str("location", loc).Msg("migration report archived")
}

func (c *Controller) get(id string) (*run, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// Progress returns a snapshot of one migration.
func (c *Controller) Progress(id string) (models.BatchMigrationProgress, error) {
	r, err := c.get(id)
	if err != nil {
		return models.BatchMigrationProgress{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneProgress(r.progress), nil
}

// List returns snapshots of every migration known to this process, newest first.
func (c *Controller) List() []models.BatchMigrationProgress {
	c.mu.RLock()
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.RUnlock()

	out := make([]models.BatchMigrationProgress, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		out = append(out, cloneProgress(r.progress))
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Pause stops the migration before its next batch.
func (c *Controller) Pause(id string) error {
	return c.transition(id, func(p *models.BatchMigrationProgress) error {
		if p.Status != models.MigrationRunning && p.Status != models.MigrationPending {
			return fmt.Errorf("%w: cannot pause a %s migration", ErrInvalidState, p.Status)
		}
		p.Status = models.MigrationPaused
		return nil
	})
}

// Resume continues a paused migration with its next batch.
func (c *Controller) Resume(id string) error {
	return c.transition(id, func(p *models.BatchMigrationProgress) error {
		if p.Status != models.MigrationPaused {
			return fmt.Errorf("%w: cannot resume a %s migration", ErrInvalidState, p.Status)
		}
		p.Status = models.MigrationRunning
		return nil
	})
}

// Cancel finalizes the migration as failed. An in-flight batch finishes its
// current records; no further batch starts.
func (c *Controller) Cancel(id string) error {
	return c.transition(id, func(p *models.BatchMigrationProgress) error {
		if p.Status == models.MigrationCompleted || p.Status == models.MigrationFailed {
			return fmt.Errorf("%w: migration already %s", ErrInvalidState, p.Status)
		}
		now := c.now().UTC()
		p.Status = models.MigrationFailed
		p.CompletedAt = &now
		p.Errors = append(p.Errors, models.MigrationError{
			Batch:   p.CurrentBatch,
			Message: "migration cancelled by operator",
			System:  true,
			At:      now,
		})
		return nil
	})
}

func (c *Controller) transition(id string, apply func(p *models.BatchMigrationProgress) error) error {
	r, err := c.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	before := r.progress.Status
	err = apply(&r.progress)
	after := r.progress.Status
	r.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	c.logger.Info().Str("migration_id", id).Str("from", string(before)).Str("to", string(after)).Msg("migration state changed")
	return nil
}

// Wait blocks until the migration's runner has exited.
func (c *Controller) Wait(ctx context.Context, id string) (models.BatchMigrationProgress, error) {
	r, err := c.get(id)
	if err != nil {
		return models.BatchMigrationProgress{}, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return models.BatchMigrationProgress{}, ctx.Err()
	}
	return c.Progress(id)
}

func cloneProgress(p models.BatchMigrationProgress) models.BatchMigrationProgress {
	p.Errors = append([]models.MigrationError{}, p.Errors...)
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
