package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/app"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/config"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ledger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/logger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/schedule"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/telemetry"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/worker"
)

func main() {
	cfg := config.Load()
	lg := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("startup")
	}
	defer a.Close()

	if err := a.Ledger.Authenticate(ctx); err != nil && !errors.Is(err, ledger.ErrDisabled) {
		// Jobs still run; each one reports the ledger as disconnected until it recovers.
		lg.Warn().Err(err).Msg("ledger authentication failed")
	}

	processor := worker.NewProcessor(a.Broker, worker.OptionsFromConfig(cfg), lg)
	processor.Publish(a.Bus)
	a.Jobs.Register(processor)

	sched := schedule.New(a.Broker, schedule.Entries{
		HealthCheck: cfg.HealthCheckCron,
		NightlySync: cfg.NightlySyncCron,
	}, lg)
	if err := sched.Start(); err != nil {
		lg.Fatal().Err(err).Msg("scheduler")
	}
	defer sched.Stop()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	defer metrics.Close()

	lg.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Int("sync_concurrency", cfg.SyncConcurrency).
		Msg("worker started")

	err = processor.RunAll(ctx,
		worker.QueueSpec{Name: models.QueueTimesheetSync, Concurrency: cfg.SyncConcurrency},
		worker.QueueSpec{Name: models.QueueBatchSync, Concurrency: cfg.BatchConcurrency},
		worker.QueueSpec{Name: models.QueueMaintenance, Concurrency: 1},
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		lg.Error().Err(err).Msg("worker stopped")
	}
}
