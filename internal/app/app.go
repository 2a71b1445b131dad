// Package app assembles the sync pipeline from configuration. The API and the
// worker build the same graph and differ only in what they run on top of it.
package app

import (
	"context"
	"fmt"

	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/archive"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/classifier"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/config"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/events"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ledger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/migration"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/orchestrator"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/quarantine"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/queue"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store/memory"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store/postgres"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/validation"
)

// App holds the constructed components.
type App struct {
	Config       config.Config
	Logger       *log.Logger
	Store        store.Store
	Conn         *queue.ConnManager
	Broker       queue.Broker
	Ledger       ledger.Client
	Bus          *events.Bus
	Quarantine   *quarantine.Service
	Escalator    *classifier.Escalator
	Orchestrator *orchestrator.Orchestrator
	Jobs         *orchestrator.Jobs
	Migrations   *migration.Controller
	Archive      archive.Uploader
}

// New builds every component. A Redis outage at startup leaves the broker in
// degraded mode; a store or archive failure is fatal.
func New(ctx context.Context, cfg config.Config, logger *log.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = st

	if cfg.QueueEnabled {
		a.Conn = queue.NewConnManager(queue.NewRedisClient(cfg), queue.ConnOptionsFromConfig(cfg), logger)
		if !a.Conn.Start(ctx) {
			logger.Warn().Str("addr", cfg.RedisAddr).Msg("queue store unreachable, starting in degraded mode")
		}
	}
	a.Broker = queue.New(cfg, a.Conn, logger)

	a.Archive, err = archive.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}

	a.Ledger = ledger.New(cfg, logger)
	a.Bus = events.NewBus(logger)
	a.Quarantine = quarantine.NewService(st, logger)
	a.Escalator = classifier.NewEscalator(st, st, logger, classifier.LogNotifier{Logger: logger})

	validator := validation.NewEngine()
	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Source:    st,
		Logs:      st,
		Ledger:    a.Ledger,
		Validator: validator,
		Failures:  classifier.NewHandler(a.Quarantine, a.Escalator, logger),
		Events:    a.Bus,
		Logger:    logger,
	})
	a.Quarantine.SetResubmitter(a.Orchestrator)

	var healthy func() bool
	if a.Conn != nil {
		healthy = a.Conn.Healthy
	}
	a.Jobs = orchestrator.NewJobs(a.Orchestrator, a.Broker, healthy, logger)
	a.Migrations = migration.New(migration.Deps{
		Source:    st,
		Logs:      st,
		Syncer:    a.Orchestrator,
		Validator: validator,
		Archive:   a.Archive,
		Logger:    logger,
	})

	if err := orchestrator.Subscribe(a.Bus, a.Broker, st, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("subscribe event handlers: %w", err)
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *log.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		return memory.New(), nil
	case "postgres", "":
		pg, err := postgres.New(ctx, cfg.PostgresDSN, cfg.StoreOpTimeout)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Close stops migrations, the connection monitor and the store, in that order.
func (a *App) Close() {
	if a.Migrations != nil {
		a.Migrations.Close()
	}
	if a.Conn != nil {
		if err := a.Conn.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close queue connection")
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
