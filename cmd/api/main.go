package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/api"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/app"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/config"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/logger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/orchestrator"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ratelimit"
)

func main() {
	cfg := config.Load()
	lg := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("startup")
	}
	defer a.Close()

	var limiter *ratelimit.TokenBucket
	if a.Conn != nil {
		limiter = ratelimit.NewTokenBucket(a.Conn.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(api.Deps{
		Broker:      a.Broker,
		Queues:      orchestrator.Queues,
		Logs:        a.Store,
		Escalations: a.Store,
		Quarantine:  a.Quarantine,
		Escalator:   a.Escalator,
		Migrations:  a.Migrations,
		Bus:         a.Bus,
		Health:      a.Jobs,
		Limiter:     limiter,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      lg,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lg.Info().Str("port", cfg.HTTPPort).Str("store", cfg.StoreDriver).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error().Err(err).Msg("listen")
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	lg.Info().Msg("api stopped")
}
