package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/config"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/telemetry"
)

// ConnOptions tunes liveness probing and reconnection.
type ConnOptions struct {
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	HealthInterval   time.Duration
	ProbeTimeout     time.Duration
}

// ConnManager owns the Redis client lifecycle: it probes liveness, flips into
// degraded mode when the store stops answering and reconnects on an
// exponential schedule. It never fails the host process.
type ConnManager struct {
	client  *redis.Client
	opts    ConnOptions
	logger  *log.Logger
	healthy atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisClient builds the shared client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// ConnOptionsFromConfig maps shared config onto connection options.
func ConnOptionsFromConfig(cfg config.Config) ConnOptions {
	return ConnOptions{
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
		HealthInterval:   cfg.HealthInterval,
		ProbeTimeout:     cfg.StoreOpTimeout,
	}
}

// NewConnManager wraps a client. Call Start to probe and begin monitoring.
func NewConnManager(client *redis.Client, opts ConnOptions, logger *log.Logger) *ConnManager {
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Minute
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 15 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	return &ConnManager{client: client, opts: opts, logger: logger}
}

// Client exposes the underlying client.
func (m *ConnManager) Client() *redis.Client {
	return m.client
}

// Healthy reports whether the last liveness probe succeeded.
func (m *ConnManager) Healthy() bool {
	return m.healthy.Load()
}

// Probe pings the store once with a bounded timeout.
func (m *ConnManager) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	return m.client.Ping(ctx).Err()
}

// Start probes the store and launches the monitor loop. It returns the initial
// health; an unreachable store leaves the manager in degraded mode.
func (m *ConnManager) Start(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return m.Healthy()
	}

	if err := m.Probe(ctx); err != nil {
		m.setHealthy(false, err)
	} else {
		m.setHealthy(true, nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.monitor(runCtx)
	return m.Healthy()
}

func (m *ConnManager) monitor(ctx context.Context) {
	defer close(m.done)
	backoff := m.opts.ReconnectInitial
	for {
		wait := m.opts.HealthInterval
		if !m.Healthy() {
			wait = backoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		err := m.Probe(ctx)
		switch {
		case err == nil && !m.Healthy():
			m.setHealthy(true, nil)
			backoff = m.opts.ReconnectInitial
		case err != nil && m.Healthy():
			m.setHealthy(false, err)
			backoff = m.opts.ReconnectInitial
		case err != nil:
			backoff *= 2
			if backoff > m.opts.ReconnectMax {
				backoff = m.opts.ReconnectMax
			}
			m.logger.Debug().Err(err).Dur("next_attempt", backoff).Msg("queue store still unreachable")
		}
	}
}

func (m *ConnManager) setHealthy(ok bool, err error) {
	prev := m.healthy.Swap(ok)
	if ok {
		telemetry.QueueDegraded.Set(0)
		if !prev {
			m.logger.Info().Msg("queue store reachable, leaving degraded mode")
		}
		return
	}
	telemetry.QueueDegraded.Set(1)
	m.logger.Warn().Err(err).Msg("queue store unreachable, entering degraded mode")
}

// Close stops monitoring and closes the client.
func (m *ConnManager) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return m.client.Close()
}
