package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 2*time.Second, cfg.BackoffInitial)
	assert.Equal(t, 5, cfg.SyncConcurrency)
	assert.Equal(t, 1, cfg.BatchConcurrency)
	assert.Equal(t, 1, cfg.MaxStalls)
	assert.True(t, cfg.QueueEnabled)
	assert.False(t, cfg.LedgerEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SYNC_CONCURRENCY", "8")
	t.Setenv("QUEUE_ENABLED", "false")
	t.Setenv("BACKOFF_INITIAL", "500ms")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("LEDGER_BASE_URL", "https://ledger.example")
	t.Setenv("MAX_STALLS", "not-a-number")

	cfg := Load()

	assert.Equal(t, 8, cfg.SyncConcurrency)
	assert.False(t, cfg.QueueEnabled)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffInitial)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.True(t, cfg.LedgerEnabled())
	assert.Equal(t, 1, cfg.MaxStalls, "invalid values fall back to defaults")
}
