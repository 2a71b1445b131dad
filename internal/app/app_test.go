package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/config"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ledger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/logger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/queue"
)

func TestNewWithMemoryStoreAndNoQueue(t *testing.T) {
	cfg := config.Config{StoreDriver: "memory", ArchiveDir: t.TempDir()}
	a, err := New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.IsType(t, &queue.Disabled{}, a.Broker)
	assert.IsType(t, ledger.Disabled{}, a.Ledger)

	// Approval events reach the (disabled) broker without error.
	id, err := a.Broker.Enqueue(context.Background(), models.QueueTimesheetSync,
		models.SyncTimesheetPayload{SubmissionID: "s1", Trigger: models.TriggerApproval}, queue.ApprovalOptions())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestUnknownStoreDriver(t *testing.T) {
	_, err := New(context.Background(), config.Config{StoreDriver: "sqlite"}, logger.Nop())
	assert.ErrorContains(t, err, "unknown store driver")
}
