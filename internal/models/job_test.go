package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePayload(t *testing.T) {
	require.NoError(t, ValidatePayload(SyncTimesheetPayload{SubmissionID: "s1", Trigger: TriggerApproval}))
	require.NoError(t, ValidatePayload(BatchSyncPayload{SubmissionIDs: []string{"a"}, Trigger: TriggerManual}))
	require.NoError(t, ValidatePayload(BatchSyncPayload{DateFrom: "2024-01-01", DateTo: "2024-01-31", Trigger: TriggerScheduled}))
	require.NoError(t, ValidatePayload(HealthCheckPayload{}))

	assert.Error(t, ValidatePayload(nil))
	assert.Error(t, ValidatePayload(SyncTimesheetPayload{Trigger: TriggerApproval}))
	assert.Error(t, ValidatePayload(SyncTimesheetPayload{SubmissionID: "s1", Trigger: "bogus"}))
	assert.Error(t, ValidatePayload(BatchSyncPayload{Trigger: TriggerManual}))
	assert.Error(t, ValidatePayload(BatchSyncPayload{DateFrom: "01/02/2024", DateTo: "2024-01-31", Trigger: TriggerManual}))
	assert.Error(t, ValidatePayload(BatchSyncPayload{DateFrom: "2024-01-01", Trigger: TriggerManual}))
}

func TestDecodePayload(t *testing.T) {
	raw, err := json.Marshal(SyncTimesheetPayload{SubmissionID: "s1", Trigger: TriggerApproval})
	require.NoError(t, err)

	p, err := DecodePayload(SyncJob{JobType: JobSyncTimesheet, Payload: raw})
	require.NoError(t, err)
	sp, ok := p.(SyncTimesheetPayload)
	require.True(t, ok)
	assert.Equal(t, "s1", sp.SubmissionID)

	p, err = DecodePayload(SyncJob{JobType: JobHealthCheck})
	require.NoError(t, err)
	assert.Equal(t, JobHealthCheck, p.Kind())

	_, err = DecodePayload(SyncJob{JobType: "unknown"})
	assert.Error(t, err)

	_, err = DecodePayload(SyncJob{JobType: JobBatchSync, Payload: json.RawMessage(`{"submission_ids":`)})
	assert.Error(t, err)
}
