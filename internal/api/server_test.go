package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/classifier"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/events"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ledger/ledgertest"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/logger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/migration"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/orchestrator"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/quarantine"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/queue"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ratelimit"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store/memory"
)

type fixture struct {
	srv        *httptest.Server
	broker     *queue.RedisBroker
	store      *memory.Store
	quarantine *quarantine.Service
	migrations *migration.Controller
}

func newFixture(t *testing.T, limiter bool) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lg := logger.Nop()
	st := memory.New()
	broker := queue.NewRedisBroker(client, queue.Options{BackoffInitial: time.Second})
	q := quarantine.NewService(st, lg)
	esc := classifier.NewEscalator(st, st, lg)
	bus := events.NewBus(lg)
	fake := ledgertest.New()
	orch := orchestrator.New(orchestrator.Deps{
		Source:   st,
		Logs:     st,
		Ledger:   fake,
		Failures: classifier.NewHandler(q, esc, lg),
		Events:   bus,
		Logger:   lg,
	})
	q.SetResubmitter(orch)
	require.NoError(t, orchestrator.Subscribe(bus, broker, st, lg))
	ctrl := migration.New(migration.Deps{Source: st, Logs: st, Syncer: orch, Logger: lg})
	t.Cleanup(ctrl.Close)

	var bucket *ratelimit.TokenBucket
	if limiter {
		bucket = ratelimit.NewTokenBucket(client, 1, 0.01, time.Minute)
	}
	s := New(Deps{
		Broker:      broker,
		Queues:      orchestrator.Queues,
		Logs:        st,
		Escalations: st,
		Quarantine:  q,
		Escalator:   esc,
		Migrations:  ctrl,
		Bus:         bus,
		Health:      orchestrator.NewJobs(orch, broker, func() bool { return true }, lg),
		Limiter:     bucket,
		Logger:      lg,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, broker: broker, store: st, quarantine: q, migrations: ctrl}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(OperatorHeader, "ops@example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndQueueCounts(t *testing.T) {
	f := newFixture(t, false)

	var health map[string]any
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["ledger_connected"])

	var counts map[string]models.JobCounts
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/queues", nil, &counts))
	assert.Len(t, counts, len(orchestrator.Queues))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/queues/nope", nil, nil))
}

func TestManualSyncEnqueuesJobs(t *testing.T) {
	f := newFixture(t, false)

	var resp enqueueResponse
	code := f.do(t, http.MethodPost, "/api/v1/sync/submissions", map[string]any{
		"submission_ids": []string{"s1", "s2", "s1"},
	}, &resp)
	require.Equal(t, http.StatusAccepted, code)
	assert.Len(t, resp.Jobs, 2)

	var c models.JobCounts
	f.do(t, http.MethodGet, "/api/v1/queues/"+models.QueueTimesheetSync, nil, &c)
	assert.EqualValues(t, 2, c.Waiting+c.Delayed)

	job, err := f.broker.Get(context.Background(), resp.Jobs[0])
	require.NoError(t, err)
	assert.Equal(t, models.PriorityManual, job.Priority)

	var errResp errorBody
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/sync/submissions", map[string]any{"submission_ids": []string{}}, &errResp))
	assert.NotEmpty(t, errResp.Error)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/sync/range", map[string]any{"date_from": "2024-02-01", "date_to": "2024-01-01"}, nil))

	resp = enqueueResponse{}
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/sync/range", map[string]any{"date_from": "2024-01-01", "date_to": "2024-01-31"}, &resp))
	assert.Len(t, resp.Jobs, 1)
}

func TestQueuePauseResume(t *testing.T) {
	f := newFixture(t, false)
	path := "/api/v1/queues/" + models.QueueBatchSync

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, path+"/pause", nil, nil))
	var c models.JobCounts
	f.do(t, http.MethodGet, path, nil, &c)
	assert.True(t, c.Paused)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, path+"/resume", nil, nil))
	f.do(t, http.MethodGet, path, nil, &c)
	assert.False(t, c.Paused)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, path+"/clear?older_than=soon", nil, nil))
	var cleared map[string]any
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, path+"/clear?status=failed", nil, &cleared))
	assert.EqualValues(t, 0, cleared["removed"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/jobs/missing", nil, nil))
}

func TestApprovalEventEnqueuesPrioritySync(t *testing.T) {
	f := newFixture(t, false)

	code := f.do(t, http.MethodPost, "/api/v1/events/timesheet-approved", map[string]any{
		"submission_id": "s9",
		"user_id":       "u1",
		"approved_by":   "manager",
		"total_hours":   40,
	}, nil)
	require.Equal(t, http.StatusAccepted, code)

	var c models.JobCounts
	f.do(t, http.MethodGet, "/api/v1/queues/"+models.QueueTimesheetSync, nil, &c)
	assert.EqualValues(t, 1, c.Waiting)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/events/timesheet-approved", map[string]any{"submission_id": "s9"}, nil))

	code = f.do(t, http.MethodPost, "/api/v1/events/timesheet-rejected", map[string]any{
		"submission_id":    "s10",
		"user_id":          "u1",
		"rejected_by":      "manager",
		"rejection_reason": "missing project codes",
	}, nil)
	require.Equal(t, http.StatusAccepted, code)
	logs := f.store.SyncLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.OpTimesheetRejected, logs[0].Operation)
}

func quarantineOne(t *testing.T, f *fixture, entityID string) models.QuarantineRecord {
	t.Helper()
	rec, err := f.quarantine.Quarantine(context.Background(), quarantine.Request{
		EntityType:   models.EntityTimeEntry,
		EntityID:     entityID,
		OriginalData: map[string]any{"id": entityID},
		Errors: []models.ValidationError{{
			ID: "v1", Field: "unitAmount", Message: "billable entry has no rate",
			Severity: models.SeverityCritical, Category: models.CategoryBusinessRule, Type: models.ErrorPermanent,
		}},
		QuarantinedBy: "test",
	})
	require.NoError(t, err)
	return rec
}

func TestQuarantineReviewFlow(t *testing.T) {
	f := newFixture(t, false)
	rec := quarantineOne(t, f, "e1")
	base := "/api/v1/quarantine/" + rec.ID

	var page quarantine.Page
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/quarantine?status=quarantined&limit=10", nil, &page))
	assert.Equal(t, 1, page.Total)

	var got models.QuarantineRecord
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/start-review", nil, &got))
	assert.Equal(t, models.QuarantineUnderReview, got.Status)
	assert.Equal(t, "ops@example.com", got.ReviewedBy)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, base+"/review", map[string]any{
		"status": "resolved", "expected_status": "quarantined",
	}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, base+"/review", map[string]any{"status": "quarantined"}, nil))

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/review", map[string]any{
		"status": "rejected", "notes": "duplicate of e2",
	}, &got))
	assert.Equal(t, models.QuarantineRejected, got.Status)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, base+"/review", map[string]any{"status": "resolved"}, nil))

	var hist struct {
		History []models.QuarantineAudit `json:"history"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base+"/history", nil, &hist))
	assert.Len(t, hist.History, 3)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/quarantine/missing", nil, nil))

	var stats models.QuarantineStats
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/quarantine/stats", nil, &stats))
	assert.Equal(t, 1, stats.Total)
}

func TestBulkReviewAndExport(t *testing.T) {
	f := newFixture(t, false)
	a := quarantineOne(t, f, "e1")
	b := quarantineOne(t, f, "e2")

	var res quarantine.BulkResult
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/quarantine/bulk-review", map[string]any{
		"ids":    []string{a.ID, b.ID, "missing"},
		"review": map[string]any{"status": "resolved", "notes": "fixed upstream"},
	}, &res))
	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.Updated)
	assert.Contains(t, res.Failed, "missing")

	resp, err := http.Get(f.srv.URL + "/api/v1/quarantine/export?status=resolved")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xlsx")
}

func TestMigrationLifecycle(t *testing.T) {
	f := newFixture(t, false)
	approved := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	f.store.PutSubmission(models.Submission{
		ID: "s1", UserID: "u1", Status: models.SubmissionApproved,
		WeekStartDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), ApprovedAt: &approved,
	})

	var sum models.MigrationSummary
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/migrations/analyze", nil, &sum))
	assert.Equal(t, 1, sum.Pending)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/migrations", map[string]any{"batch_size": 9000}, nil))

	var p models.BatchMigrationProgress
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/migrations", map[string]any{"dry_run": true}, &p))
	require.NotEmpty(t, p.ID)

	final, err := f.migrations.Wait(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MigrationCompleted, final.Status)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/migrations/"+p.ID, nil, &p))
	assert.Equal(t, 1, p.ProcessedRecords)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/migrations/"+p.ID+"/pause", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/migrations/nope", nil, nil))
}

func TestEscalationRules(t *testing.T) {
	f := newFixture(t, false)

	var rules struct {
		Rules []models.EscalationRule `json:"rules"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/escalation-rules", nil, &rules))
	assert.Len(t, rules.Rules, len(classifier.DefaultRules))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/v1/escalation-rules", map[string]any{
		"rules": []map[string]any{{"name": "x", "error_count_threshold": 0, "escalate_to": []string{"ops"}}},
	}, nil))

	var stored map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/v1/escalation-rules", map[string]any{
		"rules": []map[string]any{{"name": "x", "error_count_threshold": 1, "escalate_to": []string{"ops"}}},
	}, &stored))
	assert.EqualValues(t, 1, stored["version"])
	assert.Equal(t, "ops@example.com", stored["updated_by"])
}

func TestBulkCommandsAreRateLimited(t *testing.T) {
	f := newFixture(t, true)
	body := map[string]any{"submission_ids": []string{"s1"}}

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/sync/submissions", body, nil))
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/api/v1/sync/submissions", body, nil))
	// Scopes are independent.
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/sync/range", map[string]any{"date_from": "2024-01-01", "date_to": "2024-01-07"}, nil))
}
