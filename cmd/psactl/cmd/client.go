package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/quarantine"
)

const operatorHeader = "X-Operator"

// Client calls the sync API.
type Client struct {
	BaseURL    string
	Operator   string
	HTTPClient *http.Client
}

// NewClient creates a client for baseURL that identifies as operator.
func NewClient(baseURL, operator string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Operator:   operator,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	endpoint := c.BaseURL + "/api/v1" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Operator != "" {
		req.Header.Set(operatorHeader, c.Operator)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		respBody, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// QueueCounts sends GET /queues.
func (c *Client) QueueCounts(ctx context.Context) (map[string]models.JobCounts, error) {
	var out map[string]models.JobCounts
	err := c.do(ctx, http.MethodGet, "/queues", nil, nil, &out)
	return out, err
}

// QueueAction sends POST /queues/{queue}/{action} for pause, resume and retry-failed.
func (c *Client) QueueAction(ctx context.Context, queueName, action string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/queues/"+url.PathEscape(queueName)+"/"+action, nil, nil, &out)
	return out, err
}

// ClearQueue sends POST /queues/{queue}/clear.
func (c *Client) ClearQueue(ctx context.Context, queueName string, status models.JobStatus, olderThan time.Duration) (int, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if olderThan > 0 {
		q.Set("older_than", olderThan.String())
	}
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "/queues/"+url.PathEscape(queueName)+"/clear", q, nil, &out)
	return out.Removed, err
}

// EnqueueResult lists the jobs an enqueue request created.
type EnqueueResult struct {
	Jobs     []string `json:"jobs"`
	Degraded bool     `json:"degraded,omitempty"`
}

// SyncSubmissions sends POST /sync/submissions.
func (c *Client) SyncSubmissions(ctx context.Context, ids []string, updateExisting bool) (EnqueueResult, error) {
	var out EnqueueResult
	err := c.do(ctx, http.MethodPost, "/sync/submissions", nil, map[string]any{
		"submission_ids":  ids,
		"update_existing": updateExisting,
	}, &out)
	return out, err
}

// SyncRange sends POST /sync/range.
func (c *Client) SyncRange(ctx context.Context, from, to string) (EnqueueResult, error) {
	var out EnqueueResult
	err := c.do(ctx, http.MethodPost, "/sync/range", nil, map[string]string{"date_from": from, "date_to": to}, &out)
	return out, err
}

// SyncLogs sends GET /sync/logs.
func (c *Client) SyncLogs(ctx context.Context, limit int) ([]models.SyncLogEntry, error) {
	var out struct {
		Logs []models.SyncLogEntry `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, "/sync/logs", url.Values{"limit": {fmt.Sprint(limit)}}, nil, &out)
	return out.Logs, err
}

// ListQuarantine sends GET /quarantine with the given filter parameters.
func (c *Client) ListQuarantine(ctx context.Context, q url.Values) (quarantine.Page, error) {
	var out quarantine.Page
	err := c.do(ctx, http.MethodGet, "/quarantine", q, nil, &out)
	return out, err
}

// QuarantineStats sends GET /quarantine/stats.
func (c *Client) QuarantineStats(ctx context.Context) (models.QuarantineStats, error) {
	var out models.QuarantineStats
	err := c.do(ctx, http.MethodGet, "/quarantine/stats", nil, nil, &out)
	return out, err
}

// ReviewQuarantine sends POST /quarantine/{id}/review.
func (c *Client) ReviewQuarantine(ctx context.Context, id string, status models.QuarantineStatus, notes string) (models.QuarantineRecord, error) {
	var out models.QuarantineRecord
	err := c.do(ctx, http.MethodPost, "/quarantine/"+url.PathEscape(id)+"/review", nil, map[string]any{
		"status": status,
		"notes":  notes,
	}, &out)
	return out, err
}

// MigrationOptions mirrors the migration request body.
type MigrationOptions struct {
	BatchSize             int    `json:"batch_size,omitempty"`
	DelayBetweenBatchesMs int64  `json:"delay_between_batches_ms,omitempty"`
	MaxRetries            int    `json:"max_retries,omitempty"`
	DryRun                bool   `json:"dry_run,omitempty"`
	DateFrom              string `json:"date_from,omitempty"`
	DateTo                string `json:"date_to,omitempty"`
}

// AnalyzeMigration sends POST /migrations/analyze.
func (c *Client) AnalyzeMigration(ctx context.Context, opts MigrationOptions) (models.MigrationSummary, error) {
	var out models.MigrationSummary
	err := c.do(ctx, http.MethodPost, "/migrations/analyze", nil, opts, &out)
	return out, err
}

// StartMigration sends POST /migrations.
func (c *Client) StartMigration(ctx context.Context, opts MigrationOptions) (models.BatchMigrationProgress, error) {
	var out models.BatchMigrationProgress
	err := c.do(ctx, http.MethodPost, "/migrations", nil, opts, &out)
	return out, err
}

// MigrationProgress sends GET /migrations/{id}.
func (c *Client) MigrationProgress(ctx context.Context, id string) (models.BatchMigrationProgress, error) {
	var out models.BatchMigrationProgress
	err := c.do(ctx, http.MethodGet, "/migrations/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// MigrationCommand sends POST /migrations/{id}/{action} for pause, resume and cancel.
func (c *Client) MigrationCommand(ctx context.Context, id, action string) (models.BatchMigrationProgress, error) {
	var out models.BatchMigrationProgress
	err := c.do(ctx, http.MethodPost, "/migrations/"+url.PathEscape(id)+"/"+action, nil, nil, &out)
	return out, err
}
