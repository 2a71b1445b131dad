// Package ledger is the capability boundary to the external accounting system.
// The HTTP client talks to the ledger API; the Disabled variant stands in when
// no credentials are configured.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/config"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

// ErrDisabled is returned by every write of the Disabled client.
var ErrDisabled = errors.New("ledger integration disabled")

// Client is the set of ledger operations the sync pipeline consumes.
type Client interface {
	Authenticate(ctx context.Context) error
	ConnectionStatus(ctx context.Context) models.ConnectionStatus

	CreateOrUpdateTimeEntry(ctx context.Context, entry models.LedgerTimeEntry) (string, error)
	FindMatchingTimeEntry(ctx context.Context, criteria models.TimeEntryCriteria) (*models.LedgerTimeEntry, error)
	ListTimeEntries(ctx context.Context, criteria models.TimeEntryCriteria) ([]models.LedgerTimeEntry, error)

	CreateOrUpdateProject(ctx context.Context, project models.LedgerProject) (string, error)
	FindProject(ctx context.Context, sourceID string) (*models.LedgerProject, error)

	CreateOrUpdateContact(ctx context.Context, contact models.LedgerContact) (string, error)
	FindContact(ctx context.Context, sourceID string) (*models.LedgerContact, error)
}

// APIError is a non-success response from the ledger API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API error: %s (status %d, endpoint: %s)", strings.TrimSpace(e.Message), e.StatusCode, e.Endpoint)
}

// New selects the client variant from config.
func New(cfg config.Config, logger *log.Logger) Client {
	if !cfg.LedgerEnabled() {
		logger.Warn().Msg("ledger credentials not configured, ledger integration disabled")
		return Disabled{}
	}
	return NewHTTPClient(cfg.LedgerBaseURL,
		WithCredentials(cfg.LedgerClientID, cfg.LedgerClientSecret, cfg.LedgerTokenURL),
		WithTimeout(cfg.LedgerTimeout),
		WithRateLimit(float64(cfg.LedgerRatePerSec)),
		WithLogger(logger),
	)
}

// MatchTimeEntry picks the candidate that corresponds to criteria: first by
// description tag, then by an untagged entry with the same project, date and duration.
func MatchTimeEntry(candidates []models.LedgerTimeEntry, c models.TimeEntryCriteria) *models.LedgerTimeEntry {
	if c.DescriptionTag != "" {
		for i := range candidates {
			if strings.Contains(candidates[i].Description, c.DescriptionTag) {
				return &candidates[i]
			}
		}
	}
	for i := range candidates {
		e := candidates[i]
		if strings.Contains(e.Description, "[psa:") {
			continue
		}
		if e.ProjectID == c.ProjectID && e.Duration == c.Duration && (c.Date == "" || e.Date == c.Date) {
			return &candidates[i]
		}
	}
	return nil
}

// Disabled is the no-credentials variant. Reads find nothing and writes fail.
type Disabled struct{}

func (Disabled) Authenticate(context.Context) error { return ErrDisabled }

func (Disabled) ConnectionStatus(context.Context) models.ConnectionStatus {
	return models.ConnectionStatus{Connected: false, Error: ErrDisabled.Error()}
}

func (Disabled) CreateOrUpdateTimeEntry(context.Context, models.LedgerTimeEntry) (string, error) {
	return "", ErrDisabled
}

func (Disabled) FindMatchingTimeEntry(context.Context, models.TimeEntryCriteria) (*models.LedgerTimeEntry, error) {
	return nil, nil
}

func (Disabled) ListTimeEntries(context.Context, models.TimeEntryCriteria) ([]models.LedgerTimeEntry, error) {
	return nil, nil
}

func (Disabled) CreateOrUpdateProject(context.Context, models.LedgerProject) (string, error) {
	return "", ErrDisabled
}

func (Disabled) FindProject(context.Context, string) (*models.LedgerProject, error) { return nil, nil }

func (Disabled) CreateOrUpdateContact(context.Context, models.LedgerContact) (string, error) {
	return "", ErrDisabled
}

func (Disabled) FindContact(context.Context, string) (*models.LedgerContact, error) { return nil, nil }
