package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5
)

// HTTPClient calls the ledger REST API with OAuth2 client credentials.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger
	oauth      *clientcredentials.Config

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

var _ Client = (*HTTPClient)(nil)

// Option configures the HTTPClient.
type Option func(*HTTPClient)

func WithCredentials(clientID, clientSecret, tokenURL string) Option {
	return func(c *HTTPClient) {
		if clientID == "" {
			return
		}
		c.oauth = &clientcredentials.Config{ClientID: clientID, ClientSecret: clientSecret, TokenURL: tokenURL}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func WithRateLimit(perSecond float64) Option {
	return func(c *HTTPClient) {
		if perSecond <= 0 {
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

func WithLogger(logger *log.Logger) Option {
	return func(c *HTTPClient) { c.logger = logger }
}

func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate fetches a fresh access token, replacing any cached one.
func (c *HTTPClient) Authenticate(ctx context.Context) error {
	if c.oauth == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tokCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth.Token(tokCtx)
	if err != nil {
		c.tokens = nil
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return &APIError{StatusCode: rerr.Response.StatusCode, Message: string(rerr.Body), Endpoint: c.oauth.TokenURL}
		}
		return fmt.Errorf("authenticate with ledger: %w", err)
	}
	// The refreshing source must outlive ctx.
	refreshCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	c.tokens = oauth2.ReuseTokenSource(tok, c.oauth.TokenSource(refreshCtx))
	return nil
}

func (c *HTTPClient) accessToken(ctx context.Context) (string, error) {
	if c.oauth == nil {
		return "", nil
	}
	c.mu.Lock()
	src := c.tokens
	c.mu.Unlock()
	if src == nil {
		if err := c.Authenticate(ctx); err != nil {
			return "", err
		}
		c.mu.Lock()
		src = c.tokens
		c.mu.Unlock()
	}
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("refresh ledger token: %w", err)
	}
	return tok.AccessToken, nil
}

type organisation struct {
	Name string `json:"name"`
}

// ConnectionStatus probes the organisation endpoint.
func (c *HTTPClient) ConnectionStatus(ctx context.Context) models.ConnectionStatus {
	var org organisation
	if err := c.do(ctx, http.MethodGet, "/api/v1/organisation", nil, nil, &org); err != nil {
		return models.ConnectionStatus{Connected: false, Error: err.Error()}
	}
	return models.ConnectionStatus{Connected: true, OrganizationName: org.Name}
}

type idResponse struct {
	ID string `json:"id"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func (c *HTTPClient) CreateOrUpdateTimeEntry(ctx context.Context, entry models.LedgerTimeEntry) (string, error) {
	return c.upsert(ctx, "/api/v1/time-entries", entry.ID, entry)
}

func (c *HTTPClient) ListTimeEntries(ctx context.Context, cr models.TimeEntryCriteria) ([]models.LedgerTimeEntry, error) {
	q := url.Values{}
	setIf(q, "projectId", cr.ProjectID)
	setIf(q, "userId", cr.UserID)
	setIf(q, "date", cr.Date)
	var resp listResponse[models.LedgerTimeEntry]
	if err := c.do(ctx, http.MethodGet, "/api/v1/time-entries", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *HTTPClient) FindMatchingTimeEntry(ctx context.Context, cr models.TimeEntryCriteria) (*models.LedgerTimeEntry, error) {
	items, err := c.ListTimeEntries(ctx, cr)
	if err != nil {
		return nil, err
	}
	return MatchTimeEntry(items, cr), nil
}

func (c *HTTPClient) CreateOrUpdateProject(ctx context.Context, p models.LedgerProject) (string, error) {
	return c.upsert(ctx, "/api/v1/projects", p.ID, p)
}

func (c *HTTPClient) FindProject(ctx context.Context, sourceID string) (*models.LedgerProject, error) {
	var resp listResponse[models.LedgerProject]
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects", url.Values{"sourceId": {sourceID}}, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, nil
	}
	return &resp.Items[0], nil
}

func (c *HTTPClient) CreateOrUpdateContact(ctx context.Context, ct models.LedgerContact) (string, error) {
	return c.upsert(ctx, "/api/v1/contacts", ct.ID, ct)
}

func (c *HTTPClient) FindContact(ctx context.Context, sourceID string) (*models.LedgerContact, error) {
	var resp listResponse[models.LedgerContact]
	if err := c.do(ctx, http.MethodGet, "/api/v1/contacts", url.Values{"sourceId": {sourceID}}, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, nil
	}
	return &resp.Items[0], nil
}

// upsert POSTs new records and PUTs records that already carry a ledger id.
func (c *HTTPClient) upsert(ctx context.Context, collection, id string, body any) (string, error) {
	method, path := http.MethodPost, collection
	if id != "" {
		method, path = http.MethodPut, collection+"/"+url.PathEscape(id)
	}
	var resp idResponse
	if err := c.do(ctx, method, path, nil, body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		resp.ID = id
	}
	return resp.ID, nil
}

// do sends one request. A 401 triggers a single re-authentication and retry.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	err := c.send(ctx, method, path, query, payload, out)
	var apiErr *APIError
	if c.oauth != nil && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		if c.logger != nil {
			c.logger.Info().Str("endpoint", path).Msg("ledger token rejected, re-authenticating")
		}
		if aerr := c.Authenticate(ctx); aerr != nil {
			return aerr
		}
		err = c.send(ctx, method, path, query, payload, out)
	}
	return err
}

func (c *HTTPClient) send(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ledger rate limiter: %w", err)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if c.logger != nil {
		c.logger.Debug().Str("method", method).Str("url", c.baseURL+path).Msg("ledger API request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: string(msg), Endpoint: path}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ledger response: %w", err)
	}
	return nil
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
