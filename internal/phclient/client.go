package phclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentworkforce/producthuntdb/internal/entity"
	"github.com/agentworkforce/producthuntdb/internal/metrics"
)

const (
	DefaultEndpoint = "https://api.producthunt.com/v2/api/graphql"
	// MaxPageSize is the largest "first" value the upstream accepts.
	MaxPageSize = 100
)

type Options struct {
	Endpoint       string
	Token          string
	HTTPClient     *http.Client
	UserAgent      string
	MaxConcurrency int
	// MaxAttempts bounds the number of tries for one request, including the
	// first one.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
	// MaxElapsed bounds the total time spent retrying one request.
	MaxElapsed time.Duration
	// QuotaFloor is the remaining-request count at which the client stops
	// and waits for the rate-limit window to reset.
	QuotaFloor   int
	MaxQuotaWait time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type PageRequest struct {
	Type entity.Type
	// After is empty for the first page, otherwise an EndCursor returned by
	// a previous page of the same traversal.
	After        string
	CreatedAfter *time.Time
	PageSize     int
	Order        Order
}

type PageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type Page struct {
	Records  []json.RawMessage
	PageInfo PageInfo
}

type Viewer struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type Client struct {
	endpoint     string
	token        string
	httpClient   *http.Client
	userAgent    string
	sem          *semaphore.Weighted
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64
	maxElapsed   time.Duration
	quotaFloor   int
	maxQuotaWait time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics

	quota quotaTracker
	now   func() time.Time
	wait  func(ctx context.Context, delay time.Duration) error
}

func New(opts Options) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, fmt.Errorf("api token is required")
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "producthuntdb"
	}
	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 3
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 6
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	multiplier := opts.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	jitter := opts.Jitter
	if jitter < 0 || jitter > 1 {
		jitter = 0.5
	}
	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 5 * time.Minute
	}
	quotaFloor := opts.QuotaFloor
	if quotaFloor < 0 {
		quotaFloor = 0
	}
	maxQuotaWait := opts.MaxQuotaWait
	if maxQuotaWait <= 0 {
		maxQuotaWait = 15 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:     endpoint,
		token:        token,
		httpClient:   httpClient,
		userAgent:    userAgent,
		sem:          semaphore.NewWeighted(int64(maxConcurrency)),
		maxAttempts:  maxAttempts,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		jitter:       jitter,
		maxElapsed:   maxElapsed,
		quotaFloor:   quotaFloor,
		maxQuotaWait: maxQuotaWait,
		logger:       logger,
		metrics:      opts.Metrics,
		now:          time.Now,
		wait:         waitWithContext,
	}, nil
}

// Quota returns a copy of the most recently observed rate-limit state.
func (c *Client) Quota() Quota {
	return c.quota.snapshot()
}

func (c *Client) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	entry, ok := pageQueries[req.Type]
	if !ok {
		return Page{}, fmt.Errorf("%w: no page query for entity type %q", ErrPermanent, req.Type)
	}
	vars := map[string]any{
		"first": clampPageSize(req.PageSize),
	}
	if after := strings.TrimSpace(req.After); after != "" {
		vars["after"] = after
	}
	order := req.Order
	if order == "" {
		order = entry.defaultOrder
	}
	vars["order"] = string(order)
	if req.CreatedAfter != nil && entry.filterVar != "" {
		vars[entry.filterVar] = req.CreatedAfter.UTC().Format(time.RFC3339)
	}

	var data map[string]*struct {
		Nodes    []json.RawMessage `json:"nodes"`
		PageInfo PageInfo          `json:"pageInfo"`
	}
	if err := c.execute(ctx, entry.connection, entry.text, vars, &data); err != nil {
		return Page{}, err
	}
	conn := data[entry.connection]
	if conn == nil {
		return Page{}, &MalformedResponseError{Err: fmt.Errorf("response has no %q connection", entry.connection)}
	}
	if conn.PageInfo.HasNextPage && conn.PageInfo.EndCursor == "" {
		return Page{}, &MalformedResponseError{Err: fmt.Errorf("%s page reports more pages without an end cursor", entry.connection)}
	}
	return Page{Records: conn.Nodes, PageInfo: conn.PageInfo}, nil
}

// Viewer resolves the user owning the token. It is the cheapest
// authenticated query and is used to check credentials before harvesting.
func (c *Client) Viewer(ctx context.Context) (Viewer, error) {
	var data struct {
		Viewer *struct {
			User *Viewer `json:"user"`
		} `json:"viewer"`
	}
	if err := c.execute(ctx, "viewer", queryViewer, nil, &data); err != nil {
		return Viewer{}, err
	}
	if data.Viewer == nil || data.Viewer.User == nil || data.Viewer.User.ID == "" {
		return Viewer{}, fmt.Errorf("%w: viewer is empty", ErrUnauthenticated)
	}
	return *data.Viewer.User, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) execute(ctx context.Context, queryType, query string, vars map[string]any, out any) error {
	bodyBytes, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	bo := c.newBackOff()
	started := c.now()
	for attempt := 1; ; attempt++ {
		err := c.roundTrip(ctx, queryType, bodyBytes, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt >= c.maxAttempts {
			return &RetryExhaustedError{Attempts: attempt, Elapsed: c.now().Sub(started), Err: err}
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return &RetryExhaustedError{Attempts: attempt, Elapsed: c.now().Sub(started), Err: err}
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > delay {
			// The provider's own delay wins over the backoff ceiling.
			delay = httpErr.RetryAfter
			if delay > c.maxQuotaWait {
				delay = c.maxQuotaWait
			}
		}
		c.logger.Warn("retrying graphql request",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if waitErr := c.wait(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}

// roundTrip performs one request while holding a concurrency slot.
func (c *Client) roundTrip(ctx context.Context, queryType string, bodyBytes []byte, out any) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	if err := c.waitForQuota(ctx); err != nil {
		return err
	}

	started := time.Now()
	err := c.send(ctx, bodyBytes, out)
	c.metrics.ObserveQuery(queryType, queryStatus(err), time.Since(started))
	return err
}

func (c *Client) send(ctx context.Context, bodyBytes []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	now := c.now()
	c.quota.observe(resp.Header, now)
	if readErr != nil {
		return &NetworkError{Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(payload),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		}
		if httpErr.StatusCode == http.StatusTooManyRequests && httpErr.RetryAfter == 0 {
			if q := c.quota.snapshot(); q.ResetAt.After(now) {
				httpErr.RetryAfter = q.ResetAt.Sub(now)
			}
		}
		return httpErr
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return &MalformedResponseError{Err: err, transient: true}
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, item := range envelope.Errors {
			messages = append(messages, item.Message)
		}
		return &GraphQLError{Messages: messages}
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return &MalformedResponseError{Err: errors.New("response has no data")}
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &MalformedResponseError{Err: err}
	}
	return nil
}

// waitForQuota sleeps until the rate-limit window resets when the last
// response left fewer than quotaFloor requests.
func (c *Client) waitForQuota(ctx context.Context) error {
	now := c.now()
	q := c.quota.snapshot()
	if !q.Exhausted(c.quotaFloor, now) {
		return nil
	}
	delay := q.ResetAt.Sub(now)
	if delay > c.maxQuotaWait {
		delay = c.maxQuotaWait
	}
	c.logger.Warn("rate limit nearly exhausted; waiting for reset",
		zap.Int("remaining", q.Remaining),
		zap.Int("limit", q.Limit),
		zap.Duration("delay", delay))
	return c.wait(ctx, delay)
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = c.maxDelay
	b.Multiplier = c.multiplier
	b.RandomizationFactor = c.jitter
	b.MaxElapsedTime = c.maxElapsed
	b.Reset()
	return b
}

func clampPageSize(size int) int {
	if size <= 0 {
		return 50
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}

func errorMessage(payload []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		switch {
		case body.Message != "":
			return body.Message
		case body.Error != "":
			return body.Error
		case len(body.Errors) > 0:
			return body.Errors[0].Message
		}
	}
	text := strings.TrimSpace(string(payload))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// queryStatus labels a request outcome for metrics.
func queryStatus(err error) string {
	var httpErr *HTTPError
	var netErr *NetworkError
	var gqlErr *GraphQLError
	var malformed *MalformedResponseError
	switch {
	case err == nil:
		return metrics.StatusSuccess
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests:
		return "rate_limit"
	case errors.As(err, &httpErr):
		return "http_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &gqlErr):
		return "graphql_error"
	case errors.As(err, &malformed):
		return "malformed"
	default:
		return "error"
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
