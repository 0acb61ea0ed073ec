// Package hemis fetches admin audit-log records from the Hemis REST API.
//
// The API is paginated: every GET carries a page query parameter and the body
// reports the total page count under data.pagination.pageCount. Pages are
// read strictly in order because each response decides whether another page
// exists.
//
// Each page request passes through an outbound rate limiter, a circuit breaker
// and a bounded retry loop, in that order.
package hemis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/hemis-audit/hemis-bot/internal/config"
	"github.com/hemis-audit/hemis-bot/internal/telemetry"
)

// MaxPages is the hard ceiling on page requests per fetch.
const MaxPages = 100

const (
	maxBodyBytes  = 64 << 20
	maxRetryAfter = 10 * time.Second
	maxErrorBody  = 256
)

// Outcome classifies a completed fetch.
type Outcome int

const (
	// OutcomeNoData means no page could be read at all.
	OutcomeNoData Outcome = iota
	// OutcomeEmpty means pages were read but held no records.
	OutcomeEmpty
	// OutcomeRecords means at least one record was accumulated.
	OutcomeRecords
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeRecords:
		return "records"
	default:
		return "no_data"
	}
}

// FetchResult is the tagged result of FetchAll.
type FetchResult struct {
	Outcome Outcome
	Records []LogRecord
	// Pages is the number of pages decoded successfully.
	Pages int
	// Err is the fault that ended pagination early, nil when the last page
	// was reached normally.
	Err error
}

// PageResult is one decoded page.
type PageResult struct {
	Items     []LogRecord
	Page      int
	PageCount int // 1 when the response has no pagination block
	// HasPagination is false when data.pagination was absent.
	HasPagination bool
}

// Client is safe for concurrent use.
type Client struct {
	baseURL     string
	bearerToken string
	csrfToken   string
	maxRetries  uint
	retryDelay  time.Duration

	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// NewClient builds a client from configuration. Missing credentials are not
// an error here; FetchAll reports them on first use.
func NewClient(cfg *config.HemisConfig) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := cfg.Breaker.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return &Client{
		baseURL:     strings.TrimSpace(cfg.BaseURL),
		bearerToken: cfg.BearerToken,
		csrfToken:   cfg.CSRFToken,
		maxRetries:  uint(retries),
		retryDelay:  cfg.RetryDelay,
		httpClient:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter:     rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "hemis-api",
			MaxRequests: 1,
			Timeout:     openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: breakerSuccess,
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// breakerSuccess keeps client-side rejections and caller cancellation from
// tripping the breaker; only transport faults, 5xx and 429 count against it.
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable()
	}
	return false
}

// FetchAll reads pages 1..min(pageCount, MaxPages) and concatenates their
// items in page order. It never returns an error: faults end pagination and
// are reported through FetchResult.Err. A non-2xx status or a body without
// data.items keeps the records already read; any other fault discards them
// and yields OutcomeNoData.
func (c *Client) FetchAll(ctx context.Context) FetchResult {
	if c.baseURL == "" || c.bearerToken == "" {
		slog.Error("hemis fetch skipped", "error", ErrNotConfigured)
		return FetchResult{Outcome: OutcomeNoData, Err: ErrNotConfigured}
	}

	start := time.Now()
	var (
		records    []LogRecord
		pagesRead  int
		totalPages = 1
		stopErr    error
	)

	for page := 1; page <= MaxPages; page++ {
		res, err := c.FetchPage(ctx, page)
		if err != nil {
			stopErr = err
			slog.Error("hemis page request failed",
				"page", page,
				"pages_read", pagesRead,
				"records", len(records),
				"keeps_partial", keepsPartial(err),
				"error", err,
			)
			break
		}

		pagesRead++
		records = append(records, res.Items...)
		if res.HasPagination {
			totalPages = res.PageCount
		}
		slog.Debug("hemis page loaded", "page", page, "page_count", totalPages, "items", len(res.Items))

		if page >= totalPages {
			break
		}
		if page == MaxPages {
			slog.Warn("hemis max page limit reached", "max_pages", MaxPages, "page_count", totalPages)
		}
	}

	result := FetchResult{Records: records, Pages: pagesRead, Err: stopErr}
	switch {
	case stopErr != nil && !keepsPartial(stopErr):
		result.Records = nil
		result.Outcome = OutcomeNoData
	case len(records) > 0:
		result.Outcome = OutcomeRecords
	case pagesRead > 0:
		result.Outcome = OutcomeEmpty
	default:
		result.Outcome = OutcomeNoData
	}

	telemetry.HemisFetchDuration.Observe(time.Since(start).Seconds())
	telemetry.HemisRecordsFetched.Observe(float64(len(result.Records)))
	slog.Info("hemis fetch finished",
		"outcome", result.Outcome.String(),
		"pages", pagesRead,
		"records", len(result.Records),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result
}

// keepsPartial reports whether a page fault truncates the result to the pages
// already read. Transport, decode, breaker and context faults do not.
func keepsPartial(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) || errors.Is(err, ErrMissingItems)
}

// FetchPage requests and decodes a single page.
func (c *Client) FetchPage(ctx context.Context, page int) (*PageResult, error) {
	pageURL, err := c.pageURL(page)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		telemetry.HemisPagesFetchedTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("hemis: rate limiter: %w", err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.getWithRetry(ctx, pageURL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			telemetry.HemisPagesFetchedTotal.WithLabelValues("http_error").Inc()
		} else {
			telemetry.HemisPagesFetchedTotal.WithLabelValues("transport_error").Inc()
		}
		return nil, fmt.Errorf("hemis: page %d: %w", page, err)
	}

	res, err := decodePage(out.([]byte))
	if err != nil {
		if errors.Is(err, ErrMissingItems) {
			telemetry.HemisPagesFetchedTotal.WithLabelValues("missing_items").Inc()
		} else {
			telemetry.HemisPagesFetchedTotal.WithLabelValues("malformed").Inc()
		}
		return nil, fmt.Errorf("hemis: page %d: %w", page, err)
	}
	res.Page = page
	telemetry.HemisPagesFetchedTotal.WithLabelValues("ok").Inc()
	return res, nil
}

// pageURL sets the page parameter on the base URL, keeping its other query
// parameters.
func (c *Client) pageURL(page int) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidBaseURL, u.Scheme)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) getWithRetry(ctx context.Context, pageURL string) ([]byte, error) {
	var body []byte
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(c.maxRetries+1),
		retry.Delay(c.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableFor(ctx)),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				return apiErr.RetryAfter
			}
			return retry.BackOffDelay(n, err, config)
		}),
	)

	err := r.Do(func() error {
		var callErr error
		body, callErr = c.get(ctx, pageURL)
		return callErr
	})
	return body, err
}

// retryableFor reports whether a failed attempt should be repeated. Nothing is
// retried once the caller's context is done.
func retryableFor(ctx context.Context) func(error) bool {
	return func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.Retryable()
		}
		return true
	}
}

func (c *Client) get(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	if c.csrfToken != "" {
		req.AddCookie(&http.Cookie{Name: "_csrf", Value: c.csrfToken})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    truncate(strings.TrimSpace(string(body)), maxErrorBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return body, nil
}

type pageEnvelope struct {
	Data *struct {
		Items      *[]LogRecord `json:"items"`
		Pagination *struct {
			PageCount flexInt `json:"pageCount"`
		} `json:"pagination"`
	} `json:"data"`
}

func decodePage(body []byte) (*PageResult, error) {
	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if env.Data == nil || env.Data.Items == nil {
		return nil, ErrMissingItems
	}

	res := &PageResult{Items: *env.Data.Items, PageCount: 1}
	if env.Data.Pagination != nil {
		res.HasPagination = true
		res.PageCount = int(env.Data.Pagination.PageCount)
	}
	return res, nil
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
