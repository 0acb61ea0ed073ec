package hemis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemis-audit/hemis-bot/internal/config"
)

// ---- helpers ----------------------------------------------------------------

func testConfig(baseURL string) *config.HemisConfig {
	return &config.HemisConfig{
		BaseURL:        baseURL,
		BearerToken:    "test-token",
		RequestTimeout: 5 * time.Second,
		MaxRetries:     0,
		RetryDelay:     time.Millisecond,
		Breaker: config.BreakerConfig{
			FailureThreshold: 100,
			OpenTimeout:      time.Minute,
		},
	}
}

// pageBody renders a Hemis page holding ids first..first+n-1.
func pageBody(first, n, pageCount int) map[string]any {
	items := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, map[string]any{
			"id":         first + i,
			"admin_name": "admin",
			"created_at": 1700000000 + first + i,
		})
	}
	return map[string]any{
		"data": map[string]any{
			"items":      items,
			"pagination": map[string]any{"pageCount": pageCount},
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pagedServer serves pageCount pages of perPage items each and counts requests.
func pagedServer(t *testing.T, pageCount, perPage int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var page int
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		writeJSON(w, http.StatusOK, pageBody((page-1)*perPage+1, perPage, pageCount))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func ids(records []LogRecord) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

// ---- pagination -------------------------------------------------------------

func TestFetchAll_RequestsMinOfPageCountAndCeiling(t *testing.T) {
	for _, pageCount := range []int{1, 2, 7, 100, 150} {
		t.Run(fmt.Sprintf("pageCount=%d", pageCount), func(t *testing.T) {
			srv, calls := pagedServer(t, pageCount, 2)
			res := NewClient(testConfig(srv.URL)).FetchAll(context.Background())

			want := pageCount
			if want > MaxPages {
				want = MaxPages
			}
			assert.Equal(t, int32(want), calls.Load())
			assert.Equal(t, want, res.Pages)
			assert.Len(t, res.Records, want*2)
			assert.Equal(t, OutcomeRecords, res.Outcome)
			assert.NoError(t, res.Err)
		})
	}
}

func TestFetchAll_TwoPagesPreserveOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			writeJSON(w, http.StatusOK, pageBody(1, 100, 2))
		case "2":
			writeJSON(w, http.StatusOK, pageBody(101, 50, 2))
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).FetchAll(context.Background())

	require.Equal(t, OutcomeRecords, res.Outcome)
	require.Len(t, res.Records, 150)
	for i, id := range ids(res.Records) {
		if id != int64(i+1) {
			t.Fatalf("record %d has id %d, want %d", i, id, i+1)
		}
	}
}

func TestFetchAll_MissingPaginationStopsAfterFirstPage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{"items": []map[string]any{{"id": 1}, {"id": 2}}},
		})
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).FetchAll(context.Background())

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []int64{1, 2}, ids(res.Records))
}

func TestFetchAll_LaterPageWithoutPaginationKeepsEarlierCount(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("page") == "1" {
			writeJSON(w, http.StatusOK, pageBody(1, 1, 3))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{"items": []map[string]any{{"id": 9}}},
		})
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).FetchAll(context.Background())

	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, res.Records, 3)
}

func TestFetchAll_PageCountAsString(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"items":      []map[string]any{{"id": "1"}},
				"pagination": map[string]any{"pageCount": "2"},
			},
		})
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).FetchAll(context.Background())
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, res.Pages)
}

// ---- partial results and faults --------------------------------------------

func TestFetchAll_MissingItemsKeepsEarlierPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			writeJSON(w, http.StatusOK, pageBody(1, 3, 5))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"pagination": map[string]any{"pageCount": 5}}})
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).FetchAll(context.Background())

	assert.Equal(t, OutcomeRecords, res.Outcome)
	assert.Equal(t, []int64{1, 2, 3}, ids(res.Records))
	assert.Equal(t, 1, res.Pages)
	assert.ErrorIs(t, res.Err, ErrMissingItems)
}

func TestFetchAll_Non2xxOnLaterPageKeepsEarlierPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			writeJSON(w, http.StatusOK, pageBody(1, 4, 3))
			return
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).FetchAll(context.Background())

	assert.Equal(t, OutcomeRecords, res.Outcome)
	assert.Len(t, res.Records, 4)
	var apiErr *APIError
	require.ErrorAs(t, res.Err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestFetchAll_TransportFaultOnLaterPageIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			writeJSON(w, http.StatusOK, pageBody(1, 100, 3))
			return
		}
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).FetchAll(context.Background())

	assert.Equal(t, OutcomeNoData, res.Outcome)
	assert.Empty(t, res.Records)
	assert.Equal(t, 1, res.Pages)
	require.Error(t, res.Err)
	var apiErr *APIError
	assert.False(t, errors.As(res.Err, &apiErr))
}

func TestFetchAll_MalformedJSONOnLaterPageIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			writeJSON(w, http.StatusOK, pageBody(1, 100, 2))
			return
		}
		w.Write([]byte(`{"data": {"items": [`))
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).FetchAll(context.Background())

	assert.Equal(t, OutcomeNoData, res.Outcome)
	assert.Empty(t, res.Records)
	assert.ErrorIs(t, res.Err, ErrMalformedResponse)
}

func TestKeepsPartial(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"non-2xx", fmt.Errorf("hemis: page 2: %w", &APIError{StatusCode: 403}), true},
		{"missing items", fmt.Errorf("hemis: page 2: %w", ErrMissingItems), true},
		{"malformed", fmt.Errorf("hemis: page 2: %w", ErrMalformedResponse), false},
		{"breaker open", fmt.Errorf("hemis: page 2: %w", ErrCircuitOpen), false},
		{"deadline", fmt.Errorf("hemis: rate limiter: %w", context.DeadlineExceeded), false},
		{"transport", errors.New(`Get "http://hemis/logs?page=2": EOF`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keepsPartial(tt.err))
		})
	}
}

func TestFetchAll_MissingItemsOnFirstPageIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"message": "unauthorized"})
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).FetchAll(context.Background())
	assert.Equal(t, OutcomeNoData, res.Outcome)
	assert.Empty(t, res.Records)
}

func TestFetchAll_TransportFaultOnFirstPageIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := NewClient(testConfig(url)).FetchAll(context.Background())

	assert.Equal(t, OutcomeNoData, res.Outcome)
	assert.Empty(t, res.Records)
	assert.Error(t, res.Err)
}

func TestFetchAll_MalformedJSONIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>login</html>"))
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).FetchAll(context.Background())
	assert.Equal(t, OutcomeNoData, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrMalformedResponse)
}

func TestFetchAll_EmptyItemsIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pageBody(1, 0, 1))
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).FetchAll(context.Background())

	assert.Equal(t, OutcomeEmpty, res.Outcome)
	assert.Equal(t, 1, res.Pages)
	assert.Empty(t, res.Records)
	assert.NoError(t, res.Err)
}

func TestFetchAll_NotConfigured(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.BearerToken = ""
	res := NewClient(cfg).FetchAll(context.Background())
	assert.Equal(t, OutcomeNoData, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrNotConfigured)

	cfg = testConfig("")
	res = NewClient(cfg).FetchAll(context.Background())
	assert.ErrorIs(t, res.Err, ErrNotConfigured)

	assert.Zero(t, calls.Load())
}

func TestFetchAll_InvalidBaseURL(t *testing.T) {
	res := NewClient(testConfig("ftp://hemis.example.uz/logs")).FetchAll(context.Background())
	assert.Equal(t, OutcomeNoData, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrInvalidBaseURL)
}

func TestFetchAll_CancelledContextIsNoData(t *testing.T) {
	srv, calls := pagedServer(t, 3, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewClient(testConfig(srv.URL)).FetchAll(ctx)
	assert.Equal(t, OutcomeNoData, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, calls.Load())
}

// ---- request shape ----------------------------------------------------------

func TestFetchPage_RequestShape(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		writeJSON(w, http.StatusOK, pageBody(1, 1, 1))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL + "/rest/v1/data/admin-log?limit=200")
	cfg.CSRFToken = "csrf-value"
	res, err := NewClient(cfg).FetchPage(context.Background(), 4)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, 4, res.Page)
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/rest/v1/data/admin-log", got.URL.Path)
	assert.Equal(t, "200", got.URL.Query().Get("limit"))
	assert.Equal(t, "4", got.URL.Query().Get("page"))
	assert.Equal(t, "Bearer test-token", got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	cookie, err := got.Cookie("_csrf")
	require.NoError(t, err)
	assert.Equal(t, "csrf-value", cookie.Value)
}

func TestFetchPage_ReplacesExistingPageParam(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		writeJSON(w, http.StatusOK, pageBody(1, 1, 1))
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(srv.URL+"?page=9")).FetchPage(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "page=2", query)
}

func TestFetchPage_NoCookieWithoutCSRFToken(t *testing.T) {
	var cookies int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookies = len(r.Cookies())
		writeJSON(w, http.StatusOK, pageBody(1, 1, 1))
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(srv.URL)).FetchPage(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, cookies)
}

// ---- retries and breaker ----------------------------------------------------

func TestFetchPage_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, pageBody(1, 2, 1))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 2
	res, err := NewClient(cfg).FetchPage(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchPage_RetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 2
	_, err := NewClient(cfg).FetchPage(context.Background(), 1)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "boom", apiErr.Message)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchPage_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 3
	_, err := NewClient(cfg).FetchPage(context.Background(), 1)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchPage_RetriesTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusOK, pageBody(1, 1, 1))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 1
	_, err := NewClient(cfg).FetchPage(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchAll_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Breaker.FailureThreshold = 2
	client := NewClient(cfg)

	for i := 0; i < 2; i++ {
		res := client.FetchAll(context.Background())
		assert.Equal(t, OutcomeNoData, res.Outcome)
	}
	require.Equal(t, int32(2), calls.Load())

	res := client.FetchAll(context.Background())
	assert.Equal(t, OutcomeNoData, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach the server")
}

func TestFetchAll_ClientErrorsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Breaker.FailureThreshold = 1
	client := NewClient(cfg)

	for i := 0; i < 3; i++ {
		res := client.FetchAll(context.Background())
		assert.False(t, errors.Is(res.Err, ErrCircuitOpen))
	}
	assert.Equal(t, int32(3), calls.Load())
}

// ---- small helpers ----------------------------------------------------------

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Equal(t, maxRetryAfter, parseRetryAfter("3600"))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "no_data", OutcomeNoData.String())
	assert.Equal(t, "empty", OutcomeEmpty.String())
	assert.Equal(t, "records", OutcomeRecords.String())
}
