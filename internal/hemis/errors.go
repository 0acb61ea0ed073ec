package hemis

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConfigured is returned when the base URL or bearer token is empty.
	ErrNotConfigured = errors.New("hemis API is not configured: base URL and bearer token are required")

	// ErrInvalidBaseURL is returned when the configured base URL cannot be parsed.
	ErrInvalidBaseURL = errors.New("hemis API base URL is invalid")

	// ErrMissingItems is returned when a page body has no data.items field.
	ErrMissingItems = errors.New("hemis response has no data.items")

	// ErrMalformedResponse is returned when a page body is not the expected JSON.
	ErrMalformedResponse = errors.New("hemis response is not valid JSON")

	// ErrCircuitOpen is returned while the breaker rejects page requests.
	ErrCircuitOpen = errors.New("hemis API circuit breaker is open")
)

// APIError is a non-2xx response from the Hemis API.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("hemis API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("hemis API error (status %d)", e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
