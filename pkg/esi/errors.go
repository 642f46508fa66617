package esi

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the two API responses the fetcher treats specially.
var (
	// ErrNotFound means the killmail does not exist or the hash is wrong.
	// Not retryable; the ref is discarded.
	ErrNotFound = errors.New("killmail not found")

	// ErrRateLimited means the API error budget is exhausted. The caller
	// must pause all fetching before retrying.
	ErrRateLimited = errors.New("api error budget exhausted")
)

// StatusError is a non-2xx response outside the sentinel cases.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the response class is worth another attempt.
// Server-side errors are transient; other client errors are not.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500
}

// IsRetryable classifies a fetch error. Transport failures and 5xx responses
// are retryable; not-found, budget exhaustion, decode failures, and caller
// cancellation are not. Budget exhaustion is excluded here because it needs
// a pause, not a plain retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRateLimited) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return false
	}
	// Everything else is a transport-level failure: resets, timeouts, DNS.
	return true
}

// DecodeError wraps a malformed response body. The payload will not improve
// on retry, so these are dropped.
type DecodeError struct {
	KillID int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode killmail %d: %v", e.KillID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
