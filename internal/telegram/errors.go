package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RateLimitError is returned on HTTP 429. RetryAfter is the server-suggested wait.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("telegram rate limited, retry after %s: %s", e.RetryAfter, e.Message)
}

// IsRetryable returns true as rate limits are temporary.
func (e *RateLimitError) IsRetryable() bool { return true }

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.Code, e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.Code, e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }

type retryable interface {
	IsRetryable() bool
}

// IsRetryable reports whether err is a classified temporary error.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// GetRetryAfter returns the server-suggested wait, or 0 if err is not a rate limit.
func GetRetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// StatusCode returns the HTTP-like code carried by a classified error, or 0.
func StatusCode(err error) int {
	var (
		rl   *RateLimitError
		perm *PermanentError
		temp *RetryableError
	)
	switch {
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.As(err, &perm):
		return perm.Code
	case errors.As(err, &temp):
		return temp.Code
	}
	return 0
}
