// Package retry connects to startup dependencies with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy bounds the connection attempts to one dependency.
type Policy struct {
	Attempts int
	// Base is the first wait. Zero means one second.
	Base time.Duration
	// Max caps the wait. Zero means 16 seconds.
	Max    time.Duration
	Logger *slog.Logger
}

// Backoff returns the wait after the given failed attempt, counting from 1.
func (p Policy) Backoff(attempt int) time.Duration {
	base, limit := p.Base, p.Max
	if base <= 0 {
		base = time.Second
	}
	if limit <= 0 {
		limit = 16 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return limit
	}
	d := base << (attempt - 1)
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

// Connect calls dial until it succeeds, the attempts run out or ctx ends.
// backend names the dependency in logs and errors.
func Connect[T any](ctx context.Context, backend string, p Policy, dial func(context.Context) (T, error)) (T, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := dial(ctx)
		if err == nil {
			logger.Info("backend connected", "backend", backend, "attempts", attempt)
			return conn, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		wait := p.Backoff(attempt)
		logger.Warn("backend unreachable, retrying",
			"backend", backend,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", wait,
			"error", err,
		)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("connect to %s cancelled: %w", backend, ctx.Err())
		}
	}

	return zero, fmt.Errorf("connect to %s after %d attempts: %w", backend, attempts, lastErr)
}
