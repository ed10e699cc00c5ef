package ratelimit

import (
	"log/slog"
	"math"
	"time"

	"github.com/bissquit/alarm-relay/internal/domain"
)

// DefaultBaseDelaySeconds is used when a non-positive base delay is configured.
const DefaultBaseDelaySeconds = 10

// maxRetryDelay caps the exponential growth.
const maxRetryDelay = 24 * time.Hour

// CalculateRetryDelay returns the backoff before retry number retryCount:
// base*2^retryCount for exponential, base*(retryCount+1) for linear.
// Unknown strategies are treated as linear.
func CalculateRetryDelay(retryCount int, strategy domain.BackoffStrategy, baseDelaySeconds int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if baseDelaySeconds <= 0 {
		baseDelaySeconds = DefaultBaseDelaySeconds
	}
	base := time.Duration(baseDelaySeconds) * time.Second

	switch strategy {
	case domain.BackoffExponential:
		factor := math.Pow(2, float64(retryCount))
		if factor > float64(maxRetryDelay/base) {
			return maxRetryDelay
		}
		return base * time.Duration(factor)
	case domain.BackoffLinear:
	default:
		slog.Warn("unknown retry backoff strategy, using linear", "strategy", strategy)
	}
	return base * time.Duration(retryCount+1)
}
