package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bissquit/alarm-relay/internal/domain"
)

func TestCalculateRetryDelay(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		strategy   domain.BackoffStrategy
		base       int
		want       time.Duration
	}{
		{name: "exponential 0", retryCount: 0, strategy: domain.BackoffExponential, base: 10, want: 10 * time.Second},
		{name: "exponential 2", retryCount: 2, strategy: domain.BackoffExponential, base: 10, want: 40000 * time.Millisecond},
		{name: "linear 0", retryCount: 0, strategy: domain.BackoffLinear, base: 10, want: 10 * time.Second},
		{name: "linear 2", retryCount: 2, strategy: domain.BackoffLinear, base: 10, want: 30000 * time.Millisecond},
		{name: "unknown behaves as linear", retryCount: 2, strategy: "fibonacci", base: 10, want: 30 * time.Second},
		{name: "negative count clamped", retryCount: -3, strategy: domain.BackoffExponential, base: 10, want: 10 * time.Second},
		{name: "non-positive base defaults to 10", retryCount: 1, strategy: domain.BackoffLinear, base: 0, want: 20 * time.Second},
		{name: "exponential capped", retryCount: 40, strategy: domain.BackoffExponential, base: 10, want: maxRetryDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateRetryDelay(tt.retryCount, tt.strategy, tt.base))
		})
	}
}
