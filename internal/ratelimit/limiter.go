// Package ratelimit spaces batch dispatches per tenant and computes retry backoff.
//
// The limiter fails open: when state or config cannot be read a tenant is
// allowed to send, so a storage outage never stops all traffic.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/storage"
	"github.com/bissquit/alarm-relay/internal/tenant"
)

// DefaultRateControl applies to tenants without their own rate control settings.
var DefaultRateControl = domain.RateControl{
	BatchSize:                  10,
	DelayBetweenBatchesSeconds: 60,
	MaxRetries:                 3,
	RetryBackoff:               domain.BackoffExponential,
	BaseDelaySeconds:           DefaultBaseDelaySeconds,
}

// StateStore persists rate limit state.
type StateStore interface {
	GetRateLimitState(ctx context.Context, tenantID string) (domain.RateLimitState, error)
	UpdateRateLimitState(ctx context.Context, tenantID string, upd storage.RateLimitUpdate) error
}

// Limiter decides when a tenant may dispatch its next batch.
type Limiter struct {
	store    StateStore
	configs  tenant.Provider
	defaults domain.RateControl
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter. Zero fields of defaults are taken from DefaultRateControl.
func New(store StateStore, configs tenant.Provider, defaults domain.RateControl, opts ...Option) *Limiter {
	l := &Limiter{
		store:    store,
		configs:  configs,
		defaults: defaults.WithDefaults(DefaultRateControl),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RateControl returns the effective settings of a tenant. Disabled tenants
// keep their rate control.
func (l *Limiter) RateControl(ctx context.Context, tenantID string) domain.RateControl {
	cfg, err := l.configs.Get(ctx, tenantID)
	if err != nil {
		l.logger.Warn("tenant config unavailable, using default rate control",
			"customer_id", tenantID,
			"error", err,
		)
		return l.defaults
	}
	if cfg == nil {
		return l.defaults
	}
	return cfg.RateControl.Resolve(l.defaults)
}

// CanSendBatch reports whether the batch delay has elapsed since the last dispatch.
func (l *Limiter) CanSendBatch(ctx context.Context, tenantID string) bool {
	return l.WaitTime(ctx, tenantID) == 0
}

// WaitTime returns how long the tenant must wait before its next batch.
// Errors yield zero.
func (l *Limiter) WaitTime(ctx context.Context, tenantID string) time.Duration {
	state, err := l.store.GetRateLimitState(ctx, tenantID)
	if err != nil {
		l.logger.Warn("rate limit state unavailable, allowing dispatch",
			"customer_id", tenantID,
			"error", err,
		)
		return 0
	}
	if state.LastDispatchAt == nil {
		return 0
	}

	delay := time.Duration(l.RateControl(ctx, tenantID).DelayBetweenBatchesSeconds) * time.Second
	elapsed := l.now().Sub(*state.LastDispatchAt)
	if elapsed >= delay {
		return 0
	}
	return delay - elapsed
}

// RecordBatchDispatch stamps the dispatch time and increments the batch
// counter. Failures are logged and swallowed since the batch was already sent.
// If the current state cannot be read only the timestamp is written, so the
// stored counter is not reset.
func (l *Limiter) RecordBatchDispatch(ctx context.Context, tenantID string, batchSize int) {
	now := l.now()
	upd := storage.RateLimitUpdate{LastDispatchAt: &now}

	state, err := l.store.GetRateLimitState(ctx, tenantID)
	if err != nil {
		l.logger.Error("read rate limit state, batch count not updated",
			"customer_id", tenantID,
			"error", err,
		)
	} else {
		count := state.BatchCount + 1
		upd.BatchCount = &count
	}

	if err := l.store.UpdateRateLimitState(ctx, tenantID, upd); err != nil {
		l.logger.Error("record batch dispatch",
			"customer_id", tenantID,
			"batch_size", batchSize,
			"error", err,
		)
		return
	}

	l.logger.Debug("batch dispatch recorded",
		"customer_id", tenantID,
		"batch_size", batchSize,
	)
}

// ShouldRetryNow reports whether the backoff since the last attempt has elapsed.
func (l *Limiter) ShouldRetryNow(entry *domain.QueueEntry, rc domain.RateControl) bool {
	if entry.LastAttemptAt == nil {
		return true
	}
	delay := CalculateRetryDelay(entry.RetryCount, rc.RetryBackoff, rc.BaseDelaySeconds)
	return l.now().Sub(*entry.LastAttemptAt) >= delay
}

// Stats describes the rate limit state of a tenant.
type Stats struct {
	CustomerID                 string     `json:"customerId"`
	LastDispatchAt             *time.Time `json:"lastDispatchAt,omitempty"`
	BatchCount                 int64      `json:"batchCount"`
	BatchSize                  int        `json:"batchSize"`
	DelayBetweenBatchesSeconds int        `json:"delayBetweenBatchesSeconds"`
	CanSendNow                 bool       `json:"canSendNow"`
	WaitTimeMs                 int64      `json:"waitTimeMs"`
}

// Stats returns the rate limit state of a tenant. Unlike the dispatch checks
// it reports storage errors.
func (l *Limiter) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	state, err := l.store.GetRateLimitState(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	rc := l.RateControl(ctx, tenantID)
	wait := l.WaitTime(ctx, tenantID)

	return &Stats{
		CustomerID:                 tenantID,
		LastDispatchAt:             state.LastDispatchAt,
		BatchCount:                 state.BatchCount,
		BatchSize:                  rc.BatchSize,
		DelayBetweenBatchesSeconds: rc.DelayBetweenBatchesSeconds,
		CanSendNow:                 wait == 0,
		WaitTimeMs:                 wait.Milliseconds(),
	}, nil
}
