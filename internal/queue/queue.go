// Package queue implements the alarm queue lifecycle: normalize, enqueue,
// priority-ordered dequeue, status transitions and retention cleanup.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/storage"
)

// Defaults.
const (
	DefaultMaxRetries    = 3
	DefaultRetentionDays = 30
)

// Queue wraps a Storage with the queue lifecycle rules. Storage errors are
// always returned to the caller.
type Queue struct {
	store      storage.Storage
	now        func() time.Time
	newID      func() string
	maxRetries int
	logger     *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator overrides queue ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(q *Queue) { q.newID = newID }
}

// WithMaxRetries sets the maxRetries stamped on normalized entries.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New creates a Queue over store.
func New(store storage.Storage, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		now:        time.Now,
		newID:      uuid.NewString,
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists an entry whose priority was already resolved.
func (q *Queue) Enqueue(ctx context.Context, entry *domain.QueueEntry) (string, error) {
	if !entry.Priority.Valid() {
		return "", ErrPriorityNotResolved
	}

	id, err := q.store.Save(ctx, entry)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	recordEnqueued(entry.Priority)
	q.logger.Info("alarm enqueued",
		"queue_id", id,
		"customer_id", entry.CustomerID,
		"device_id", entry.DeviceID,
		"priority", int(entry.Priority),
	)
	return id, nil
}

// Dequeue claims up to batchSize entries of a tenant. PENDING entries come
// first; RETRY entries fill the remainder. Within each status entries are
// ordered by priority, then age. An empty tenantID spans all tenants.
func (q *Queue) Dequeue(ctx context.Context, tenantID string, batchSize int, priorities []domain.Priority) ([]*domain.QueueEntry, error) {
	if batchSize <= 0 {
		return []*domain.QueueEntry{}, nil
	}
	now := q.now()

	pending, err := q.store.FetchByStatusAndPriority(ctx, storage.FetchRequest{
		TenantID:   tenantID,
		Status:     domain.StatusPending,
		Limit:      batchSize,
		Priorities: priorities,
		Now:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue pending: %w", err)
	}
	recordDequeued(domain.StatusPending, len(pending))

	entries := make([]*domain.QueueEntry, 0, batchSize)
	entries = append(entries, pending...)
	if len(entries) >= batchSize {
		return entries, nil
	}

	retries, err := q.store.FetchByStatusAndPriority(ctx, storage.FetchRequest{
		TenantID:   tenantID,
		Status:     domain.StatusRetry,
		Limit:      batchSize - len(entries),
		Priorities: priorities,
		Now:        now,
	})
	if err != nil {
		return entries, fmt.Errorf("dequeue retry: %w", err)
	}
	recordDequeued(domain.StatusRetry, len(retries))

	return append(entries, retries...), nil
}

// Result carries the outcome fields of a dispatch attempt. Nil fields leave
// the stored value untouched.
type Result struct {
	HTTPStatus    *int
	ResponseBody  *string
	ErrorMessage  *string
	RetryCount    *int
	SentAt        *time.Time
	NextAttemptAt *time.Time
}

// UpdateStatus moves an entry to status, stamps lastAttemptAt and merges the
// given result fields. SENT entries get sentAt if the result has none.
func (q *Queue) UpdateStatus(ctx context.Context, id string, status domain.QueueStatus, res Result) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	now := q.now()
	upd := storage.EntryUpdate{
		Status:        &status,
		LastAttemptAt: &now,
		RetryCount:    res.RetryCount,
		SentAt:        res.SentAt,
		NextAttemptAt: res.NextAttemptAt,
		HTTPStatus:    res.HTTPStatus,
		ErrorMessage:  res.ErrorMessage,
		ResponseBody:  res.ResponseBody,
	}
	if status == domain.StatusSent && upd.SentAt == nil {
		upd.SentAt = &now
	}

	if err := q.store.UpdateEntry(ctx, id, upd); err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}

	recordTransition(status)
	q.logger.Debug("queue entry status updated", "queue_id", id, "status", status)
	return nil
}

// Release returns a claimed entry to status without counting an attempt.
func (q *Queue) Release(ctx context.Context, id string, status domain.QueueStatus) error {
	if !status.Dequeueable() {
		return fmt.Errorf("%w: cannot release to %q", ErrInvalidStatus, status)
	}
	if err := q.store.UpdateEntry(ctx, id, storage.EntryUpdate{Status: &status}); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// ShouldRetry reports whether the entry has attempts left.
func ShouldRetry(entry *domain.QueueEntry) bool {
	return entry.RetryCount < entry.MaxRetries
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, id string) (*domain.QueueEntry, error) {
	entry, err := q.store.GetEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return entry, nil
}

// Stats aggregates entries of a tenant, or all tenants if tenantID is empty.
func (q *Queue) Stats(ctx context.Context, tenantID string) (*storage.QueueStats, error) {
	stats, err := q.store.GetStats(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// TenantsWithWork lists tenants that have claimable entries now.
func (q *Queue) TenantsWithWork(ctx context.Context) ([]string, error) {
	tenants, err := q.store.ListTenantsWithWork(ctx, q.now())
	if err != nil {
		return nil, fmt.Errorf("list tenants with work: %w", err)
	}
	return tenants, nil
}

// CleanupOldEntries deletes entries created more than daysOld days ago in any
// status, including PENDING and RETRY. A non-positive daysOld selects
// DefaultRetentionDays.
func (q *Queue) CleanupOldEntries(ctx context.Context, daysOld int, tenantID string) (int64, error) {
	if daysOld <= 0 {
		daysOld = DefaultRetentionDays
	}
	cutoff := q.now().AddDate(0, 0, -daysOld)

	deleted, err := q.store.DeleteOlderThan(ctx, cutoff, tenantID)
	if err != nil {
		return deleted, fmt.Errorf("cleanup entries: %w", err)
	}

	entriesCleaned.Add(float64(deleted))
	q.logger.Info("old queue entries deleted",
		"deleted", deleted,
		"days_old", daysOld,
		"customer_id", tenantID,
	)
	return deleted, nil
}

// RecoverStuck returns entries claimed longer than olderThan ago to RETRY.
func (q *Queue) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	recovered, err := q.store.RecoverStuck(ctx, q.now().Add(-olderThan))
	if err != nil {
		return recovered, fmt.Errorf("recover stuck entries: %w", err)
	}
	if recovered > 0 {
		entriesRecovered.Add(float64(recovered))
		q.logger.Warn("stale SENDING entries returned to RETRY", "count", recovered)
	}
	return recovered, nil
}
