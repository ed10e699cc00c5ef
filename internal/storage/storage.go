// Package storage defines the persistence boundary of the alarm queue.
//
// Every backend must honour the same contracts: claims are ordered by priority
// ascending then created_at ascending, GetRateLimitState returns a zero value
// for unknown tenants, and UpdateEntry only touches the fields it is given.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bissquit/alarm-relay/internal/domain"
)

// Storage errors.
var (
	ErrEntryNotFound = errors.New("queue entry not found")
	ErrEntryExists   = errors.New("queue entry already exists")
)

// Storage persists queue entries and per-tenant rate limit state.
type Storage interface {
	// Save persists a new entry and returns its ID.
	Save(ctx context.Context, entry *domain.QueueEntry) (string, error)

	// FetchByStatusAndPriority atomically claims up to req.Limit entries in
	// req.Status, moving them to SENDING, and returns them ordered by priority
	// then creation time. RETRY entries are only claimed once due.
	FetchByStatusAndPriority(ctx context.Context, req FetchRequest) ([]*domain.QueueEntry, error)

	// UpdateEntry merges the non-nil fields of upd into the stored entry.
	UpdateEntry(ctx context.Context, id string, upd EntryUpdate) error

	// GetEntry returns ErrEntryNotFound if the entry does not exist.
	GetEntry(ctx context.Context, id string) (*domain.QueueEntry, error)

	// GetStats aggregates entries of one tenant, or all tenants if tenantID is empty.
	GetStats(ctx context.Context, tenantID string) (*QueueStats, error)

	// DeleteOlderThan removes entries created before cutoff regardless of status.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, tenantID string) (int64, error)

	// GetRateLimitState returns the zero state for tenants that never dispatched.
	GetRateLimitState(ctx context.Context, tenantID string) (domain.RateLimitState, error)
	UpdateRateLimitState(ctx context.Context, tenantID string, upd RateLimitUpdate) error

	// ListTenantsWithWork returns tenants having PENDING entries or RETRY entries due at now.
	ListTenantsWithWork(ctx context.Context, now time.Time) ([]string, error)

	// RecoverStuck moves SENDING entries claimed before cutoff back to RETRY.
	RecoverStuck(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// FetchRequest selects entries to claim.
type FetchRequest struct {
	TenantID   string // empty means any tenant
	Status     domain.QueueStatus
	Limit      int
	Priorities []domain.Priority
	Now        time.Time
}

// EntryUpdate holds the fields to change on an entry. Nil fields are left untouched.
type EntryUpdate struct {
	Status        *domain.QueueStatus
	RetryCount    *int
	LastAttemptAt *time.Time
	SentAt        *time.Time
	NextAttemptAt *time.Time
	HTTPStatus    *int
	ErrorMessage  *string
	ResponseBody  *string
}

// Apply merges upd into e.
func (upd EntryUpdate) Apply(e *domain.QueueEntry) {
	if upd.Status != nil {
		e.Status = *upd.Status
		if *upd.Status != domain.StatusSending {
			e.ClaimedAt = nil
		}
	}
	if upd.RetryCount != nil {
		e.RetryCount = *upd.RetryCount
	}
	if upd.LastAttemptAt != nil {
		t := *upd.LastAttemptAt
		e.LastAttemptAt = &t
	}
	if upd.SentAt != nil {
		t := *upd.SentAt
		e.SentAt = &t
	}
	if upd.NextAttemptAt != nil {
		t := *upd.NextAttemptAt
		e.NextAttemptAt = &t
	}
	if upd.HTTPStatus != nil {
		e.HTTPStatus = *upd.HTTPStatus
	}
	if upd.ErrorMessage != nil {
		e.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ResponseBody != nil {
		e.ResponseBody = *upd.ResponseBody
	}
}

// RateLimitUpdate holds the rate limit fields to change. Nil fields are left untouched.
type RateLimitUpdate struct {
	LastDispatchAt *time.Time
	BatchCount     *int64
}

// Apply merges upd into s.
func (upd RateLimitUpdate) Apply(s *domain.RateLimitState) {
	if upd.LastDispatchAt != nil {
		t := *upd.LastDispatchAt
		s.LastDispatchAt = &t
	}
	if upd.BatchCount != nil {
		s.BatchCount = *upd.BatchCount
	}
}

// QueueStats aggregates queue entries.
type QueueStats struct {
	Total      int64                     `json:"total"`
	Pending    int64                     `json:"pending"`
	Sending    int64                     `json:"sending"`
	Sent       int64                     `json:"sent"`
	Failed     int64                     `json:"failed"`
	Retry      int64                     `json:"retry"`
	ByPriority map[domain.Priority]int64 `json:"byPriority"`
	// AvgLatencyMs is the mean time from enqueue to SENT.
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// NewQueueStats returns stats with every priority bucket present.
func NewQueueStats() *QueueStats {
	s := &QueueStats{ByPriority: make(map[domain.Priority]int64, len(domain.AllPriorities))}
	for _, p := range domain.AllPriorities {
		s.ByPriority[p] = 0
	}
	return s
}

// Add counts one entry with the given status and priority.
func (s *QueueStats) Add(status domain.QueueStatus, priority domain.Priority) {
	s.AddN(status, priority, 1)
}

// AddN counts n entries with the given status and priority.
func (s *QueueStats) AddN(status domain.QueueStatus, priority domain.Priority, n int64) {
	s.Total += n
	s.ByPriority[priority] += n
	switch status {
	case domain.StatusPending:
		s.Pending += n
	case domain.StatusSending:
		s.Sending += n
	case domain.StatusSent:
		s.Sent += n
	case domain.StatusFailed:
		s.Failed += n
	case domain.StatusRetry:
		s.Retry += n
	}
}

// TenantConfigSource reads tenant configuration from the attribute store.
// A missing config is reported as (nil, nil).
type TenantConfigSource interface {
	GetTenantConfig(ctx context.Context, tenantID string) (*domain.TenantConfig, error)
}

// PrioritiesOrDefault returns all priorities when ps is empty.
func PrioritiesOrDefault(ps []domain.Priority) []domain.Priority {
	if len(ps) == 0 {
		return domain.AllPriorities
	}
	return ps
}
