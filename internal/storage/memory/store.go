// Package memory provides an in-memory storage backend.
// Safe for concurrent access. Intended for development, tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/storage"
)

var (
	_ storage.Storage            = (*Store)(nil)
	_ storage.TenantConfigSource = (*Store)(nil)
)

// Store keeps entries, rate limit state and tenant configs in maps.
type Store struct {
	mu sync.RWMutex

	entries    map[string]*domain.QueueEntry
	rateLimits map[string]domain.RateLimitState
	tenants    map[string]*domain.TenantConfig
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		entries:    make(map[string]*domain.QueueEntry),
		rateLimits: make(map[string]domain.RateLimitState),
		tenants:    make(map[string]*domain.TenantConfig),
	}
}

// Ping always succeeds.
func (m *Store) Ping(_ context.Context) error { return nil }

// Save stores a copy of the entry.
func (m *Store) Save(_ context.Context, entry *domain.QueueEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[entry.ID]; exists {
		return "", storage.ErrEntryExists
	}
	m.entries[entry.ID] = entry.Clone()
	return entry.ID, nil
}

// FetchByStatusAndPriority claims matching entries under the write lock.
func (m *Store) FetchByStatusAndPriority(_ context.Context, req storage.FetchRequest) ([]*domain.QueueEntry, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := make(map[domain.Priority]struct{})
	for _, p := range storage.PrioritiesOrDefault(req.Priorities) {
		allowed[p] = struct{}{}
	}

	candidates := make([]*domain.QueueEntry, 0)
	for _, e := range m.entries {
		if e.Status != req.Status {
			continue
		}
		if req.TenantID != "" && e.CustomerID != req.TenantID {
			continue
		}
		if _, ok := allowed[e.Priority]; !ok {
			continue
		}
		if !due(e, req.Now) {
			continue
		}
		candidates = append(candidates, e)
	}

	sortEntries(candidates)
	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	claimedAt := req.Now
	result := make([]*domain.QueueEntry, len(candidates))
	for i, e := range candidates {
		e.Status = domain.StatusSending
		t := claimedAt
		e.ClaimedAt = &t
		result[i] = e.Clone()
	}
	return result, nil
}

// UpdateEntry merges the update into the stored entry.
func (m *Store) UpdateEntry(_ context.Context, id string, upd storage.EntryUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return storage.ErrEntryNotFound
	}
	upd.Apply(e)
	return nil
}

// GetEntry returns a copy of the entry.
func (m *Store) GetEntry(_ context.Context, id string) (*domain.QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, storage.ErrEntryNotFound
	}
	return e.Clone(), nil
}

// GetStats aggregates entries.
func (m *Store) GetStats(_ context.Context, tenantID string) (*storage.QueueStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := storage.NewQueueStats()
	var latencySum time.Duration
	var latencyCount int64
	for _, e := range m.entries {
		if tenantID != "" && e.CustomerID != tenantID {
			continue
		}
		stats.Add(e.Status, e.Priority)
		if e.Status == domain.StatusSent && e.SentAt != nil {
			latencySum += e.SentAt.Sub(e.CreatedAt)
			latencyCount++
		}
	}
	if latencyCount > 0 {
		stats.AvgLatencyMs = float64(latencySum.Milliseconds()) / float64(latencyCount)
	}
	return stats, nil
}

// DeleteOlderThan removes entries created before cutoff.
func (m *Store) DeleteOlderThan(_ context.Context, cutoff time.Time, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, e := range m.entries {
		if tenantID != "" && e.CustomerID != tenantID {
			continue
		}
		if e.CreatedAt.Before(cutoff) {
			delete(m.entries, id)
			deleted++
		}
	}
	return deleted, nil
}

// GetRateLimitState returns the zero state for unknown tenants.
func (m *Store) GetRateLimitState(_ context.Context, tenantID string) (domain.RateLimitState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.rateLimits[tenantID], nil
}

// UpdateRateLimitState merges the update into the tenant state.
func (m *Store) UpdateRateLimitState(_ context.Context, tenantID string, upd storage.RateLimitUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.rateLimits[tenantID]
	upd.Apply(&state)
	m.rateLimits[tenantID] = state
	return nil
}

// ListTenantsWithWork returns tenants with claimable entries, sorted.
func (m *Store) ListTenantsWithWork(_ context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range m.entries {
		if !e.Status.Dequeueable() || !due(e, now) {
			continue
		}
		seen[e.CustomerID] = struct{}{}
	}

	tenants := make([]string, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// RecoverStuck returns long-claimed SENDING entries to RETRY.
func (m *Store) RecoverStuck(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recovered int64
	for _, e := range m.entries {
		if e.Status != domain.StatusSending || e.ClaimedAt == nil || !e.ClaimedAt.Before(cutoff) {
			continue
		}
		e.Status = domain.StatusRetry
		e.ClaimedAt = nil
		recovered++
	}
	return recovered, nil
}

// GetTenantConfig returns (nil, nil) for unknown tenants.
func (m *Store) GetTenantConfig(_ context.Context, tenantID string) (*domain.TenantConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

// PutTenantConfig stores the config of a tenant.
func (m *Store) PutTenantConfig(tenantID string, cfg domain.TenantConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tenants[tenantID] = &cfg
}

// due reports whether a RETRY entry's backoff has elapsed. Other statuses are always due.
func due(e *domain.QueueEntry, now time.Time) bool {
	if e.Status != domain.StatusRetry || e.NextAttemptAt == nil {
		return true
	}
	return !e.NextAttemptAt.After(now)
}

// sortEntries orders by priority ascending, then creation time ascending.
func sortEntries(entries []*domain.QueueEntry) {
	sort.SliceStable(entries, func(i, k int) bool {
		if entries[i].Priority != entries[k].Priority {
			return entries[i].Priority < entries[k].Priority
		}
		if !entries[i].CreatedAt.Equal(entries[k].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[k].CreatedAt)
		}
		return entries[i].ID < entries[k].ID
	})
}
