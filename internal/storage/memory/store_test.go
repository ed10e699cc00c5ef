package memory

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func newEntry(id, tenant string, priority domain.Priority, status domain.QueueStatus, createdAt time.Time) *domain.QueueEntry {
	return &domain.QueueEntry{
		ID:            id,
		CustomerID:    tenant,
		DeviceID:      "dev-" + id,
		DeviceProfile: "3F_MEDIDOR",
		Priority:      priority,
		Payload:       domain.Payload{Text: "alarm " + id, DeviceName: "meter", EventTime: createdAt},
		Status:        status,
		MaxRetries:    3,
		CreatedAt:     createdAt,
	}
}

func TestStore_SaveAndGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	entry := newEntry("e1", "t1", domain.PriorityHigh, domain.StatusPending, base)
	id, err := s.Save(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, "e1", id)

	got, err := s.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	// Stored copy must not alias the caller's value.
	entry.Payload.Text = "mutated"
	got, err = s.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alarm e1", got.Payload.Text)
}

func TestStore_Save_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Save(ctx, newEntry("e1", "t1", 1, domain.StatusPending, base))
	require.NoError(t, err)
	_, err = s.Save(ctx, newEntry("e1", "t1", 1, domain.StatusPending, base))
	assert.ErrorIs(t, err, storage.ErrEntryExists)
}

func TestStore_GetEntry_NotFound(t *testing.T) {
	_, err := New().GetEntry(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrEntryNotFound)
}

func TestStore_FetchByStatusAndPriority_OrderAndClaim(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, e := range []*domain.QueueEntry{
		newEntry("low-old", "t1", domain.PriorityLow, domain.StatusPending, base),
		newEntry("crit-new", "t1", domain.PriorityCritical, domain.StatusPending, base.Add(2*time.Minute)),
		newEntry("crit-old", "t1", domain.PriorityCritical, domain.StatusPending, base.Add(time.Minute)),
		newEntry("med", "t1", domain.PriorityMedium, domain.StatusPending, base),
		newEntry("other-tenant", "t2", domain.PriorityCritical, domain.StatusPending, base),
	} {
		_, err := s.Save(ctx, e)
		require.NoError(t, err)
	}

	got, err := s.FetchByStatusAndPriority(ctx, storage.FetchRequest{
		TenantID: "t1",
		Status:   domain.StatusPending,
		Limit:    3,
		Now:      base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "crit-old", got[0].ID)
	assert.Equal(t, "crit-new", got[1].ID)
	assert.Equal(t, "med", got[2].ID)
	for _, e := range got {
		assert.Equal(t, domain.StatusSending, e.Status)
		require.NotNil(t, e.ClaimedAt)
	}

	// Claimed entries are not handed out twice.
	again, err := s.FetchByStatusAndPriority(ctx, storage.FetchRequest{
		TenantID: "t1",
		Status:   domain.StatusPending,
		Limit:    10,
		Now:      base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "low-old", again[0].ID)
}

func TestStore_FetchByStatusAndPriority_PriorityFilter(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, _ = s.Save(ctx, newEntry("p1", "t1", domain.PriorityCritical, domain.StatusPending, base))
	_, _ = s.Save(ctx, newEntry("p4", "t1", domain.PriorityLow, domain.StatusPending, base))

	got, err := s.FetchByStatusAndPriority(ctx, storage.FetchRequest{
		Status:     domain.StatusPending,
		Limit:      10,
		Priorities: []domain.Priority{domain.PriorityLow},
		Now:        base,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p4", got[0].ID)
}

func TestStore_FetchByStatusAndPriority_RetryNotDue(t *testing.T) {
	ctx := context.Background()
	s := New()

	notDue := newEntry("later", "t1", domain.PriorityHigh, domain.StatusRetry, base)
	next := base.Add(time.Minute)
	notDue.NextAttemptAt = &next
	_, _ = s.Save(ctx, notDue)

	got, err := s.FetchByStatusAndPriority(ctx, storage.FetchRequest{
		Status: domain.StatusRetry, Limit: 10, Now: base,
	})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.FetchByStatusAndPriority(ctx, storage.FetchRequest{
		Status: domain.StatusRetry, Limit: 10, Now: next,
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_UpdateEntry_Partial(t *testing.T) {
	ctx := context.Background()
	s := New()

	e := newEntry("e1", "t1", 2, domain.StatusSending, base)
	e.HTTPStatus = 500
	e.ErrorMessage = "boom"
	_, _ = s.Save(ctx, e)

	status := domain.StatusRetry
	retries := 1
	require.NoError(t, s.UpdateEntry(ctx, "e1", storage.EntryUpdate{Status: &status, RetryCount: &retries}))

	got, err := s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 500, got.HTTPStatus)
	assert.Equal(t, "boom", got.ErrorMessage)

	assert.ErrorIs(t, s.UpdateEntry(ctx, "missing", storage.EntryUpdate{}), storage.ErrEntryNotFound)
}

func TestStore_GetStats(t *testing.T) {
	ctx := context.Background()
	s := New()

	sent := newEntry("sent", "t1", domain.PriorityCritical, domain.StatusSent, base)
	sentAt := base.Add(2 * time.Second)
	sent.SentAt = &sentAt
	_, _ = s.Save(ctx, sent)
	_, _ = s.Save(ctx, newEntry("pending", "t1", domain.PriorityLow, domain.StatusPending, base))
	_, _ = s.Save(ctx, newEntry("failed", "t1", domain.PriorityLow, domain.StatusFailed, base))
	_, _ = s.Save(ctx, newEntry("retry", "t2", domain.PriorityHigh, domain.StatusRetry, base))

	stats, err := s.GetStats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Retry)
	assert.Equal(t, int64(2), stats.ByPriority[domain.PriorityLow])
	assert.Equal(t, int64(0), stats.ByPriority[domain.PriorityMedium])
	assert.InDelta(t, 2000.0, stats.AvgLatencyMs, 0.001)

	all, err := s.GetStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), all.Total)
	assert.Equal(t, int64(1), all.Retry)
}

func TestStore_DeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, _ = s.Save(ctx, newEntry("old-pending", "t1", 1, domain.StatusPending, base.Add(-48*time.Hour)))
	_, _ = s.Save(ctx, newEntry("old-other", "t2", 1, domain.StatusSent, base.Add(-48*time.Hour)))
	_, _ = s.Save(ctx, newEntry("fresh", "t1", 1, domain.StatusSent, base))

	deleted, err := s.DeleteOlderThan(ctx, base.Add(-24*time.Hour), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = s.DeleteOlderThan(ctx, base.Add(-24*time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.GetEntry(ctx, "fresh")
	assert.NoError(t, err)
}

func TestStore_RateLimitState(t *testing.T) {
	ctx := context.Background()
	s := New()

	state, err := s.GetRateLimitState(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, state.LastDispatchAt)
	assert.Zero(t, state.BatchCount)

	count := int64(3)
	require.NoError(t, s.UpdateRateLimitState(ctx, "t1", storage.RateLimitUpdate{LastDispatchAt: &base, BatchCount: &count}))

	state, err = s.GetRateLimitState(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, state.LastDispatchAt)
	assert.True(t, base.Equal(*state.LastDispatchAt))
	assert.Equal(t, int64(3), state.BatchCount)
}

func TestStore_ListTenantsWithWork(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, _ = s.Save(ctx, newEntry("a", "t2", 1, domain.StatusPending, base))
	_, _ = s.Save(ctx, newEntry("b", "t1", 1, domain.StatusRetry, base))
	_, _ = s.Save(ctx, newEntry("c", "t3", 1, domain.StatusSent, base))
	later := newEntry("d", "t4", 1, domain.StatusRetry, base)
	next := base.Add(time.Hour)
	later.NextAttemptAt = &next
	_, _ = s.Save(ctx, later)

	tenants, err := s.ListTenantsWithWork(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, tenants)
}

func TestStore_RecoverStuck(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, _ = s.Save(ctx, newEntry("a", "t1", 1, domain.StatusPending, base))
	_, err := s.FetchByStatusAndPriority(ctx, storage.FetchRequest{Status: domain.StatusPending, Limit: 1, Now: base})
	require.NoError(t, err)

	recovered, err := s.RecoverStuck(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	recovered, err = s.RecoverStuck(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	got, err := s.GetEntry(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetry, got.Status)
	assert.Nil(t, got.ClaimedAt)
}

func TestStore_TenantConfig(t *testing.T) {
	ctx := context.Background()
	s := New()

	cfg, err := s.GetTenantConfig(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	s.PutTenantConfig("t1", domain.TenantConfig{Enabled: true})
	cfg, err = s.GetTenantConfig(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.Enabled)
}
