package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/storage"
)

var base = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, nil), mr
}

func newEntry(id, tenant string, priority domain.Priority, status domain.QueueStatus, createdAt time.Time) *domain.QueueEntry {
	return &domain.QueueEntry{
		ID:            id,
		CustomerID:    tenant,
		DeviceID:      "dev-" + id,
		DeviceProfile: "3F_MEDIDOR",
		Priority:      priority,
		Payload:       domain.Payload{Text: "alarm " + id, DeviceName: "meter", DeviceType: "meter", EventTime: createdAt},
		Status:        status,
		MaxRetries:    3,
		CreatedAt:     createdAt,
	}
}

func TestStore_SaveAndGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	entry := newEntry("e1", "t1", domain.PriorityHigh, domain.StatusPending, base)
	last := base.Add(time.Second)
	entry.LastAttemptAt = &last
	entry.HTTPStatus = 502
	entry.ErrorMessage = "bad gateway"

	id, err := s.Save(ctx, entry)
	require.NoError(t, err)

	got, err := s.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	_, err = s.Save(ctx, entry)
	assert.ErrorIs(t, err, storage.ErrEntryExists)

	_, err = s.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrEntryNotFound)
}

func TestStore_FetchByStatusAndPriority(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	for _, e := range []*domain.QueueEntry{
		newEntry("low", "t1", domain.PriorityLow, domain.StatusPending, base),
		newEntry("crit-new", "t1", domain.PriorityCritical, domain.StatusPending, base.Add(2*time.Minute)),
		newEntry("crit-old", "t1", domain.PriorityCritical, domain.StatusPending, base.Add(time.Minute)),
		newEntry("med", "t1", domain.PriorityMedium, domain.StatusPending, base),
		newEntry("other", "t2", domain.PriorityCritical, domain.StatusPending, base),
	} {
		_, err := s.Save(ctx, e)
		require.NoError(t, err)
	}

	now := base.Add(time.Hour)
	got, err := s.FetchByStatusAndPriority(ctx, storage.FetchRequest{
		TenantID: "t1", Status: domain.StatusPending, Limit: 3, Now: now,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "crit-old", got[0].ID)
	assert.Equal(t, "crit-new", got[1].ID)
	assert.Equal(t, "med", got[2].ID)
	for _, e := range got {
		assert.Equal(t, domain.StatusSending, e.Status)
		require.NotNil(t, e.ClaimedAt)
		assert.True(t, now.Equal(*e.ClaimedAt))
	}

	sending, err := mr.ZMembers(tenantStatusKey("SENDING", "t1"))
	require.NoError(t, err)
	assert.Len(t, sending, 3)

	again, err := s.FetchByStatusAndPriority(ctx, storage.FetchRequest{
		TenantID: "t1", Status: domain.StatusPending, Limit: 10, Now: now,
	})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "low", again[0].ID)
}

func TestStore_FetchByStatusAndPriority_Filters(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, _ = s.Save(ctx, newEntry("p1", "t1", domain.PriorityCritical, domain.StatusPending, base))
	_, _ = s.Save(ctx, newEntry("p4", "t2", domain.PriorityLow, domain.StatusPending, base))

	retry := newEntry("r1", "t1", domain.PriorityHigh, domain.StatusRetry, base)
	next := base.Add(time.Minute)
	retry.NextAttemptAt = &next
	_, _ = s.Save(ctx, retry)

	tests := []struct {
		name string
		req  storage.FetchRequest
		want []string
	}{
		{
			name: "priority filter across tenants",
			req:  storage.FetchRequest{Status: domain.StatusPending, Limit: 10, Priorities: []domain.Priority{domain.PriorityLow}, Now: base},
			want: []string{"p4"},
		},
		{
			name: "retry not yet due",
			req:  storage.FetchRequest{Status: domain.StatusRetry, Limit: 10, Now: base},
			want: []string{},
		},
		{
			name: "retry due",
			req:  storage.FetchRequest{Status: domain.StatusRetry, Limit: 10, Now: next},
			want: []string{"r1"},
		},
		{
			name: "zero limit",
			req:  storage.FetchRequest{Status: domain.StatusPending, Limit: 0, Now: base},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.FetchByStatusAndPriority(ctx, tt.req)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, e := range got {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestStore_UpdateEntry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, err := s.Save(ctx, newEntry("e1", "t1", domain.PriorityHigh, domain.StatusPending, base))
	require.NoError(t, err)
	_, err = s.FetchByStatusAndPriority(ctx, storage.FetchRequest{Status: domain.StatusPending, Limit: 1, Now: base})
	require.NoError(t, err)

	status := domain.StatusRetry
	retries := 1
	next := base.Add(20 * time.Second)
	msg := "too many requests"
	code := 429
	require.NoError(t, s.UpdateEntry(ctx, "e1", storage.EntryUpdate{
		Status: &status, RetryCount: &retries, NextAttemptAt: &next, ErrorMessage: &msg, HTTPStatus: &code,
	}))

	got, err := s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 429, got.HTTPStatus)
	assert.Equal(t, "too many requests", got.ErrorMessage)
	assert.Nil(t, got.ClaimedAt)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, next.Equal(*got.NextAttemptAt))
	assert.Equal(t, "alarm e1", got.Payload.Text)

	retrying, err := mr.ZMembers(tenantStatusKey("RETRY", "t1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, retrying)
	assert.Zero(t, s.client.ZCard(ctx, tenantStatusKey("SENDING", "t1")).Val())

	assert.ErrorIs(t, s.UpdateEntry(ctx, "missing", storage.EntryUpdate{Status: &status}), storage.ErrEntryNotFound)
}

func TestStore_GetStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	sent := newEntry("sent", "t1", domain.PriorityCritical, domain.StatusSent, base)
	sentAt := base.Add(4 * time.Second)
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
	assert.Equal(t, int64(2), stats.ByPriority[domain.PriorityLow])
	assert.InDelta(t, 4000.0, stats.AvgLatencyMs, 0.001)

	all, err := s.GetStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), all.Total)
	assert.Equal(t, int64(1), all.Retry)
	assert.Equal(t, int64(1), all.ByPriority[domain.PriorityHigh])
}

func TestStore_DeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, _ = s.Save(ctx, newEntry("old-t1", "t1", 1, domain.StatusPending, base.Add(-48*time.Hour)))
	_, _ = s.Save(ctx, newEntry("old-t2", "t2", 1, domain.StatusSent, base.Add(-48*time.Hour)))
	_, _ = s.Save(ctx, newEntry("fresh", "t1", 1, domain.StatusSent, base))

	deleted, err := s.DeleteOlderThan(ctx, base.Add(-24*time.Hour), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.False(t, mr.Exists(entryKey("old-t1")))
	assert.Zero(t, s.client.ZCard(ctx, tenantStatusKey("PENDING", "t1")).Val())

	deleted, err = s.DeleteOlderThan(ctx, base.Add(-24*time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.GetEntry(ctx, "fresh")
	assert.NoError(t, err)
}

func TestStore_RateLimitState(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	state, err := s.GetRateLimitState(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.RateLimitState{}, state)

	count := int64(7)
	require.NoError(t, s.UpdateRateLimitState(ctx, "t1", storage.RateLimitUpdate{LastDispatchAt: &base, BatchCount: &count}))

	state, err = s.GetRateLimitState(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, state.LastDispatchAt)
	assert.True(t, base.Equal(*state.LastDispatchAt))
	assert.Equal(t, int64(7), state.BatchCount)
}

func TestStore_ListTenantsWithWork(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

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

	tenants, err = s.ListTenantsWithWork(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t4"}, tenants)
}

func TestStore_RecoverStuck(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

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
	assert.Zero(t, s.client.ZCard(ctx, claimedKey).Val())
}

func TestStore_TenantConfig(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	cfg, err := s.GetTenantConfig(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	want := domain.TenantConfig{
		Enabled: true,
		PriorityRules: domain.PriorityRules{
			DeviceOverrides: map[string]domain.Priority{"dev-1": domain.PriorityCritical},
		},
		Telegram: domain.TelegramCredentials{BotToken: "token", ChatID: "-100"},
	}
	require.NoError(t, s.PutTenantConfig(ctx, "t1", want))

	cfg, err = s.GetTenantConfig(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, &want, cfg)
}
