// Package redis implements the queue storage on Redis. Entries are Hashes,
// every status has a global and a per-tenant Sorted Set scored by
// priority*1e13 + created_at ms, and claims run as Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/storage"
)

var (
	_ storage.Storage            = (*Store)(nil)
	_ storage.TenantConfigSource = (*Store)(nil)
)

// priorityScoreBase separates priorities in the status Sorted Sets.
// Millisecond timestamps stay below it until the year 2286.
const priorityScoreBase = 1e13

var allStatuses = []domain.QueueStatus{
	domain.StatusPending,
	domain.StatusSending,
	domain.StatusSent,
	domain.StatusFailed,
	domain.StatusRetry,
}

// Store implements storage.Storage backed by Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// NewStore creates a Redis store. The caller owns the client lifecycle.
func NewStore(client goredis.Cmdable, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger}
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save stores the entry Hash and indexes it.
func (s *Store) Save(ctx context.Context, entry *domain.QueueEntry) (string, error) {
	key := entryKey(entry.ID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("check entry exists: %w", err)
	}
	if exists > 0 {
		return "", storage.ErrEntryExists
	}

	fields, err := entryToMap(entry)
	if err != nil {
		return "", err
	}
	score := entryScore(entry.Priority, entry.CreatedAt)
	status := string(entry.Status)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.ZAdd(ctx, statusKey(status), goredis.Z{Score: score, Member: entry.ID})
	pipe.ZAdd(ctx, tenantStatusKey(status, entry.CustomerID), goredis.Z{Score: score, Member: entry.ID})
	pipe.ZAdd(ctx, createdKey, goredis.Z{Score: float64(entry.CreatedAt.UnixMilli()), Member: entry.ID})
	pipe.SAdd(ctx, tenantsKey, entry.CustomerID)
	if entry.Status == domain.StatusSending && entry.ClaimedAt != nil {
		pipe.ZAdd(ctx, claimedKey, goredis.Z{Score: float64(entry.ClaimedAt.UnixMilli()), Member: entry.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("save entry: %w", err)
	}
	return entry.ID, nil
}

// FetchByStatusAndPriority claims entries with a Lua script.
func (s *Store) FetchByStatusAndPriority(ctx context.Context, req storage.FetchRequest) ([]*domain.QueueEntry, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	source := statusKey(string(req.Status))
	if req.TenantID != "" {
		source = tenantStatusKey(string(req.Status), req.TenantID)
	}

	var allowed strings.Builder
	allowed.WriteString(",")
	for _, p := range storage.PrioritiesOrDefault(req.Priorities) {
		allowed.WriteString(strconv.Itoa(int(p)))
		allowed.WriteString(",")
	}

	ids, err := claimScript.Run(ctx, s.client, []string{source},
		keyPrefix,
		string(req.Status),
		req.Limit,
		req.Now.UnixMilli(),
		formatTime(req.Now),
		allowed.String(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim entries: %w", err)
	}

	return s.loadEntries(ctx, ids)
}

// UpdateEntry applies the non-nil fields of upd.
func (s *Store) UpdateEntry(ctx context.Context, id string, upd storage.EntryUpdate) error {
	res, err := s.runUpdate(ctx, id, upd, "")
	if err != nil {
		return err
	}
	if res == 0 {
		return storage.ErrEntryNotFound
	}
	return nil
}

func (s *Store) runUpdate(ctx context.Context, id string, upd storage.EntryUpdate, expected domain.QueueStatus) (int64, error) {
	newStatus := ""
	if upd.Status != nil {
		newStatus = string(*upd.Status)
	}

	args := []any{keyPrefix, newStatus, string(expected)}
	args = append(args, updateFields(upd)...)

	res, err := updateScript.Run(ctx, s.client, []string{entryKey(id)}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("update entry: %w", err)
	}
	return res, nil
}

// GetEntry retrieves an entry by ID.
func (s *Store) GetEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	fields, err := s.client.HGetAll(ctx, entryKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrEntryNotFound
	}
	return mapToEntry(fields)
}

// GetStats counts entries per status and priority using score ranges.
func (s *Store) GetStats(ctx context.Context, tenantID string) (*storage.QueueStats, error) {
	type counter struct {
		status   domain.QueueStatus
		priority domain.Priority
		cmd      *goredis.IntCmd
	}

	pipe := s.client.Pipeline()
	counters := make([]counter, 0, len(allStatuses)*len(domain.AllPriorities))
	for _, status := range allStatuses {
		key := statusKey(string(status))
		if tenantID != "" {
			key = tenantStatusKey(string(status), tenantID)
		}
		for _, p := range domain.AllPriorities {
			lo := strconv.FormatFloat(float64(p)*priorityScoreBase, 'f', 0, 64)
			hi := "(" + strconv.FormatFloat(float64(p+1)*priorityScoreBase, 'f', 0, 64)
			counters = append(counters, counter{status: status, priority: p, cmd: pipe.ZCount(ctx, key, lo, hi)})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}

	stats := storage.NewQueueStats()
	for _, c := range counters {
		stats.AddN(c.status, c.priority, c.cmd.Val())
	}

	avg, err := s.avgLatency(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	stats.AvgLatencyMs = avg
	return stats, nil
}

func (s *Store) avgLatency(ctx context.Context, tenantID string) (float64, error) {
	key := statusKey(string(domain.StatusSent))
	if tenantID != "" {
		key = tenantStatusKey(string(domain.StatusSent), tenantID)
	}

	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list sent entries: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, entryKey(id), "created_at", "sent_at")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("load sent timestamps: %w", err)
	}

	var sum time.Duration
	var n int64
	for _, cmd := range cmds {
		vals := cmd.Val()
		created, ok1 := vals[0].(string)
		sent, ok2 := vals[1].(string)
		if !ok1 || !ok2 {
			continue
		}
		createdAt, err1 := parseTime(created)
		sentAt, err2 := parseTime(sent)
		if err1 != nil || err2 != nil {
			continue
		}
		sum += sentAt.Sub(createdAt)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return float64(sum.Milliseconds()) / float64(n), nil
}

// DeleteOlderThan removes entries created before cutoff regardless of status.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, tenantID string) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, createdKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list old entries: %w", err)
	}

	var deleted int64
	for _, id := range ids {
		vals, err := s.client.HMGet(ctx, entryKey(id), "customer_id", "status").Result()
		if err != nil {
			return deleted, fmt.Errorf("load old entry %s: %w", id, err)
		}
		tenant, _ := vals[0].(string)
		status, _ := vals[1].(string)
		if tenantID != "" && tenant != tenantID {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, entryKey(id))
		pipe.ZRem(ctx, createdKey, id)
		pipe.ZRem(ctx, claimedKey, id)
		if status != "" {
			pipe.ZRem(ctx, statusKey(status), id)
			pipe.ZRem(ctx, tenantStatusKey(status, tenant), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, fmt.Errorf("delete entry %s: %w", id, err)
		}
		if tenant != "" {
			deleted++
		}
	}
	return deleted, nil
}

// GetRateLimitState returns the zero state when the tenant has no Hash.
func (s *Store) GetRateLimitState(ctx context.Context, tenantID string) (domain.RateLimitState, error) {
	fields, err := s.client.HGetAll(ctx, rateLimitKey(tenantID)).Result()
	if err != nil {
		return domain.RateLimitState{}, fmt.Errorf("get rate limit state: %w", err)
	}

	var state domain.RateLimitState
	if v := fields["last_dispatch_at"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return domain.RateLimitState{}, fmt.Errorf("parse last_dispatch_at: %w", err)
		}
		state.LastDispatchAt = &t
	}
	if v := fields["batch_count"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return domain.RateLimitState{}, fmt.Errorf("parse batch_count: %w", err)
		}
		state.BatchCount = n
	}
	return state, nil
}

// UpdateRateLimitState sets the non-nil fields of upd.
func (s *Store) UpdateRateLimitState(ctx context.Context, tenantID string, upd storage.RateLimitUpdate) error {
	fields := make([]any, 0, 4)
	if upd.LastDispatchAt != nil {
		fields = append(fields, "last_dispatch_at", formatTime(*upd.LastDispatchAt))
	}
	if upd.BatchCount != nil {
		fields = append(fields, "batch_count", *upd.BatchCount)
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, rateLimitKey(tenantID), fields...).Err(); err != nil {
		return fmt.Errorf("update rate limit state: %w", err)
	}
	return nil
}

// ListTenantsWithWork checks every known tenant with a Lua script.
func (s *Store) ListTenantsWithWork(ctx context.Context, now time.Time) ([]string, error) {
	tenants, err := s.client.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	result := make([]string, 0, len(tenants))
	for _, tenant := range tenants {
		keys := []string{
			tenantStatusKey(string(domain.StatusPending), tenant),
			tenantStatusKey(string(domain.StatusRetry), tenant),
		}
		has, err := hasWorkScript.Run(ctx, s.client, keys, keyPrefix, now.UnixMilli()).Int64()
		if err != nil {
			return nil, fmt.Errorf("check tenant %s: %w", tenant, err)
		}
		if has == 1 {
			result = append(result, tenant)
		}
	}
	sort.Strings(result)
	return result, nil
}

// RecoverStuck moves entries claimed before cutoff back to RETRY.
func (s *Store) RecoverStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, claimedKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list stuck entries: %w", err)
	}

	retry := domain.StatusRetry
	var recovered int64
	for _, id := range ids {
		res, err := s.runUpdate(ctx, id, storage.EntryUpdate{Status: &retry}, domain.StatusSending)
		if err != nil {
			return recovered, err
		}
		switch res {
		case 1:
			recovered++
		case 0:
			s.client.ZRem(ctx, claimedKey, id)
		default:
			s.logger.Debug("stuck entry already moved", "queue_id", id)
		}
	}
	return recovered, nil
}

// GetTenantConfig reads the JSON config of a tenant. Returns (nil, nil) if absent.
func (s *Store) GetTenantConfig(ctx context.Context, tenantID string) (*domain.TenantConfig, error) {
	raw, err := s.client.Get(ctx, tenantConfigKey(tenantID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tenant config: %w", err)
	}

	var cfg domain.TenantConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode tenant config %s: %w", tenantID, err)
	}
	return &cfg, nil
}

// PutTenantConfig writes the JSON config of a tenant.
func (s *Store) PutTenantConfig(ctx context.Context, tenantID string, cfg domain.TenantConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode tenant config: %w", err)
	}
	if err := s.client.Set(ctx, tenantConfigKey(tenantID), raw, 0).Err(); err != nil {
		return fmt.Errorf("put tenant config: %w", err)
	}
	return nil
}

func (s *Store) loadEntries(ctx context.Context, ids []string) ([]*domain.QueueEntry, error) {
	if len(ids) == 0 {
		return []*domain.QueueEntry{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, entryKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	entries := make([]*domain.QueueEntry, 0, len(ids))
	for _, cmd := range cmds {
		entry, err := mapToEntry(cmd.Val())
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func entryScore(priority domain.Priority, createdAt time.Time) float64 {
	return float64(priority)*priorityScoreBase + float64(createdAt.UnixMilli())
}
