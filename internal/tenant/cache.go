// Package tenant provides access to per-tenant queue configuration.
package tenant

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/storage"
)

// DefaultCacheTTL is how long a fetched config is served from memory.
const DefaultCacheTTL = 5 * time.Minute

// Provider returns the config of a tenant, or nil if it has none.
type Provider interface {
	Get(ctx context.Context, tenantID string) (*domain.TenantConfig, error)
}

// Cache is a TTL cache in front of a TenantConfigSource. Missing configs are
// cached as nil so repeated lookups do not reach the source. Expired entries
// are treated as misses on read and never swept proactively.
type Cache struct {
	source storage.TenantConfigSource
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
	hits    int64
	misses  int64
}

type cacheEntry struct {
	cfg       *domain.TenantConfig
	fetchedAt time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

// NewCache creates a cache. A non-positive ttl selects DefaultCacheTTL.
func NewCache(source storage.TenantConfigSource, ttl time.Duration, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Cache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		logger:  slog.Default(),
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached config or fetches it from the source on a miss.
// Source errors are returned and not cached.
func (c *Cache) Get(ctx context.Context, tenantID string) (*domain.TenantConfig, error) {
	c.mu.Lock()
	if e, ok := c.entries[tenantID]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.hits++
		c.mu.Unlock()
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		return e.cfg, nil
	}
	c.misses++
	c.mu.Unlock()
	cacheLookupsTotal.WithLabelValues("miss").Inc()

	cfg, err := c.source.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[tenantID] = cacheEntry{cfg: cfg, fetchedAt: c.now()}
	c.mu.Unlock()

	c.logger.Debug("tenant config cached", "customer_id", tenantID, "found", cfg != nil)
	return cfg, nil
}

// Invalidate drops the cached config of one tenant.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// CacheStats describes the cache contents.
type CacheStats struct {
	Size       int               `json:"size"`
	Hits       int64             `json:"hits"`
	Misses     int64             `json:"misses"`
	TTLSeconds float64           `json:"ttlSeconds"`
	Entries    []CacheEntryStats `json:"entries"`
}

// CacheEntryStats describes one cached tenant.
type CacheEntryStats struct {
	CustomerID string  `json:"customerId"`
	Found      bool    `json:"found"`
	AgeSeconds float64 `json:"ageSeconds"`
	Expired    bool    `json:"expired"`
}

// Stats returns a snapshot of the cache.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stats := CacheStats{
		Size:       len(c.entries),
		Hits:       c.hits,
		Misses:     c.misses,
		TTLSeconds: c.ttl.Seconds(),
		Entries:    make([]CacheEntryStats, 0, len(c.entries)),
	}
	for id, e := range c.entries {
		age := now.Sub(e.fetchedAt)
		stats.Entries = append(stats.Entries, CacheEntryStats{
			CustomerID: id,
			Found:      e.cfg != nil,
			AgeSeconds: age.Seconds(),
			Expired:    age >= c.ttl,
		})
	}
	sort.Slice(stats.Entries, func(i, j int) bool {
		return stats.Entries[i].CustomerID < stats.Entries[j].CustomerID
	})
	return stats
}
