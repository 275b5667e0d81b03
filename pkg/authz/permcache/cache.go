// Package permcache memoizes permission resolution. It is the process-wide
// cache in front of the store resolver: bounded by total entry weight,
// time-expiring, and safe for concurrent fetch from many request goroutines.
package permcache

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/observability"
)

const (
	// DefaultTTL is how long an entry stays fresh after population.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxWeight bounds the sum of cached permission-set sizes.
	DefaultMaxWeight = 4096

	refreshTimeout = 10 * time.Second
)

// Config configures a Cache. Zero values fall back to defaults; Clock is
// injectable so tests can drive expiry without sleeping. Metrics, when set,
// receives the depot_permission_cache_* families.
type Config struct {
	TTL       time.Duration
	MaxWeight int
	Clock     func() time.Time
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// Cache wraps a resolver with a weight-bounded, TTL-expiring memoization
// layer. Concurrent misses for the same key collapse into a single resolver
// call; expired entries are served once, stale, while a background refresh
// runs.
type Cache struct {
	resolver  authz.Resolver
	ttl       time.Duration
	maxWeight int
	now       func() time.Time
	logger    *observability.Logger
	metrics   *observability.Metrics

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // population order, oldest at front; reads never touch it
	weight  int

	hits        atomic.Int64
	misses      atomic.Int64
	staleServes atomic.Int64
	evictions   atomic.Int64
}

type entry struct {
	key         string
	set         authz.PermissionSet
	weight      int
	populatedAt time.Time
	staleServed bool
	elem        *list.Element
}

// New creates a cache over the resolver.
func New(resolver authz.Resolver, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxWeight <= 0 {
		cfg.MaxWeight = DefaultMaxWeight
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Cache{
		resolver:  resolver,
		ttl:       cfg.TTL,
		maxWeight: cfg.MaxWeight,
		now:       cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		entries:   make(map[string]*entry),
		order:     list.New(),
	}
}

func cacheKey(userID, orgID int64) string {
	return strconv.FormatInt(userID, 10) + "." + strconv.FormatInt(orgID, 10)
}

// Resolve implements authz.Resolver.
func (c *Cache) Resolve(ctx context.Context, userID, orgID int64) (authz.PermissionSet, error) {
	key := cacheKey(userID, orgID)
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Before(e.populatedAt.Add(c.ttl)) {
			set := e.set.Clone()
			c.mu.Unlock()
			c.hits.Add(1)
			if c.metrics != nil {
				c.metrics.PermCacheHitsTotal.Inc()
			}
			return set, nil
		}

		// Expired. The stale value may be served exactly once per staleness
		// epoch; that first access also kicks off the background refresh.
		// Later accesses block on a fresh resolution (joining the refresh
		// through the singleflight group if it is still running).
		if !e.staleServed {
			e.staleServed = true
			set := e.set.Clone()
			c.mu.Unlock()
			c.staleServes.Add(1)
			if c.metrics != nil {
				c.metrics.PermCacheStaleServesTotal.Inc()
			}
			go c.refresh(key, userID, orgID)
			return set, nil
		}
	}
	c.mu.Unlock()

	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.PermCacheMissesTotal.Inc()
	}
	return c.resolveThrough(ctx, key, userID, orgID)
}

// resolveThrough performs the deduplicated resolver call. A resolver failure
// propagates to every waiter for the key and caches nothing.
func (c *Cache) resolveThrough(ctx context.Context, key string, userID, orgID int64) (authz.PermissionSet, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		set, err := c.resolver.Resolve(ctx, userID, orgID)
		if err != nil {
			return nil, err
		}
		c.store(key, set)
		return set, nil
	})
	if err != nil {
		return nil, fmt.Errorf("permission resolution failed: %w", err)
	}
	return v.(authz.PermissionSet).Clone(), nil
}

// refresh is the fire-and-forget stale revalidation. On failure the stale
// value already served is not retracted; the next access resolves fresh.
func (c *Cache) refresh(key string, userID, orgID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if _, err := c.resolveThrough(ctx, key, userID, orgID); err != nil {
		c.logger.WithError(err).WithField("cache_key", key).Warn("background permission refresh failed")
	}
}

// store replaces the entry for key and evicts oldest-populated entries until
// the weight bound holds again.
func (c *Cache) store(key string, set authz.PermissionSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}

	e := &entry{
		key:         key,
		set:         set.Clone(),
		weight:      set.Weight(),
		populatedAt: c.now(),
	}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
	c.weight += e.weight

	for c.weight > c.maxWeight && c.order.Len() > 1 {
		oldest := c.order.Front().Value.(*entry)
		if oldest.key == key {
			break
		}
		c.removeLocked(oldest)
		c.evictions.Add(1)
		if c.metrics != nil {
			c.metrics.PermCacheEvictionsTotal.Inc()
		}
	}
	c.publishSizeLocked()
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
	c.weight -= e.weight
}

func (c *Cache) publishSizeLocked() {
	if c.metrics == nil {
		return
	}
	c.metrics.PermCacheEntries.Set(float64(len(c.entries)))
	c.metrics.PermCacheWeight.Set(float64(c.weight))
}

// InvalidateUser drops every cached set belonging to the user.
func (c *Cache) InvalidateUser(_ context.Context, userID int64) {
	prefix := strconv.FormatInt(userID, 10) + "."
	c.invalidateMatching(func(key string) bool { return strings.HasPrefix(key, prefix) })
}

// InvalidateOrg drops every cached set scoped to the organization.
func (c *Cache) InvalidateOrg(_ context.Context, orgID int64) {
	suffix := "." + strconv.FormatInt(orgID, 10)
	c.invalidateMatching(func(key string) bool { return strings.HasSuffix(key, suffix) })
}

func (c *Cache) invalidateMatching(match func(string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if match(key) {
			c.removeLocked(e)
		}
	}
	c.publishSizeLocked()
}

// Sweep removes entries past their TTL and returns how many were dropped.
// Called by the maintenance job so long-idle keys do not pin weight.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if !now.Before(e.populatedAt.Add(c.ttl)) {
			c.removeLocked(e)
			removed++
		}
	}
	c.publishSizeLocked()
	return removed
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int
	Weight      int
	Hits        int64
	Misses      int64
	StaleServes int64
	Evictions   int64
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	weight := c.weight
	c.mu.Unlock()

	return Stats{
		Entries:     entries,
		Weight:      weight,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		StaleServes: c.staleServes.Load(),
		Evictions:   c.evictions.Load(),
	}
}
