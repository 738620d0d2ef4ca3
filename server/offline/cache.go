package offline

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/kvstore"
)

// Non-crisis capacity per cache aggressiveness
var extraCapacity = map[CacheAggressiveness]int{
	CacheMinimal:    0,
	CacheBalanced:   16,
	CacheAggressive: 64,
}

const maxExtraCapacity = 64

// Cache is the offline resource cache. Crisis resources are pinned and never
// evicted; other resources live in a bounded LRU whose size follows the
// active strategy.
type Cache struct {
	mu       sync.RWMutex
	crisis   map[string]Resource
	extra    *lru.Cache
	capacity int
	state    *kvstore.StateStore
	logger   Logger
	degraded bool
}

// NewCache creates a cache seeded with the crisis resources from the default catalog.
func NewCache(state *kvstore.StateStore, logger Logger) (*Cache, error) {
	extra, err := lru.New(maxExtraCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource cache: %w", err)
	}

	c := &Cache{
		crisis:   make(map[string]Resource),
		extra:    extra,
		capacity: extraCapacity[CacheAggressive],
		state:    state,
		logger:   logger,
	}
	c.seedCrisis(DefaultCatalog())
	return c, nil
}

// Load restores persisted resources. Crisis defaults stay cached whatever
// the stored content says.
func (c *Cache) Load() error {
	var stored []Resource
	found, err := c.state.LoadResources(&stored)
	if err != nil {
		c.markDegraded(err)
		return err
	}
	if !found {
		return nil
	}

	c.mu.Lock()
	for _, r := range stored {
		if r.Crisis {
			c.crisis[r.ID] = r
			continue
		}
		if c.capacity > 0 {
			c.extra.Add(r.ID, r)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("Restored offline resources", "count", len(stored))
	return nil
}

// Populate caches resources for the given strategy. Crisis resources are
// cached unconditionally. It returns the number of resources now cached.
func (c *Cache) Populate(strategy Strategy, catalog []Resource) (int, error) {
	c.mu.Lock()
	c.capacity = extraCapacity[strategy.CacheAggressiveness]
	c.resizeLocked()

	for _, r := range catalog {
		if r.Crisis {
			c.crisis[r.ID] = r
			continue
		}
		if c.capacity > 0 {
			c.extra.Add(r.ID, r)
		}
	}
	count := len(c.crisis) + c.extra.Len()
	c.mu.Unlock()

	return count, c.persist()
}

// SetStrategy applies a strategy change without fetching new content.
func (c *Cache) SetStrategy(strategy Strategy) error {
	c.mu.Lock()
	c.capacity = extraCapacity[strategy.CacheAggressiveness]
	c.resizeLocked()
	c.mu.Unlock()

	return c.persist()
}

// IsFeatureAvailable reports whether any cached resource serves feature.
func (c *Cache) IsFeatureAvailable(feature string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, r := range c.crisis {
		if r.Feature == feature {
			return true
		}
	}
	for _, key := range c.extra.Keys() {
		if v, ok := c.extra.Peek(key); ok && v.(Resource).Feature == feature {
			return true
		}
	}
	return false
}

// GetResources returns cached resources of the given type, crisis resources
// first. An empty type returns everything.
func (c *Cache) GetResources(resourceType string) []Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()

	crisis := make([]Resource, 0, len(c.crisis))
	for _, r := range c.crisis {
		if resourceType == "" || r.Type == resourceType {
			crisis = append(crisis, r)
		}
	}
	sort.Slice(crisis, func(i, j int) bool { return crisis[i].ID < crisis[j].ID })

	var extra []Resource
	for _, key := range c.extra.Keys() {
		v, ok := c.extra.Peek(key)
		if !ok {
			continue
		}
		r := v.(Resource)
		if resourceType == "" || r.Type == resourceType {
			extra = append(extra, r)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].ID < extra[j].ID })

	return append(crisis, extra...)
}

// Clear drops cached content and re-seeds the crisis defaults.
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.extra.Purge()
	c.crisis = make(map[string]Resource)
	c.seedCrisisLocked(DefaultCatalog())
	c.mu.Unlock()

	if err := c.state.ClearResources(); err != nil {
		c.markDegraded(err)
		return err
	}
	return c.persist()
}

// Usage returns the serialised size of the cached resources in bytes.
func (c *Cache) Usage() int64 {
	data, err := json.Marshal(c.GetResources(""))
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// Degraded reports whether the last persistence attempt failed.
func (c *Cache) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

func (c *Cache) persist() error {
	if err := c.state.SaveResources(c.GetResources("")); err != nil {
		c.markDegraded(err)
		return err
	}

	c.mu.Lock()
	c.degraded = false
	c.mu.Unlock()
	return nil
}

func (c *Cache) markDegraded(err error) {
	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()
	c.logger.Warn("Offline resource persistence failed, keeping resources in memory", "error", err.Error())
}

func (c *Cache) resizeLocked() {
	if c.capacity == 0 {
		c.extra.Purge()
		return
	}
	c.extra.Resize(c.capacity)
}

func (c *Cache) seedCrisis(catalog []Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seedCrisisLocked(catalog)
}

func (c *Cache) seedCrisisLocked(catalog []Resource) {
	for _, r := range catalog {
		if r.Crisis {
			c.crisis[r.ID] = r
		}
	}
}
