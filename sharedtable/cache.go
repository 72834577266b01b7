package sharedtable

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sharedtable/mtdynamo/mtcontext"
	"github.com/sharedtable/mtdynamo/repo"
)

// mappingCache memoizes TableMappings per (tenant, virtual table). Misses
// collapse through singleflight so a cold key costs exactly one repo fetch
// and one construction no matter how many requests race on it; failures are
// propagated to all waiters and never stored, so the next call retries.
type mappingCache struct {
	repo    repo.TableDescriptionRepo
	factory *TableMappingFactory
	clock   Clock

	ttl        time.Duration
	maxEntries int

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	mapping  *TableMapping
	storedAt time.Time
}

func newMappingCache(descRepo repo.TableDescriptionRepo, factory *TableMappingFactory, clock Clock, ttl time.Duration, maxEntries int) *mappingCache {
	return &mappingCache{
		repo:       descRepo,
		factory:    factory,
		clock:      clock,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    map[string]cacheEntry{},
	}
}

func (c *mappingCache) get(ctx context.Context, virtualTableName string) (*TableMapping, error) {
	tenant, err := mtcontext.Tenant(ctx)
	if err != nil {
		return nil, err
	}
	key := tenant + delimiter + virtualTableName

	if tm, ok := c.lookup(key); ok {
		return tm, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if tm, ok := c.lookup(key); ok {
			return tm, nil
		}
		desc, err := c.repo.GetTableDescription(ctx, virtualTableName)
		if err != nil {
			return nil, err
		}
		tm, err := c.factory.TableMapping(desc)
		if err != nil {
			return nil, err
		}
		c.store(key, tm)
		return tm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*TableMapping), nil
}

func (c *mappingCache) lookup(key string) (*TableMapping, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.clock.Now().Sub(entry.storedAt) > c.ttl {
		return nil, false
	}
	return entry.mapping, true
}

func (c *mappingCache) store(key string, tm *TableMapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{mapping: tm, storedAt: c.clock.Now()}
}

func (c *mappingCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey, oldestAt = key, entry.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// invalidate drops the mapping for one (tenant, table); used when a virtual
// table is deleted.
func (c *mappingCache) invalidate(tenant, virtualTableName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenant+delimiter+virtualTableName)
}
