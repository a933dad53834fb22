package storage

import (
	"context"
	"sync"
	"time"
)

// LocalCache is the single-process stand-in for RedisAdapter, used when no
// Redis address is configured.
type LocalCache struct {
	mu    sync.Mutex
	stock map[string]cachedStock
	locks map[string]localLock
	now   func() time.Time
}

type cachedStock struct {
	stock   int
	version int64
}

type localLock struct {
	owner     string
	expiresAt time.Time
}

func NewLocalCache() *LocalCache {
	return &LocalCache{
		stock: make(map[string]cachedStock),
		locks: make(map[string]localLock),
		now:   time.Now,
	}
}

func (c *LocalCache) SetStock(_ context.Context, itemID string, stock int, version int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.stock[itemID]; ok && cur.version >= version {
		return nil
	}
	c.stock[itemID] = cachedStock{stock: stock, version: version}
	return nil
}

func (c *LocalCache) GetStock(_ context.Context, itemID string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.stock[itemID]
	return cur.stock, ok, nil
}

func (c *LocalCache) AcquireLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if l, ok := c.locks[key]; ok && now.Before(l.expiresAt) {
		return false, nil
	}
	c.locks[key] = localLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (c *LocalCache) ReleaseLock(_ context.Context, key, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.locks[key]; ok && l.owner == owner {
		delete(c.locks, key)
	}
	return nil
}
