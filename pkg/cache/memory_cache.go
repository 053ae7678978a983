package cache

import (
	"sync"
	"time"
)

// CacheItem is one value with an optional expiry
type CacheItem struct {
	Value      interface{}
	Expiration int64
}

// MemoryCache is a TTL cache for slowly changing venue metadata
type MemoryCache struct {
	items     sync.Map
	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a cache whose janitor sweeps expired items every interval
func NewMemoryCache(interval time.Duration) *MemoryCache {
	if interval <= 0 {
		interval = time.Minute
	}
	cache := &MemoryCache{stop: make(chan struct{})}
	go cache.cleanupExpired(interval)
	return cache
}

// Set stores a value; a zero ttl never expires
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	var expiration int64
	if ttl > 0 {
		expiration = time.Now().Add(ttl).UnixNano()
	}
	c.items.Store(key, &CacheItem{
		Value:      value,
		Expiration: expiration,
	})
}

// Get returns a live value
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	item, exists := c.items.Load(key)
	if !exists {
		return nil, false
	}

	cacheItem := item.(*CacheItem)
	if cacheItem.Expiration > 0 && time.Now().UnixNano() > cacheItem.Expiration {
		c.items.Delete(key)
		return nil, false
	}
	return cacheItem.Value, true
}

// GetOrLoad returns the cached value or stores the result of load
func (c *MemoryCache) GetOrLoad(key string, ttl time.Duration, load func() (interface{}, error)) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

// Delete removes a key
func (c *MemoryCache) Delete(key string) {
	c.items.Delete(key)
}

// Close stops the janitor
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}

func (c *MemoryCache) cleanupExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			c.items.Range(func(key, value interface{}) bool {
				item := value.(*CacheItem)
				if item.Expiration > 0 && now > item.Expiration {
					c.items.Delete(key)
				}
				return true
			})
		}
	}
}
