package chain

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type cachedHeight struct {
	height    uint64
	fetchedAt time.Time
}

// heightCache keeps chain tip heights per data source for a short time
type heightCache struct {
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

func newHeightCache(size int, ttl time.Duration) (*heightCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &heightCache{cache: cache, ttl: ttl, now: time.Now}, nil
}

// get returns the cached height for key or refreshes it with fetch
func (c *heightCache) get(ctx context.Context, key string, fetch func(ctx context.Context) (uint64, error)) (uint64, error) {
	if v, ok := c.cache.Get(key); ok {
		entry := v.(cachedHeight)
		if c.now().Sub(entry.fetchedAt) < c.ttl {
			return entry.height, nil
		}
	}

	height, err := fetch(ctx)
	if err != nil {
		return 0, err
	}

	c.cache.Add(key, cachedHeight{height: height, fetchedAt: c.now()})
	return height, nil
}
