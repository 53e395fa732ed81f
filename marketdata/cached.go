package marketdata

import (
	"context"
	"strconv"
	"time"

	"github.com/stackmotive/overlay/pkg/cache"
)

// CachedSource memoizes successful reads by symbol and instant
type CachedSource struct {
	source Source
	cache  cache.Cache[float64]
}

// NewCachedSource wraps source with an LRU of size entries
func NewCachedSource(source Source, size int, opts ...cache.Option[float64]) (*CachedSource, error) {
	c, err := cache.NewLRU[float64](size, opts...)
	if err != nil {
		return nil, err
	}
	return &CachedSource{source: source, cache: c}, nil
}

// Price implements Source
func (c *CachedSource) Price(ctx context.Context, symbol string, ts time.Time) (float64, error) {
	key := symbol + "|" + strconv.FormatInt(ts.UnixNano(), 10)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	v, err := c.source.Price(ctx, symbol, ts)
	if err != nil {
		return 0, err
	}
	_, _ = c.cache.Set(key, v)
	return v, nil
}

// Stats returns the cache statistics
func (c *CachedSource) Stats() *cache.Statistics {
	return c.cache.Stats()
}
