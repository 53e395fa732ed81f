package cache

import (
	"container/list"
	"sync"

	"github.com/stackmotive/overlay/errors"
)

type lruEntry[V any] struct {
	key   string
	value V
}

// lruCache evicts the least recently used entry once maxSize is exceeded.
type lruCache[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front is most recently used
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

func newLRUCache[V any](maxSize int, opts *cacheOptions[V]) (*lruCache[V], error) {
	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
	}

	return &lruCache[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		metrics: metrics,
		evictFn: opts.evictCallback,
	}, nil
}

func (c *lruCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		c.stats.miss()
		c.metrics.record("miss")
		var zero V
		return zero, false
	}

	c.order.MoveToFront(element)
	c.stats.hit()
	c.metrics.record("hit")
	return element.Value.(*lruEntry[V]).value, true
}

func (c *lruCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	var evicted []lruEntry[V]

	c.mu.Lock()
	created := false
	if element, ok := c.items[key]; ok {
		element.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(element)
	} else {
		c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})
		created = true
		for len(c.items) > c.maxSize {
			oldest := c.order.Back()
			evicted = append(evicted, *oldest.Value.(*lruEntry[V]))
			c.remove(oldest)
			c.stats.eviction()
			c.metrics.record("eviction")
		}
	}
	c.stats.set()
	c.stats.updateSize(len(c.items))
	c.metrics.record("set")
	c.metrics.updateSize(len(c.items))
	c.mu.Unlock()

	c.notify(evicted)
	return created, nil
}

func (c *lruCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	element, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	entry := *element.Value.(*lruEntry[V])
	c.remove(element)
	c.stats.delete()
	c.stats.updateSize(len(c.items))
	c.metrics.record("delete")
	c.metrics.updateSize(len(c.items))
	c.mu.Unlock()

	c.notify([]lruEntry[V]{entry})
	return true, nil
}

func (c *lruCache[V]) Clear() error {
	c.mu.Lock()
	var evicted []lruEntry[V]
	if c.evictFn != nil {
		evicted = make([]lruEntry[V], 0, len(c.items))
		for element := c.order.Back(); element != nil; element = element.Prev() {
			evicted = append(evicted, *element.Value.(*lruEntry[V]))
		}
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.stats.updateSize(0)
	c.metrics.updateSize(0)
	c.mu.Unlock()

	c.notify(evicted)
	return nil
}

func (c *lruCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *lruCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*lruEntry[V]).key)
	}
	return keys
}

func (c *lruCache[V]) Stats() *Statistics {
	return c.stats
}

// remove must be called with the lock held.
func (c *lruCache[V]) remove(element *list.Element) {
	delete(c.items, element.Value.(*lruEntry[V]).key)
	c.order.Remove(element)
}

// notify runs the eviction callback outside the lock.
func (c *lruCache[V]) notify(entries []lruEntry[V]) {
	if c.evictFn == nil {
		return
	}
	for _, e := range entries {
		c.evictFn(e.key, e.value)
	}
}
