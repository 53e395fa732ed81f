// Package cache provides a generic, thread-safe LRU cache with built-in
// statistics and optional Prometheus metrics.
package cache

import (
	"fmt"

	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/metric"
)

// Cache is a bounded key/value cache
type Cache[V any] interface {
	// Get returns the value and true if the key is present.
	Get(key string) (V, bool)

	// Set stores a value. It reports whether a new entry was created.
	Set(key string, value V) (bool, error)

	// Delete removes an entry and reports whether it existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the current number of entries.
	Size() int

	// Keys returns all keys, most recently used first.
	Keys() []string

	// Stats returns the cache statistics. Never nil.
	Stats() *Statistics
}

// EvictCallback is called with the key and value of an evicted entry.
type EvictCallback[V any] func(key string, value V)

// Option configures a cache
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	evictCallback EvictCallback[V]
}

// WithMetrics exports the cache statistics as Prometheus metrics labelled
// with prefix. A nil registry or empty prefix is ignored.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked outside the cache lock
// whenever an entry is evicted, deleted or cleared.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// NewLRU creates an LRU cache holding at most maxSize entries
func NewLRU[V any](maxSize int, options ...Option[V]) (Cache[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("max size must be positive, got %d", maxSize),
			"cache", "NewLRU", "size validation")
	}

	opts := &cacheOptions[V]{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return newLRUCache(maxSize, opts)
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
