package cache

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Statistics tracks cache activity. All methods are safe for concurrent use.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64
	peak      atomic.Int64

	startTime time.Time
}

// NewStatistics creates a statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) hit()      { s.hits.Add(1) }
func (s *Statistics) miss()     { s.misses.Add(1) }
func (s *Statistics) set()      { s.sets.Add(1) }
func (s *Statistics) delete()   { s.deletes.Add(1) }
func (s *Statistics) eviction() { s.evictions.Add(1) }

func (s *Statistics) updateSize(size int) {
	s.size.Store(int64(size))
	for {
		peak := s.peak.Load()
		if int64(size) <= peak || s.peak.CompareAndSwap(peak, int64(size)) {
			return
		}
	}
}

// Hits returns the number of cache hits
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the number of cache misses
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the number of set operations
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Deletes returns the number of explicit deletes
func (s *Statistics) Deletes() int64 { return s.deletes.Load() }

// Evictions returns the number of capacity evictions
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }

// CurrentSize returns the number of entries at the last update
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }

// PeakSize returns the largest size observed
func (s *Statistics) PeakSize() int64 { return s.peak.Load() }

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s *Statistics) HitRatio() float64 {
	hits, misses := s.Hits(), s.Misses()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Uptime returns the time since the statistics were created
func (s *Statistics) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Summary returns a one-line description for logs
func (s *Statistics) Summary() string {
	return fmt.Sprintf("hits=%d misses=%d ratio=%.2f size=%d peak=%d evictions=%d",
		s.Hits(), s.Misses(), s.HitRatio(), s.CurrentSize(), s.PeakSize(), s.Evictions())
}
