package marketdata

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Point is one observation of a price series
type Point struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// SeriesSource serves prices from in-memory series. A read returns the
// latest point at or before the requested instant.
type SeriesSource struct {
	mu     sync.RWMutex
	series map[string][]Point // sorted by time
}

// NewSeriesSource creates an empty source
func NewSeriesSource() *SeriesSource {
	return &SeriesSource{series: make(map[string][]Point)}
}

// Add merges points into a symbol's series. A point at an existing instant
// replaces the old price.
func (s *SeriesSource) Add(symbol string, points ...Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTime := make(map[int64]Point, len(s.series[symbol])+len(points))
	for _, p := range s.series[symbol] {
		byTime[p.Time.UnixNano()] = p
	}
	for _, p := range points {
		byTime[p.Time.UnixNano()] = Point{Time: p.Time.UTC(), Price: p.Price}
	}

	merged := make([]Point, 0, len(byTime))
	for _, p := range byTime {
		merged = append(merged, p)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Time.Before(merged[j].Time) })
	s.series[symbol] = merged
}

// Price implements Source
func (s *SeriesSource) Price(ctx context.Context, symbol string, ts time.Time) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	points := s.series[symbol]
	// first point strictly after ts
	i := sort.Search(len(points), func(i int) bool { return points[i].Time.After(ts) })
	if i == 0 {
		return 0, ErrUnavailable
	}
	return points[i-1].Price, nil
}

// Symbols returns the symbols with data, sorted
func (s *SeriesSource) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.series))
	for sym := range s.series {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of points for a symbol
func (s *SeriesSource) Len(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[symbol])
}

// RandomWalk generates a geometric random walk of n points starting at
// start and spaced by interval. The same seed always yields the same
// series.
func RandomWalk(seed int64, start time.Time, interval time.Duration, n int, initial, volatility float64) []Point {
	rng := rand.New(rand.NewSource(seed))
	points := make([]Point, 0, n)
	price := initial
	for i := 0; i < n; i++ {
		points = append(points, Point{Time: start.Add(time.Duration(i) * interval).UTC(), Price: price})
		price *= math.Exp(volatility * rng.NormFloat64())
	}
	return points
}
