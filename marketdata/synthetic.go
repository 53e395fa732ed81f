package marketdata

import (
	"context"
	"hash/fnv"
	"math"
	"time"
)

// Synthetic produces deterministic prices for any symbol at any instant,
// with no stored data. It backs demos and realtime runs without a feed.
type Synthetic struct {
	Base      float64       // average price
	Amplitude float64       // relative swing of the cycle, e.g. 0.05
	Period    time.Duration // cycle length
	Noise     float64       // relative per-instant noise, e.g. 0.005
}

// DefaultSynthetic returns the generator used when no feed is configured
func DefaultSynthetic() *Synthetic {
	return &Synthetic{Base: 100, Amplitude: 0.05, Period: 24 * time.Hour, Noise: 0.005}
}

// Price implements Source
func (s *Synthetic) Price(ctx context.Context, symbol string, ts time.Time) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	h := hash64(symbol)
	phase := float64(h%1000) / 1000 * 2 * math.Pi
	scale := 0.5 + float64(h%997)/997 // per-symbol price level in [0.5, 1.5)

	period := s.Period
	if period <= 0 {
		period = 24 * time.Hour
	}
	angle := 2*math.Pi*float64(ts.UnixNano())/float64(period) + phase

	// noise in [-1, 1) derived from symbol and instant
	n := hash64(symbol + "@" + ts.UTC().Format(time.RFC3339Nano))
	noise := float64(n%20000)/10000 - 1

	return s.Base * scale * (1 + s.Amplitude*math.Sin(angle) + s.Noise*noise), nil
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
