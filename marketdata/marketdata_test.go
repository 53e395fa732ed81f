package marketdata

import (
	"context"
	stderrors "errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/pkg/retry"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSeriesSource_AsOfLookup(t *testing.T) {
	s := NewSeriesSource()
	s.Add("BTC", Point{Time: t0.Add(2 * time.Hour), Price: 102}, Point{Time: t0, Price: 100})
	s.Add("BTC", Point{Time: t0.Add(time.Hour), Price: 101})

	ctx := context.Background()

	_, err := s.Price(ctx, "BTC", t0.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrUnavailable)

	v, err := s.Price(ctx, "BTC", t0)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)

	v, err = s.Price(ctx, "BTC", t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 101.0, v)

	v, err = s.Price(ctx, "BTC", t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 102.0, v)

	_, err = s.Price(ctx, "ETH", t0)
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Equal(t, 3, s.Len("BTC"))
	assert.Equal(t, []string{"BTC"}, s.Symbols())
}

func TestSeriesSource_ReplacesSameInstant(t *testing.T) {
	s := NewSeriesSource()
	s.Add("BTC", Point{Time: t0, Price: 1})
	s.Add("BTC", Point{Time: t0, Price: 2})

	v, err := s.Price(context.Background(), "BTC", t0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
	assert.Equal(t, 1, s.Len("BTC"))
}

func TestRandomWalk_Deterministic(t *testing.T) {
	a := RandomWalk(42, t0, time.Hour, 50, 100, 0.01)
	b := RandomWalk(42, t0, time.Hour, 50, 100, 0.01)
	c := RandomWalk(7, t0, time.Hour, 50, 100, 0.01)

	require.Len(t, a, 50)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 100.0, a[0].Price)
	assert.Equal(t, t0.Add(49*time.Hour), a[49].Time)
	for _, p := range a {
		assert.Greater(t, p.Price, 0.0)
	}
}

func TestSynthetic_Deterministic(t *testing.T) {
	s := DefaultSynthetic()
	ctx := context.Background()

	v1, err := s.Price(ctx, "BTC", t0)
	require.NoError(t, err)
	v2, _ := s.Price(ctx, "BTC", t0)
	other, _ := s.Price(ctx, "ETH", t0)

	assert.Equal(t, v1, v2)
	assert.NotEqual(t, v1, other)
	assert.Greater(t, v1, 0.0)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Price(cancelled, "BTC", t0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadCSV(t *testing.T) {
	data := `timestamp,symbol,price
# comment
2024-01-01T00:00:00Z,BTC,100.5
2024-01-01T01:00:00Z, BTC ,101
2024-01-01T00:00:00Z,ETH,2000
`
	s, err := LoadCSV(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH"}, s.Symbols())
	assert.Equal(t, 2, s.Len("BTC"))

	v, err := s.Price(context.Background(), "BTC", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 101.0, v)
}

func TestLoadCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad price", "2024-01-01T00:00:00Z,BTC,abc\n"},
		{"bad timestamp after header", "timestamp,symbol,price\nyesterday,BTC,1\n"},
		{"empty symbol", "2024-01-01T00:00:00Z,,1\n"},
		{"wrong field count", "2024-01-01T00:00:00Z,BTC\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCSV(strings.NewReader(tt.data))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestBinding(t *testing.T) {
	s := NewSeriesSource()
	s.Add("BTC", Point{Time: t0, Price: 100})
	b := Bind(s, map[string]string{"feed": "BTC", "feed2": "BTC"})

	ctx := context.Background()
	v, err := b.GetValue(ctx, "feed", PricePort, t0)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)

	_, err = b.GetValue(ctx, "feed", "volume", t0)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = b.GetValue(ctx, "unknown", PricePort, t0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	sym, ok := b.Symbol("feed2")
	assert.True(t, ok)
	assert.Equal(t, "BTC", sym)
	assert.Equal(t, []string{"BTC"}, b.Symbols())
}

func failingSource(calls *atomic.Int64, err error) Source {
	return SourceFunc(func(context.Context, string, time.Time) (float64, error) {
		calls.Add(1)
		return 0, err
	})
}

func TestBreakerSource_TripsOnFailures(t *testing.T) {
	var calls atomic.Int64
	cfg := DefaultBreakerConfig("test")
	b := NewBreakerSource(failingSource(&calls, stderrors.New("feed down")), cfg, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.Price(ctx, "BTC", t0)
		require.Error(t, err)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Price(ctx, "BTC", t0)
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int64(3), calls.Load(), "open breaker must not call the source")
}

func TestBreakerSource_UnavailableIsNotFailure(t *testing.T) {
	var calls atomic.Int64
	b := NewBreakerSource(failingSource(&calls, ErrUnavailable), DefaultBreakerConfig("gaps"), nil)

	for i := 0; i < 10; i++ {
		_, err := b.Price(context.Background(), "BTC", t0)
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, int64(10), calls.Load())
}

func TestCachedSource(t *testing.T) {
	var calls atomic.Int64
	inner := SourceFunc(func(_ context.Context, symbol string, ts time.Time) (float64, error) {
		calls.Add(1)
		if symbol == "GAP" {
			return 0, ErrUnavailable
		}
		return float64(ts.Hour()), nil
	})
	c, err := NewCachedSource(inner, 16)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := c.Price(ctx, "BTC", t0.Add(5*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 5.0, v)
	}
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(2), c.Stats().Hits())

	_, err = c.Price(ctx, "GAP", t0)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, _ = c.Price(ctx, "GAP", t0)
	assert.Equal(t, int64(3), calls.Load(), "errors are not cached")

	_, err = NewCachedSource(inner, 0)
	assert.Error(t, err)
}

func TestRetrySource(t *testing.T) {
	cfg := retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

	var calls atomic.Int64
	flaky := SourceFunc(func(context.Context, string, time.Time) (float64, error) {
		if calls.Add(1) < 3 {
			return 0, errors.WrapTransient(errors.ErrConnectionLost, "feed", "Price", "read")
		}
		return 42, nil
	})
	v, err := NewRetrySource(flaky, cfg).Price(context.Background(), "BTC", t0)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
	assert.Equal(t, int64(3), calls.Load())

	var gapCalls atomic.Int64
	_, err = NewRetrySource(failingSource(&gapCalls, ErrUnavailable), cfg).Price(context.Background(), "BTC", t0)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int64(1), gapCalls.Load())

	var invalidCalls atomic.Int64
	_, err = NewRetrySource(failingSource(&invalidCalls, errors.WrapInvalid(errors.ErrInvalidData, "feed", "Price", "decode")), cfg).
		Price(context.Background(), "BTC", t0)
	assert.Error(t, err)
	assert.Equal(t, int64(1), invalidCalls.Load())
}
