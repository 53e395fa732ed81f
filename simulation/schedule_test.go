package simulation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func drain(t *testing.T, s schedule) []time.Time {
	t.Helper()
	var out []time.Time
	for i := 0; i < 100; i++ {
		ts, ok, err := s.next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, ts)
	}
	t.Fatal("schedule did not terminate")
	return nil
}

func sliceTicks(ts ...time.Time) TickSource {
	i := 0
	return TickSourceFunc(func(context.Context) (time.Time, error) {
		if i >= len(ts) {
			return time.Time{}, context.Canceled
		}
		i++
		return ts[i-1], nil
	})
}

func TestBatchSchedule(t *testing.T) {
	s := &batchSchedule{start: base, end: base.Add(150 * time.Minute), interval: time.Hour}
	assert.Equal(t, []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour)}, drain(t, s))
}

func TestLiveScheduleSkipsStaleTicks(t *testing.T) {
	s := &liveSchedule{
		ticks: sliceTicks(base, base, base.Add(time.Minute), base.Add(30*time.Second), base.Add(2*time.Minute), base.Add(3*time.Minute)),
		end:   base.Add(3 * time.Minute),
	}
	assert.Equal(t, []time.Time{base, base.Add(time.Minute), base.Add(2 * time.Minute)}, drain(t, s))
}

func TestLiveScheduleTickError(t *testing.T) {
	s := &liveSchedule{ticks: sliceTicks()}
	_, ok, err := s.next(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHybridSchedule(t *testing.T) {
	req := Request{
		TimeRange: TimeRange{Start: base, End: base.Add(4 * time.Hour), Interval: time.Hour},
		Options:   Options{Mode: ModeHybrid},
	}
	seam := base.Add(90 * time.Minute)
	// the live source repeats the last replayed instant before moving on
	ticks := sliceTicks(base.Add(time.Hour), base.Add(2*time.Hour), base.Add(3*time.Hour), base.Add(4*time.Hour))

	got := drain(t, newSchedule(req, seam, ticks))
	assert.Equal(t, []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour), base.Add(3 * time.Hour)}, got)
}

func TestHybridScheduleSeamAfterEnd(t *testing.T) {
	req := Request{
		TimeRange: TimeRange{Start: base, End: base.Add(2 * time.Hour), Interval: time.Hour},
		Options:   Options{Mode: ModeHybrid},
	}
	got := drain(t, newSchedule(req, base.Add(10*time.Hour), sliceTicks(base.Add(5*time.Hour))))
	assert.Equal(t, []time.Time{base, base.Add(time.Hour)}, got)
}

func TestRateTicker(t *testing.T) {
	ticker := NewRateTicker(10*time.Millisecond, func() time.Time { return base })
	start := time.Now()
	for i := 0; i < 3; i++ {
		ts, err := ticker.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, base, ts)
	}
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ticker.Tick(ctx)
	assert.Error(t, err)
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1h", time.Hour, true},
		{"15m", 15 * time.Minute, true},
		{"1d", 24 * time.Hour, true},
		{" 2d ", 48 * time.Hour, true},
		{"xd", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseResolution(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestRequestNormalize(t *testing.T) {
	r, err := Request{TimeRange: TimeRange{Start: base, End: base.Add(time.Hour)}}.normalize(0)
	require.NoError(t, err)
	assert.Equal(t, ModeHistorical, r.Options.Mode)
	assert.Equal(t, DefaultInterval, r.TimeRange.Interval)

	r, err = Request{Options: Options{Realtime: true}}.normalize(0)
	require.NoError(t, err)
	assert.Equal(t, ModeRealtime, r.Options.Mode)

	_, err = Request{TimeRange: TimeRange{Start: base, End: base.Add(time.Hour)}, Options: Options{MaxDuration: -1}}.normalize(0)
	assert.Error(t, err)

	// the step limit does not apply to live runs
	r, err = Request{
		TimeRange: TimeRange{Start: base, End: base.Add(1000 * time.Hour)},
		Options:   Options{Mode: ModeRealtime},
	}.normalize(10)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stepCount(r.TimeRange))
}

func TestStepCount(t *testing.T) {
	assert.Equal(t, int64(3), stepCount(TimeRange{Start: base, End: base.Add(150 * time.Minute), Interval: time.Hour}))
	assert.Equal(t, int64(24), stepCount(TimeRange{Start: base, End: base.Add(24 * time.Hour), Interval: time.Hour}))
}

func TestTimeRangeJSON(t *testing.T) {
	var tr TimeRange
	require.NoError(t, json.Unmarshal([]byte(`{"start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z","interval":"15m"}`), &tr))
	assert.Equal(t, 15*time.Minute, tr.Interval)
	assert.True(t, tr.Start.Equal(base))

	require.NoError(t, json.Unmarshal([]byte(`{"start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z","interval":3600000000000}`), &tr))
	assert.Equal(t, time.Hour, tr.Interval)

	require.NoError(t, json.Unmarshal([]byte(`{"start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z","interval":"1d"}`), &tr))
	assert.Equal(t, 24*time.Hour, tr.Interval)

	assert.Error(t, json.Unmarshal([]byte(`{"interval":"often"}`), &tr))

	data, err := json.Marshal(TimeRange{Start: base, End: base.Add(time.Hour), Interval: 90 * time.Second})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"interval":"1m30s"`)
}

func TestPortfolioMark(t *testing.T) {
	p := newPortfolio(decimal.NewFromInt(10000))

	first := p.mark(1, base, map[string]float64{"BTC": 100}, map[string]float64{"BTC": 0.5})
	assert.True(t, first.Return.IsZero())
	assert.True(t, first.Equity.Equal(decimal.NewFromInt(10000)))
	assert.True(t, first.Exposure.Equal(decimal.RequireFromString("0.5")))

	second := p.mark(2, base.Add(time.Hour), map[string]float64{"BTC": 110}, nil)
	assert.True(t, second.Return.Equal(decimal.RequireFromString("0.05")), second.Return.String())
	assert.True(t, second.Equity.Equal(decimal.NewFromInt(10500)), second.Equity.String())
	assert.True(t, second.Drawdown.IsZero())

	third := p.mark(3, base.Add(2*time.Hour), map[string]float64{"BTC": 99}, nil)
	assert.True(t, third.Return.Equal(decimal.RequireFromString("-0.05")), third.Return.String())
	assert.True(t, third.Equity.Equal(decimal.NewFromInt(9975)), third.Equity.String())
	assert.True(t, third.Drawdown.Equal(decimal.RequireFromString("0.05")), third.Drawdown.String())

	// no price this step: no return for the asset
	fourth := p.mark(4, base.Add(3*time.Hour), nil, nil)
	assert.True(t, fourth.Return.IsZero())
	assert.True(t, fourth.Equity.Equal(third.Equity))
}

func TestInitialCapital(t *testing.T) {
	assert.True(t, initialCapital(nil).Equal(DefaultInitialCapital))
	assert.True(t, initialCapital(map[string]any{"initial_capital": 500.0}).Equal(decimal.NewFromInt(500)))
	assert.True(t, initialCapital(map[string]any{"initial_capital": 250}).Equal(decimal.NewFromInt(250)))
	assert.True(t, initialCapital(map[string]any{"initial_capital": "1000.50"}).Equal(decimal.RequireFromString("1000.5")))
	assert.True(t, initialCapital(map[string]any{"initial_capital": -5.0}).Equal(DefaultInitialCapital))
}
