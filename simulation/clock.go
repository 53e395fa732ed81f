package simulation

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// TickSource delivers live step instants. Tick blocks until the next step
// is due or ctx is done.
type TickSource interface {
	Tick(ctx context.Context) (time.Time, error)
}

// TickSourceFunc adapts a function to TickSource
type TickSourceFunc func(ctx context.Context) (time.Time, error)

// Tick implements TickSource
func (f TickSourceFunc) Tick(ctx context.Context) (time.Time, error) { return f(ctx) }

// RateTicker paces live steps with a token bucket, one token per interval.
// The first tick is immediate.
type RateTicker struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewRateTicker creates a ticker firing once per interval
func NewRateTicker(interval time.Duration, now func() time.Time) *RateTicker {
	if now == nil {
		now = time.Now
	}
	return &RateTicker{limiter: rate.NewLimiter(rate.Every(interval), 1), now: now}
}

// Tick implements TickSource
func (t *RateTicker) Tick(ctx context.Context) (time.Time, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}
	return t.now().UTC(), nil
}

// schedule yields step instants. ok is false once the range is exhausted.
type schedule interface {
	next(ctx context.Context) (ts time.Time, ok bool, err error)
}

// batchSchedule replays [start, end) at a fixed interval.
type batchSchedule struct {
	start, end time.Time
	interval   time.Duration
	i          int64
}

func (s *batchSchedule) next(context.Context) (time.Time, bool, error) {
	ts := s.start.Add(time.Duration(s.i) * s.interval)
	if !ts.Before(s.end) {
		return time.Time{}, false, nil
	}
	s.i++
	return ts, true, nil
}

// liveSchedule follows a tick source until end. A zero end never
// exhausts. Ticks that do not advance past the previous one are skipped.
type liveSchedule struct {
	ticks TickSource
	end   time.Time
	last  time.Time
}

func (s *liveSchedule) next(ctx context.Context) (time.Time, bool, error) {
	for {
		ts, err := s.ticks.Tick(ctx)
		if err != nil {
			return time.Time{}, false, err
		}
		if !s.end.IsZero() && !ts.Before(s.end) {
			return time.Time{}, false, nil
		}
		if !s.last.IsZero() && !ts.After(s.last) {
			continue
		}
		s.last = ts
		return ts, true, nil
	}
}

// hybridSchedule replays history up to the seam, then goes live.
type hybridSchedule struct {
	history *batchSchedule
	live    *liveSchedule
}

func (s *hybridSchedule) next(ctx context.Context) (time.Time, bool, error) {
	if s.history != nil {
		ts, ok, err := s.history.next(ctx)
		if ok || err != nil {
			if ok {
				s.live.last = ts
			}
			return ts, ok, err
		}
		s.history = nil
	}
	return s.live.next(ctx)
}

// newSchedule builds the schedule for a normalized request. seam is the
// submission instant used by hybrid runs.
func newSchedule(req Request, seam time.Time, ticks TickSource) schedule {
	tr := req.TimeRange
	switch req.Options.Mode {
	case ModeRealtime:
		return &liveSchedule{ticks: ticks, end: tr.End}
	case ModeHybrid:
		historyEnd := tr.End
		if seam.Before(historyEnd) {
			historyEnd = seam
		}
		return &hybridSchedule{
			history: &batchSchedule{start: tr.Start, end: historyEnd, interval: tr.Interval},
			live:    &liveSchedule{ticks: ticks, end: tr.End},
		}
	default:
		return &batchSchedule{start: tr.Start, end: tr.End, interval: tr.Interval}
	}
}
