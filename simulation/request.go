package simulation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stackmotive/overlay/errors"
)

// Mode selects how step instants are produced
type Mode string

// Simulation modes
const (
	ModeHistorical Mode = "historical" // replay [Start, End) at Interval
	ModeRealtime   Mode = "realtime"   // advance on live ticks
	ModeHybrid     Mode = "hybrid"     // replay up to submission, then live ticks
)

// DefaultInterval is the step size when neither Interval nor Resolution is set.
const DefaultInterval = time.Hour

// TimeRange bounds a simulation. End is exclusive. Realtime runs may leave
// End zero and stop on cancellation, timeout or the step limit.
type TimeRange struct {
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Interval time.Duration `json:"interval,omitempty"`
}

// UnmarshalJSON accepts the interval as a duration string ("15m") or as
// nanoseconds.
func (tr *TimeRange) UnmarshalJSON(data []byte) error {
	var raw struct {
		Start    time.Time       `json:"start"`
		End      time.Time       `json:"end"`
		Interval json.RawMessage `json:"interval"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	tr.Start, tr.End, tr.Interval = raw.Start, raw.End, 0

	interval := bytes.TrimSpace(raw.Interval)
	if len(interval) == 0 || string(interval) == "null" {
		return nil
	}
	if interval[0] == '"' {
		var s string
		if err := json.Unmarshal(interval, &s); err != nil {
			return err
		}
		d, err := ParseResolution(s)
		if err != nil {
			return err
		}
		tr.Interval = d
		return nil
	}
	n, err := strconv.ParseInt(string(interval), 10, 64)
	if err != nil {
		return fmt.Errorf("interval must be a duration string or nanoseconds: %w", err)
	}
	tr.Interval = time.Duration(n)
	return nil
}

// MarshalJSON writes the interval as a duration string
func (tr TimeRange) MarshalJSON() ([]byte, error) {
	out := struct {
		Start    time.Time `json:"start"`
		End      time.Time `json:"end"`
		Interval string    `json:"interval,omitempty"`
	}{Start: tr.Start, End: tr.End}
	if tr.Interval > 0 {
		out.Interval = tr.Interval.String()
	}
	return json.Marshal(out)
}

// Options tune a simulation run
type Options struct {
	Mode                 Mode          `json:"mode,omitempty"`
	Resolution           string        `json:"resolution,omitempty"` // e.g. "1h", "15m", "1d"
	IncludeMetrics       bool          `json:"include_metrics,omitempty"`
	IncludeVisualization bool          `json:"include_visualization,omitempty"`
	Realtime             bool          `json:"realtime,omitempty"`
	Caching              bool          `json:"caching,omitempty"`
	MaxDuration          time.Duration `json:"max_duration,omitempty"`
}

// Request describes one simulation job
type Request struct {
	CanvasID   string         `json:"canvas_id"`
	TimeRange  TimeRange      `json:"time_range"`
	Assets     []string       `json:"assets,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Options    Options        `json:"options,omitempty"`
}

// ParseResolution parses a step resolution. It accepts Go durations plus
// a day suffix ("1d").
func ParseResolution(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid resolution %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid resolution %q", s)
	}
	return d, nil
}

// normalize fills defaults and checks the request. maxSteps bounds
// historical step counts; zero disables the check.
func (r Request) normalize(maxSteps int) (Request, error) {
	fail := func(format string, args ...any) (Request, error) {
		return r, errors.WrapInvalid(fmt.Errorf(format, args...), "simulation", "Submit", "request validation")
	}

	if r.Options.Mode == "" {
		r.Options.Mode = ModeHistorical
		if r.Options.Realtime {
			r.Options.Mode = ModeRealtime
		}
	}
	switch r.Options.Mode {
	case ModeHistorical, ModeRealtime, ModeHybrid:
	default:
		return fail("unknown mode %q", r.Options.Mode)
	}

	if r.TimeRange.Interval == 0 && r.Options.Resolution != "" {
		d, err := ParseResolution(r.Options.Resolution)
		if err != nil {
			return fail("%v", err)
		}
		r.TimeRange.Interval = d
	}
	if r.TimeRange.Interval == 0 {
		r.TimeRange.Interval = DefaultInterval
	}
	if r.TimeRange.Interval < 0 {
		return fail("interval must be positive, got %s", r.TimeRange.Interval)
	}
	if r.Options.MaxDuration < 0 {
		return fail("max duration cannot be negative")
	}

	tr := r.TimeRange
	switch r.Options.Mode {
	case ModeHistorical, ModeHybrid:
		if tr.Start.IsZero() || tr.End.IsZero() {
			return fail("%s mode requires start and end", r.Options.Mode)
		}
		if !tr.Start.Before(tr.End) {
			return fail("start %s must be before end %s", tr.Start.Format(time.RFC3339), tr.End.Format(time.RFC3339))
		}
		if r.Options.Mode == ModeHistorical && maxSteps > 0 {
			if steps := stepCount(tr); steps > int64(maxSteps) {
				return fail("time range needs %d steps, limit is %d", steps, maxSteps)
			}
		}
	case ModeRealtime:
		if !tr.End.IsZero() && !tr.Start.IsZero() && !tr.Start.Before(tr.End) {
			return fail("start must be before end")
		}
	}

	r.Assets = append([]string(nil), r.Assets...)
	if r.Parameters != nil {
		params := make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			params[k] = v
		}
		r.Parameters = params
	}
	return r, nil
}

// stepCount is the number of historical steps in [Start, End).
func stepCount(tr TimeRange) int64 {
	span := tr.End.Sub(tr.Start)
	n := int64(span / tr.Interval)
	if span%tr.Interval != 0 {
		n++
	}
	return n
}
