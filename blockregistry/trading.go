package blockregistry

import (
	"context"
	"fmt"
	"math"

	"github.com/stackmotive/overlay/block"
)

// signalGenerator emits a signal every step it receives a value. The
// signal port carries signed strength: positive for buy, negative for sell.
func signalGenerator(_ context.Context, in *block.Invocation) (block.Output, error) {
	var out block.Output
	v, ok := in.Input("value")
	if !ok {
		return out, nil
	}

	buy := in.Params.Float("buy_threshold", 0)
	sell := in.Params.Float("sell_threshold", 0)
	if sell > buy {
		return out, fmt.Errorf("sell_threshold %g is above buy_threshold %g", sell, buy)
	}

	sig := block.Signal{Asset: in.Asset(), Direction: block.DirectionHold}
	var signed float64
	switch {
	case v > buy:
		sig.Direction = block.DirectionBuy
		sig.Strength = v - buy
		signed = sig.Strength
	case v < sell:
		sig.Direction = block.DirectionSell
		sig.Strength = sell - v
		signed = -sig.Strength
	}

	out.Set("signal", signed)
	out.Signals = append(out.Signals, sig)
	return out, nil
}

func weightCalculator(_ context.Context, in *block.Invocation) (block.Output, error) {
	var out block.Output
	s, ok := in.Input("signal")
	if !ok {
		return out, nil
	}

	maxWeight := in.Params.Float("max_weight", 0.25)
	var w float64
	switch method := in.Params.Text("method", "proportional"); method {
	case "fixed":
		switch {
		case s > 0:
			w = maxWeight
		case s < 0:
			w = -maxWeight
		}
	case "proportional":
		w = clamp(s*in.Params.Float("scale", 0.01), maxWeight)
	default:
		return out, fmt.Errorf("unknown weight method %q", method)
	}

	out.Set("weight", w)
	out.Weights = append(out.Weights, block.Weight{Asset: in.Asset(), Weight: w})
	return out, nil
}

// riskManager enforces the exposure budget. A weight above hard_limit is an
// error, which halts the simulation because risk managers are fatal.
func riskManager(_ context.Context, in *block.Invocation) (block.Output, error) {
	var out block.Output
	w, ok := in.Input("weight")
	if !ok {
		return out, nil
	}

	if limit, ok := in.Params["hard_limit"]; ok && math.Abs(w) > limit.Number {
		return out, fmt.Errorf("weight %.4f breaches hard limit %.4f", w, limit.Number)
	}

	maxExposure := in.Params.Float("max_exposure", 0.5)
	clamped := clamp(w, maxExposure)
	if clamped != w {
		out.Events = append(out.Events, block.Event{
			Severity: "warning",
			Message:  fmt.Sprintf("weight %.4f clamped to %.4f", w, clamped),
		})
	}

	out.Set("weight", clamped)
	out.Weights = append(out.Weights, block.Weight{Asset: in.Asset(), Weight: clamped})
	return out, nil
}

// executionTrigger emits an action when the target weight has moved at
// least min_change since the last action.
func executionTrigger(_ context.Context, in *block.Invocation) (block.Output, error) {
	var out block.Output
	w, ok := in.Input("weight")
	if !ok {
		return out, nil
	}

	last, _ := in.State["last"].(float64)
	delta := w - last
	if math.Abs(delta) < in.Params.Float("min_change", 0.01) {
		return out, nil
	}
	in.State["last"] = w

	dir := block.DirectionBuy
	if delta < 0 {
		dir = block.DirectionSell
	}
	out.Set("action", delta)
	out.Actions = append(out.Actions, block.Action{
		Asset:     in.Asset(),
		Direction: dir,
		Size:      math.Abs(delta),
		Reason:    fmt.Sprintf("target weight %.4f", w),
	})
	return out, nil
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
