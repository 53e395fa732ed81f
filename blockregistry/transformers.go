package blockregistry

import (
	"context"
	"fmt"
	"math"

	"github.com/stackmotive/overlay/block"
)

func thresholdFilter(_ context.Context, in *block.Invocation) (block.Output, error) {
	var out block.Output
	v, ok := in.Input("value")
	if !ok {
		return out, nil
	}
	if lo, ok := in.Params["min"]; ok && v < lo.Number {
		return out, nil
	}
	if hi, ok := in.Params["max"]; ok && v > hi.Number {
		return out, nil
	}
	out.Set("value", v)
	return out, nil
}

func movingAverage(_ context.Context, in *block.Invocation) (block.Output, error) {
	var out block.Output
	v, ok := in.Input("value")
	if !ok {
		return out, nil
	}

	window := in.Params.Int("window", 5)
	history, _ := in.State["window"].([]float64)
	history = append(history, v)
	if len(history) > window {
		history = history[len(history)-window:]
	}
	in.State["window"] = history

	var sum float64
	for _, h := range history {
		sum += h
	}
	out.Set("value", sum/float64(len(history)))
	return out, nil
}

// momentum reports the fractional change against the value lookback steps
// ago. It produces nothing until enough history has accumulated.
func momentum(_ context.Context, in *block.Invocation) (block.Output, error) {
	var out block.Output
	v, ok := in.Input("value")
	if !ok {
		return out, nil
	}

	lookback := in.Params.Int("lookback", 1)
	history, _ := in.State["history"].([]float64)
	history = append(history, v)
	if len(history) > lookback+1 {
		history = history[len(history)-lookback-1:]
	}
	in.State["history"] = history

	if len(history) <= lookback {
		return out, nil
	}
	base := history[0]
	if base == 0 {
		return out, fmt.Errorf("momentum base value is zero")
	}
	out.Set("value", (v-base)/base)
	return out, nil
}

func signalCombiner(_ context.Context, in *block.Invocation) (block.Output, error) {
	var out block.Output
	values := in.Inputs["inputs"]
	if len(values) == 0 {
		return out, nil
	}

	var result float64
	switch method := in.Params.Text("method", "mean"); method {
	case "sum", "mean":
		for _, v := range values {
			result += v
		}
		if method == "mean" {
			result /= float64(len(values))
		}
	case "min":
		result = math.Inf(1)
		for _, v := range values {
			result = math.Min(result, v)
		}
	case "max":
		result = math.Inf(-1)
		for _, v := range values {
			result = math.Max(result, v)
		}
	default:
		return out, fmt.Errorf("unknown combine method %q", method)
	}

	out.Set("value", result)
	return out, nil
}
