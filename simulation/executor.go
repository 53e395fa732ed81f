package simulation

import (
	"context"
	"fmt"
	"time"

	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/flowgraph"
)

// executor runs the blocks of one job snapshot, one step at a time. It is
// owned by a single goroutine.
type executor struct {
	order      []string
	blocks     map[string]*canvas.Block
	defs       map[string]*block.Definition
	transforms map[string]block.Transform
	upstream   map[string][]*canvas.Connection
	state      map[string]map[string]any
	sources    map[string]string // data source block id -> symbol

	market    block.MarketData
	assets    []string
	timings   map[string]*BlockTiming
	portfolio *portfolio
	now       func() time.Time
}

// stepOutcome is everything a step produced. It is committed to the job
// result only once the step has finished.
type stepOutcome struct {
	results     Results
	invocations int
	errors      int
	fatal       *errors.OverlayError
}

func newExecutor(snapshot *canvas.Canvas, order []string, registry *block.Registry) (*executor, error) {
	x := &executor{
		order:      order,
		blocks:     snapshot.Blocks,
		defs:       make(map[string]*block.Definition, len(order)),
		transforms: make(map[string]block.Transform, len(order)),
		upstream:   flowgraph.Upstream(snapshot),
		state:      make(map[string]map[string]any, len(order)),
		sources:    make(map[string]string),
		now:        time.Now,
	}

	for _, id := range order {
		b := snapshot.Blocks[id]
		def, err := registry.Definition(b.Type)
		if err != nil {
			return nil, err
		}
		transform, ok := registry.Transform(b.Type)
		if !ok {
			return nil, errors.NewOverlayError(errors.KindStructural, "block type %q has no transform", b.Type).WithBlock(id)
		}
		x.defs[id] = def
		x.transforms[id] = transform
		x.state[id] = make(map[string]any)
		if def.Category == block.CategoryDataSource {
			if symbol := b.Parameters.Text("symbol", ""); symbol != "" {
				x.sources[id] = symbol
			}
		}
	}
	return x, nil
}

// step executes every block once in topological order. A fatal block
// failure stops the step immediately.
func (x *executor) step(ctx context.Context, n int, ts time.Time) stepOutcome {
	out := stepOutcome{results: newResults()}
	values := make(map[string]map[string]float64, len(x.order))
	prices := make(map[string]float64)
	weights := make(map[string]float64)

	for _, id := range x.order {
		def := x.defs[id]
		inputs := x.gather(id, values)
		if len(def.Inputs) > 0 && len(inputs) == 0 {
			continue
		}

		in := &block.Invocation{
			BlockID:    id,
			Definition: def,
			Params:     x.blocks[id].Parameters,
			Step:       n,
			Timestamp:  ts,
			Assets:     x.assets,
			Inputs:     inputs,
			State:      x.state[id],
			Market:     x.market,
		}

		start := x.now()
		output, err := invoke(ctx, x.transforms[id], in)
		x.observe(id, x.now().Sub(start), err)
		out.invocations++

		if err != nil {
			out.errors++
			blockErr := errors.NewOverlayError(errors.KindRuntimeBlock, "block %s (%s) failed at step %d",
				id, def.Type, n).WithBlock(id).WithCause(err)
			blockErr.Fatal = def.Fatal
			out.results.Events = append(out.results.Events, EventPoint{
				Step:      n,
				Timestamp: ts,
				BlockID:   id,
				Severity:  SeverityError,
				Kind:      errors.KindRuntimeBlock,
				Message:   fmt.Sprintf("%s: %v", blockErr.Message, err),
				Fatal:     def.Fatal,
			})
			if def.Fatal {
				out.fatal = blockErr
				return out
			}
			continue
		}

		if len(output.Values) > 0 {
			values[id] = output.Values
		}
		if symbol, ok := x.sources[id]; ok {
			if price, ok := output.Values["price"]; ok {
				prices[symbol] = price
			}
		}

		for _, s := range output.Signals {
			out.results.Signals = append(out.results.Signals, SignalPoint{Step: n, Timestamp: ts, BlockID: id, Signal: s})
		}
		for _, w := range output.Weights {
			out.results.Weights = append(out.results.Weights, WeightPoint{Step: n, Timestamp: ts, BlockID: id, Weight: w})
			if w.Asset != "" {
				weights[w.Asset] = w.Weight
			}
		}
		for _, a := range output.Actions {
			out.results.Actions = append(out.results.Actions, ActionPoint{Step: n, Timestamp: ts, BlockID: id, Action: a})
		}
		for _, e := range output.Events {
			out.results.Events = append(out.results.Events, EventPoint{
				Step: n, Timestamp: ts, BlockID: id, Severity: e.Severity, Message: e.Message,
			})
		}
	}

	out.results.Performance = append(out.results.Performance, x.portfolio.mark(n, ts, prices, weights))
	return out
}

// gather collects this step's values for a block's input ports. Values pass
// through unchanged; Connection.Weight does not scale them. Inputs from
// blocks that produced nothing are absent.
func (x *executor) gather(id string, values map[string]map[string]float64) map[string][]float64 {
	var inputs map[string][]float64
	for _, conn := range x.upstream[id] {
		v, ok := values[conn.SourceBlockID][conn.SourcePort]
		if !ok {
			continue
		}
		if inputs == nil {
			inputs = make(map[string][]float64)
		}
		inputs[conn.TargetPort] = append(inputs[conn.TargetPort], v)
	}
	return inputs
}

func (x *executor) observe(id string, d time.Duration, err error) {
	if x.timings == nil {
		return
	}
	t := x.timings[id]
	if t == nil {
		t = &BlockTiming{}
		x.timings[id] = t
	}
	t.Invocations++
	t.Total += d
	if d > t.Max {
		t.Max = d
	}
	if err != nil {
		t.Errors++
	}
}

func (x *executor) blockTimings() map[string]BlockTiming {
	if x.timings == nil {
		return nil
	}
	out := make(map[string]BlockTiming, len(x.timings))
	for id, t := range x.timings {
		out[id] = *t
	}
	return out
}

// invoke runs a transform, turning a panic into an error.
func invoke(ctx context.Context, t block.Transform, in *block.Invocation) (out block.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Execute(ctx, in)
}
