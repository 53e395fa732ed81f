package block

import (
	"context"
	stderrors "errors"
	"time"
)

// ErrUnavailable is returned by a MarketData source when it has no value
// for the requested step. It means "no output this step", not a failure.
var ErrUnavailable = stderrors.New("market data unavailable")

// MarketData is the pull interface used by data source blocks.
type MarketData interface {
	GetValue(ctx context.Context, blockID, portID string, ts time.Time) (float64, error)
}

// MarketDataFunc adapts a function to MarketData
type MarketDataFunc func(ctx context.Context, blockID, portID string, ts time.Time) (float64, error)

// GetValue implements MarketData
func (f MarketDataFunc) GetValue(ctx context.Context, blockID, portID string, ts time.Time) (float64, error) {
	return f(ctx, blockID, portID, ts)
}

// Direction of a trading signal or action
type Direction string

// Directions
const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionHold Direction = "hold"
)

// Signal is a signal point produced by a block
type Signal struct {
	Asset     string    `json:"asset,omitempty"`
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"`
}

// Weight is a target portfolio weight produced by a block
type Weight struct {
	Asset  string  `json:"asset,omitempty"`
	Weight float64 `json:"weight"`
}

// Action is an execution instruction produced by a block
type Action struct {
	Asset     string    `json:"asset,omitempty"`
	Direction Direction `json:"direction"`
	Size      float64   `json:"size"`
	Reason    string    `json:"reason,omitempty"`
}

// Event is a diagnostic emitted by a block
type Event struct {
	Severity string `json:"severity"` // info, warning, error
	Message  string `json:"message"`
}

// Invocation is everything a transform sees for one block at one step.
type Invocation struct {
	BlockID    string
	Definition *Definition
	Params     Parameters
	Step       int
	Timestamp  time.Time
	Assets     []string

	// Inputs holds the values that arrived on each input port this step,
	// one entry per active upstream connection that produced output.
	Inputs map[string][]float64

	// State is scratch space owned by this block for the lifetime of one
	// simulation job.
	State map[string]any

	Market MarketData
}

// Input returns the first value on a port
func (in *Invocation) Input(port string) (float64, bool) {
	values := in.Inputs[port]
	if len(values) == 0 {
		return 0, false
	}
	return values[0], true
}

// Asset returns the block's asset: its "asset" or "symbol" parameter, else
// the first requested asset.
func (in *Invocation) Asset() string {
	if a := in.Params.Text("asset", ""); a != "" {
		return a
	}
	if s := in.Params.Text("symbol", ""); s != "" {
		return s
	}
	if len(in.Assets) > 0 {
		return in.Assets[0]
	}
	return ""
}

// Output is what a transform produced. Ports absent from Values produce
// nothing downstream this step.
type Output struct {
	Values  map[string]float64
	Signals []Signal
	Weights []Weight
	Actions []Action
	Events  []Event
}

// Set records a port value
func (o *Output) Set(port string, v float64) {
	if o.Values == nil {
		o.Values = make(map[string]float64)
	}
	o.Values[port] = v
}

// Transform computes a block's outputs from its inputs
type Transform interface {
	Execute(ctx context.Context, in *Invocation) (Output, error)
}

// TransformFunc adapts a function to Transform
type TransformFunc func(ctx context.Context, in *Invocation) (Output, error)

// Execute implements Transform
func (f TransformFunc) Execute(ctx context.Context, in *Invocation) (Output, error) {
	return f(ctx, in)
}
