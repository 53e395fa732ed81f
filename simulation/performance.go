package simulation

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultInitialCapital is the starting equity unless the request sets
// the "initial_capital" parameter.
var DefaultInitialCapital = decimal.NewFromInt(10000)

const equityPlaces = 8

// portfolio marks a weight-allocated book to market. A step's return uses
// the weights held going into the step and the price move since the
// previous step; the step's own weights apply from the next step on.
type portfolio struct {
	equity  decimal.Decimal
	peak    decimal.Decimal
	weights map[string]decimal.Decimal
	prices  map[string]decimal.Decimal
}

func newPortfolio(initial decimal.Decimal) *portfolio {
	return &portfolio{
		equity:  initial,
		peak:    initial,
		weights: make(map[string]decimal.Decimal),
		prices:  make(map[string]decimal.Decimal),
	}
}

// mark applies one step. prices holds the symbols observed this step;
// weights holds the latest target weight per asset emitted this step.
func (p *portfolio) mark(step int, ts time.Time, prices, weights map[string]float64) PerformancePoint {
	ret := decimal.Zero
	for asset, w := range p.weights {
		price, ok := prices[asset]
		prev, seen := p.prices[asset]
		if !ok || !seen || prev.IsZero() {
			continue
		}
		move := decimal.NewFromFloat(price).Div(prev).Sub(decimal.NewFromInt(1))
		ret = ret.Add(w.Mul(move))
	}

	p.equity = p.equity.Mul(decimal.NewFromInt(1).Add(ret)).Round(equityPlaces)
	if p.equity.GreaterThan(p.peak) {
		p.peak = p.equity
	}

	for asset, price := range prices {
		p.prices[asset] = decimal.NewFromFloat(price)
	}
	for asset, w := range weights {
		p.weights[asset] = decimal.NewFromFloat(w)
	}

	exposure := decimal.Zero
	for _, w := range p.weights {
		exposure = exposure.Add(w.Abs())
	}

	drawdown := decimal.Zero
	if p.peak.IsPositive() {
		drawdown = p.peak.Sub(p.equity).Div(p.peak).Round(equityPlaces)
	}

	return PerformancePoint{
		Step:      step,
		Timestamp: ts,
		Equity:    p.equity,
		Return:    ret.Round(equityPlaces),
		Exposure:  exposure,
		Drawdown:  drawdown,
	}
}

// initialCapital reads the "initial_capital" request parameter.
func initialCapital(params map[string]any) decimal.Decimal {
	switch v := params["initial_capital"].(type) {
	case float64:
		if v > 0 {
			return decimal.NewFromFloat(v)
		}
	case int:
		if v > 0 {
			return decimal.NewFromInt(int64(v))
		}
	case string:
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			return d
		}
	}
	return DefaultInitialCapital
}
