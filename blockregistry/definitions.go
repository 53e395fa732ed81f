package blockregistry

import "github.com/stackmotive/overlay/block"

const symbolPattern = `^[A-Z0-9]{2,10}(/[A-Z]{2,5})?$`

func priceFeedDefinition() block.Definition {
	return block.Definition{
		Type:        "price_feed",
		Category:    block.CategoryDataSource,
		Description: "Reads a market price for a symbol at every step",
		Outputs: []block.OutputPort{
			{ID: "price", DataType: block.TypeNumber, Format: "price"},
		},
		Params: []block.ParamSchema{
			{Name: "symbol", Type: block.ParamString, Required: true, Pattern: symbolPattern,
				Description: "Instrument symbol, e.g. BTC or BTC/USD"},
		},
		CostHint: 5,
	}
}

func thresholdFilterDefinition() block.Definition {
	return block.Definition{
		Type:        "threshold_filter",
		Category:    block.CategoryFilter,
		Description: "Passes values inside [min, max]",
		Inputs:      []block.InputPort{{ID: "value", DataType: block.TypeNumber, Required: true}},
		Outputs:     []block.OutputPort{{ID: "value", DataType: block.TypeNumber}},
		Params: []block.ParamSchema{
			{Name: "min", Type: block.ParamNumber},
			{Name: "max", Type: block.ParamNumber},
		},
		CostHint: 0.1,
	}
}

func movingAverageDefinition() block.Definition {
	return block.Definition{
		Type:        "moving_average",
		Category:    block.CategoryTransformer,
		Description: "Rolling mean over the last window steps",
		Inputs:      []block.InputPort{{ID: "value", DataType: block.TypeNumber, Required: true}},
		Outputs:     []block.OutputPort{{ID: "value", DataType: block.TypeNumber}},
		Params: []block.ParamSchema{
			{Name: "window", Type: block.ParamInteger, Default: 5, Min: block.Float(1), Max: block.Float(500)},
		},
		CostHint: 0.5,
	}
}

func momentumDefinition() block.Definition {
	return block.Definition{
		Type:            "momentum",
		Category:        block.CategoryTransformer,
		Description:     "Rate of change over a lookback",
		Inputs:          []block.InputPort{{ID: "value", DataType: block.TypeNumber, Required: true}},
		Outputs:         []block.OutputPort{{ID: "value", DataType: block.TypeNumber, Format: "ratio"}},
		Params:          []block.ParamSchema{{Name: "lookback", Type: block.ParamInteger, Default: 1, Min: block.Float(1), Max: block.Float(250)}},
		Deprecated:      true,
		DeprecationNote: "use moving_average with a signal_generator instead",
		CostHint:        0.5,
	}
}

func signalCombinerDefinition() block.Definition {
	return block.Definition{
		Type:        "signal_combiner",
		Category:    block.CategoryCombiner,
		Description: "Combines every connected input into one value",
		Inputs:      []block.InputPort{{ID: "inputs", DataType: block.TypeNumber, Required: true, Multi: true}},
		Outputs:     []block.OutputPort{{ID: "value", DataType: block.TypeNumber}},
		Params: []block.ParamSchema{
			{Name: "method", Type: block.ParamString, Default: "mean", Enum: []string{"mean", "sum", "min", "max"}},
		},
		CostHint: 0.2,
	}
}

func signalGeneratorDefinition() block.Definition {
	return block.Definition{
		Type:        "signal_generator",
		Category:    block.CategorySignalGenerator,
		Description: "Emits buy, sell or hold signals against thresholds",
		Inputs:      []block.InputPort{{ID: "value", DataType: block.TypeNumber, Required: true}},
		Outputs:     []block.OutputPort{{ID: "signal", DataType: block.TypeSignal, Format: "strength"}},
		Params: []block.ParamSchema{
			{Name: "buy_threshold", Type: block.ParamNumber, Default: 0},
			{Name: "sell_threshold", Type: block.ParamNumber, Default: 0},
			{Name: "asset", Type: block.ParamString, Pattern: symbolPattern},
		},
		CostHint: 0.2,
	}
}

func weightCalculatorDefinition() block.Definition {
	return block.Definition{
		Type:        "weight_calculator",
		Category:    block.CategoryWeightCalculator,
		Description: "Converts signal strength into a target weight",
		Inputs:      []block.InputPort{{ID: "signal", DataType: block.TypeSignal, Required: true}},
		Outputs:     []block.OutputPort{{ID: "weight", DataType: block.TypeWeight, Format: "ratio"}},
		Params: []block.ParamSchema{
			{Name: "method", Type: block.ParamString, Default: "proportional", Enum: []string{"fixed", "proportional"}},
			{Name: "max_weight", Type: block.ParamNumber, Default: 0.25, Min: block.Float(0), Max: block.Float(1)},
			{Name: "scale", Type: block.ParamNumber, Default: 0.01, Min: block.Float(0)},
			{Name: "asset", Type: block.ParamString, Pattern: symbolPattern},
		},
		CostHint: 0.2,
	}
}

func riskManagerDefinition() block.Definition {
	return block.Definition{
		Type:        "risk_manager",
		Category:    block.CategoryRiskManager,
		Description: "Clamps weights to the exposure budget and halts on hard limit breaches",
		Inputs:      []block.InputPort{{ID: "weight", DataType: block.TypeWeight, Required: true}},
		Outputs:     []block.OutputPort{{ID: "weight", DataType: block.TypeWeight, Format: "ratio"}},
		Params: []block.ParamSchema{
			{Name: "max_exposure", Type: block.ParamNumber, Default: 0.5, Min: block.Float(0), Max: block.Float(1)},
			{Name: "hard_limit", Type: block.ParamNumber, Min: block.Float(0)},
			{Name: "asset", Type: block.ParamString, Pattern: symbolPattern},
		},
		Fatal:    true,
		CostHint: 0.3,
	}
}

func executionTriggerDefinition() block.Definition {
	return block.Definition{
		Type:        "execution_trigger",
		Category:    block.CategoryExecutionTrigger,
		Description: "Emits trade actions when the target weight moves enough",
		Inputs:      []block.InputPort{{ID: "weight", DataType: block.TypeWeight, Required: true}},
		Outputs:     []block.OutputPort{{ID: "action", DataType: block.TypeAction}},
		Params: []block.ParamSchema{
			{Name: "min_change", Type: block.ParamNumber, Default: 0.01, Min: block.Float(0), Max: block.Float(1)},
			{Name: "asset", Type: block.ParamString, Pattern: symbolPattern},
		},
		CostHint: 1,
	}
}
