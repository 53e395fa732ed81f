// Package blockregistry registers the built-in overlay block types.
package blockregistry

import (
	stderrors "errors"

	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/errors"
)

// Register registers every built-in block type with the provided registry:
//
// Data sources:
//   - price_feed (market data pull)
//
// Processing:
//   - threshold_filter, moving_average, momentum (deprecated), signal_combiner
//
// Trading:
//   - signal_generator, weight_calculator, risk_manager (fatal), execution_trigger
func Register(registry *block.Registry) error {
	if registry == nil {
		return errors.WrapFatal(stderrors.New("registry cannot be nil"),
			"blockregistry", "Register", "registry validation")
	}

	for _, reg := range builtins() {
		if err := registry.Register(reg.Definition, reg.Transform); err != nil {
			return errors.WrapInvalid(err, "blockregistry", "Register", reg.Definition.Type+" registration")
		}
	}
	return nil
}

// NewRegistry returns a registry populated with the built-in block types.
func NewRegistry() *block.Registry {
	r := block.NewRegistry()
	r.MustRegister(builtins()...)
	return r
}

func builtins() []block.Registration {
	return []block.Registration{
		{Definition: priceFeedDefinition(), Transform: block.TransformFunc(priceFeed)},
		{Definition: thresholdFilterDefinition(), Transform: block.TransformFunc(thresholdFilter)},
		{Definition: movingAverageDefinition(), Transform: block.TransformFunc(movingAverage)},
		{Definition: momentumDefinition(), Transform: block.TransformFunc(momentum)},
		{Definition: signalCombinerDefinition(), Transform: block.TransformFunc(signalCombiner)},
		{Definition: signalGeneratorDefinition(), Transform: block.TransformFunc(signalGenerator)},
		{Definition: weightCalculatorDefinition(), Transform: block.TransformFunc(weightCalculator)},
		{Definition: riskManagerDefinition(), Transform: block.TransformFunc(riskManager)},
		{Definition: executionTriggerDefinition(), Transform: block.TransformFunc(executionTrigger)},
	}
}
