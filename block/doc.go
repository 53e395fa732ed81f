// Package block defines the block type system of the overlay builder.
//
// A Definition describes a block type: its typed input and output ports,
// its parameter schemas and whether a runtime failure is fatal to a
// simulation. Definitions live in a Registry together with the Transform
// that computes the block's outputs at each simulation step, so adding a
// block type means registering a definition and a transform without
// touching the canvas or the simulation engine.
//
// Parameters are tagged Values validated against the schema when a block
// is created or updated:
//
//	params, violations := def.ParseParameters(map[string]any{"window": 20})
//	if len(violations) > 0 {
//	    // reject the block
//	}
package block
