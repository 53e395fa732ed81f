// Package canvas holds the overlay graph: blocks and connections kept in
// id-indexed maps, the resource constraints that bound them and the
// validation status derived from them.
//
// A Canvas is a plain value. All edits go through a Model, which applies
// each mutation to a private copy, re-validates it and only then
// publishes it:
//
//	m := canvas.NewModel(canvas.New("c1", "momentum", canvas.DefaultConfig()), registry, validator)
//	feed, err := m.AddBlock(ctx, canvas.BlockSpec{Type: "price_feed", Parameters: map[string]any{"symbol": "BTC"}})
//
// Connections hold block ids, never block pointers, so removing a block is
// a matter of deleting it and every connection that names it.
package canvas
