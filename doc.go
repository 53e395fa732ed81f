// Package overlay is the graph engine behind the overlay builder: users
// compose trading strategies ("overlays") by placing typed blocks on a
// canvas, wiring their ports, validating the result and simulating it
// against market data.
//
// # Layout
//
// The engine is split into packages that depend on each other bottom-up:
//
//	block          block definitions, ports, data types and parameter schemas
//	blockregistry  the built-in block catalog
//	flowgraph      adjacency, cycle detection and topological order
//	canvas         the mutable canvas model, documents and validation reports
//	validation     connection, cycle and whole-graph validation
//	marketdata     price sources: synthetic, CSV, retry and circuit breaker
//	simulation     the simulation engine and block executors
//	audit          audit records and sinks (log, NATS, memory)
//	canvasstore    versioned canvas persistence (memory, NATS KV)
//	service        the HTTP and WebSocket API
//
// Supporting infrastructure lives in errors, config, metric, health,
// natsclient and pkg/. The binaries are cmd/overlayd (the service) and
// cmd/overlayctl (offline validation and simulation).
//
// # Lifecycle of a canvas
//
//	create -> add blocks -> connect ports -> validate -> simulate
//
// Every mutation is atomic: a rejected change leaves the canvas exactly as
// it was and returns a classified error (see errors.Kind). Simulations run
// on a snapshot of the canvas, so later edits never affect a running job.
package overlay
