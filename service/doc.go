// Package service exposes the overlay builder over HTTP.
//
// Overlay is the facade that ties the block registry, one canvas Model per
// canvas, an optional canvas store and the simulation engine together.
// Edits to a canvas are serialized and each successful edit is saved, so
// the stored version always follows the model.
//
// # HTTP API
//
// Handler mounts these routes under a prefix such as /api/v1/:
//
//	GET    blocks                                 list block types (?category=a,b)
//	POST   canvases                               create, or import a JSON/YAML document
//	GET    canvases                               list canvases
//	GET    canvases/{id}                          canvas with status (?format=document)
//	DELETE canvases/{id}                          delete a canvas
//	POST   canvases/{id}/blocks                   add a block
//	PATCH  canvases/{id}/blocks/{blockID}         update a block
//	DELETE canvases/{id}/blocks/{blockID}         remove a block and its connections
//	POST   canvases/{id}/connections              add a connection
//	DELETE canvases/{id}/connections/{connID}     remove a connection
//	POST   canvases/{id}/validate                 re-run validation
//	POST   simulations                            run a simulation (?async=true queues it)
//	GET    simulations/{id}                       simulation result
//	DELETE simulations/{id}                       cancel a simulation
//	GET    simulations/{id}/stream                WebSocket status stream
//	GET    health                                 dependency health
//
// Errors are returned as {"error": {"kind", "message", ...}}. StatusCode
// documents the status mapping.
package service
