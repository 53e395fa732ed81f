// Package canvasstore persists canvases with optimistic versioning.
//
// Store keeps one JSON document per canvas in the NATS JetStream KV bucket
// overlay_canvases, with the last ten revisions retained. Memory offers the
// same contract in process, for tests and for running without NATS.
//
// Every canvas carries a Version. Create stores version 1. Save succeeds
// only when the caller's version matches the stored one and then
// increments it; a stale save fails with an invalid-class error wrapping
// errors.ErrVersionConflict.
package canvasstore
